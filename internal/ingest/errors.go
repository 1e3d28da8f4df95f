package ingest

import "errors"

var (
	// ErrNoArchives means the crawl index has no entries for the domain.
	ErrNoArchives = errors.New("no archives available")
	// ErrTransfer wraps archive download failures.
	ErrTransfer = errors.New("archive transfer failed")
	// ErrDecompress wraps archive inflation failures.
	ErrDecompress = errors.New("archive decompression failed")
	// ErrMalformedArchive marks an archive whose record framing cannot be parsed.
	ErrMalformedArchive = errors.New("malformed archive")
	// ErrStore wraps persistent store failures.
	ErrStore = errors.New("store failure")
	// ErrDuplicate is returned by InsertRow when the row already exists.
	ErrDuplicate = errors.New("duplicate row")
	// ErrIndex wraps crawl index failures.
	ErrIndex = errors.New("crawl index failure")
)

