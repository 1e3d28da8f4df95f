package ingest

import (
	"net/textproto"
	"time"
)

// ArchiveKind is the classification the crawl index assigned to an archive path.
type ArchiveKind string

// Archive kinds reported by the crawl index.
const (
	ArchiveKindText       ArchiveKind = "text"
	ArchiveKindDiagnostic ArchiveKind = "diagnostic"
	ArchiveKindRobots     ArchiveKind = "robots"
	ArchiveKindRaw        ArchiveKind = "raw"
	ArchiveKindMetadata   ArchiveKind = "metadata"
)

// IndexEntry is one capture returned by the crawl index.
type IndexEntry struct {
	URLKey    string `json:"urlkey"`
	Timestamp string `json:"timestamp"`
	URL       string `json:"url"`
	MIME      string `json:"mime"`
	Status    string `json:"status"`
	Filename  string `json:"filename"`
}

// ArchiveReference points at the text variant of a remote archive.
// Kind keeps the index's original classification; URL always names the text variant.
type ArchiveReference struct {
	URL  string
	Kind ArchiveKind
}

// LocalArchive is an archive file inside a run workspace.
type LocalArchive struct {
	Path       string
	Compressed bool
}

// Record type and header names used by the extractor.
const (
	RecordTypeConversion = "conversion"
	HeaderTargetURI      = "WARC-Target-URI"
)

// ExtractedRecord is one record lifted out of a decompressed archive.
type ExtractedRecord struct {
	ContentType string
	RecordType  string
	// Text is the first line of the record body.
	Text    string
	Headers textproto.MIMEHeader
}

// TargetURI returns the WARC-Target-URI header or an empty string.
func (r ExtractedRecord) TargetURI() string {
	return r.Headers.Get(HeaderTargetURI)
}

// NormalizedRow is a cleaned text row ready for insertion.
type NormalizedRow struct {
	Domain         string    `json:"domain"`
	Created        time.Time `json:"created"`
	Text           string    `json:"text"`
	IsAccompanying bool      `json:"is_accompanying"`
	URL            string    `json:"url"`
}

// StoredRow is a row read back from the text store.
type StoredRow = NormalizedRow

// Prediction is a row of the predictions table.
type Prediction struct {
	Domain      string `json:"domain"`
	Predictions string `json:"predictions"`
}

// Outcome is the terminal state of a lookup.
type Outcome string

// Lookup outcomes.
const (
	OutcomeFound    Outcome = "found"
	OutcomeNotFound Outcome = "not_found"
)

// LookupResult is returned by the orchestrator for a single domain.
type LookupResult struct {
	Domain  string
	Outcome Outcome
	Rows    []StoredRow
	// Ingested reports whether the archive pipeline ran for this lookup.
	Ingested bool
}

// PredictionResult is returned by the predictions lookup.
type PredictionResult struct {
	Domain      string
	Outcome     Outcome
	Predictions []Prediction
}

// RunStats counts what happened during one ingestion run.
type RunStats struct {
	ArchivesResolved   int
	ArchivesFetched    int
	ArchivesFailed     int
	ArchivesExtracted  int
	BytesFetched       int64
	RecordsExtracted   int
	RecordsUndecodable int
	RecordsMissingURI  int
	RowsDropped        int
	RowsInserted       int
	RowsDuplicate      int
	RowsFailed         int
}
