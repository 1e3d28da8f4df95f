package warc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/domaintext/internal/ingest"
)

// Stats counts extractor decisions for one archive.
type Stats struct {
	Records     int
	Extracted   int
	Filtered    int
	Undecodable int
	MissingURI  int
	Oversized   int
}

// Extractor yields text records from decompressed archives.
type Extractor struct {
	types  map[string]struct{}
	logger *zap.Logger
}

// NewExtractor builds an Extractor that keeps records whose WARC-Type is in
// recordTypes. An empty list keeps every type.
func NewExtractor(recordTypes []string, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	types := make(map[string]struct{}, len(recordTypes))
	for _, t := range recordTypes {
		if t = strings.TrimSpace(strings.ToLower(t)); t != "" {
			types[t] = struct{}{}
		}
	}
	return &Extractor{types: types, logger: logger}
}

// Extract reads the archive at path in file order and calls fn for every kept
// record. The archive is removed once extraction ends, whatever the outcome.
func (e *Extractor) Extract(ctx context.Context, path string, fn func(ingest.ExtractedRecord) error) (stats Stats, err error) {
	f, err := os.Open(path)
	if err != nil {
		return stats, fmt.Errorf("open archive: %w", err)
	}
	defer func() {
		_ = f.Close()
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			e.logger.Warn("failed to remove archive", zap.String("archive", path), zap.Error(rmErr))
		}
	}()

	rd := NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("extract %s: %w", path, err)
		}
		stats.Records++

		if !e.keep(rec.Type()) {
			stats.Filtered++
			continue
		}
		if rec.Oversized {
			stats.Oversized++
			e.logger.Debug("skipping oversized record",
				zap.String("archive", path),
				zap.Int("record", stats.Records),
			)
			continue
		}
		if !utf8.Valid(rec.FirstLine) {
			stats.Undecodable++
			e.logger.Debug("skipping undecodable record",
				zap.String("archive", path),
				zap.Int("record", stats.Records),
			)
			continue
		}
		out := ingest.ExtractedRecord{
			ContentType: rec.Header.Get(HeaderContentType),
			RecordType:  rec.Type(),
			Text:        strings.ReplaceAll(string(rec.FirstLine), "\x00", ""),
			Headers:     rec.Header,
		}
		if out.TargetURI() == "" {
			stats.MissingURI++
			continue
		}
		stats.Extracted++
		if err := fn(out); err != nil {
			return stats, err
		}
	}

	e.logger.Debug("archive extracted",
		zap.String("archive", path),
		zap.Int("records", stats.Records),
		zap.Int("extracted", stats.Extracted),
		zap.Int("undecodable", stats.Undecodable),
		zap.Int("missing_uri", stats.MissingURI),
		zap.Int("oversized", stats.Oversized),
	)
	return stats, nil
}

func (e *Extractor) keep(recordType string) bool {
	if len(e.types) == 0 {
		return true
	}
	_, ok := e.types[strings.ToLower(recordType)]
	return ok
}
