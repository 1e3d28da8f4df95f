package index

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/domaintext/internal/ingest"
)

const textSegment = "wet"

// segmentKinds maps index path segments to the archive kind they denote.
var segmentKinds = map[string]ingest.ArchiveKind{
	"crawldiagnostics": ingest.ArchiveKindDiagnostic,
	"robotstxt":        ingest.ArchiveKindRobots,
	"warc":             ingest.ArchiveKindRaw,
	"wat":              ingest.ArchiveKindMetadata,
	textSegment:        ingest.ArchiveKindText,
}

// suffixRewrites maps non-text file suffixes to the text-archive suffix.
var suffixRewrites = []struct{ from, to string }{
	{"warc.wat.gz", "warc.wet.gz"},
	{"warc.gz", "warc.wet.gz"},
}

// Resolver maps a domain to text-variant archive references.
type Resolver struct {
	client ingest.IndexClient
	origin string
	logger *zap.Logger
}

// NewResolver builds a Resolver that joins rewritten paths under origin.
func NewResolver(client ingest.IndexClient, origin string, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		client: client,
		origin: strings.TrimSuffix(origin, "/"),
		logger: logger,
	}
}

// Resolve returns text-variant archive references for domain, preserving index order.
// It returns ingest.ErrNoArchives when the index has no entries.
func (r *Resolver) Resolve(ctx context.Context, domain string, limit int) ([]ingest.ArchiveReference, error) {
	entries, err := r.client.Lookup(ctx, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("index lookup: %w", err)
	}
	if len(entries) == 0 {
		r.logger.Info("crawl index has no entries", zap.String("domain", domain))
		return nil, ingest.ErrNoArchives
	}
	refs := make([]ingest.ArchiveReference, 0, len(entries))
	for _, entry := range entries {
		path, kind := RewritePath(entry.Filename)
		refs = append(refs, ingest.ArchiveReference{
			URL:  r.origin + "/" + strings.TrimPrefix(path, "/"),
			Kind: kind,
		})
	}
	return refs, nil
}

// RewritePath converts an index file path to its text-variant path and reports the
// original archive kind. Rewriting an already-text path returns it unchanged.
func RewritePath(path string) (string, ingest.ArchiveKind) {
	kind := ingest.ArchiveKindText
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if k, ok := segmentKinds[seg]; ok {
			if k != ingest.ArchiveKindText {
				kind = k
			}
			seg = textSegment
		}
		for _, rw := range suffixRewrites {
			if strings.Contains(seg, rw.from) {
				seg = strings.Replace(seg, rw.from, rw.to, 1)
				break
			}
		}
		segments[i] = seg
	}
	return strings.Join(segments, "/"), kind
}
