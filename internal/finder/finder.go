// Package finder answers domain lookups from the text store, running the archive
// ingestion pipeline when the store has nothing for a domain yet.
package finder

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/domaintext/internal/fetcher"
	"github.com/JakeFAU/domaintext/internal/ingest"
	"github.com/JakeFAU/domaintext/internal/metrics"
	"github.com/JakeFAU/domaintext/internal/warc"
	"github.com/JakeFAU/domaintext/internal/workspace"
)

// Pipeline states reported in logs.
const (
	StateQueryingLocal        = "QUERYING_LOCAL"
	StateResolvingIndex       = "RESOLVING_INDEX"
	StateFetching             = "FETCHING"
	StateDecompressing        = "DECOMPRESSING"
	StateExtractingAndStoring = "EXTRACTING_AND_STORING"
	StateRequerying           = "REQUERYING"
)

// ArchiveResolver maps a domain to text archive references.
type ArchiveResolver interface {
	Resolve(ctx context.Context, domain string, limit int) ([]ingest.ArchiveReference, error)
}

// ArchiveFetcher downloads archives into a destination.
type ArchiveFetcher interface {
	FetchAll(ctx context.Context, refs []ingest.ArchiveReference, dst fetcher.Destination) (fetcher.Result, error)
}

// ArchiveDecompressor inflates a downloaded archive.
type ArchiveDecompressor interface {
	Decompress(ctx context.Context, archive ingest.LocalArchive) (ingest.LocalArchive, error)
}

// RecordExtractor streams text records out of an archive file.
type RecordExtractor interface {
	Extract(ctx context.Context, path string, fn func(ingest.ExtractedRecord) error) (warc.Stats, error)
}

// TextNormalizer cleans extracted text.
type TextNormalizer interface {
	Normalize(text string) (string, bool)
}

// Config controls ingestion runs.
type Config struct {
	LinksLimit          int
	WorkDir             string
	Timeout             time.Duration
	MaxConcurrentRuns   int
	ExtractConcurrency  int
	SkipCorruptArchives bool
}

// Deps are the collaborators a Finder drives.
type Deps struct {
	Store        ingest.TextStore
	Predictions  ingest.PredictionStore
	Resolver     ArchiveResolver
	Fetcher      ArchiveFetcher
	Decompressor ArchiveDecompressor
	Extractor    RecordExtractor
	Normalizer   TextNormalizer
	Logger       *zap.Logger
	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

// Finder orchestrates lookups and on-demand ingestion.
type Finder struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	runs   *semaphore.Weighted
	group  singleflight.Group
}

// New validates deps and builds a Finder.
func New(cfg Config, deps Deps) (*Finder, error) {
	if deps.Store == nil {
		return nil, errors.New("text store is required")
	}
	if deps.Resolver == nil || deps.Fetcher == nil || deps.Decompressor == nil || deps.Extractor == nil || deps.Normalizer == nil {
		return nil, errors.New("ingestion pipeline is incomplete")
	}
	if cfg.LinksLimit <= 0 {
		cfg.LinksLimit = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 12 * time.Hour
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 1
	}
	if cfg.ExtractConcurrency <= 0 {
		cfg.ExtractConcurrency = 1
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Finder{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		runs:   semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
	}, nil
}

// FindData returns stored rows for domain, ingesting archives first when the store has none.
// A domain the crawl index does not know yields OutcomeNotFound, not an error.
func (f *Finder) FindData(ctx context.Context, domain string) (ingest.LookupResult, error) {
	result := ingest.LookupResult{Domain: domain, Outcome: ingest.OutcomeNotFound}
	log := f.logger.With(zap.String("domain", domain))

	log.Debug("lookup state", zap.String("state", StateQueryingLocal))
	rows, err := f.deps.Store.QueryByDomain(ctx, domain)
	if err != nil {
		metrics.ObserveLookup("data", "error")
		return result, fmt.Errorf("query local rows: %w", err)
	}
	if len(rows) > 0 {
		result.Outcome = ingest.OutcomeFound
		result.Rows = rows
		metrics.ObserveLookup("data", string(result.Outcome))
		return result, nil
	}

	log.Info("domain not in store, ingesting from crawl archives")
	_, err = f.ingestOnce(ctx, domain)
	switch {
	case errors.Is(err, ingest.ErrNoArchives):
		log.Info("crawl index has no archives for domain")
		metrics.ObserveLookup("data", string(result.Outcome))
		return result, nil
	case err != nil:
		metrics.ObserveLookup("data", "error")
		return result, err
	}
	result.Ingested = true

	log.Debug("lookup state", zap.String("state", StateRequerying))
	rows, err = f.deps.Store.QueryByDomain(ctx, domain)
	if err != nil {
		metrics.ObserveLookup("data", "error")
		return result, fmt.Errorf("requery rows: %w", err)
	}
	if len(rows) > 0 {
		result.Outcome = ingest.OutcomeFound
		result.Rows = rows
	}
	metrics.ObserveLookup("data", string(result.Outcome))
	return result, nil
}

// FindPredictions returns stored predictions for domain. It never ingests.
func (f *Finder) FindPredictions(ctx context.Context, domain string) (ingest.PredictionResult, error) {
	result := ingest.PredictionResult{Domain: domain, Outcome: ingest.OutcomeNotFound}
	if f.deps.Predictions == nil {
		return result, errors.New("prediction store is not configured")
	}
	preds, err := f.deps.Predictions.QueryPredictions(ctx, domain)
	if err != nil {
		metrics.ObserveLookup("predictions", "error")
		return result, fmt.Errorf("query predictions: %w", err)
	}
	if len(preds) > 0 {
		result.Outcome = ingest.OutcomeFound
		result.Predictions = preds
	}
	metrics.ObserveLookup("predictions", string(result.Outcome))
	return result, nil
}

// Ping checks the text store.
func (f *Finder) Ping(ctx context.Context) error {
	return f.deps.Store.Ping(ctx)
}

// ingestOnce collapses concurrent ingestions of the same domain into one run. The shared
// run outlives any single caller's cancellation and is bounded by the ingestion timeout;
// each caller stops waiting when its own context ends.
func (f *Finder) ingestOnce(ctx context.Context, domain string) (ingest.RunStats, error) {
	runCtx := context.WithoutCancel(ctx)
	ch := f.group.DoChan(domain, func() (any, error) {
		return f.Ingest(runCtx, domain)
	})
	select {
	case <-ctx.Done():
		return ingest.RunStats{}, ctx.Err()
	case res := <-ch:
		stats, _ := res.Val.(ingest.RunStats)
		return stats, res.Err
	}
}

// Ingest runs the archive pipeline for domain once, without consulting the store first.
// It returns ingest.ErrNoArchives when the crawl index has nothing for the domain.
func (f *Finder) Ingest(ctx context.Context, domain string) (ingest.RunStats, error) {
	var stats ingest.RunStats

	if err := f.runs.Acquire(ctx, 1); err != nil {
		return stats, fmt.Errorf("wait for ingestion slot: %w", err)
	}
	defer f.runs.Release(1)

	metrics.IncActiveIngestions()
	defer metrics.DecActiveIngestions()

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	runID := newRunID()
	log := f.logger.With(zap.String("run_id", runID), zap.String("domain", domain))
	start := time.Now()

	stats, err := f.run(ctx, domain, runID, log)
	status := "ok"
	switch {
	case errors.Is(err, ingest.ErrNoArchives):
		status = "no_archives"
	case err != nil:
		status = "failed"
	}
	metrics.ObserveIngestion(status, time.Since(start))

	fields := []zap.Field{
		zap.String("status", status),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("archives_resolved", stats.ArchivesResolved),
		zap.Int("archives_fetched", stats.ArchivesFetched),
		zap.Int("archives_failed", stats.ArchivesFailed),
		zap.Int64("bytes_fetched", stats.BytesFetched),
		zap.Int("records_extracted", stats.RecordsExtracted),
		zap.Int("rows_inserted", stats.RowsInserted),
		zap.Int("rows_duplicate", stats.RowsDuplicate),
		zap.Int("rows_dropped", stats.RowsDropped),
		zap.Int("rows_failed", stats.RowsFailed),
	}
	if err != nil && status == "failed" {
		log.Error("ingestion failed", append(fields, zap.Error(err))...)
	} else {
		log.Info("ingestion finished", fields...)
	}
	return stats, err
}

func (f *Finder) run(ctx context.Context, domain, runID string, log *zap.Logger) (ingest.RunStats, error) {
	var stats ingest.RunStats

	log.Info("ingestion state", zap.String("state", StateResolvingIndex))
	refs, err := f.deps.Resolver.Resolve(ctx, domain, f.cfg.LinksLimit)
	if err != nil {
		return stats, err
	}
	stats.ArchivesResolved = len(refs)

	ws, err := workspace.New(f.cfg.WorkDir, runID)
	if err != nil {
		return stats, fmt.Errorf("create workspace: %w", err)
	}
	defer func() {
		if cerr := ws.Close(); cerr != nil {
			log.Warn("failed to remove workspace", zap.String("dir", ws.Dir()), zap.Error(cerr))
		}
	}()

	log.Info("ingestion state", zap.String("state", StateFetching), zap.Int("archives", len(refs)))
	fetched, err := f.deps.Fetcher.FetchAll(ctx, refs, ws)
	stats.ArchivesFetched = len(fetched.Archives)
	stats.ArchivesFailed = fetched.Failed
	stats.BytesFetched = fetched.Bytes
	if err != nil {
		return stats, err
	}
	if fetched.Failures != nil {
		log.Warn("continuing with partial archive set", zap.Int("failed", fetched.Failed), zap.Error(fetched.Failures))
	}

	log.Info("ingestion state", zap.String("state", StateDecompressing), zap.Int("archives", len(fetched.Archives)))
	plain, skipped, err := f.decompressAll(ctx, fetched.Archives, log)
	stats.ArchivesFailed += skipped
	if err != nil {
		return stats, err
	}

	log.Info("ingestion state", zap.String("state", StateExtractingAndStoring), zap.Int("archives", len(plain)))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.ExtractConcurrency)
	for _, archive := range plain {
		g.Go(func() error {
			local, err := f.extractArchive(gctx, domain, archive, log)
			mu.Lock()
			mergeStats(&stats, local)
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	if stats.RowsFailed > 0 && stats.RowsInserted == 0 && stats.RowsDuplicate == 0 {
		return stats, fmt.Errorf("%w: all %d row inserts failed", ingest.ErrStore, stats.RowsFailed)
	}
	return stats, nil
}

// decompressAll inflates every archive before any record is stored, so a corrupt archive
// under the abort policy leaves the store untouched. It returns the inflated archives in
// input order and how many corrupt ones were skipped.
func (f *Finder) decompressAll(ctx context.Context, archives []ingest.LocalArchive, log *zap.Logger) ([]ingest.LocalArchive, int, error) {
	out := make([]ingest.LocalArchive, len(archives))
	ok := make([]bool, len(archives))
	var skipped atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.ExtractConcurrency)
	for i, archive := range archives {
		g.Go(func() error {
			plain, err := f.deps.Decompressor.Decompress(gctx, archive)
			if err != nil {
				metrics.ObserveArchive("decompress", "failed")
				if f.cfg.SkipCorruptArchives && errors.Is(err, ingest.ErrDecompress) {
					skipped.Add(1)
					log.Warn("skipping corrupt archive", zap.String("archive", archive.Path), zap.Error(err))
					return nil
				}
				return err
			}
			metrics.ObserveArchive("decompress", "ok")
			out[i], ok[i] = plain, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, int(skipped.Load()), err
	}

	plain := make([]ingest.LocalArchive, 0, len(archives))
	for i := range out {
		if ok[i] {
			plain = append(plain, out[i])
		}
	}
	return plain, int(skipped.Load()), nil
}

// extractArchive streams the records of one inflated archive into the store.
func (f *Finder) extractArchive(ctx context.Context, domain string, archive ingest.LocalArchive, log *zap.Logger) (ingest.RunStats, error) {
	var stats ingest.RunStats

	position := 0
	extracted, err := f.deps.Extractor.Extract(ctx, archive.Path, func(rec ingest.ExtractedRecord) error {
		position++
		return f.storeRecord(ctx, domain, archive.Path, position, rec, &stats, log)
	})
	stats.RecordsExtracted = extracted.Extracted
	stats.RecordsUndecodable = extracted.Undecodable
	stats.RecordsMissingURI = extracted.MissingURI
	metrics.ObserveRecords("extracted", extracted.Extracted)
	metrics.ObserveRecords("filtered", extracted.Filtered)
	metrics.ObserveRecords("undecodable", extracted.Undecodable)
	metrics.ObserveRecords("missing_uri", extracted.MissingURI)
	metrics.ObserveRecords("oversized", extracted.Oversized)
	if err != nil {
		metrics.ObserveArchive("extract", "failed")
		if f.cfg.SkipCorruptArchives && errors.Is(err, ingest.ErrMalformedArchive) {
			stats.ArchivesFailed++
			log.Warn("skipping malformed archive", zap.String("archive", archive.Path), zap.Error(err))
			return stats, nil
		}
		return stats, err
	}
	metrics.ObserveArchive("extract", "ok")
	stats.ArchivesExtracted++
	return stats, nil
}

// storeRecord normalizes rec and inserts it. Only context errors abort the archive.
func (f *Finder) storeRecord(
	ctx context.Context,
	domain, archivePath string,
	position int,
	rec ingest.ExtractedRecord,
	stats *ingest.RunStats,
	log *zap.Logger,
) error {
	row, ok := f.buildRow(domain, rec)
	if !ok {
		stats.RowsDropped++
		metrics.ObserveRow("dropped")
		log.Debug("dropping record",
			zap.String("archive", archivePath),
			zap.Int("position", position),
			zap.String("url", rec.TargetURI()),
		)
		return nil
	}

	err := f.deps.Store.InsertRow(ctx, row)
	switch {
	case err == nil:
		stats.RowsInserted++
		metrics.ObserveRow("inserted")
	case errors.Is(err, ingest.ErrDuplicate):
		stats.RowsDuplicate++
		metrics.ObserveRow("duplicate")
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		stats.RowsFailed++
		metrics.ObserveRow("failed")
		log.Warn("row insert failed",
			zap.String("archive", archivePath),
			zap.Int("position", position),
			zap.String("url", row.URL),
			zap.Error(err),
		)
	}
	return nil
}

func (f *Finder) buildRow(domain string, rec ingest.ExtractedRecord) (ingest.NormalizedRow, bool) {
	target := rec.TargetURI()
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return ingest.NormalizedRow{}, false
	}
	text, ok := f.deps.Normalizer.Normalize(rec.Text)
	if !ok {
		return ingest.NormalizedRow{}, false
	}
	return ingest.NormalizedRow{
		Domain:         u.Host,
		Created:        f.deps.Now(),
		Text:           text,
		IsAccompanying: !strings.Contains(u.Host, domain),
		URL:            target,
	}, true
}

func mergeStats(dst *ingest.RunStats, src ingest.RunStats) {
	dst.ArchivesFailed += src.ArchivesFailed
	dst.ArchivesExtracted += src.ArchivesExtracted
	dst.RecordsExtracted += src.RecordsExtracted
	dst.RecordsUndecodable += src.RecordsUndecodable
	dst.RecordsMissingURI += src.RecordsMissingURI
	dst.RowsDropped += src.RowsDropped
	dst.RowsInserted += src.RowsInserted
	dst.RowsDuplicate += src.RowsDuplicate
	dst.RowsFailed += src.RowsFailed
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
