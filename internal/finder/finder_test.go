package finder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/domaintext/internal/decompress"
	"github.com/JakeFAU/domaintext/internal/fetcher"
	"github.com/JakeFAU/domaintext/internal/ingest"
	"github.com/JakeFAU/domaintext/internal/storage/memory"
	"github.com/JakeFAU/domaintext/internal/textclean"
	"github.com/JakeFAU/domaintext/internal/warc"
)

type page struct {
	uri  string
	text string
}

func wetArchive(t *testing.T, pages ...page) []byte {
	t.Helper()
	var raw strings.Builder
	raw.WriteString("WARC/1.0\r\nWARC-Type: warcinfo\r\nContent-Length: 0\r\n\r\n\r\n\r\n")
	for _, p := range pages {
		body := p.text + "\nsecond line ignored\n"
		fmt.Fprintf(&raw, "WARC/1.0\r\nWARC-Type: conversion\r\nWARC-Target-URI: %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s\r\n\r\n",
			p.uri, len(body), body)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(raw.String()))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type fakeResolver struct {
	refs    []ingest.ArchiveReference
	err     error
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (r *fakeResolver) Resolve(ctx context.Context, _ string, _ int) ([]ingest.ArchiveReference, error) {
	r.calls.Add(1)
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.refs, r.err
}

type fakeFetcher struct {
	archives map[string][]byte
	err      error
	calls    atomic.Int32
}

func (f *fakeFetcher) FetchAll(_ context.Context, refs []ingest.ArchiveReference, dst fetcher.Destination) (fetcher.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return fetcher.Result{}, f.err
	}
	var res fetcher.Result
	for _, ref := range refs {
		name := ref.URL[strings.LastIndex(ref.URL, "/")+1:]
		path, err := dst.Path(name)
		if err != nil {
			return fetcher.Result{}, err
		}
		data := f.archives[ref.URL]
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fetcher.Result{}, err
		}
		res.Archives = append(res.Archives, ingest.LocalArchive{Path: path, Compressed: true})
		res.Bytes += int64(len(data))
	}
	return res, nil
}

type failingStore struct {
	*memory.TextStore
}

func (failingStore) InsertRow(context.Context, ingest.NormalizedRow) error {
	return errors.New("disk full")
}

type harness struct {
	finder   *Finder
	store    *memory.TextStore
	resolver *fakeResolver
	fetcher  *fakeFetcher
	workDir  string
}

func newHarness(t *testing.T, cfg Config, store ingest.TextStore) *harness {
	t.Helper()
	mem := memory.NewTextStore(0)
	if store == nil {
		store = mem
	}
	normalizer, err := textclean.New("english", nil)
	require.NoError(t, err)

	h := &harness{
		store:    mem,
		resolver: &fakeResolver{},
		fetcher:  &fakeFetcher{archives: map[string][]byte{}},
		workDir:  t.TempDir(),
	}
	cfg.WorkDir = h.workDir
	h.finder, err = New(cfg, Deps{
		Store:        store,
		Predictions:  memory.NewPredictionStore(0, ingest.Prediction{Domain: "example.com", Predictions: "retail"}),
		Resolver:     h.resolver,
		Fetcher:      h.fetcher,
		Decompressor: decompress.New(nil),
		Extractor:    warc.NewExtractor([]string{ingest.RecordTypeConversion}, nil),
		Normalizer:   normalizer,
		Now:          func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	require.NoError(t, err)
	return h
}

func (h *harness) serve(url string, data []byte) {
	h.resolver.refs = append(h.resolver.refs, ingest.ArchiveReference{URL: url, Kind: ingest.ArchiveKindText})
	h.fetcher.archives[url] = data
}

func assertWorkspaceEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "run workspace should be removed")
}

func TestFindDataServedFromStore(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.store.InsertRow(context.Background(), ingest.NormalizedRow{
		Domain: "example.com", URL: "https://example.com/", Text: "hello",
	}))

	res, err := h.finder.FindData(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, ingest.OutcomeFound, res.Outcome)
	assert.Len(t, res.Rows, 1)
	assert.False(t, res.Ingested)
	assert.Zero(t, h.resolver.calls.Load())
}

func TestFindDataNoArchives(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.resolver.err = ingest.ErrNoArchives

	res, err := h.finder.FindData(context.Background(), "nope.test")
	require.NoError(t, err)
	assert.Equal(t, ingest.OutcomeNotFound, res.Outcome)
	assert.Equal(t, "nope.test", res.Domain)
	assert.Zero(t, h.fetcher.calls.Load(), "no fetch should happen without archives")
}

func TestFindDataIngestsThenFinds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{ExtractConcurrency: 2}, nil)
	h.serve("https://data.example/a/wet/one.warc.wet.gz", wetArchive(t,
		page{uri: "https://example.com/about", text: "About the Example Company"},
		page{uri: "https://other.org/", text: "Unrelated page"},
	))
	h.serve("https://data.example/b/wet/two.warc.wet.gz", wetArchive(t,
		page{uri: "https://shop.example.com/", text: "Buy things at the shop"},
		page{uri: "https://example.com/about", text: "About the Example Company"},
		page{uri: "https://example.com/empty", text: "the of and"},
	))

	res, err := h.finder.FindData(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, ingest.OutcomeFound, res.Outcome)
	assert.True(t, res.Ingested)

	texts := map[string]ingest.StoredRow{}
	for _, r := range res.Rows {
		texts[r.URL] = r
	}
	require.Len(t, texts, 2)
	assert.Equal(t, "example company", texts["https://example.com/about"].Text)
	assert.Equal(t, "example.com", texts["https://example.com/about"].Domain)
	assert.False(t, texts["https://shop.example.com/"].IsAccompanying)
	assert.Equal(t, "buy things shop", texts["https://shop.example.com/"].Text)

	// The unrelated page is kept but flagged, and the duplicate about page is stored once.
	assert.Equal(t, 3, h.store.Len())
	other, err := h.store.QueryByDomain(context.Background(), "other.org")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.True(t, other[0].IsAccompanying)

	assertWorkspaceEmpty(t, h.workDir)
}

func TestFindDataRequeryMiss(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.serve("https://data.example/wet/one.warc.wet.gz", wetArchive(t,
		page{uri: "https://other.org/", text: "Nothing about the requested domain"},
	))

	res, err := h.finder.FindData(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, ingest.OutcomeNotFound, res.Outcome)
	assert.True(t, res.Ingested)
	assert.Equal(t, 1, h.store.Len())
}

func TestFindDataTransferFailureIsError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.resolver.refs = []ingest.ArchiveReference{{URL: "https://data.example/wet/x.warc.wet.gz"}}
	h.fetcher.err = fmt.Errorf("%w: connection reset", ingest.ErrTransfer)

	_, err := h.finder.FindData(context.Background(), "example.com")
	require.ErrorIs(t, err, ingest.ErrTransfer)
	assertWorkspaceEmpty(t, h.workDir)
}

func TestFindDataCorruptArchivePolicy(t *testing.T) {
	t.Parallel()

	good := wetArchive(t, page{uri: "https://example.com/", text: "Welcome home"})

	strict := newHarness(t, Config{}, nil)
	strict.serve("https://data.example/wet/bad.warc.wet.gz", []byte("not gzip"))
	strict.serve("https://data.example/wet/good.warc.wet.gz", good)
	_, err := strict.finder.FindData(context.Background(), "example.com")
	require.ErrorIs(t, err, ingest.ErrDecompress)
	assertWorkspaceEmpty(t, strict.workDir)

	lenient := newHarness(t, Config{SkipCorruptArchives: true}, nil)
	lenient.serve("https://data.example/wet/bad.warc.wet.gz", []byte("not gzip"))
	lenient.serve("https://data.example/wet/good.warc.wet.gz", good)
	res, err := lenient.finder.FindData(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, ingest.OutcomeFound, res.Outcome)
	assert.Equal(t, "welcome home", res.Rows[0].Text)
}

func TestFindDataCorruptArchiveStoresNothing(t *testing.T) {
	t.Parallel()

	good := wetArchive(t, page{uri: "https://example.com/", text: "Welcome home"})
	truncated := good[:len(good)/2]

	h := newHarness(t, Config{ExtractConcurrency: 1}, nil)
	h.serve("https://data.example/wet/good.warc.wet.gz", good)
	h.serve("https://data.example/wet/bad.warc.wet.gz", truncated)

	_, err := h.finder.FindData(context.Background(), "example.com")
	require.ErrorIs(t, err, ingest.ErrDecompress)
	assert.Zero(t, h.store.Len(), "no row may be stored when the run aborts")
	assertWorkspaceEmpty(t, h.workDir)

	// Nothing was stored, so the next lookup ingests again instead of answering from a partial set.
	_, err = h.finder.FindData(context.Background(), "example.com")
	require.ErrorIs(t, err, ingest.ErrDecompress)
	assert.Equal(t, int32(2), h.resolver.calls.Load())
	assert.Zero(t, h.store.Len())
}

func TestIngestAllInsertsFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, failingStore{memory.NewTextStore(0)})
	h.serve("https://data.example/wet/one.warc.wet.gz", wetArchive(t,
		page{uri: "https://example.com/", text: "Welcome home"},
	))

	stats, err := h.finder.Ingest(context.Background(), "example.com")
	require.ErrorIs(t, err, ingest.ErrStore)
	assert.Equal(t, 1, stats.RowsFailed)
	assert.Equal(t, 1, stats.ArchivesResolved)
}

func TestIngestStats(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.serve("https://data.example/wet/one.warc.wet.gz", wetArchive(t,
		page{uri: "https://example.com/", text: "Welcome home"},
		page{uri: "https://example.com/", text: "Welcome home"},
		page{uri: "https://example.com/stop", text: "the and"},
	))

	stats, err := h.finder.Ingest(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ArchivesFetched)
	assert.Equal(t, 1, stats.ArchivesExtracted)
	assert.Equal(t, 3, stats.RecordsExtracted)
	assert.Equal(t, 1, stats.RowsInserted)
	assert.Equal(t, 1, stats.RowsDuplicate)
	assert.Equal(t, 1, stats.RowsDropped)
}

func TestFindDataCollapsesConcurrentIngestion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.serve("https://data.example/wet/one.warc.wet.gz", wetArchive(t,
		page{uri: "https://example.com/", text: "Welcome home"},
	))
	h.resolver.started = make(chan struct{}, 2)
	h.resolver.release = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]ingest.LookupResult, 2)
	errs := make([]error, 2)
	run := func(i int) {
		defer wg.Done()
		results[i], errs[i] = h.finder.FindData(context.Background(), "example.com")
	}

	wg.Add(1)
	go run(0)
	<-h.resolver.started

	wg.Add(1)
	go run(1)
	time.Sleep(100 * time.Millisecond)
	close(h.resolver.release)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, ingest.OutcomeFound, results[i].Outcome)
	}
	assert.Equal(t, int32(1), h.resolver.calls.Load())
	assert.Equal(t, int32(1), h.fetcher.calls.Load())
}

func TestFindDataWaiterSurvivesLeaderCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.serve("https://data.example/wet/one.warc.wet.gz", wetArchive(t,
		page{uri: "https://example.com/", text: "Welcome home"},
	))
	h.resolver.started = make(chan struct{}, 2)
	h.resolver.release = make(chan struct{})

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := h.finder.FindData(leaderCtx, "example.com")
		leaderErr <- err
	}()
	<-h.resolver.started

	type outcome struct {
		res ingest.LookupResult
		err error
	}
	waiter := make(chan outcome, 1)
	go func() {
		res, err := h.finder.FindData(context.Background(), "example.com")
		waiter <- outcome{res: res, err: err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelLeader()
	require.ErrorIs(t, <-leaderErr, context.Canceled)

	close(h.resolver.release)
	got := <-waiter
	require.NoError(t, got.err)
	assert.Equal(t, ingest.OutcomeFound, got.res.Outcome)
	assert.Equal(t, int32(1), h.resolver.calls.Load())
	assert.Equal(t, 1, h.store.Len())
}

func TestFindDataCancelledWhileWaiting(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.resolver.err = ingest.ErrNoArchives
	h.resolver.release = make(chan struct{})
	defer close(h.resolver.release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := h.finder.FindData(ctx, "example.com")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFindPredictions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)

	res, err := h.finder.FindPredictions(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, ingest.OutcomeFound, res.Outcome)
	assert.Equal(t, "retail", res.Predictions[0].Predictions)

	res, err = h.finder.FindPredictions(context.Background(), "missing.test")
	require.NoError(t, err)
	assert.Equal(t, ingest.OutcomeNotFound, res.Outcome)
	assert.Zero(t, h.resolver.calls.Load())
}

func TestNewRequiresPipeline(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
	_, err = New(Config{}, Deps{Store: memory.NewTextStore(0)})
	require.Error(t, err)
}
