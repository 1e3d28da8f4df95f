// Package fetcher downloads remote archives into a run workspace, streaming each
// transfer to disk in fixed-size chunks with bounded concurrency.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/domaintext/internal/ingest"
	"github.com/JakeFAU/domaintext/internal/metrics"
)

// Config controls transfer behavior.
type Config struct {
	Concurrency     int
	TransferTimeout time.Duration
	ChunkBytes      int
	UserAgent       string
	// AllowPartial keeps successful archives when some transfers fail.
	AllowPartial bool
}

// Destination resolves file names inside a run workspace.
type Destination interface {
	Path(name string) (string, error)
}

// Result summarizes a batch of transfers.
type Result struct {
	// Archives holds the downloaded files in reference order.
	Archives []ingest.LocalArchive
	Bytes    int64
	Failed   int
	// Failures aggregates per-archive errors tolerated under AllowPartial.
	Failures error
}

// Fetcher downloads archives over HTTP.
type Fetcher struct {
	cfg    Config
	client *http.Client
	retry  *RetryPolicy
	logger *zap.Logger
}

// New builds a Fetcher. A nil client uses NewHTTPClient; a nil retry policy disables retries.
func New(cfg Config, client *http.Client, retry *RetryPolicy, logger *zap.Logger) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 32 * 1024
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 10 * time.Hour
	}
	if client == nil {
		client = NewHTTPClient()
	}
	if retry == nil {
		retry = NewRetryPolicy(0, 0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, client: client, retry: retry, logger: logger}
}

// NewHTTPClient returns a client without an overall timeout; transfers are bounded by
// their own context deadline.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: 2 * time.Minute,
			ExpectContinueTimeout: 1 * time.Second,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// FetchAll downloads every distinct reference into dst. Without AllowPartial the first
// failure cancels the remaining transfers and fails the batch.
func (f *Fetcher) FetchAll(ctx context.Context, refs []ingest.ArchiveReference, dst Destination) (Result, error) {
	type job struct {
		url  string
		path string
	}
	var jobs []job
	seen := make(map[string]struct{}, len(refs))
	names := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if _, dup := seen[ref.URL]; dup {
			continue
		}
		seen[ref.URL] = struct{}{}
		name, err := fileName(ref.URL)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %w", ingest.ErrTransfer, err)
		}
		// Distinct URLs can share a base name across crawl segments.
		for base, n := name, 1; ; n++ {
			if _, taken := names[name]; !taken {
				break
			}
			name = fmt.Sprintf("%d-%s", n, base)
		}
		names[name] = struct{}{}
		p, err := dst.Path(name)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %w", ingest.ErrTransfer, err)
		}
		jobs = append(jobs, job{url: ref.URL, path: p})
	}

	var (
		mu       sync.Mutex
		failures []error
		total    int64
	)
	done := make([]bool, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)
	for i, j := range jobs {
		g.Go(func() error {
			n, err := f.fetchOne(gctx, j.url, j.path)
			if err != nil {
				metrics.ObserveArchiveTransfer("failed", 0)
				err = fmt.Errorf("%w: %s: %w", ingest.ErrTransfer, j.url, err)
				if !f.cfg.AllowPartial {
					return err
				}
				f.logger.Warn("archive transfer failed, continuing", zap.String("url", j.url), zap.Error(err))
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
				return nil
			}
			metrics.ObserveArchiveTransfer("ok", n)
			mu.Lock()
			done[i] = true
			total += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, j := range jobs {
			_ = os.Remove(j.path)
		}
		return Result{}, err
	}

	res := Result{Bytes: total, Failed: len(failures), Failures: errors.Join(failures...)}
	for i, j := range jobs {
		if done[i] {
			res.Archives = append(res.Archives, ingest.LocalArchive{Path: j.path, Compressed: isCompressed(j.path)})
		}
	}
	if len(jobs) > 0 && len(res.Archives) == 0 {
		return Result{}, res.Failures
	}
	return res, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, rawURL, dst string) (int64, error) {
	for attempt := 1; ; attempt++ {
		n, err := f.transfer(ctx, rawURL, dst)
		if err == nil {
			return n, nil
		}
		_ = os.Remove(dst)
		if !f.retry.ShouldRetry(err, attempt) {
			return 0, err
		}
		wait := f.retry.Backoff(attempt)
		f.logger.Info("retrying archive transfer",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := sleep(ctx, wait); err != nil {
			return 0, err
		}
	}
}

func (f *Fetcher) transfer(ctx context.Context, rawURL, dst string) (int64, error) {
	tctx, cancel := context.WithTimeout(ctx, f.cfg.TransferTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(tctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request archive: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, &statusError{code: resp.StatusCode}
	}

	// #nosec G304 -- dst is resolved inside the run workspace.
	file, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create archive file: %w", err)
	}
	f.logger.Info("downloading archive", zap.String("url", rawURL), zap.String("file", path.Base(dst)))

	n, copyErr := copyChunks(file, resp.Body, f.cfg.ChunkBytes)
	closeErr := file.Close()
	if copyErr != nil {
		return n, fmt.Errorf("write archive: %w", copyErr)
	}
	if closeErr != nil {
		return n, fmt.Errorf("close archive file: %w", closeErr)
	}
	f.logger.Info("archive downloaded", zap.String("file", path.Base(dst)), zap.Int64("bytes", n))
	return n, nil
}

// copyChunks streams src to dst using reads of at most chunk bytes.
func copyChunks(dst io.Writer, src io.Reader, chunk int) (int64, error) {
	buf := make([]byte, chunk)
	var written int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
		}
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

func fileName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse archive url: %w", err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("archive url %q has no file name", rawURL)
	}
	return name, nil
}

func isCompressed(p string) bool {
	return strings.HasSuffix(p, ".gz")
}
