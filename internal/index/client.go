// Package index resolves a domain to the text-variant archives that hold its captures,
// using the Common Crawl CDX index server.
package index

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/domaintext/internal/ingest"
)

// DefaultMaxCollections covers roughly a year of monthly crawls.
const DefaultMaxCollections = 12

// ClientConfig controls CDX lookups.
type ClientConfig struct {
	// CDXAPI pins a single collection endpoint. When empty the collections listed in
	// CollInfoURL are consulted, newest first.
	CDXAPI         string
	CollInfoURL    string
	MaxCollections int
	MatchType      string
	Timeout        time.Duration
	UserAgent      string

	// Limiter throttles requests to the index server. Nil disables throttling.
	Limiter Limiter
}

// Limiter gates outbound requests by URL.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Client implements ingest.IndexClient against a CDX server.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *zap.Logger
}

// collection is one entry of collinfo.json.
type collection struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	CDXAPI string `json:"cdx-api"`
}

// NewClient builds a CDX client. A nil httpClient uses a client with cfg.Timeout.
func NewClient(cfg ClientConfig, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if cfg.MaxCollections <= 0 {
		cfg.MaxCollections = DefaultMaxCollections
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}
}

// Lookup returns up to limit index entries for domain in index iteration order.
func (c *Client) Lookup(ctx context.Context, domain string, limit int) ([]ingest.IndexEntry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	endpoints, err := c.endpoints(ctx)
	if err != nil {
		return nil, err
	}
	var entries []ingest.IndexEntry
	for _, endpoint := range endpoints {
		remaining := limit - len(entries)
		if remaining <= 0 {
			break
		}
		batch, err := c.query(ctx, endpoint, domain, remaining)
		if err != nil {
			return nil, err
		}
		c.logger.Debug("cdx collection queried",
			zap.String("endpoint", endpoint),
			zap.String("domain", domain),
			zap.Int("entries", len(batch)),
		)
		entries = append(entries, batch...)
	}
	return entries, nil
}

func (c *Client) endpoints(ctx context.Context) ([]string, error) {
	if c.cfg.CDXAPI != "" {
		return []string{c.cfg.CDXAPI}, nil
	}
	body, status, err := c.get(ctx, c.cfg.CollInfoURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: collinfo returned status %d", ingest.ErrIndex, status)
	}
	var collections []collection
	if err := json.NewDecoder(body).Decode(&collections); err != nil {
		return nil, fmt.Errorf("%w: decode collinfo: %v", ingest.ErrIndex, err)
	}
	var out []string
	for _, col := range collections {
		if col.CDXAPI == "" {
			continue
		}
		out = append(out, col.CDXAPI)
		if len(out) == c.cfg.MaxCollections {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: collinfo lists no collections", ingest.ErrIndex)
	}
	return out, nil
}

func (c *Client) query(ctx context.Context, endpoint, domain string, limit int) ([]ingest.IndexEntry, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: parse cdx endpoint: %v", ingest.ErrIndex, err)
	}
	q := u.Query()
	q.Set("url", domain)
	q.Set("output", "json")
	q.Set("limit", strconv.Itoa(limit))
	if c.cfg.MatchType != "" && c.cfg.MatchType != "exact" {
		q.Set("matchType", c.cfg.MatchType)
	}
	u.RawQuery = q.Encode()

	body, status, err := c.get(ctx, u.String())
	if err != nil {
		return nil, err
	}
	defer body.Close()

	switch {
	case status == http.StatusNotFound:
		// The CDX server answers 404 when a collection has no captures.
		_, _ = io.Copy(io.Discard, body)
		return nil, nil
	case status != http.StatusOK:
		return nil, fmt.Errorf("%w: cdx query returned status %d", ingest.ErrIndex, status)
	}

	var entries []ingest.IndexEntry
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry ingest.IndexEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("%w: decode cdx line: %v", ingest.ErrIndex, err)
		}
		if entry.Filename == "" {
			continue
		}
		entries = append(entries, entry)
		if len(entries) == limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read cdx response: %v", ingest.ErrIndex, err)
	}
	return entries, nil
}

func (c *Client) get(ctx context.Context, target string) (io.ReadCloser, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: build request: %v", ingest.ErrIndex, err)
	}
	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Wait(ctx, target); err != nil {
			return nil, 0, fmt.Errorf("%w: %w", ingest.ErrIndex, err)
		}
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ingest.ErrIndex, err)
	}
	return resp.Body, resp.StatusCode, nil
}
