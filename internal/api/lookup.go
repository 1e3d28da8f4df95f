package api

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/JakeFAU/domaintext/internal/ingest"
)

// DomainPattern is the hostname shape accepted by the lookup endpoints.
var DomainPattern = regexp.MustCompile(`^([a-z0-9]+(-[a-z0-9]+)*\.)+[a-z]{2,}$`)

// Status values written into response entries.
const (
	StatusOK          = "OK"
	StatusNotFound    = "Not Found"
	StatusUnavailable = "Service Unavailable"
)

// Finder answers domain lookups.
type Finder interface {
	FindData(ctx context.Context, domain string) (ingest.LookupResult, error)
	FindPredictions(ctx context.Context, domain string) (ingest.PredictionResult, error)
	Ping(ctx context.Context) error
}

// DataEntry is one stored row in a find_data response.
type DataEntry struct {
	Domain         string    `json:"domain"`
	Created        time.Time `json:"created"`
	Text           string    `json:"text"`
	IsAccompanying bool      `json:"is_accompanying"`
	URL            string    `json:"url"`
}

// PredictionEntry is one stored prediction in a find_predictions response.
type PredictionEntry struct {
	Domain      string `json:"domain"`
	Predictions string `json:"predictions"`
}

// StatusEntry terminates the entries of a single domain.
type StatusEntry struct {
	Domain string `json:"domain,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NormalizeDomains lower-cases and trims domains and checks them against DomainPattern.
func NormalizeDomains(domains []string) ([]string, error) {
	if len(domains) == 0 {
		return nil, fmt.Errorf("at least one domain is required")
	}
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if !DomainPattern.MatchString(d) {
			return nil, fmt.Errorf("invalid domain %q", d)
		}
		out = append(out, d)
	}
	return out, nil
}

// LookupData resolves every domain in order and concatenates the per-domain
// entries. ok is false when any domain failed for a reason other than not being found.
func LookupData(ctx context.Context, f Finder, domains []string) (entries []any, ok bool) {
	ok = true
	for _, domain := range domains {
		res, err := f.FindData(ctx, domain)
		if err != nil {
			ok = false
			entries = append(entries, StatusEntry{Domain: domain, Status: StatusUnavailable, Error: err.Error()})
			continue
		}
		if res.Outcome != ingest.OutcomeFound {
			entries = append(entries, StatusEntry{Domain: domain, Status: StatusNotFound})
			continue
		}
		for _, row := range res.Rows {
			entries = append(entries, DataEntry{
				Domain:         row.Domain,
				Created:        row.Created,
				Text:           row.Text,
				IsAccompanying: row.IsAccompanying,
				URL:            row.URL,
			})
		}
		entries = append(entries, StatusEntry{Status: StatusOK})
	}
	return entries, ok
}

// LookupPredictions is the predictions counterpart of LookupData.
func LookupPredictions(ctx context.Context, f Finder, domains []string) (entries []any, ok bool) {
	ok = true
	for _, domain := range domains {
		res, err := f.FindPredictions(ctx, domain)
		if err != nil {
			ok = false
			entries = append(entries, StatusEntry{Domain: domain, Status: StatusUnavailable, Error: err.Error()})
			continue
		}
		if res.Outcome != ingest.OutcomeFound {
			entries = append(entries, StatusEntry{Domain: domain, Status: StatusNotFound})
			continue
		}
		for _, p := range res.Predictions {
			entries = append(entries, PredictionEntry{Domain: p.Domain, Predictions: p.Predictions})
		}
		entries = append(entries, StatusEntry{Status: StatusOK})
	}
	return entries, ok
}
