// Package search grounds reviews and consensus rounds with best-effort web
// search. Failures and missing API keys never propagate: callers always get a
// (possibly empty) result list and carry on.
package search

import (
	"context"
	"time"

	"pairvibe/pkg/config"
	"pairvibe/pkg/logx"
	"pairvibe/pkg/proto"
)

// Result is a single search result from any provider.
type Result struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// Provider is a web search backend. Implementations exist for Google Custom
// Search and DuckDuckGo; tests use a scripted provider.
type Provider interface {
	// Name returns a human-readable name for the provider.
	Name() string
	// Search performs a web search and returns results.
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
}

// Searcher is the web-search capability handed to the reviewer and consensus
// runners. A nil *Searcher is valid and reports unavailable.
type Searcher struct {
	provider   Provider
	maxResults int
	timeout    time.Duration
	logger     *logx.Logger
}

const (
	defaultMaxResults = 5
	defaultTimeout    = 30 * time.Second
)

// New creates a searcher over the best available provider, or an unavailable
// searcher when search is disabled by config or no provider can run.
func New(cfg *config.Config) *Searcher {
	if !config.IsSearchEnabled(cfg) {
		return &Searcher{logger: logx.NewLogger("search")}
	}
	return WithProvider(selectProvider())
}

// WithProvider creates a searcher over a specific provider. Used by tests and
// by callers that already selected a backend.
func WithProvider(provider Provider) *Searcher {
	return &Searcher{
		provider:   provider,
		maxResults: defaultMaxResults,
		timeout:    defaultTimeout,
		logger:     logx.NewLogger("search"),
	}
}

// selectProvider chooses the best available search provider.
// Priority: Google Custom Search > DuckDuckGo (fallback).
func selectProvider() Provider {
	status := config.DetectSearchAPIs()
	if status.Available && status.Provider == config.SearchProviderGoogle {
		return NewGoogleProvider(status.GoogleAPIKey, status.GoogleCX)
	}
	return NewDuckDuckGoProvider()
}

// IsAvailable reports whether searches can be issued at all.
func (s *Searcher) IsAvailable() bool {
	return s != nil && s.provider != nil
}

// Search runs one query and returns whatever results it obtained. Errors are
// logged against the step and swallowed; the caller proceeds with an empty
// list. Unavailable searchers return nil immediately.
func (s *Searcher) Search(ctx context.Context, query, stepID string) []Result {
	if !s.IsAvailable() {
		return nil
	}

	searchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	results, err := s.provider.Search(searchCtx, query, s.maxResults)
	if err != nil {
		s.logger.Warn("Search %q failed for step %s (%s): %v", query, stepID, s.provider.Name(), err)
		return nil
	}
	s.logger.Debug("Search %q for step %s: %d results via %s", query, stepID, len(results), s.provider.Name())
	return results
}

// SearchAll runs each query in order and concatenates the results. A failed
// query contributes nothing; later queries still run.
func (s *Searcher) SearchAll(ctx context.Context, queries []string, stepID string) []Result {
	if !s.IsAvailable() || len(queries) == 0 {
		return nil
	}
	var all []Result
	for _, q := range queries {
		if ctx.Err() != nil {
			break
		}
		all = append(all, s.Search(ctx, q, stepID)...)
	}
	return all
}

// FormatResults renders results as a compact text block for inclusion in a
// prompt. Empty input yields an empty string.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var out string
	for i, r := range results {
		if i > 0 {
			out += "\n"
		}
		title := r.Title
		if title == "" {
			title = r.URL
		}
		out += "- " + title
		if r.Description != "" {
			out += ": " + r.Description
		}
		if r.URL != "" {
			out += " (" + r.URL + ")"
		}
	}
	return out
}

// ResultsForStep derives topic queries from the step and runs up to maxQueries
// of them. This is the path the reviewer takes per step.
func (s *Searcher) ResultsForStep(ctx context.Context, step *proto.Step, maxQueries int) []Result {
	if !s.IsAvailable() || step == nil {
		return nil
	}
	return s.SearchAll(ctx, QueriesForStep(step, maxQueries), step.ID)
}
