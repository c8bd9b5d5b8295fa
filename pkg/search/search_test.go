package search

import (
	"context"
	"errors"
	"strings"
	"testing"

	"pairvibe/pkg/proto"
)

// scriptedProvider returns canned results or a canned error.
type scriptedProvider struct {
	results []Result
	err     error
	queries []string
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Search(_ context.Context, query string, _ int) ([]Result, error) {
	p.queries = append(p.queries, query)
	if p.err != nil {
		return nil, p.err
	}
	return p.results, nil
}

func TestNilSearcherIsUnavailable(t *testing.T) {
	var s *Searcher
	if s.IsAvailable() {
		t.Error("nil searcher should report unavailable")
	}
	if got := s.Search(context.Background(), "anything", "s1"); got != nil {
		t.Errorf("Search on nil searcher = %v, want nil", got)
	}
}

func TestSearchSwallowsProviderErrors(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("quota exceeded")}
	s := WithProvider(provider)

	got := s.Search(context.Background(), "go concurrency", "s1")
	if got != nil {
		t.Errorf("Search = %v, want nil on provider error", got)
	}
	if len(provider.queries) != 1 {
		t.Errorf("provider saw %d queries, want 1", len(provider.queries))
	}
}

func TestSearchAllConcatenates(t *testing.T) {
	provider := &scriptedProvider{results: []Result{{Title: "hit", URL: "https://example.com"}}}
	s := WithProvider(provider)

	got := s.SearchAll(context.Background(), []string{"q1", "q2", "q3"}, "s1")
	if len(got) != 3 {
		t.Errorf("SearchAll returned %d results, want 3", len(got))
	}
	if len(provider.queries) != 3 {
		t.Errorf("provider saw queries %v, want 3", provider.queries)
	}
}

func TestSearchAllStopsOnCancelledContext(t *testing.T) {
	provider := &scriptedProvider{results: []Result{{Title: "hit"}}}
	s := WithProvider(provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := s.SearchAll(ctx, []string{"q1", "q2"}, "s1")
	if len(got) != 0 {
		t.Errorf("SearchAll on cancelled context = %v, want none", got)
	}
}

func TestQueriesForStepTopicDerivation(t *testing.T) {
	tests := []struct {
		name     string
		step     *proto.Step
		max      int
		wantSub  string
		wantLen  int
		exactLen bool
	}{
		{
			name:    "auth step gets OWASP query",
			step:    &proto.Step{ID: "s1", Title: "Add login endpoint", Description: "password auth with sessions"},
			max:     3,
			wantSub: "OWASP",
		},
		{
			name:    "perf step gets optimization query",
			step:    &proto.Step{ID: "s2", Title: "Optimize hot path", Description: "reduce latency with a cache"},
			max:     3,
			wantSub: "performance optimization",
		},
		{
			name:    "react step gets react query",
			step:    &proto.Step{ID: "s3", Title: "Build settings component", Description: "react hooks for form state"},
			max:     3,
			wantSub: "react",
		},
		{
			name:     "plain step gets title query only",
			step:     &proto.Step{ID: "s4", Title: "Write the changelog"},
			max:      3,
			wantLen:  1,
			exactLen: true,
		},
		{
			name:     "budget caps query count",
			step:     &proto.Step{ID: "s5", Title: "Auth API performance tests", Description: "login token cache testing"},
			max:      2,
			wantLen:  2,
			exactLen: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queries := QueriesForStep(tt.step, tt.max)
			if len(queries) == 0 {
				t.Fatal("no queries derived")
			}
			if len(queries) > tt.max {
				t.Errorf("derived %d queries, budget %d", len(queries), tt.max)
			}
			if tt.exactLen && len(queries) != tt.wantLen {
				t.Errorf("derived %d queries %v, want %d", len(queries), queries, tt.wantLen)
			}
			if tt.wantSub != "" {
				found := false
				for _, q := range queries {
					if strings.Contains(q, tt.wantSub) {
						found = true
					}
				}
				if !found {
					t.Errorf("queries %v missing %q", queries, tt.wantSub)
				}
			}
		})
	}
}

func TestQueriesForStepNilAndEmpty(t *testing.T) {
	if got := QueriesForStep(nil, 3); got != nil {
		t.Errorf("QueriesForStep(nil) = %v", got)
	}
	if got := QueriesForStep(&proto.Step{ID: "s", Title: "  "}, 3); got != nil {
		t.Errorf("QueriesForStep(blank title) = %v", got)
	}
	if got := QueriesForStep(&proto.Step{ID: "s", Title: "x"}, 0); got != nil {
		t.Errorf("QueriesForStep(max 0) = %v", got)
	}
}

func TestQueriesForConsensusLeadsWithFinding(t *testing.T) {
	step := &proto.Step{ID: "s1", Title: "Add login endpoint", Description: "auth"}
	findings := []string{"token storage is vulnerable to XSS", "second concern"}

	queries := QueriesForConsensus(step, findings, 2)
	if len(queries) != 2 {
		t.Fatalf("got %d queries %v, want 2", len(queries), queries)
	}
	if !strings.Contains(queries[0], "token storage") {
		t.Errorf("first query %q should come from the leading finding", queries[0])
	}
}

func TestFormatResults(t *testing.T) {
	if FormatResults(nil) != "" {
		t.Error("empty results should format to empty string")
	}

	out := FormatResults([]Result{
		{Title: "Go docs", Description: "language spec", URL: "https://go.dev"},
		{Description: "untitled entry", URL: "https://example.com"},
	})
	if !strings.Contains(out, "Go docs: language spec") {
		t.Errorf("formatted output missing titled entry:\n%s", out)
	}
	if !strings.Contains(out, "https://example.com") {
		t.Errorf("formatted output missing fallback-title entry:\n%s", out)
	}
}

func TestResultsForStepUnavailable(t *testing.T) {
	s := &Searcher{} // no provider
	step := &proto.Step{ID: "s1", Title: "anything"}
	if got := s.ResultsForStep(context.Background(), step, 3); got != nil {
		t.Errorf("ResultsForStep without provider = %v, want nil", got)
	}
}
