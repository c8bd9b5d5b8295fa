package search

import (
	"strings"

	"pairvibe/pkg/proto"
)

// topicRule maps step-text keywords to a search query template. Rules are
// checked in order; each contributes at most one query.
type topicRule struct {
	keywords []string
	query    string
}

// topicRules is the keyword heuristic used to ground reviews. The {title}
// placeholder is replaced with the step title.
//
//nolint:gochecknoglobals // Static rule table
var topicRules = []topicRule{
	{[]string{"auth", "login", "password", "token", "session", "oauth"},
		"{title} security best practices OWASP"},
	{[]string{"performance", "optimize", "slow", "cache", "latency", "scale"},
		"{title} performance optimization techniques"},
	{[]string{"react", "component", "hook", "jsx"},
		"react {title} best practices"},
	{[]string{"database", "sql", "query", "migration", "schema", "index"},
		"{title} database design pitfalls"},
	{[]string{"api", "endpoint", "rest", "graphql", "grpc"},
		"{title} API design guidelines"},
	{[]string{"test", "testing", "coverage", "mock"},
		"{title} testing strategies"},
	{[]string{"deploy", "docker", "kubernetes", "ci", "pipeline"},
		"{title} deployment best practices"},
	{[]string{"concurren", "thread", "race", "lock", "goroutine", "async"},
		"{title} concurrency pitfalls"},
}

// QueriesForStep derives up to maxQueries search queries from the step's
// title and description. The first query is always the raw title (current
// documentation for whatever the step is about); further queries come from
// keyword rules. Steps with no matching topics get the title query only.
func QueriesForStep(step *proto.Step, maxQueries int) []string {
	if step == nil || maxQueries <= 0 {
		return nil
	}

	title := strings.TrimSpace(step.Title)
	if title == "" {
		return nil
	}

	queries := []string{title + " implementation guide"}
	haystack := strings.ToLower(title + " " + step.Description)

	for _, rule := range topicRules {
		if len(queries) >= maxQueries {
			break
		}
		for _, kw := range rule.keywords {
			if strings.Contains(haystack, kw) {
				queries = append(queries, strings.ReplaceAll(rule.query, "{title}", title))
				break
			}
		}
	}

	if len(queries) > maxQueries {
		queries = queries[:maxQueries]
	}
	return queries
}

// QueriesForConsensus derives queries for an escalation round: the step topic
// queries plus the leading finding, bounded to maxQueries.
func QueriesForConsensus(step *proto.Step, findings []string, maxQueries int) []string {
	if maxQueries <= 0 {
		return nil
	}

	var queries []string
	if len(findings) > 0 {
		q := strings.TrimSpace(findings[0])
		if q != "" {
			// Findings read like review prose; clip to a query-sized prefix.
			if len(q) > 120 {
				q = q[:120]
			}
			queries = append(queries, q)
		}
	}
	for _, q := range QueriesForStep(step, maxQueries) {
		if len(queries) >= maxQueries {
			break
		}
		queries = append(queries, q)
	}
	if len(queries) > maxQueries {
		queries = queries[:maxQueries]
	}
	return queries
}
