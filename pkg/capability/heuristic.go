package capability

import (
	"context"
	"fmt"
	"strings"
)

// HeuristicAligner judges alignment by token overlap instead of a model
// call. It backs offline/dry runs and serves as the degraded-mode fallback
// when no alignment model is configured.
type HeuristicAligner struct {
	// Threshold is the Jaccard similarity at or above which proposals count
	// as aligned. Zero means DefaultAlignThreshold.
	Threshold float64
}

// DefaultAlignThreshold is the token-overlap similarity treated as agreement.
// Proposals restating the same approach in different words typically land
// near 0.5; unrelated approaches stay well under 0.3.
const DefaultAlignThreshold = 0.45

// CheckAlignment implements Aligner using Jaccard similarity over lowercased
// word sets.
func (h *HeuristicAligner) CheckAlignment(_ context.Context, proposalA, proposalB string) (*Alignment, error) {
	threshold := h.Threshold
	if threshold == 0 {
		threshold = DefaultAlignThreshold
	}

	similarity := jaccard(tokenSet(proposalA), tokenSet(proposalB))
	aligned := similarity >= threshold

	verdict := "diverge"
	if aligned {
		verdict = "align"
	}
	return &Alignment{
		Aligned:    aligned,
		Similarity: similarity,
		Reasoning:  fmt.Sprintf("token overlap %.2f against threshold %.2f: proposals %s", similarity, threshold, verdict),
	}, nil
}

// tokenSet lowercases and splits text into its set of word tokens, dropping
// punctuation-only fragments.
func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if tok != "" {
			set[tok] = true
		}
	}
	return set
}

// jaccard returns |a∩b| / |a∪b|. Two empty sets count as identical.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	intersection := 0
	for tok := range a {
		if b[tok] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
