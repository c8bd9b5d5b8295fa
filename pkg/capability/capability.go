// Package capability defines the pluggable model-facing capabilities the
// runners consume: step review, proposal generation, blind alignment
// checking, and step execution. LLM-backed implementations live in llm.go;
// scripted ones for tests and dry runs in scripted.go. Swapping a capability
// never changes runner behavior, only where answers come from.
package capability

import (
	"context"

	"pairvibe/pkg/proto"
	"pairvibe/pkg/search"
)

// Analysis is the outcome of reviewing one step. Empty findings mean the
// review raised no concerns.
type Analysis struct {
	Findings  []string `json:"findings"`
	Reasoning string   `json:"reasoning,omitempty"`
}

// Reviewer inspects a step ahead of execution and reports concerns.
type Reviewer interface {
	// Analyze reviews the step, optionally grounded by search results.
	// Implementations honor ctx for cancellation and deadlines.
	Analyze(ctx context.Context, step *proto.Step, searchResults []search.Result) (*Analysis, error)
}

// Draft is one side's generated proposal for a contested step.
type Draft struct {
	Proposal  string `json:"proposal"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Proposer generates one side's approach for a contested step. The executor
// and reviewer sides are distinct Proposer instances, usually backed by
// different models.
type Proposer interface {
	// GenerateProposal drafts an approach for the step given the review
	// findings. Escalate requests a deeper-reasoning pass; searchResults
	// carry optional grounding and may be nil.
	GenerateProposal(ctx context.Context, step *proto.Step, findings []string, escalate bool, searchResults []search.Result) (*Draft, error)
}

// Alignment is the verdict of comparing two anonymized proposals.
type Alignment struct {
	Aligned    bool    `json:"aligned"`
	Similarity float64 `json:"similarity"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// Aligner judges whether two proposals describe the same approach. It
// receives content only, labeled by argument position: provenance must never
// reach an implementation.
type Aligner interface {
	CheckAlignment(ctx context.Context, proposalA, proposalB string) (*Alignment, error)
}

// Execution is the reported outcome of carrying out one step.
type Execution struct {
	Success bool   `json:"success"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Executor carries out one step and reports how it went. The engine's
// execution callback is built on this; when a step carries a consensus
// decision, implementations follow it.
type Executor interface {
	ExecuteStep(ctx context.Context, step *proto.Step) (*Execution, error)
}

// Set bundles the full capability complement the engine wires into its
// runners.
type Set struct {
	Reviewer         Reviewer
	ExecutorProposer Proposer
	ReviewerProposer Proposer
	Aligner          Aligner
	Executor         Executor
	Searcher         *search.Searcher
}
