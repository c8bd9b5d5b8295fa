// Package factory builds the model-backed capability set and the runner
// factories the engine consumes. Provider resolution, credentials, and the
// middleware chain all come from the config package, honoring the operating
// mode in effect.
package factory

import (
	"context"
	"fmt"
	"time"

	"pairvibe/pkg/capability"
	"pairvibe/pkg/config"
	"pairvibe/pkg/consensus"
	"pairvibe/pkg/engine"
	"pairvibe/pkg/events"
	"pairvibe/pkg/llm"
	"pairvibe/pkg/llm/anthropic"
	"pairvibe/pkg/llm/google"
	"pairvibe/pkg/llm/middleware/metrics"
	"pairvibe/pkg/llm/middleware/retry"
	"pairvibe/pkg/llm/middleware/timeout"
	"pairvibe/pkg/llm/ollama"
	"pairvibe/pkg/llm/openai"
	"pairvibe/pkg/logx"
	"pairvibe/pkg/proto"
	"pairvibe/pkg/reviewer"
	"pairvibe/pkg/search"
	"pairvibe/pkg/state"
)

// Role labels carried on per-client metrics and logs. The judge is the
// alignment model, a third provider so neither side grades its own proposals.
const (
	RoleExecutor = "executor"
	RoleReviewer = "reviewer"
	RoleJudge    = "judge"
)

// Factory builds capability sets and runner factories for one run. The run ID
// becomes a metrics label on every wrapped client.
type Factory struct {
	cfg      *config.Config
	recorder metrics.Recorder
	runID    string
	logger   *logx.Logger
}

// New creates a factory for the given run. A nil recorder disables metrics on
// the built clients.
func New(cfg *config.Config, recorder metrics.Recorder, runID string) *Factory {
	return &Factory{
		cfg:      cfg,
		recorder: recorder,
		runID:    runID,
		logger:   logx.NewLogger("factory"),
	}
}

// Capabilities builds the model-backed capability set. One wrapped client is
// built per role and shared by every capability that role backs: the executor
// client both proposes and executes, the reviewer client both reviews and
// counter-proposes.
func (f *Factory) Capabilities() (*capability.Set, error) {
	executorClient, err := f.buildClient(RoleExecutor, config.GetEffectiveExecutorModel())
	if err != nil {
		return nil, fmt.Errorf("failed to build executor client: %w", err)
	}

	reviewerClient, err := f.buildClient(RoleReviewer, config.GetEffectiveReviewerModel())
	if err != nil {
		return nil, fmt.Errorf("failed to build reviewer client: %w", err)
	}

	judgeClient, err := f.buildClient(RoleJudge, config.GetEffectiveAlignmentModel())
	if err != nil {
		return nil, fmt.Errorf("failed to build alignment client: %w", err)
	}

	return &capability.Set{
		Reviewer:         capability.NewLLMReviewer(reviewerClient),
		ExecutorProposer: capability.NewLLMProposer(executorClient, RoleExecutor),
		ReviewerProposer: capability.NewLLMProposer(reviewerClient, RoleReviewer),
		Aligner:          capability.NewLLMAligner(judgeClient),
		Executor:         capability.NewLLMExecutor(executorClient),
		Searcher:         search.New(f.cfg),
	}, nil
}

// ScriptedCapabilities builds an offline set for dry runs: every step reviews
// clean and executes successfully, triggered consensus sessions align on the
// first round, and nothing touches the network.
func (f *Factory) ScriptedCapabilities() *capability.Set {
	return &capability.Set{
		Reviewer: &capability.ScriptedReviewer{},
		ExecutorProposer: &capability.ScriptedProposer{
			Drafts: []*capability.Draft{{Proposal: "Proceed with the step as written."}},
		},
		ReviewerProposer: &capability.ScriptedProposer{
			Drafts: []*capability.Draft{{Proposal: "Proceed with the step exactly as written."}},
		},
		Aligner:  &capability.HeuristicAligner{},
		Executor: &capability.ScriptedExecutor{},
		Searcher: nil,
	}
}

// Runners builds the reviewer and consensus factories the engine supervises,
// bounded by the orchestration config.
func (f *Factory) Runners(set *capability.Set, sink events.Sink) (reviewer.Factory, consensus.Factory) {
	orch := f.orchestration()

	reviewerFactory := func(ledger *state.Ledger) *reviewer.Runner {
		return reviewer.New(ledger, set.Reviewer, set.Searcher, sink, reviewer.Config{
			MaxLookAhead: orch.MaxLookAhead,
			StepTimeout:  orch.StepReviewTimeout,
		})
	}

	consensusFactory := func() *consensus.Runner {
		return consensus.New(set.ExecutorProposer, set.ReviewerProposer, set.Aligner, set.Searcher, sink, consensus.Config{
			MaxRounds:      orch.MaxConsensusRounds,
			SessionTimeout: orch.ConsensusTimeout,
		})
	}

	return reviewerFactory, consensusFactory
}

// ExecuteFunc adapts a step executor to the engine's callback shape.
// Capability errors become failed results rather than run-fatal conditions.
func ExecuteFunc(executor capability.Executor) engine.ExecuteFunc {
	return func(ctx context.Context, step *proto.Step) *proto.ExecResult {
		start := time.Now()
		exec, err := executor.ExecuteStep(ctx, step)
		elapsed := time.Since(start).Milliseconds()
		if err != nil {
			return &proto.ExecResult{Success: false, Error: err.Error(), DurationMS: elapsed}
		}
		return &proto.ExecResult{Success: exec.Success, Error: exec.Error, DurationMS: elapsed}
	}
}

// buildClient resolves the provider for the model, creates the raw client,
// and wraps it in the middleware chain:
// Metrics -> Retry -> Timeout -> RawClient.
func (f *Factory) buildClient(role, modelName string) (llm.LLMClient, error) {
	provider, err := config.GetModelProvider(modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider for model %s: %w", modelName, err)
	}

	apiKey, err := config.GetAPIKey(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials for provider %s: %w", provider, err)
	}

	var rawClient llm.LLMClient
	switch provider {
	case config.ProviderAnthropic:
		rawClient = anthropic.NewClaudeClient(apiKey, modelName)
	case config.ProviderOpenAI:
		rawClient = openai.NewClient(apiKey, modelName)
	case config.ProviderGoogle:
		rawClient = google.NewGeminiClient(apiKey, modelName)
	case config.ProviderOllama:
		// For Ollama the "key" is the host URL.
		rawClient = ollama.NewClient(apiKey, modelName)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}

	resilience := f.resilience()
	retryPolicy := retry.NewPolicy(retry.Config{
		MaxAttempts:   resilience.Retry.MaxAttempts,
		InitialDelay:  resilience.Retry.InitialDelay,
		MaxDelay:      resilience.Retry.MaxDelay,
		BackoffFactor: resilience.Retry.BackoffFactor,
		Jitter:        resilience.Retry.Jitter,
	}, nil) // Use the default classifier

	f.logger.Info("Built %s client: %s via %s", role, modelName, provider)
	return llm.Chain(rawClient,
		metrics.Middleware(f.recorder, nil, f.runID, role, f.logger),
		retry.Middleware(retryPolicy),
		timeout.Middleware(resilience.Timeout),
	), nil
}

// resilience returns the configured middleware settings, falling back to the
// retry package defaults for hand-built configs that skipped LoadConfig.
func (f *Factory) resilience() config.ResilienceConfig {
	if f.cfg != nil && f.cfg.Agents != nil && f.cfg.Agents.Resilience.Retry.MaxAttempts > 0 {
		return f.cfg.Agents.Resilience
	}
	return config.ResilienceConfig{
		Retry: config.RetryConfig{
			MaxAttempts:   retry.DefaultConfig.MaxAttempts,
			InitialDelay:  retry.DefaultConfig.InitialDelay,
			MaxDelay:      retry.DefaultConfig.MaxDelay,
			BackoffFactor: retry.DefaultConfig.BackoffFactor,
			Jitter:        retry.DefaultConfig.Jitter,
		},
		Timeout: 3 * time.Minute,
	}
}

// orchestration returns the configured run bounds, or the defaults when the
// section is absent.
func (f *Factory) orchestration() config.OrchestrationConfig {
	if f.cfg != nil && f.cfg.Orchestration != nil {
		return *f.cfg.Orchestration
	}
	return config.OrchestrationConfig{
		MaxLookAhead:       config.DefaultMaxLookAhead,
		MaxConsensusRounds: config.DefaultMaxConsensusRounds,
		StepReviewTimeout:  config.DefaultStepReviewTimeout,
		ReviewWaitTimeout:  config.DefaultReviewWaitTimeout,
		ConsensusTimeout:   config.DefaultConsensusTimeout,
	}
}
