// Command pairvibe runs a plan through the dual-agent engine: an executor
// working the steps in order, a reviewer scanning ahead for trouble, and a
// consensus loop settling the steps they disagree on. The binary owns the
// outer shell only; all orchestration semantics live in pkg/engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"pairvibe/internal/factory"
	"pairvibe/internal/kernel"
	"pairvibe/pkg/capability"
	"pairvibe/pkg/config"
	"pairvibe/pkg/engine"
	"pairvibe/pkg/llm/middleware/metrics"
	"pairvibe/pkg/logx"
	"pairvibe/pkg/persistence"
	"pairvibe/pkg/planfile"
	"pairvibe/pkg/proto"
	"pairvibe/pkg/version"
)

func main() {
	// Parse command line flags
	var (
		planPath    = flag.String("plan", "", "Path to the plan file (.json, .yaml, or .yml)")
		projectDir  = flag.String("projectdir", ".", "Project directory")
		offline     = flag.Bool("offline", false, "Force offline mode (local Ollama models only)")
		dryRun      = flag.Bool("dry-run", false, "Exercise the full pipeline with scripted capabilities, no model calls")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	// Handle version flag
	if *showVersion {
		fmt.Printf("pairvibe %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(0)
	}

	if *planPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: pairvibe -plan <plan file> [-projectdir <dir>] [-offline] [-dry-run]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	// User-friendly startup message
	fmt.Println("⏳ Starting up...")

	os.Exit(run(*planPath, *projectDir, *offline, *dryRun))
}

// run contains the main application logic and returns an exit code.
// This allows defers to execute before os.Exit is called.
func run(planPath, projectDir string, offline, dryRun bool) int {
	logger := logx.NewLogger("pairvibe")

	// Warn if projectdir is using default value
	if projectDir == "." {
		config.LogInfo("⚠️  -projectdir not set. Using the current directory.")
	}

	if err := config.LoadConfig(projectDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if err := config.ResolveOperatingMode(offline); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve operating mode: %v\n", err)
		return 1
	}

	// Credentials are only needed when real model calls will be made.
	if !dryRun {
		if err := unlockSecrets(projectDir); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to unlock secrets: %v\n", err)
			return 1
		}
	}

	plan, err := planfile.Load(planPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load plan: %v\n", err)
		return 1
	}
	config.LogInfo("📋 Plan: %s (%d steps)", plan.Name, len(plan.Steps))

	// First signal asks the engine to stop after the in-flight step; the
	// handler is unregistered at that point, so a second signal kills the
	// process the default way.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get config: %v\n", err)
		return 1
	}

	k, err := kernel.NewKernel(ctx, &cfg, projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create kernel: %v\n", err)
		return 1
	}
	defer func() {
		if stopErr := k.Stop(); stopErr != nil {
			logger.Error("Error stopping kernel: %v", stopErr)
		}
	}()

	if err := k.Start(plan); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start kernel: %v\n", err)
		return 1
	}
	config.LogInfo("📋 Run ID: %s", k.RunID)

	eng, err := buildEngine(k, &cfg, planPath, dryRun, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build engine: %v\n", err)
		return 1
	}

	// Live rendering runs until the kernel closes the channel at Stop.
	renderDone := make(chan struct{})
	go func() {
		defer close(renderDone)
		renderEvents(os.Stdout, k.LiveEvents())
	}()

	go func() {
		<-ctx.Done()
		eng.Stop("interrupted by signal")
	}()

	// The run's abort path is eng.Stop, not context cancellation, so the
	// engine gets a background context here.
	result, runErr := eng.Run(context.Background(), plan)
	if runErr != nil {
		logger.Error("Run failed: %v", runErr)
	}
	if result == nil {
		// Run refused to start (engine not idle). Nothing to record.
		fmt.Fprintf(os.Stderr, "Run did not start: %v\n", runErr)
		return 1
	}

	completeRun(k, result)

	// Stop the kernel now so the live channel closes and the renderer
	// drains before the summary prints. The deferred Stop is a no-op after
	// this.
	if stopErr := k.Stop(); stopErr != nil {
		logger.Error("Error stopping kernel: %v", stopErr)
	}
	<-renderDone

	renderSummary(os.Stdout, result, k.Usage.Total())

	if result.StopReason == proto.StopCompleted && result.Progress.Failed == 0 {
		return 0
	}
	return 1
}

// buildEngine assembles the capability set, runner factories, plan hooks,
// and persistence taps around the kernel's infrastructure.
func buildEngine(k *kernel.Kernel, cfg *config.Config, planPath string, dryRun bool, logger *logx.Logger) (*engine.Engine, error) {
	f := factory.New(cfg, k.Usage, k.RunID)

	var set *capability.Set
	if dryRun {
		config.LogInfo("🧪 Dry run: scripted capabilities, no model calls")
		set = f.ScriptedCapabilities()
	} else {
		built, err := f.Capabilities()
		if err != nil {
			return nil, err
		}
		set = built
	}

	reviewerFactory, consensusFactory := f.Runners(set, k.EventSink())
	save, reload := planfile.Hooks(planPath, logger)

	reviewWait := config.DefaultReviewWaitTimeout
	if cfg.Orchestration != nil && cfg.Orchestration.ReviewWaitTimeout > 0 {
		reviewWait = cfg.Orchestration.ReviewWaitTimeout
	}

	return engine.New(engine.Options{
		RunID:      k.RunID,
		Execute:    factory.ExecuteFunc(set.Executor),
		Reviewer:   reviewerFactory,
		Consensus:  consensusFactory,
		SavePlan:   stepSyncSave(save, k.RunID, k.PersistenceChannel),
		ReloadPlan: reload,
		Sink:       k.EventSink(),
		ConsensusAudit: func(runID string, result *proto.ConsensusResult) {
			persistence.PersistConsensusSession(runID, result, k.PersistenceChannel)
		},
		Config: engine.Config{ReviewWaitTimeout: reviewWait},
	})
}

// stepSyncSave wraps the plan save hook so step rows reach the database as
// their outcomes appear in plan snapshots. Snapshots arrive as deep clones
// outside the ledger lock; the reviewer and executor goroutines both mutate,
// so the wrapper serializes itself.
func stepSyncSave(save func(*proto.Plan), runID string, ch chan<- *persistence.Request) func(*proto.Plan) {
	var mu sync.Mutex
	seen := make(map[string]string)

	return func(plan *proto.Plan) {
		mu.Lock()
		defer mu.Unlock()

		save(plan)
		for i, step := range plan.Steps {
			sig := stepSignature(step)
			if seen[step.ID] == sig {
				continue
			}
			seen[step.ID] = sig
			persistence.PersistStepResult(runID, i, step, ch)
		}
	}
}

// stepSignature captures which milestones a step has reached, so each step
// row is rewritten only when something about it changed.
func stepSignature(step *proto.Step) string {
	sig := ""
	if step.Reviewed() {
		sig += fmt.Sprintf("r%d", len(step.Findings))
	}
	if step.Consensus != nil {
		sig += "c" + string(step.Consensus.Status)
	}
	if step.CompletedAt != nil {
		sig += fmt.Sprintf("x%v", step.Passes)
	}
	return sig
}

// completeRun turns the engine result into the final run row.
func completeRun(k *kernel.Kernel, result *engine.Result) {
	k.CompleteRun(completionRequest(k.RunID, result, k.Usage.Total()))
}

// completionRequest maps the engine result and usage totals onto the run
// completion row. Token and cost columns stay NULL for runs that never made
// a model request.
func completionRequest(runID string, result *engine.Result, usage metrics.Usage) *persistence.CompleteRunRequest {
	req := &persistence.CompleteRunRequest{
		RunID:  runID,
		Status: persistence.StatusForStopReason(result.StopReason),
		Counters: &persistence.RunCounters{
			StepsTotal:            result.Progress.Total,
			StepsPassed:           result.Progress.Passed,
			StepsFailed:           result.Progress.Failed,
			ReviewTimeouts:        result.Progress.ReviewTimeouts,
			ConsensusSessions:     result.Progress.ConsensusSessions,
			ManualTriggers:        result.Progress.ManualTriggers,
			ExecutedWithoutReview: result.Progress.ExecutedWithoutReview,
			SycophancyFlags:       result.Progress.SycophancyFlags,
		},
	}

	reason := string(result.StopReason)
	req.StopReason = &reason
	if result.AbortReason != "" {
		abort := result.AbortReason
		req.AbortReason = &abort
	}
	if result.Error != "" {
		errText := result.Error
		req.Error = &errText
	}
	if usage.RequestCount > 0 {
		tokens := usage.TotalTokens
		cost := usage.TotalCost
		req.TokensUsed = &tokens
		req.CostUSD = &cost
	}
	return req
}
