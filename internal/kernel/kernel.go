// Package kernel provides shared infrastructure management for a run.
// It owns the project database, the async persistence worker, the metrics
// recorder, and the event fan-out that feeds live consumers, the JSONL
// archive, and the run history tables. The host binary and tests assemble
// runs through the kernel so lifecycle ordering lives in exactly one place.
package kernel

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"pairvibe/pkg/config"
	"pairvibe/pkg/eventlog"
	"pairvibe/pkg/events"
	"pairvibe/pkg/llm/middleware/metrics"
	"pairvibe/pkg/logx"
	"pairvibe/pkg/persistence"
	"pairvibe/pkg/proto"
)

// Kernel manages shared infrastructure components for a single run.
// It provides a single source of truth for infrastructure lifecycle:
// construct, Start with the plan, hand EventSink and Usage to the engine
// wiring, CompleteRun with the final status, then Stop to drain and close.
type Kernel struct {
	// Context is embedded rather than a field to avoid containedctx lint error
	ctx    context.Context //nolint:containedctx // Required for kernel lifecycle management
	cancel context.CancelFunc

	// Configuration and logging
	Config *config.Config
	Logger *logx.Logger

	// Core infrastructure services (concrete types, no over-abstraction)
	Database              *sql.DB
	PersistenceChannel    chan *persistence.Request
	persistenceWorkerDone chan struct{} // Signals when persistence worker has finished draining
	EventLog              *eventlog.Writer
	Live                  *events.ChannelSink
	Usage                 *metrics.UsageTracker

	sink events.Sink // composite fan-out handed to the engine

	// Runtime state
	RunID      string
	projectDir string
	running    bool
}

// NewKernel creates a kernel with shared infrastructure for one run.
// The run ID is assigned here and scopes every database row and archived
// event the run produces.
func NewKernel(parent context.Context, cfg *config.Config, projectDir string) (*Kernel, error) {
	ctx, cancel := context.WithCancel(parent)

	k := &Kernel{
		ctx:        ctx,
		cancel:     cancel,
		Config:     cfg,
		Logger:     logx.NewLogger("kernel"),
		RunID:      uuid.New().String(),
		projectDir: projectDir,
		running:    false,
	}

	if err := k.initializeServices(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}

	return k, nil
}

// initializeServices sets up all the core infrastructure services.
func (k *Kernel) initializeServices() error {
	if err := k.initializeDatabase(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := k.initializeEventSinks(); err != nil {
		return fmt.Errorf("failed to initialize event sinks: %w", err)
	}

	k.initializeRecorder()

	k.Logger.Info("Kernel services initialized successfully")
	return nil
}

// initializeDatabase sets up the database connection and persistence channel.
func (k *Kernel) initializeDatabase() error {
	// Create the pairvibe directory if it doesn't exist
	pairvibeDir := filepath.Join(k.projectDir, config.ProjectConfigDir)
	if err := os.MkdirAll(pairvibeDir, 0755); err != nil {
		return fmt.Errorf("failed to create pairvibe directory: %w", err)
	}

	// Database path
	dbPath := filepath.Join(pairvibeDir, config.DatabaseFilename)

	// Initialize database with schema using persistence package
	var err error
	k.Database, err = persistence.InitializeDatabase(dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Create persistence channel
	k.PersistenceChannel = make(chan *persistence.Request, 100)

	k.Logger.Info("Database initialized with schema: %s", dbPath)
	return nil
}

// initializeEventSinks builds the event fan-out: a buffered channel for live
// consumers, the daily JSONL archive, and a bridge onto the persistence queue
// so finished runs can be replayed from the database.
func (k *Kernel) initializeEventSinks() error {
	logDir := filepath.Join(k.projectDir, config.ProjectConfigDir, config.EventLogDirName)

	var err error
	k.EventLog, err = eventlog.NewWriter(logDir)
	if err != nil {
		return fmt.Errorf("failed to create event log writer: %w", err)
	}

	// Prune old daily files so the archive doesn't grow without bound.
	keep := 7
	if k.Config.Logs != nil && k.Config.Logs.RotationCount > 0 {
		keep = k.Config.Logs.RotationCount
	}
	if removed, pruneErr := eventlog.Prune(logDir, keep); pruneErr != nil {
		k.Logger.Warn("Failed to prune old event logs: %v", pruneErr)
	} else if removed > 0 {
		k.Logger.Info("Pruned %d old event log file(s)", removed)
	}

	k.Live = events.NewChannelSink(256)
	k.sink = events.NewMultiSink(k.Live, k.EventLog, &archiveSink{runID: k.RunID, ch: k.PersistenceChannel})
	return nil
}

// initializeRecorder wires the LLM metrics recorder. Prometheus counters are
// registered only when metrics are enabled; the usage tracker wraps whichever
// recorder is active so running cost totals are available in-process either
// way, published as cost-update events.
func (k *Kernel) initializeRecorder() {
	var base metrics.Recorder = metrics.Nop()
	if k.Config.Agents != nil && k.Config.Agents.Metrics.Enabled && k.Config.Agents.Metrics.Exporter == "prometheus" {
		base = metrics.NewPrometheusRecorder()
		k.Logger.Info("Prometheus metrics recorder enabled")
	}

	k.Usage = metrics.NewUsageTracker(base, func(u metrics.Usage) {
		ev := proto.NewEvent(proto.EventCostUpdate)
		ev.Message = fmt.Sprintf("$%.4f across %d tokens", u.TotalCost, u.TotalTokens)
		ev.SetDetail(proto.KeyTokens, u.TotalTokens)
		ev.SetDetail(proto.KeyCostUSD, u.TotalCost)
		k.sink.Publish(ev)
	})
}

// Start begins kernel services and records the run. The plan supplies the
// identity fields for the run row; counters and final status land at
// completion.
func (k *Kernel) Start(plan *proto.Plan) error {
	if k.running {
		return fmt.Errorf("kernel already running")
	}

	k.Logger.Info("Starting kernel services...")

	// Start persistence worker before anything can enqueue requests
	k.startPersistenceWorker()

	// Create the run record in the database. This must happen after the
	// database is initialized but before the engine starts.
	if err := k.createRunRecord(plan); err != nil {
		return fmt.Errorf("failed to create run record: %w", err)
	}

	k.running = true
	k.Logger.Info("Kernel services started successfully")
	return nil
}

// EventSink returns the composite sink the engine publishes to.
func (k *Kernel) EventSink() events.Sink {
	return k.sink
}

// LiveEvents exposes the buffered live feed for interactive consumers. The
// channel closes during Stop.
func (k *Kernel) LiveEvents() <-chan *proto.Event {
	return k.Live.Events()
}

// Ops returns database operations scoped to the current run. Intended for
// read paths; writes go through the persistence channel.
func (k *Kernel) Ops() *persistence.DatabaseOperations {
	return persistence.NewDatabaseOperations(k.Database, k.RunID)
}

// ProjectDir returns the project directory path.
func (k *Kernel) ProjectDir() string {
	return k.projectDir
}

// Context returns the kernel's lifecycle context. The engine run derives
// from it so Stop cancels the whole tree.
func (k *Kernel) Context() context.Context {
	return k.ctx
}

// CompleteRun enqueues the final run update. Call before Stop so the drain
// flushes it to the database.
func (k *Kernel) CompleteRun(req *persistence.CompleteRunRequest) {
	if req == nil {
		return
	}
	if req.RunID == "" {
		req.RunID = k.RunID
	}
	persistence.PersistRunCompletion(req, k.PersistenceChannel)
}

// Stop gracefully shuts down all kernel services. Producers (the engine and
// its runners) must have returned before Stop is called.
func (k *Kernel) Stop() error {
	if !k.running {
		return nil
	}

	k.Logger.Info("Stopping kernel services...")

	// Cancel context FIRST to stop any remaining producers from sending to
	// the persistence channel. This prevents "send on closed channel" panics
	// when we drain the queue.
	k.cancel()

	// Now that producers are stopped, drain persistence queue BEFORE closing database.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), config.GracefulShutdownTimeoutSec*time.Second)
	if err := k.DrainPersistenceQueue(drainCtx); err != nil {
		k.Logger.Warn("Persistence queue drain issue: %v", err)
	}
	drainCancel()

	// Close database AFTER persistence queue is drained.
	if k.Database != nil {
		if err := k.Database.Close(); err != nil {
			k.Logger.Error("Error closing database: %v", err)
		}
	}

	if k.EventLog != nil {
		if err := k.EventLog.Close(); err != nil {
			k.Logger.Error("Error closing event log: %v", err)
		}
	}

	// Closing the live sink lets interactive consumers finish their loops.
	if k.Live != nil {
		k.Live.Close()
	}

	k.running = false
	k.Logger.Info("Kernel services stopped")
	return nil
}

// DrainPersistenceQueue closes the persistence channel and waits for pending writes to complete.
// This should be called during graceful shutdown to ensure all state is persisted.
// Returns an error if the drain times out.
func (k *Kernel) DrainPersistenceQueue(ctx context.Context) error {
	if k.PersistenceChannel == nil {
		return nil
	}

	k.Logger.Info("Draining persistence queue...")
	close(k.PersistenceChannel)
	k.PersistenceChannel = nil // Prevent double-close in Stop()

	if k.persistenceWorkerDone == nil {
		return nil
	}

	select {
	case <-k.persistenceWorkerDone:
		k.Logger.Info("Persistence queue drained successfully")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for persistence queue to drain: %w", ctx.Err())
	}
}

// createRunRecord creates the run row for the current run. Without it the
// completion update at shutdown has nothing to land on and run history
// queries would never show the run.
func (k *Kernel) createRunRecord(plan *proto.Plan) error {
	// First, mark any runs left active by a previous crash
	staleCount, err := persistence.MarkStaleRuns(k.Database)
	if err != nil {
		k.Logger.Warn("Failed to mark stale runs: %v", err)
		// Continue anyway - this is not fatal
	} else if staleCount > 0 {
		k.Logger.Info("Marked %d stale run(s) as crashed", staleCount)
	}

	// Create config snapshot for the run record
	configJSON, err := persistence.ConfigSnapshotToJSON(k.Config)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	planID, planName := "", ""
	if plan != nil {
		planID, planName = plan.ID, plan.Name
	}

	// Create the run record
	if err := persistence.CreateRun(k.Database, k.RunID, planID, planName, configJSON); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	k.Logger.Info("Created run record: %s", k.RunID)
	return nil
}

// startPersistenceWorker begins the database persistence worker goroutine.
// The worker drains all pending requests before signaling completion via persistenceWorkerDone.
func (k *Kernel) startPersistenceWorker() {
	k.persistenceWorkerDone = make(chan struct{})

	go func() {
		defer close(k.persistenceWorkerDone)
		k.Logger.Debug("Starting persistence worker")

		// Create database operations handler with run isolation.
		// The run ID ensures every row the worker writes is attributed to
		// the current run.
		ops := persistence.NewDatabaseOperations(k.Database, k.RunID)

		for req := range k.PersistenceChannel {
			if req != nil {
				k.processPersistenceRequest(req, ops)
			}
		}

		k.Logger.Info("Persistence worker finished draining queue")
	}()
}

// processPersistenceRequest handles individual persistence operations.
//
//nolint:cyclop // Simple switch statement for database operations
func (k *Kernel) processPersistenceRequest(req *persistence.Request, ops *persistence.DatabaseOperations) {
	switch req.Operation {
	case persistence.OpUpsertRun:
		if run, ok := req.Data.(*persistence.Run); ok {
			if err := ops.UpsertRun(run); err != nil {
				k.Logger.Error("Failed to upsert run: %v", err)
			} else {
				k.Logger.Debug("Upserted run: %s", run.ID)
			}
		}

	case persistence.OpCompleteRun:
		if completeReq, ok := req.Data.(*persistence.CompleteRunRequest); ok {
			if err := ops.CompleteRun(completeReq); err != nil {
				k.Logger.Error("Failed to complete run %s: %v", completeReq.RunID, err)
			} else {
				k.Logger.Info("Run %s marked %s", completeReq.RunID, completeReq.Status)
			}
		}

	case persistence.OpUpsertStepResult:
		if result, ok := req.Data.(*persistence.StepResult); ok {
			if err := ops.UpsertStepResult(result); err != nil {
				k.Logger.Error("Failed to upsert step result %s: %v", result.StepID, err)
			} else {
				k.Logger.Debug("Upserted step result: %s", result.StepID)
			}
		}

	case persistence.OpInsertConsensusSession:
		if session, ok := req.Data.(*persistence.ConsensusSession); ok {
			if err := ops.InsertConsensusSession(session); err != nil {
				k.Logger.Error("Failed to insert consensus session: %v", err)
			} else {
				k.Logger.Info("Recorded consensus session %s for step %s", session.ID, session.StepID)
			}
		}

	case persistence.OpInsertEvent:
		if record, ok := req.Data.(*persistence.EventRecord); ok {
			if err := ops.InsertEvent(record); err != nil {
				k.Logger.Error("Failed to archive event %s: %v", record.Type, err)
			}
		}

	case persistence.OpGetRun:
		if req.Response != nil {
			runID, _ := req.Data.(string)
			run, err := ops.GetRun(runID)
			if err != nil {
				k.Logger.Error("Failed to get run: %v", err)
				req.Response <- err
			} else {
				req.Response <- run
			}
		}

	case persistence.OpListRuns:
		if req.Response != nil {
			filter, _ := req.Data.(*persistence.RunFilter)
			runs, err := ops.ListRuns(filter)
			if err != nil {
				k.Logger.Error("Failed to list runs: %v", err)
				req.Response <- err
			} else {
				req.Response <- runs
			}
		}

	case persistence.OpGetRunSummary:
		if req.Response != nil {
			runID, _ := req.Data.(string)
			summary, err := ops.GetRunSummary(runID)
			if err != nil {
				k.Logger.Error("Failed to get run summary: %v", err)
				req.Response <- err
			} else {
				req.Response <- summary
			}
		}

	case persistence.OpGetStepResults:
		if req.Response != nil {
			runID, _ := req.Data.(string)
			results, err := ops.GetStepResults(runID)
			if err != nil {
				k.Logger.Error("Failed to get step results: %v", err)
				req.Response <- err
			} else {
				req.Response <- results
			}
		}

	case persistence.OpGetConsensusSessions:
		if req.Response != nil {
			runID, _ := req.Data.(string)
			sessions, err := ops.GetConsensusSessions(runID)
			if err != nil {
				k.Logger.Error("Failed to get consensus sessions: %v", err)
				req.Response <- err
			} else {
				req.Response <- sessions
			}
		}

	case persistence.OpGetEvents:
		if req.Response != nil {
			eventsReq, _ := req.Data.(*persistence.GetEventsRequest)
			if eventsReq == nil {
				eventsReq = &persistence.GetEventsRequest{}
			}
			records, err := ops.GetEvents(eventsReq)
			if err != nil {
				k.Logger.Error("Failed to get events: %v", err)
				req.Response <- err
			} else {
				req.Response <- records
			}
		}

	default:
		k.Logger.Error("Unknown persistence operation: %v", req.Operation)
		if req.Response != nil {
			req.Response <- fmt.Errorf("unknown operation: %v", req.Operation)
		}
	}
}

// archiveSink bridges engine events onto the persistence queue. It holds the
// channel captured at startup; producers have returned before the queue is
// drained, so the send never races the close.
type archiveSink struct {
	runID string
	ch    chan *persistence.Request
}

// Publish implements events.Sink.
func (s *archiveSink) Publish(ev *proto.Event) {
	persistence.PersistEvent(s.runID, ev, s.ch)
}
