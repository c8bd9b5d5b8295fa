// Command vibectl inspects finished pairvibe runs: the run history and step
// outcomes in SQLite, the consensus audit trail, archived event logs, and
// aggregated LLM usage from Prometheus. It is read-only; nothing here mutates
// run state.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pairvibe/pkg/config"
	"pairvibe/pkg/eventlog"
	"pairvibe/pkg/metrics"
	"pairvibe/pkg/persistence"
	"pairvibe/pkg/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "runs":
		err = cmdRuns(os.Args[2:])
	case "show":
		err = cmdShow(os.Args[2:])
	case "events":
		err = cmdEvents(os.Args[2:])
	case "log":
		err = cmdLog(os.Args[2:])
	case "usage":
		err = cmdUsage(os.Args[2:])
	case "version":
		fmt.Printf("vibectl %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "vibectl - inspect pairvibe runs\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  vibectl runs   [-projectdir <dir>] [-status <s>] [-limit <n>] [-json]\n")
	fmt.Fprintf(os.Stderr, "  vibectl show   <run-id|latest> [-projectdir <dir>] [-json]\n")
	fmt.Fprintf(os.Stderr, "  vibectl events <run-id|latest> [-projectdir <dir>] [-type <t>] [-limit <n>] [-json]\n")
	fmt.Fprintf(os.Stderr, "  vibectl log    <events.jsonl> [-type <t>] [-json]\n")
	fmt.Fprintf(os.Stderr, "  vibectl usage  <run-id|latest> [-projectdir <dir>] [-prometheus <url>] [-by role|model] [-json]\n")
	fmt.Fprintf(os.Stderr, "  vibectl version\n\n")
	fmt.Fprintf(os.Stderr, "Run IDs may be given as 'latest' to pick the most recent run.\n")
}

// openDatabase opens the project database read path. The schema migration is
// a no-op on an up-to-date database.
func openDatabase(projectDir string) (*sql.DB, error) {
	dbPath := filepath.Join(projectDir, config.ProjectConfigDir, config.DatabaseFilename)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no database at %s (has a run happened here?)", dbPath)
	}
	return persistence.InitializeDatabase(dbPath)
}

// resolveRunID expands the 'latest' shorthand against the run table.
func resolveRunID(db *sql.DB, raw string) (string, error) {
	if raw != "latest" {
		return raw, nil
	}
	run, err := persistence.GetLatestRun(db)
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func cmdRuns(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	projectDir := fs.String("projectdir", ".", "Project directory")
	status := fs.String("status", "", "Filter by status (active, completed, aborted, error, crashed)")
	limit := fs.Int("limit", 20, "Maximum runs to list")
	asJSON := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := openDatabase(*projectDir)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	filter := &persistence.RunFilter{Limit: *limit}
	if *status != "" {
		if !persistence.IsValidRunStatus(*status) {
			return fmt.Errorf("invalid status %q (valid: %s)", *status, strings.Join(persistence.ValidRunStatuses(), ", "))
		}
		filter.Status = status
	}

	runs, err := persistence.NewDatabaseOperations(db, "").ListRuns(filter)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(runs)
	}

	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}
	fmt.Printf("%-36s  %-9s  %-20s  %-11s  %-9s  %s\n", "RUN", "STATUS", "PLAN", "STEPS", "COST", "STARTED")
	for _, run := range runs {
		steps := fmt.Sprintf("%d/%d", run.StepsPassed, run.StepsTotal)
		if run.StepsFailed > 0 {
			steps += fmt.Sprintf(" (%d✗)", run.StepsFailed)
		}
		fmt.Printf("%-36s  %-9s  %-20s  %-11s  $%-8.4f  %s\n",
			run.ID, run.Status, clip(run.PlanName, 20), steps, run.CostUSD,
			run.StartedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func cmdShow(args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("usage: vibectl show <run-id|latest> [options]")
	}
	runArg := args[0]

	fs := flag.NewFlagSet("show", flag.ExitOnError)
	projectDir := fs.String("projectdir", ".", "Project directory")
	asJSON := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	db, err := openDatabase(*projectDir)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	runID, err := resolveRunID(db, runArg)
	if err != nil {
		return err
	}

	ops := persistence.NewDatabaseOperations(db, runID)
	run, err := ops.GetRun(runID)
	if err != nil {
		return err
	}
	steps, err := ops.GetStepResults(runID)
	if err != nil {
		return err
	}
	sessions, err := ops.GetConsensusSessions(runID)
	if err != nil {
		return err
	}

	if *asJSON {
		return printJSON(map[string]any{
			"run":                run,
			"steps":              steps,
			"consensus_sessions": sessions,
		})
	}

	fmt.Printf("Run %s (%s)\n", run.ID, run.Status)
	fmt.Printf("Plan:      %s\n", run.PlanName)
	fmt.Printf("Started:   %s\n", run.StartedAt.Local().Format(time.RFC1123))
	if run.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", run.CompletedAt.Local().Format(time.RFC1123))
	}
	if run.AbortReason != "" {
		fmt.Printf("Aborted:   %s\n", run.AbortReason)
	}
	if run.Error != "" {
		fmt.Printf("Error:     %s\n", run.Error)
	}
	fmt.Printf("Steps:     %d passed, %d failed (of %d)\n", run.StepsPassed, run.StepsFailed, run.StepsTotal)
	fmt.Printf("Reviews:   %d timeout(s), %d executed without review\n", run.ReviewTimeouts, run.ExecutedWithoutReview)
	fmt.Printf("Consensus: %d session(s), %d manual trigger(s), %d sycophancy flag(s)\n",
		run.ConsensusSessions, run.ManualTriggers, run.SycophancyFlags)
	if run.TokensUsed > 0 {
		fmt.Printf("Usage:     %d tokens, $%.4f\n", run.TokensUsed, run.CostUSD)
	}

	if len(steps) > 0 {
		fmt.Printf("\n%-4s %-24s %-7s %-14s %s\n", "#", "STEP", "RESULT", "REVIEW", "CONSENSUS")
		for _, s := range steps {
			result := "fail"
			if s.Passes {
				result = "pass"
			}
			if s.CompletedAt == nil {
				result = "-"
			}

			review := "none"
			if findings, ferr := s.Findings(); ferr == nil && findings != nil {
				review = fmt.Sprintf("%d finding(s)", len(findings))
			}
			if s.ExecutedWithoutReview {
				review += " (unreviewed)"
			}

			consensus := "-"
			if s.ConsensusJSON != nil {
				consensus = "recorded"
			}
			fmt.Printf("%-4d %-24s %-7s %-14s %s\n", s.Position, clip(s.StepID, 24), result, review, consensus)
		}
	}

	if len(sessions) > 0 {
		fmt.Println("\nCONSENSUS SESSIONS")
		for _, c := range sessions {
			line := fmt.Sprintf("  %s: %s, decided by %s after %d round(s)", c.StepID, c.Status, c.DecidedBy, c.Rounds)
			if proposals, perr := c.Proposals(); perr == nil && len(proposals) > 0 {
				line += fmt.Sprintf(", %d proposal(s)", len(proposals))
			}
			if c.Similarity > 0 {
				line += fmt.Sprintf(", similarity %.2f", c.Similarity)
			}
			if c.UsedEscalation {
				line += ", escalated"
			}
			fmt.Println(line)
		}
	}
	return nil
}

func cmdEvents(args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("usage: vibectl events <run-id|latest> [options]")
	}
	runArg := args[0]

	fs := flag.NewFlagSet("events", flag.ExitOnError)
	projectDir := fs.String("projectdir", ".", "Project directory")
	eventType := fs.String("type", "", "Filter by event type")
	limit := fs.Int("limit", 200, "Maximum events to list")
	asJSON := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	db, err := openDatabase(*projectDir)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	runID, err := resolveRunID(db, runArg)
	if err != nil {
		return err
	}

	records, err := persistence.NewDatabaseOperations(db, runID).GetEvents(&persistence.GetEventsRequest{
		RunID: runID,
		Type:  *eventType,
		Limit: *limit,
	})
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(records)
	}

	for _, rec := range records {
		printEventLine(rec.CreatedAt, rec.Type, rec.StepID, rec.Message, rec.Error, rec.DetailJSON)
	}
	if len(records) == 0 {
		fmt.Println("No events found.")
	}
	return nil
}

// cmdLog reads a daily JSONL archive directly, for inspecting a project
// without its database or an event file copied off-host.
func cmdLog(args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("usage: vibectl log <events.jsonl> [options]")
	}
	path := args[0]

	fs := flag.NewFlagSet("log", flag.ExitOnError)
	eventType := fs.String("type", "", "Filter by event type")
	asJSON := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	events, err := eventlog.ReadEvents(path)
	if err != nil {
		return err
	}

	if *eventType != "" {
		filtered := events[:0]
		for _, ev := range events {
			if string(ev.Type) == *eventType {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	if *asJSON {
		return printJSON(events)
	}

	for _, ev := range events {
		detail := ""
		if len(ev.Detail) > 0 {
			raw, merr := json.Marshal(ev.Detail)
			if merr == nil {
				detail = string(raw)
			}
		}
		printEventLine(ev.Timestamp, string(ev.Type), ev.StepID, ev.Message, ev.Error, detail)
	}
	if len(events) == 0 {
		fmt.Println("No events found.")
	}
	return nil
}

func printEventLine(ts time.Time, eventType, stepID, message, errText, detail string) {
	note := message
	if errText != "" {
		note = "error: " + errText
	}
	if note == "" {
		note = clip(detail, 60)
	}
	fmt.Printf("%s  %-22s %-14s %s\n", ts.Local().Format("15:04:05"), eventType, clip(stepID, 14), note)
}

func cmdUsage(args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("usage: vibectl usage <run-id|latest> [options]")
	}
	runArg := args[0]

	fs := flag.NewFlagSet("usage", flag.ExitOnError)
	projectDir := fs.String("projectdir", ".", "Project directory")
	promURL := fs.String("prometheus", "http://localhost:9090", "Prometheus base URL")
	by := fs.String("by", "", "Break usage down by 'role' or 'model'")
	asJSON := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	// 'latest' still needs the database; a literal run ID does not.
	runID := runArg
	if runArg == "latest" {
		db, err := openDatabase(*projectDir)
		if err != nil {
			return err
		}
		runID, err = resolveRunID(db, runArg)
		_ = db.Close()
		if err != nil {
			return err
		}
	}

	svc, err := metrics.NewQueryService(*promURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch *by {
	case "":
		run, qerr := svc.GetRunMetrics(ctx, runID)
		if qerr != nil {
			return qerr
		}
		if *asJSON {
			return printJSON(run)
		}
		fmt.Printf("Run %s\n", run.RunID)
		fmt.Printf("Prompt tokens:     %d\n", run.PromptTokens)
		fmt.Printf("Completion tokens: %d\n", run.CompletionTokens)
		fmt.Printf("Total tokens:      %d\n", run.TotalTokens)
		fmt.Printf("Total cost:        $%.4f\n", run.TotalCost)
		return nil

	case "role", "model":
		var grouped map[string]*metrics.RunMetrics
		var qerr error
		if *by == "role" {
			grouped, qerr = svc.GetRunMetricsByRole(ctx, runID)
		} else {
			grouped, qerr = svc.GetRunMetricsByModel(ctx, runID)
		}
		if qerr != nil {
			return qerr
		}
		if *asJSON {
			return printJSON(grouped)
		}
		if len(grouped) == 0 {
			fmt.Println("No usage recorded for this run.")
			return nil
		}
		fmt.Printf("%-24s %-14s %-14s %s\n", strings.ToUpper(*by), "PROMPT", "COMPLETION", "COST")
		for name, m := range grouped {
			fmt.Printf("%-24s %-14d %-14d $%.4f\n", name, m.PromptTokens, m.CompletionTokens, m.TotalCost)
		}
		return nil

	default:
		return fmt.Errorf("invalid -by value %q (valid: role, model)", *by)
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
