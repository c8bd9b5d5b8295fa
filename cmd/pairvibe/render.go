package main

import (
	"fmt"
	"io"
	"time"

	"pairvibe/pkg/engine"
	"pairvibe/pkg/llm/middleware/metrics"
	"pairvibe/pkg/proto"
	"pairvibe/pkg/utils"
)

// renderEvents turns the live event stream into terminal output, one line
// per event the operator cares about. Returns when the channel closes.
func renderEvents(w io.Writer, ch <-chan *proto.Event) {
	for ev := range ch {
		renderEvent(w, ev)
	}
}

// renderEvent writes a single event line. Internal bookkeeping events
// (phase changes, cost updates) are skipped; the logs and the final summary
// carry those.
func renderEvent(w io.Writer, ev *proto.Event) {
	switch ev.Type {
	case proto.EventReviewerStarted:
		fmt.Fprintf(w, "🔍 Reviewing step %s (#%d)\n", ev.StepID, detailInt(ev, proto.KeyIndex))

	case proto.EventReviewerCompleted:
		if ev.Error != "" {
			fmt.Fprintf(w, "⚠️  Review of step %s failed: %s\n", ev.StepID, ev.Error)
			return
		}
		if findings := detailInt(ev, proto.KeyFindings); findings > 0 {
			fmt.Fprintf(w, "🔍 Step %s: %d finding(s)\n", ev.StepID, findings)
		} else {
			fmt.Fprintf(w, "🔍 Step %s: review clean\n", ev.StepID)
		}

	case proto.EventReviewerTimeout:
		if ev.Message != "" {
			fmt.Fprintf(w, "⏱️  Step %s: %s\n", ev.StepID, ev.Message)
		} else {
			fmt.Fprintf(w, "⏱️  Step %s: review timed out\n", ev.StepID)
		}

	case proto.EventReviewerCaughtUp:
		fmt.Fprintln(w, "🔍 Reviewer caught up, all remaining steps reviewed")

	case proto.EventConsensusNeeded:
		if ev.Message != "" {
			fmt.Fprintf(w, "🤝 Consensus requested on step %s: %s\n", ev.StepID, ev.Message)
		} else {
			fmt.Fprintf(w, "🤝 Consensus needed on step %s (%d finding(s))\n", ev.StepID, detailInt(ev, proto.KeyFindings))
		}

	case proto.EventConsensusStarted:
		fmt.Fprintf(w, "🤝 Consensus session on step %s (%d finding(s))\n", ev.StepID, detailInt(ev, proto.KeyFindings))

	case proto.EventConsensusRound:
		status := "proposals differ"
		if detailBool(ev, proto.KeyAligned) {
			status = "proposals aligned"
		}
		fmt.Fprintf(w, "🤝 Step %s round %d: %s\n", ev.StepID, ev.Round, status)

	case proto.EventConsensusCompleted:
		fmt.Fprintf(w, "🤝 Step %s settled by %s after %d round(s)\n",
			ev.StepID, detailString(ev, proto.KeyDecidedBy), detailInt(ev, proto.KeyRounds))

	case proto.EventConsensusTimeout:
		fmt.Fprintf(w, "⏱️  Consensus on step %s timed out in round %d\n", ev.StepID, ev.Round)

	case proto.EventExecutorStarted:
		fmt.Fprintf(w, "▶️  Executing step %s (#%d)\n", ev.StepID, detailInt(ev, proto.KeyIndex))

	case proto.EventExecutorCompleted:
		if detailBool(ev, proto.KeyPasses) {
			fmt.Fprintf(w, "✅ Step %s passed (%dms)\n", ev.StepID, detailInt64(ev, proto.KeyDurationMS))
		} else if ev.Error != "" {
			fmt.Fprintf(w, "❌ Step %s failed: %s\n", ev.StepID, ev.Error)
		} else {
			fmt.Fprintf(w, "❌ Step %s failed\n", ev.StepID)
		}

	case proto.EventPaused:
		fmt.Fprintln(w, "⏸️  Run paused")

	case proto.EventResumed:
		fmt.Fprintln(w, "▶️  Run resumed")

	case proto.EventError:
		fmt.Fprintf(w, "💥 %s\n", ev.Error)

	case proto.EventPhaseChange, proto.EventCostUpdate:
		// Skipped: phase churn is noise at the terminal, and the summary
		// box carries final cost.
	}
}

// renderSummary prints the end-of-run box.
func renderSummary(w io.Writer, result *engine.Result, usage metrics.Usage) {
	title := "💥 Run Failed"
	switch result.StopReason {
	case proto.StopCompleted:
		if result.Progress.Failed == 0 {
			title = "✅ Run Completed"
		} else {
			title = "⚠️  Run Completed With Failures"
		}
	case proto.StopAborted:
		title = "🛑 Run Aborted"
	case proto.StopError:
		// Keep the default title.
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔════════════════════════════════════════════════════════════════════╗")
	fmt.Fprintf(w, "║  %-65s ║\n", title)
	fmt.Fprintln(w, "╠════════════════════════════════════════════════════════════════════╣")
	fmt.Fprintf(w, "║  Steps:      %-54s ║\n",
		fmt.Sprintf("%d passed, %d failed (of %d)", result.Progress.Passed, result.Progress.Failed, result.Progress.Total))
	fmt.Fprintf(w, "║  Reviews:    %-54s ║\n",
		fmt.Sprintf("%d timeout(s), %d without review", result.Progress.ReviewTimeouts, result.Progress.ExecutedWithoutReview))
	fmt.Fprintf(w, "║  Consensus:  %-54s ║\n",
		fmt.Sprintf("%d session(s), %d manual trigger(s)", result.Progress.ConsensusSessions, result.Progress.ManualTriggers))
	if usage.RequestCount > 0 {
		fmt.Fprintf(w, "║  Model use:  %-54s ║\n",
			fmt.Sprintf("%d tokens, $%.4f across %d request(s)", usage.TotalTokens, usage.TotalCost, usage.RequestCount))
	}
	fmt.Fprintf(w, "║  Duration:   %-54s ║\n", result.Duration.Round(time.Millisecond))
	if result.AbortReason != "" {
		fmt.Fprintf(w, "║  Reason:     %-54s ║\n", truncate(result.AbortReason, 54))
	}
	if result.Error != "" {
		fmt.Fprintf(w, "║  Error:      %-54s ║\n", truncate(result.Error, 54))
	}
	fmt.Fprintln(w, "╚════════════════════════════════════════════════════════════════════╝")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// Numeric detail values arrive as native Go types from the live channel but
// as float64 after a JSON round trip, so the int readers accept both.

func detailInt(ev *proto.Event, key string) int {
	switch v := ev.Detail[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func detailInt64(ev *proto.Event, key string) int64 {
	switch v := ev.Detail[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func detailBool(ev *proto.Event, key string) bool {
	return utils.GetMapFieldOr(ev.Detail, key, false)
}

func detailString(ev *proto.Event, key string) string {
	return utils.GetMapFieldOr(ev.Detail, key, "")
}
