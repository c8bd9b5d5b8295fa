package persistence

import (
	"testing"
	"time"

	"pairvibe/pkg/proto"
)

func TestPersistHelpers(t *testing.T) {
	ch := make(chan *Request, 8)

	t.Run("PersistRun", func(t *testing.T) {
		PersistRun(&Run{ID: "r1", PlanName: "plan"}, ch)
		req := <-ch
		if req.Operation != OpUpsertRun {
			t.Errorf("Expected %s, got %s", OpUpsertRun, req.Operation)
		}
		if req.Response != nil {
			t.Error("Write requests must not carry a response channel")
		}
		run, ok := req.Data.(*Run)
		if !ok || run.ID != "r1" {
			t.Errorf("Unexpected payload: %+v", req.Data)
		}
	})

	t.Run("PersistRunCompletion", func(t *testing.T) {
		PersistRunCompletion(&CompleteRunRequest{RunID: "r1", Status: RunStatusCompleted}, ch)
		req := <-ch
		if req.Operation != OpCompleteRun {
			t.Errorf("Expected %s, got %s", OpCompleteRun, req.Operation)
		}
	})

	t.Run("PersistStepResult", func(t *testing.T) {
		step := &proto.Step{ID: "s1", Title: "step", Findings: []string{}}
		PersistStepResult("r1", 3, step, ch)
		req := <-ch
		if req.Operation != OpUpsertStepResult {
			t.Errorf("Expected %s, got %s", OpUpsertStepResult, req.Operation)
		}
		result, ok := req.Data.(*StepResult)
		if !ok {
			t.Fatalf("Unexpected payload type: %T", req.Data)
		}
		if result.Position != 3 || result.StepID != "s1" {
			t.Errorf("Payload fields lost: %+v", result)
		}
		if result.FindingsJSON == nil {
			t.Error("Empty findings should persist as an empty array, not NULL")
		}
	})

	t.Run("PersistConsensusSession", func(t *testing.T) {
		result := &proto.ConsensusResult{
			StepID:    "s2",
			DecidedBy: proto.DecidedByExecutor,
			Status:    proto.ConsensusResolved,
			Timestamp: time.Now().UTC(),
		}
		PersistConsensusSession("r1", result, ch)
		req := <-ch
		if req.Operation != OpInsertConsensusSession {
			t.Errorf("Expected %s, got %s", OpInsertConsensusSession, req.Operation)
		}
		session, ok := req.Data.(*ConsensusSession)
		if !ok || session.StepID != "s2" {
			t.Errorf("Unexpected payload: %+v", req.Data)
		}
	})

	t.Run("PersistEvent", func(t *testing.T) {
		PersistEvent("r1", proto.NewStepEvent(proto.EventPaused, "s1"), ch)
		req := <-ch
		if req.Operation != OpInsertEvent {
			t.Errorf("Expected %s, got %s", OpInsertEvent, req.Operation)
		}
	})

	t.Run("NilChannelIsNoOp", func(t *testing.T) {
		// Must not panic or block
		PersistRun(&Run{ID: "r2"}, nil)
		PersistStepResult("r2", 0, &proto.Step{ID: "s"}, nil)
		PersistEvent("r2", proto.NewEvent(proto.EventError), nil)
	})

	t.Run("NilPayloadIsNoOp", func(t *testing.T) {
		PersistRun(nil, ch)
		PersistRunCompletion(nil, ch)
		PersistStepResult("r1", 0, nil, ch)
		PersistConsensusSession("r1", nil, ch)
		PersistEvent("r1", nil, ch)
		select {
		case req := <-ch:
			t.Errorf("Nil payload produced a request: %+v", req)
		default:
		}
	})
}
