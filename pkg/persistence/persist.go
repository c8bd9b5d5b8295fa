package persistence

import (
	"pairvibe/pkg/proto"
)

// PersistRun persists a run record to the database.
// This is a fire-and-forget operation that sends the run to the persistence worker.
func PersistRun(run *Run, persistenceChannel chan<- *Request) {
	if persistenceChannel == nil || run == nil {
		return
	}

	// Send to persistence worker (fire-and-forget)
	persistenceChannel <- &Request{
		Operation: OpUpsertRun,
		Data:      run,
		Response:  nil, // Fire-and-forget
	}
}

// PersistRunCompletion persists a run completion update with final counters.
func PersistRunCompletion(req *CompleteRunRequest, persistenceChannel chan<- *Request) {
	if persistenceChannel == nil || req == nil {
		return
	}

	persistenceChannel <- &Request{
		Operation: OpCompleteRun,
		Data:      req,
		Response:  nil, // Fire-and-forget
	}
}

// PersistStepResult persists a step outcome snapshot for the given plan
// position. Conversion errors are swallowed: a malformed snapshot must not
// stall the engine.
func PersistStepResult(runID string, position int, step *proto.Step, persistenceChannel chan<- *Request) {
	if persistenceChannel == nil || step == nil {
		return
	}

	result, err := StepResultFromStep(runID, position, step)
	if err != nil {
		return
	}

	persistenceChannel <- &Request{
		Operation: OpUpsertStepResult,
		Data:      result,
		Response:  nil, // Fire-and-forget
	}
}

// PersistConsensusSession persists a full consensus session audit record.
func PersistConsensusSession(runID string, result *proto.ConsensusResult, persistenceChannel chan<- *Request) {
	if persistenceChannel == nil || result == nil {
		return
	}

	session, err := ConsensusSessionFromResult(runID, result)
	if err != nil {
		return
	}

	persistenceChannel <- &Request{
		Operation: OpInsertConsensusSession,
		Data:      session,
		Response:  nil, // Fire-and-forget
	}
}

// PersistEvent archives an engine event.
func PersistEvent(runID string, ev *proto.Event, persistenceChannel chan<- *Request) {
	if persistenceChannel == nil || ev == nil {
		return
	}

	record, err := EventRecordFromProto(runID, ev)
	if err != nil {
		return
	}

	persistenceChannel <- &Request{
		Operation: OpInsertEvent,
		Data:      record,
		Response:  nil, // Fire-and-forget
	}
}
