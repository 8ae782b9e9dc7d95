package suspend

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/flowcore/flowcore/internal/collab"
	"github.com/flowcore/flowcore/internal/collab/memcollab"
	"github.com/flowcore/flowcore/internal/flow"
	"github.com/flowcore/flowcore/internal/flowstore"
	"github.com/flowcore/flowcore/internal/logging"
)

func newCoordinator(queue *memcollab.Queue, store flowstore.Store) *Coordinator {
	return &Coordinator{Store: store, Queue: queue, Logger: logging.NoopLogger{}}
}

// seedGatedFlow builds a two-module flow whose first module ("a") gates
// the second ("b") on requiredEvents resume events, with "a" already
// succeeded via aJobID, and returns the flow job id.
func seedGatedFlow(t *testing.T, queue *memcollab.Queue, store *flowstore.MemStore, requiredEvents int, aJobID uuid.UUID) uuid.UUID {
	t.Helper()
	def := flow.Value{Modules: []flow.Module{
		{ID: "a", Value: flow.Identity{}, Suspend: &flow.SuspendConfig{RequiredEvents: requiredEvents}},
		{ID: "b", Value: flow.Identity{}},
	}}
	path := "f/main"
	id, err := queue.Push(context.Background(), collab.PushInput{
		WorkspaceID: "ws",
		Payload:     collab.RawFlowPayload{Value: def, Path: &path},
	})
	if err != nil {
		t.Fatalf("seeding flow job: %v", err)
	}

	status := flow.NewStatus(def)
	status.Modules[0] = flow.Success{IDValue: "a", Job: aJobID, FlowJobs: []uuid.UUID{}, Approvers: []flow.Approval{}}
	status.Step = 1
	store.Insert(id, status)
	return id
}

func completeJob(t *testing.T, queue *memcollab.Queue, result interface{}) uuid.UUID {
	t.Helper()
	id, err := queue.Push(context.Background(), collab.PushInput{WorkspaceID: "ws", Payload: collab.IdentityPayload{}})
	if err != nil {
		t.Fatalf("pushing job: %v", err)
	}
	job, err := queue.GetQueuedJob(context.Background(), id, "ws")
	if err != nil {
		t.Fatalf("fetching job: %v", err)
	}
	if _, err := queue.AddCompletedJob(context.Background(), job, true, false, result, "ok"); err != nil {
		t.Fatalf("completing job: %v", err)
	}
	return id
}

func readFlowJob(t *testing.T, queue *memcollab.Queue, flowID uuid.UUID) *collab.QueuedJob {
	t.Helper()
	job, err := queue.GetQueuedJob(context.Background(), flowID, "ws")
	if err != nil {
		t.Fatalf("fetching flow job: %v", err)
	}
	return job
}

func TestGateProceedsImmediatelyWhenNoSuspendConfigured(t *testing.T) {
	queue := memcollab.New()
	store := flowstore.NewMemStore()
	c := newCoordinator(queue, store)

	def := flow.Value{Modules: []flow.Module{
		{ID: "a", Value: flow.Identity{}},
		{ID: "b", Value: flow.Identity{}},
	}}
	path := "f/main"
	id, err := queue.Push(context.Background(), collab.PushInput{WorkspaceID: "ws", Payload: collab.RawFlowPayload{Value: def, Path: &path}})
	if err != nil {
		t.Fatalf("seeding flow job: %v", err)
	}
	status := flow.NewStatus(def)
	status.Modules[0] = flow.Success{IDValue: "a", Job: uuid.New(), FlowJobs: []uuid.UUID{}, Approvers: []flow.Approval{}}
	status.Step = 1
	store.Insert(id, status)

	job := readFlowJob(t, queue, id)
	decision, err := c.Gate(context.Background(), job, def, status, "r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Proceed {
		t.Fatalf("expected Proceed=true with no suspend config")
	}
	if decision.LastResult != "r1" {
		t.Fatalf("expected lastResult passed through unchanged, got %v", decision.LastResult)
	}
}

func TestGateParksThenSatisfiesAfterEnoughResumeMessages(t *testing.T) {
	queue := memcollab.New()
	store := flowstore.NewMemStore()
	c := newCoordinator(queue, store)

	aJobID := completeJob(t, queue, "a-result")
	flowID := seedGatedFlow(t, queue, store, 2, aJobID)
	job := readFlowJob(t, queue, flowID)
	def := *job.RawFlow

	status, err := store.ReadStatus(context.Background(), flowID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decision, err := c.Gate(context.Background(), job, def, status, "stale")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Proceed {
		t.Fatalf("expected to park with no resume messages yet")
	}

	status, err = store.ReadStatus(context.Background(), flowID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Modules[1].Kind() != flow.ModuleWaitingForEvents {
		t.Fatalf("expected module b to be WaitingForEvents, got %s", status.Modules[1].Kind())
	}
	we := status.Modules[1].(flow.WaitingForEvents)
	if we.Count != 2 || we.Job != aJobID {
		t.Fatalf("unexpected WaitingForEvents state: %+v", we)
	}
	if status.SuspendRemaining == nil || *status.SuspendRemaining != 2 {
		t.Fatalf("expected suspend remaining 2, got %v", status.SuspendRemaining)
	}
	if status.SuspendUntil == nil {
		t.Fatalf("expected suspend_until to be set")
	}

	approver := "alice"
	if err := store.AppendResumeMessage(context.Background(), flowID, 0, flow.ResumeMessage{Job: aJobID, Value: "ok", Approver: &approver, CreatedAt: 1}); err != nil {
		t.Fatalf("appending resume message: %v", err)
	}
	if err := store.AppendResumeMessage(context.Background(), flowID, 0, flow.ResumeMessage{Job: aJobID, Value: "ok2", CreatedAt: 2}); err != nil {
		t.Fatalf("appending resume message: %v", err)
	}

	status, err = store.ReadStatus(context.Background(), flowID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decision, err = c.Gate(context.Background(), job, def, status, "stale")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Proceed {
		t.Fatalf("expected to proceed once enough resume messages arrived")
	}
	if decision.LastResult != "a-result" {
		t.Fatalf("expected last_result overwritten with module a's completed result, got %v", decision.LastResult)
	}

	status, err = store.ReadStatus(context.Background(), flowID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	success := status.Modules[0].(flow.Success)
	if len(success.Approvers) != 1 || success.Approvers[0].Approver != "alice" {
		t.Fatalf("expected one approver recorded on module a, got %+v", success.Approvers)
	}
	if status.SuspendRemaining != nil || status.SuspendUntil != nil {
		t.Fatalf("expected suspend bookkeeping cleared after satisfaction")
	}
}

func TestGateTimesOutWhenCalledAgainWithoutEnoughEvents(t *testing.T) {
	queue := memcollab.New()
	store := flowstore.NewMemStore()
	c := newCoordinator(queue, store)

	aJobID := completeJob(t, queue, "a-result")
	flowID := seedGatedFlow(t, queue, store, 2, aJobID)
	job := readFlowJob(t, queue, flowID)
	def := *job.RawFlow

	status, _ := store.ReadStatus(context.Background(), flowID)
	if _, err := c.Gate(context.Background(), job, def, status, "r1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	approver := "alice"
	if err := store.AppendResumeMessage(context.Background(), flowID, 0, flow.ResumeMessage{Job: aJobID, Approver: &approver, CreatedAt: 1}); err != nil {
		t.Fatalf("appending resume message: %v", err)
	}

	status, _ = store.ReadStatus(context.Background(), flowID)
	decision, err := c.Gate(context.Background(), job, def, status, "r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.TimedOut || decision.Proceed {
		t.Fatalf("expected timeout when still insufficient on a second wait, got %+v", decision)
	}
}

// TestGateIdempotentSuspension covers spec §8's idempotent-suspension
// property: invoking the gate twice from the same pre-transition status
// (e.g. a driver retry that re-delivers the same completion) with the
// same resume-message count leaves the same persisted WaitingForEvents
// state, not a double-parked or incremented one.
func TestGateIdempotentSuspension(t *testing.T) {
	queue := memcollab.New()
	store := flowstore.NewMemStore()
	c := newCoordinator(queue, store)

	aJobID := completeJob(t, queue, "a-result")
	flowID := seedGatedFlow(t, queue, store, 3, aJobID)
	job := readFlowJob(t, queue, flowID)
	def := *job.RawFlow

	preTransition, _ := store.ReadStatus(context.Background(), flowID)

	if _, err := c.Gate(context.Background(), job, def, preTransition, "r1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first, _ := store.ReadStatus(context.Background(), flowID)

	if _, err := c.Gate(context.Background(), job, def, preTransition, "r1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _ := store.ReadStatus(context.Background(), flowID)

	firstWE := first.Modules[1].(flow.WaitingForEvents)
	secondWE := second.Modules[1].(flow.WaitingForEvents)
	if firstWE != secondWE {
		t.Fatalf("expected identical WaitingForEvents state, got %+v and %+v", firstWE, secondWE)
	}
	if *first.SuspendRemaining != *second.SuspendRemaining {
		t.Fatalf("expected identical suspend remaining, got %d and %d", *first.SuspendRemaining, *second.SuspendRemaining)
	}
}
