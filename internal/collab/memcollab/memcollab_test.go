package memcollab

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/flowcore/flowcore/internal/collab"
)

func TestPushAndGetQueuedJob(t *testing.T) {
	q := New()
	id, err := q.Push(context.Background(), collab.PushInput{
		WorkspaceID: "ws",
		Payload:     collab.ScriptHubPayload{Path: "hub/script_a"},
		Args:        map[string]interface{}{"x": 1},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job, err := q.GetQueuedJob(context.Background(), id, "ws")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.ScriptPath == nil || *job.ScriptPath != "hub/script_a" {
		t.Fatalf("unexpected script path: %#v", job.ScriptPath)
	}
}

func TestGetQueuedJobWrongWorkspace(t *testing.T) {
	q := New()
	id, _ := q.Push(context.Background(), collab.PushInput{WorkspaceID: "ws", Payload: collab.IdentityPayload{}})

	if _, err := q.GetQueuedJob(context.Background(), id, "other"); err == nil {
		t.Fatal("expected an error for a job in a different workspace")
	}
}

func TestAddCompletedJobRemovesFromQueue(t *testing.T) {
	q := New()
	id, _ := q.Push(context.Background(), collab.PushInput{WorkspaceID: "ws", Payload: collab.IdentityPayload{}})
	job, _ := q.GetQueuedJob(context.Background(), id, "ws")

	if _, err := q.AddCompletedJob(context.Background(), job, true, false, "done", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := q.GetQueuedJob(context.Background(), id, "ws"); err == nil {
		t.Fatal("expected job to be removed from the queue after completion")
	}

	result, err := q.GetCompletedResult(context.Background(), id, "ws")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "done" {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestGetCompletedResultsOrderedByIterIndex(t *testing.T) {
	q := New()
	var ids []uuid.UUID
	// push in reverse iteration order, confirm results come back sorted.
	for _, idx := range []int{2, 0, 1} {
		id, _ := q.Push(context.Background(), collab.PushInput{
			WorkspaceID: "ws",
			Payload:     collab.IdentityPayload{},
			Args:        map[string]interface{}{"iter": map[string]interface{}{"index": idx}},
		})
		job, _ := q.GetQueuedJob(context.Background(), id, "ws")
		_, _ = q.AddCompletedJob(context.Background(), job, true, false, idx, "")
		ids = append(ids, id)
	}

	results, err := q.GetCompletedResultsOrdered(context.Background(), ids, "ws")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 || results[0] != 0 || results[1] != 1 || results[2] != 2 {
		t.Fatalf("expected results ordered 0,1,2, got %#v", results)
	}
}

func TestSchedulerCountsCalls(t *testing.T) {
	s := NewScheduler()
	_ = s.ScheduleAgainIfScheduled(context.Background(), "/f/sched", "/f/script", "ws")
	_ = s.ScheduleAgainIfScheduled(context.Background(), "/f/sched", "/f/script", "ws")

	if got := s.CallCount("/f/sched", "/f/script", "ws"); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestScriptResolverLookup(t *testing.T) {
	r := NewScriptResolver()
	r.Set("ws", "f/script_a", "hash123")

	hash, err := r.GetLatestHashForPath(context.Background(), "ws", "f/script_a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hash != "hash123" {
		t.Fatalf("unexpected hash: %s", hash)
	}

	if _, err := r.GetLatestHashForPath(context.Background(), "ws", "f/missing"); err == nil {
		t.Fatal("expected an error for an unresolved path")
	}
}
