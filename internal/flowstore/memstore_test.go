package flowstore

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/flowcore/flowcore/internal/flow"
)

func newTestStatus() flow.Status {
	def := flow.Value{Modules: []flow.Module{{ID: "a"}, {ID: "b"}}}
	return flow.NewStatus(def)
}

func TestMemStoreSetModuleStatusAdvancesStep(t *testing.T) {
	s := NewMemStore()
	flowID := uuid.New()
	s.Insert(flowID, newTestStatus())

	job := uuid.New()
	advanceTo := 1
	err := s.SetModuleStatus(context.Background(), flowID, 0, flow.Success{IDValue: "a", Job: job}, &advanceTo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st, err := s.ReadStatus(context.Background(), flowID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Step != 1 {
		t.Fatalf("expected step 1, got %d", st.Step)
	}
	if st.Modules[0].Kind() != flow.ModuleSuccess {
		t.Fatalf("expected module 0 to be success, got %s", st.Modules[0].Kind())
	}
}

func TestMemStoreAppendApproverRequiresSuccessState(t *testing.T) {
	s := NewMemStore()
	flowID := uuid.New()
	s.Insert(flowID, newTestStatus())

	if err := s.AppendApprover(context.Background(), flowID, 0, flow.Approval{Approver: "alice"}); err == nil {
		t.Fatal("expected error appending approver to a non-success module")
	}

	job := uuid.New()
	if err := s.SetModuleStatus(context.Background(), flowID, 0, flow.Success{IDValue: "a", Job: job}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.AppendApprover(context.Background(), flowID, 0, flow.Approval{Approver: "alice"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st, _ := s.ReadStatus(context.Background(), flowID)
	success := st.Modules[0].(flow.Success)
	if len(success.Approvers) != 1 || success.Approvers[0].Approver != "alice" {
		t.Fatalf("unexpected approvers: %#v", success.Approvers)
	}
}

func TestMemStoreResumeMessagesScopedByStep(t *testing.T) {
	s := NewMemStore()
	flowID := uuid.New()
	s.Insert(flowID, newTestStatus())

	if err := s.AppendResumeMessage(context.Background(), flowID, 0, flow.ResumeMessage{Job: uuid.New()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.AppendResumeMessage(context.Background(), flowID, 1, flow.ResumeMessage{Job: uuid.New()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	step0, err := s.ListResumeMessages(context.Background(), flowID, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(step0) != 1 {
		t.Fatalf("expected 1 resume message for step 0, got %d", len(step0))
	}
}

func TestMemStoreWithFlowRowLockSerializes(t *testing.T) {
	s := NewMemStore()
	flowID := uuid.New()
	s.Insert(flowID, newTestStatus())

	done := make(chan struct{})
	go func() {
		_ = s.WithFlowRowLock(context.Background(), flowID, func(ctx context.Context) error {
			return s.SetRetry(ctx, flowID, flow.RetryStatus{FailCount: 1, FailedJobs: []uuid.UUID{}})
		})
		close(done)
	}()
	<-done

	st, _ := s.ReadStatus(context.Background(), flowID)
	if st.Retry.FailCount != 1 {
		t.Fatalf("expected fail count 1, got %d", st.Retry.FailCount)
	}
}
