package flowstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/flowcore/flowcore/internal/flow"
	"github.com/flowcore/flowcore/internal/flowerrors"
)

// MemStore is an in-process Store used by tests and the CLI dry-run
// driver. Its lock is a real sync.Mutex per flow, held for the duration
// of WithFlowRowLock's callback, so two WithFlowRowLock callers on the
// same flow never overlap. The other methods do not take this per-flow
// lock, so unlike PostgresStore's row lock it does not block writes made
// outside WithFlowRowLock.
type MemStore struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*flow.Status
	locks   map[uuid.UUID]*sync.Mutex
	resumes map[resumeKey][]flow.ResumeMessage
}

// resumeKey scopes resume messages to a single module step within a flow,
// matching the (flow_id, step) index PostgresStore keeps them under.
type resumeKey struct {
	flowID uuid.UUID
	step   int
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		rows:    make(map[uuid.UUID]*flow.Status),
		locks:   make(map[uuid.UUID]*sync.Mutex),
		resumes: make(map[resumeKey][]flow.ResumeMessage),
	}
}

func (m *MemStore) Insert(flowID uuid.UUID, status flow.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := status
	m.rows[flowID] = &st
}

func (m *MemStore) lockFor(flowID uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[flowID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[flowID] = l
	}
	return l
}

func (m *MemStore) ReadStatus(_ context.Context, flowID uuid.UUID) (flow.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[flowID]
	if !ok {
		return flow.Status{}, flowerrors.Execution("flow %s has no status row", flowID)
	}
	return *st, nil
}

func (m *MemStore) SetModuleStatus(_ context.Context, flowID uuid.UUID, step int, newStatus flow.StatusModule, advanceTo *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[flowID]
	if !ok {
		return flowerrors.Execution("flow %s has no status row", flowID)
	}
	if step < 0 || step >= len(st.Modules) {
		return flowerrors.Internal("module step %d out of range for flow %s", step, flowID)
	}
	st.Modules[step] = newStatus
	if advanceTo != nil {
		st.Step = *advanceTo
	}
	return nil
}

func (m *MemStore) SetFailureModuleStatus(_ context.Context, flowID uuid.UUID, newStatus flow.StatusModule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[flowID]
	if !ok {
		return flowerrors.Execution("flow %s has no status row", flowID)
	}
	st.FailureModule = newStatus
	return nil
}

func (m *MemStore) SetRetry(_ context.Context, flowID uuid.UUID, retry flow.RetryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[flowID]
	if !ok {
		return flowerrors.Execution("flow %s has no status row", flowID)
	}
	st.Retry = retry
	return nil
}

func (m *MemStore) ClearRetry(ctx context.Context, flowID uuid.UUID) error {
	return m.SetRetry(ctx, flowID, flow.RetryStatus{FailedJobs: []uuid.UUID{}})
}

func (m *MemStore) AppendApprover(_ context.Context, flowID uuid.UUID, step int, approval flow.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[flowID]
	if !ok {
		return flowerrors.Execution("flow %s has no status row", flowID)
	}
	if step < 0 || step >= len(st.Modules) {
		return flowerrors.Internal("module step %d out of range for flow %s", step, flowID)
	}
	success, ok := st.Modules[step].(flow.Success)
	if !ok {
		return flowerrors.Internal("module %d is not in Success state, cannot append approver", step)
	}
	success.Approvers = append(success.Approvers, approval)
	st.Modules[step] = success
	return nil
}

func (m *MemStore) WithFlowRowLock(ctx context.Context, flowID uuid.UUID, fn func(ctx context.Context) error) error {
	l := m.lockFor(flowID)
	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

func (m *MemStore) SetSuspendState(_ context.Context, flowID uuid.UUID, state *SuspendState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[flowID]
	if !ok {
		return flowerrors.Execution("flow %s has no status row", flowID)
	}
	if state == nil {
		st.SuspendRemaining = nil
		st.SuspendUntil = nil
		return nil
	}
	remaining := state.Remaining
	until := state.Until.Unix()
	st.SuspendRemaining = &remaining
	st.SuspendUntil = &until
	return nil
}

func (m *MemStore) ListResumeMessages(_ context.Context, flowID uuid.UUID, step int) ([]flow.ResumeMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]flow.ResumeMessage, len(m.resumes[resumeKey{flowID, step}]))
	copy(out, m.resumes[resumeKey{flowID, step}])
	return out, nil
}

func (m *MemStore) AppendResumeMessage(_ context.Context, flowID uuid.UUID, step int, msg flow.ResumeMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := resumeKey{flowID, step}
	msg.ResumeID = len(m.resumes[key])
	m.resumes[key] = append(m.resumes[key], msg)
	return nil
}
