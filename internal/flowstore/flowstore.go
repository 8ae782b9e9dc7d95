// Package flowstore is the flow status reader/writer (spec §4.3): it owns
// the flow_status jsonb column as a set of targeted structural edits, plus
// the row-level locking a suspended module's resume path serializes on.
package flowstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/flowcore/flowcore/internal/flow"
)

// Store is the transactional contract the planner, reconciler and suspend
// coordinator share. Every write is a single targeted structural edit, not
// a read-modify-write of the whole status document, so concurrent writers
// touching different modules never clobber each other.
type Store interface {
	ReadStatus(ctx context.Context, flowID uuid.UUID) (flow.Status, error)

	// SetModuleStatus overwrites Modules[step] and, when advanceTo is
	// non-nil, moves Step to it in the same edit.
	SetModuleStatus(ctx context.Context, flowID uuid.UUID, step int, newStatus flow.StatusModule, advanceTo *int) error

	SetFailureModuleStatus(ctx context.Context, flowID uuid.UUID, newStatus flow.StatusModule) error

	SetRetry(ctx context.Context, flowID uuid.UUID, retry flow.RetryStatus) error
	ClearRetry(ctx context.Context, flowID uuid.UUID) error

	AppendApprover(ctx context.Context, flowID uuid.UUID, step int, approval flow.Approval) error

	// WithFlowRowLock is the suspension coordinator's single serialization
	// point: it locks the flow's row for the duration of fn, mirroring a
	// `SELECT ... FOR UPDATE` transaction, so two resume messages racing
	// to satisfy the same module's required-event count can't both win.
	WithFlowRowLock(ctx context.Context, flowID uuid.UUID, fn func(ctx context.Context) error) error

	ListResumeMessages(ctx context.Context, flowID uuid.UUID, step int) ([]flow.ResumeMessage, error)
	AppendResumeMessage(ctx context.Context, flowID uuid.UUID, step int, msg flow.ResumeMessage) error

	// SetSuspendState writes the row-level suspend bookkeeping (how many
	// resume events remain, and when the wait times out), or clears both
	// when state is nil.
	SetSuspendState(ctx context.Context, flowID uuid.UUID, state *SuspendState) error
}

// SuspendState is the row-level bookkeeping a WaitingForEvents module
// keeps alongside its status: how many more resume events it needs, and
// when the wait gives up.
type SuspendState struct {
	Remaining int
	Until     time.Time
}
