package flow

import (
	"context"

	"github.com/google/uuid"
)

// StatusWriter is the minimal capability MarkInProgress needs from a
// status store. flowstore.Store satisfies it structurally; flow can't
// import flowstore directly since flowstore already imports flow.
type StatusWriter interface {
	ReadStatus(ctx context.Context, flowID uuid.UUID) (Status, error)
	SetModuleStatus(ctx context.Context, flowID uuid.UUID, step int, newStatus StatusModule, advanceTo *int) error
	SetFailureModuleStatus(ctx context.Context, flowID uuid.UUID, newStatus StatusModule) error
}

// MarkInProgress implements the in-progress marker (spec §4.7): the
// moment a worker starts executing childJobID, it patches the active
// module's status to InProgress{job: childJobID}, preserving any
// iterator or branch sub-state the module already carries (set by the
// planner when it chose this child job).
func MarkInProgress(ctx context.Context, store StatusWriter, flowID uuid.UUID, childJobID uuid.UUID) error {
	status, err := store.ReadStatus(ctx, flowID)
	if err != nil {
		return err
	}

	active := status.ActiveModule()
	ip, ok := active.(InProgress)
	if !ok {
		ip = InProgress{IDValue: active.ID()}
	}
	ip.Job = childJobID

	if status.IsFailurePhase() {
		return store.SetFailureModuleStatus(ctx, flowID, ip)
	}
	return store.SetModuleStatus(ctx, flowID, status.Step, ip, nil)
}
