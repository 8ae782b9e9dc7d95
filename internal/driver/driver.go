// Package driver wires the planner, reconciler and suspend coordinator
// into the two worker-facing entry points a queue consumer calls:
// HandleFlow when it dequeues a freshly pushed flow job, and
// UpdateFlowStatusAfterJobCompletion when one of that flow's child jobs
// finishes. It mirrors worker_flow.rs's two public functions.
package driver

import (
	"context"

	"github.com/google/uuid"

	"github.com/flowcore/flowcore/internal/collab"
	"github.com/flowcore/flowcore/internal/flow"
	"github.com/flowcore/flowcore/internal/reconciler"
)

// Driver is the thin worker-facing wrapper around the reconciler: it
// adds the in-progress marker a worker sets the moment it starts a
// child job, alongside the reconciler's own flow lifecycle methods.
type Driver struct {
	Reconciler *reconciler.Reconciler
	Store      flow.StatusWriter
}

// HandleFlow starts a freshly dequeued flow job.
func (d *Driver) HandleFlow(ctx context.Context, job *collab.QueuedJob) error {
	return d.Reconciler.HandleFlow(ctx, job)
}

// UpdateFlowStatusAfterJobCompletion is called once a flow's current
// child job has finished, successfully or not.
func (d *Driver) UpdateFlowStatusAfterJobCompletion(ctx context.Context, in reconciler.Input) error {
	return d.Reconciler.Reconcile(ctx, in)
}

// MarkJobInProgress patches the flow's active module to InProgress the
// moment a worker actually starts running childJobID, implementing spec
// §4.7.
func (d *Driver) MarkJobInProgress(ctx context.Context, flowID, childJobID uuid.UUID) error {
	return flow.MarkInProgress(ctx, d.Store, flowID, childJobID)
}
