// Package suspend implements the suspension/resumption gate (spec §4.6):
// before a module gated by its predecessor's suspend.required_events can
// start, the coordinator checks whether enough external resume events
// have arrived, and either lets the flow proceed, parks it waiting for
// more, or times it out.
package suspend

import (
	"context"
	"sort"
	"time"

	"github.com/flowcore/flowcore/internal/collab"
	"github.com/flowcore/flowcore/internal/flow"
	"github.com/flowcore/flowcore/internal/flowstore"
	"github.com/flowcore/flowcore/internal/logging"
)

// Coordinator bundles the collaborators the gate needs: persisted
// status (for the row lock and resume messages) and the job queue (to
// fetch the gating job's completed result when resuming after a wait).
type Coordinator struct {
	Store  flowstore.Store
	Queue  collab.Queue
	Logger logging.Logger
}

// GateDecision is the coordinator's verdict for the module about to
// start at status.Step.
type GateDecision struct {
	// Proceed is true when planning may continue for status.Step, using
	// LastResult as the previous step's result.
	Proceed bool

	// LastResult overrides the caller's lastResult when true. Only
	// meaningful when Proceed is true.
	LastResult interface{}

	// TimedOut is true when the wait has been abandoned; the caller must
	// terminate the flow rather than leave it parked.
	TimedOut bool
}

// Gate runs the suspend check ahead of planning status.Step. It is a
// no-op (Proceed: true) whenever the previous module has no suspend
// config, step is 0 (no previous module to gate on), step is in the
// failure-module phase, or the previous module hasn't actually succeeded
// yet.
func (c *Coordinator) Gate(ctx context.Context, job *collab.QueuedJob, def flow.Value, status flow.Status, lastResult interface{}) (GateDecision, error) {
	step := status.Step
	if step <= 0 || step >= len(def.Modules) {
		return GateDecision{Proceed: true, LastResult: lastResult}, nil
	}

	gating := def.Modules[step-1]
	if gating.Suspend == nil || gating.Suspend.RequiredEvents <= 0 {
		return GateDecision{Proceed: true, LastResult: lastResult}, nil
	}

	prevSuccess, ok := status.Modules[step-1].(flow.Success)
	if !ok {
		return GateDecision{Proceed: true, LastResult: lastResult}, nil
	}

	wasWaiting := status.ActiveModule().Kind() == flow.ModuleWaitingForEvents
	required := gating.Suspend.RequiredEvents

	var decision GateDecision
	err := c.Store.WithFlowRowLock(ctx, job.ID, func(ctx context.Context) error {
		msgs, err := c.Store.ListResumeMessages(ctx, job.ID, step-1)
		if err != nil {
			return err
		}
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt < msgs[j].CreatedAt })

		if len(msgs) >= required {
			return c.satisfy(ctx, job, step, prevSuccess, msgs, wasWaiting, lastResult, &decision)
		}

		if !wasWaiting {
			return c.park(ctx, job, def, step, prevSuccess, required-len(msgs), gating, &decision)
		}

		c.Logger.Warn("flow timed out waiting to be resumed", "flow", job.ID, "step", step-1)
		decision = GateDecision{TimedOut: true}
		return nil
	})
	if err != nil {
		return GateDecision{}, err
	}
	return decision, nil
}

// satisfy records the gathered approvers on the gating module's Success
// and lets the flow proceed, pulling a fresh last_result from the
// gating job's own completed result when the gate had been sitting in
// WaitingForEvents (its in-memory lastResult could be stale).
func (c *Coordinator) satisfy(ctx context.Context, job *collab.QueuedJob, step int, prevSuccess flow.Success, msgs []flow.ResumeMessage, wasWaiting bool, lastResult interface{}, decision *GateDecision) error {
	for _, m := range msgs {
		if m.Approver == nil {
			continue
		}
		if err := c.Store.AppendApprover(ctx, job.ID, step-1, flow.Approval{ResumeID: m.ResumeID, Approver: *m.Approver}); err != nil {
			return err
		}
	}
	if err := c.Store.SetSuspendState(ctx, job.ID, nil); err != nil {
		return err
	}

	result := lastResult
	if wasWaiting {
		r, err := c.Queue.GetCompletedResult(ctx, prevSuccess.Job, job.WorkspaceID)
		if err != nil {
			return err
		}
		result = r
	}
	*decision = GateDecision{Proceed: true, LastResult: result}
	return nil
}

// park transitions status.Step to WaitingForEvents and records how many
// more events are needed and when the wait gives up, then returns
// Proceed: false so the caller stops here; an external sweeper re-drives
// the flow once suspend_until passes or a new resume message arrives.
func (c *Coordinator) park(ctx context.Context, job *collab.QueuedJob, def flow.Value, step int, prevSuccess flow.Success, remaining int, gating flow.Module, decision *GateDecision) error {
	waitingID := def.Modules[step].ID
	newStatus := flow.WaitingForEvents{IDValue: waitingID, Count: gating.Suspend.RequiredEvents, Job: prevSuccess.Job}
	if err := c.Store.SetModuleStatus(ctx, job.ID, step, newStatus, nil); err != nil {
		return err
	}

	timeoutSeconds := flow.DefaultSuspendTimeoutSeconds
	if gating.Suspend.TimeoutSeconds != nil {
		timeoutSeconds = *gating.Suspend.TimeoutSeconds
	}
	state := &flowstore.SuspendState{Remaining: remaining, Until: time.Now().Add(time.Duration(timeoutSeconds) * time.Second)}
	if err := c.Store.SetSuspendState(ctx, job.ID, state); err != nil {
		return err
	}

	c.Logger.Info("flow suspended awaiting resume events", "flow", job.ID, "step", step, "remaining", remaining)
	*decision = GateDecision{Proceed: false}
	return nil
}
