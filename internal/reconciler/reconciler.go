package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowcore/flowcore/internal/collab"
	"github.com/flowcore/flowcore/internal/flow"
	"github.com/flowcore/flowcore/internal/flowerrors"
	"github.com/flowcore/flowcore/internal/planner"
	"github.com/flowcore/flowcore/internal/retrypolicy"
	"github.com/flowcore/flowcore/internal/transform"
)

// Input is what the driver hands the reconciler whenever a flow's current
// child job finishes: which flow, which child, whether it succeeded, and
// (when the child was itself a sub-flow that stopped early) the override
// that forces this flow's own stop-early decision to follow suit.
type Input struct {
	FlowJobID     uuid.UUID
	ChildJobID    uuid.UUID
	WorkspaceID   string
	Success       bool
	Unrecoverable bool
	Result        interface{}

	// StopEarlyOverride is non-nil only when ChildJobID was a sub-flow that
	// itself stopped early; its value carries that sub-flow's
	// skip_if_stopped, forcing this flow to stop early too (spec §8,
	// property 8: an outer flow observes an inner stopped-early flow's
	// success as if its own stop_after_if had matched).
	StopEarlyOverride *bool
}

// HandleFlow is invoked when a worker dequeues a freshly pushed flow job.
// A flow with no modules at all completes immediately as a trivial
// success with an empty result; otherwise it plans the flow's first
// step.
func (r *Reconciler) HandleFlow(ctx context.Context, job *collab.QueuedJob) error {
	if job.RawFlow == nil {
		return flowerrors.Internal("flow job %s has no flow definition attached", job.ID)
	}
	def := *job.RawFlow

	if len(def.Modules) == 0 {
		return r.terminate(ctx, job, true, false, false, map[string]interface{}{}, "Flow job completed")
	}

	status, err := r.Store.ReadStatus(ctx, job.ID)
	if err != nil {
		return err
	}
	return r.PushNextStep(ctx, job, def, status, nil)
}

// Reconcile is the completion reconciler entry point (spec §4.5): given
// that ChildJobID has just finished, it updates the flow's persisted
// status and drives the flow forward, into its failure module, into a
// retry, or to termination, recursing into the parent flow when this one
// is itself a step of one.
func (r *Reconciler) Reconcile(ctx context.Context, in Input) error {
	job, err := r.Queue.GetQueuedJob(ctx, in.FlowJobID, in.WorkspaceID)
	if err != nil {
		return err
	}
	if job.RawFlow == nil {
		return flowerrors.Internal("flow job %s has no flow definition attached", job.ID)
	}
	def := *job.RawFlow

	status, err := r.Store.ReadStatus(ctx, job.ID)
	if err != nil {
		return err
	}

	step := status.Step
	inFailurePhase := status.IsFailurePhase()

	var module flow.Module
	if inFailurePhase {
		if def.FailureModule == nil {
			return flowerrors.Internal("flow %s is in the failure phase with no failure module defined", job.ID)
		}
		module = *def.FailureModule
	} else {
		if step < 0 || step >= len(def.Modules) {
			return flowerrors.Internal("flow %s step %d out of range", job.ID, step)
		}
		module = def.Modules[step]
	}

	active := status.ActiveModule()
	ip, isInProgress := active.(flow.InProgress)

	skip := false
	if isInProgress {
		if ip.Iterator != nil {
			if fl, ok := module.Value.(flow.ForloopFlow); ok {
				skip = fl.SkipFailures
			}
		} else if ip.BranchAll != nil {
			if ba, ok := module.Value.(flow.BranchAll); ok && ip.BranchAll.Branch < len(ba.Branches) {
				skip = ba.Branches[ip.BranchAll.Branch].SkipFailure
			}
		}
	}

	if job.Canceled {
		return r.terminate(ctx, job, false, false, false, in.Result, "Flow job canceled")
	}

	if in.Success || (!in.Success && skip) {
		return r.onChildSucceeded(ctx, job, def, status, step, inFailurePhase, module, ip, isInProgress, in)
	}
	return r.onChildFailed(ctx, job, def, status, step, inFailurePhase, module, in)
}

func (r *Reconciler) onChildSucceeded(
	ctx context.Context,
	job *collab.QueuedJob,
	def flow.Value,
	status flow.Status,
	step int,
	inFailurePhase bool,
	module flow.Module,
	ip flow.InProgress,
	isInProgress bool,
	in Input,
) error {
	switch {
	case isInProgress && ip.Iterator != nil:
		last := ip.Iterator.Index == len(ip.Iterator.Itered)-1
		if !last {
			return r.continueModule(ctx, job, def, status, step, inFailurePhase, module, in.Result)
		}
		allJobs := append(append([]uuid.UUID{}, ip.FlowJobs...), in.ChildJobID)
		results, err := r.Queue.GetCompletedResultsOrdered(ctx, allJobs, job.WorkspaceID)
		if err != nil {
			return err
		}
		return r.finishModule(ctx, job, def, status, step, inFailurePhase, module, in, allJobs, nil, results)

	case isInProgress && ip.BranchAll != nil:
		last := ip.BranchAll.Branch == ip.BranchAll.Len-1
		if !last {
			return r.continueModule(ctx, job, def, status, step, inFailurePhase, module, in.Result)
		}
		allJobs := append(append([]uuid.UUID{}, ip.FlowJobs...), in.ChildJobID)
		results, err := r.Queue.GetCompletedResultsOrdered(ctx, allJobs, job.WorkspaceID)
		if err != nil {
			return err
		}
		return r.finishModule(ctx, job, def, status, step, inFailurePhase, module, in, allJobs, nil, results)

	default:
		var branchChosen *flow.BranchChosen
		if isInProgress && ip.BranchChosen != nil {
			bc := *ip.BranchChosen
			branchChosen = &bc
		}
		return r.finishModule(ctx, job, def, status, step, inFailurePhase, module, in, nil, branchChosen, nil)
	}
}

// continueModule advances a for-loop or branch-all to its next iteration
// or branch, without the module itself completing.
func (r *Reconciler) continueModule(ctx context.Context, job *collab.QueuedJob, def flow.Value, status flow.Status, step int, inFailurePhase bool, module flow.Module, lastResult interface{}) error {
	return r.PushNextStep(ctx, job, def, status, lastResult)
}

// finishModule persists the module's terminal Success status (aggregating
// flowJobs' results when non-empty) and runs the common post-success
// logic: stop-early, retry clearing, and advancing to the next step or
// terminating the flow.
func (r *Reconciler) finishModule(
	ctx context.Context,
	job *collab.QueuedJob,
	def flow.Value,
	status flow.Status,
	step int,
	inFailurePhase bool,
	module flow.Module,
	in Input,
	flowJobs []uuid.UUID,
	branchChosen *flow.BranchChosen,
	aggregated []interface{},
) error {
	if flowJobs == nil {
		flowJobs = []uuid.UUID{}
	}

	result := in.Result
	if aggregated != nil {
		result = aggregated
	}

	newStatus := flow.Success{
		IDValue:      module.ID,
		Job:          in.ChildJobID,
		FlowJobs:     flowJobs,
		BranchChosen: branchChosen,
		Approvers:    []flow.Approval{},
	}

	if inFailurePhase {
		if err := r.Store.SetFailureModuleStatus(ctx, job.ID, newStatus); err != nil {
			return err
		}
		status.FailureModule = newStatus
	} else {
		advanceTo := step + 1
		if err := r.Store.SetModuleStatus(ctx, job.ID, step, newStatus, &advanceTo); err != nil {
			return err
		}
		status.Modules[step] = newStatus
		status.Step = step + 1
	}
	if err := r.Store.ClearRetry(ctx, job.ID); err != nil {
		return err
	}

	return r.afterModuleSucceeded(ctx, job, def, status, inFailurePhase, module, result, in.StopEarlyOverride, "Flow job completed")
}

// afterModuleSucceeded decides whether the flow stops here (the module's
// stop_after_if matched, or an override forces it to), falls through to
// the next step, or has simply run out of steps and terminates
// successfully. Shared by finishModule and the empty-inner-flows path, so
// an empty for-each/branch-all still goes through stop-early evaluation.
func (r *Reconciler) afterModuleSucceeded(
	ctx context.Context,
	job *collab.QueuedJob,
	def flow.Value,
	status flow.Status,
	inFailurePhase bool,
	module flow.Module,
	result interface{},
	stopEarlyOverride *bool,
	completionLogs string,
) error {
	var stopEarly, skipIfStopEarly bool

	if stopEarlyOverride != nil {
		stopEarly = true
		skipIfStopEarly = *stopEarlyOverride
	} else if !inFailurePhase && module.StopAfterIf != nil {
		vars := map[string]interface{}{
			"flow_input":      job.Args,
			"result":          result,
			"previous_result": result,
		}
		v, err := r.Eval.Eval(ctx, module.StopAfterIf.Expr, vars, planner.EvalTimeout)
		if err != nil {
			return err
		}
		matched, ok := v.(bool)
		if !ok {
			return flowerrors.Execution("module %s's stop_after_if did not evaluate to a bool", module.ID)
		}
		stopEarly = matched
		skipIfStopEarly = module.StopAfterIf.SkipIfStopped
	}

	if stopEarly {
		logs := fmt.Sprintf("Flow job stopped early at module %s", module.ID)
		r.Logger.Info("flow stopping early", "flow", job.ID, "module", module.ID, "skip_if_stopped", skipIfStopEarly)
		return r.terminate(ctx, job, true, true, skipIfStopEarly, result, logs)
	}

	if inFailurePhase || status.Step >= len(def.Modules) {
		return r.terminate(ctx, job, true, false, false, result, completionLogs)
	}

	return r.PushNextStep(ctx, job, def, status, result)
}

func (r *Reconciler) onChildFailed(
	ctx context.Context,
	job *collab.QueuedJob,
	def flow.Value,
	status flow.Status,
	step int,
	inFailurePhase bool,
	module flow.Module,
	in Input,
) error {
	if !in.Unrecoverable && retryEligible(module) {
		if decision, ok := retrypolicy.Next(module.Retry, status.Retry); ok {
			r.Logger.Info("retrying flow module", "flow", job.ID, "module", module.ID, "fail_count", decision.NewFailCount, "delay", decision.Delay)
			return r.retryModule(ctx, job, def, status, step, inFailurePhase, module, in, decision)
		}
	}

	if !inFailurePhase && def.FailureModule != nil {
		r.Logger.Info("flow module failed, entering failure module", "flow", job.ID, "module", module.ID)
		return r.enterFailurePhase(ctx, job, def, status, step, module, in)
	}

	newStatus := flow.Failure{IDValue: module.ID, Job: in.ChildJobID}
	if inFailurePhase {
		if err := r.Store.SetFailureModuleStatus(ctx, job.ID, newStatus); err != nil {
			return err
		}
	} else {
		advanceTo := len(def.Modules)
		if err := r.Store.SetModuleStatus(ctx, job.ID, step, newStatus, &advanceTo); err != nil {
			return err
		}
	}
	if err := r.Store.ClearRetry(ctx, job.ID); err != nil {
		return err
	}

	return r.terminate(ctx, job, false, false, false, in.Result, "Flow job completed")
}

// retryEligible mirrors the teacher's leaf-only retry scoping: a simple,
// single-job module (identity/script/rawscript) or a BranchOne retries by
// being planned again from WaitingForPriorSteps, which for a BranchOne
// re-evaluates its branch conditions. A for-loop or branch-all iteration
// that fails propagates the failure to its enclosing module instead of
// retrying in place.
func retryEligible(module flow.Module) bool {
	if module.Retry == nil {
		return false
	}
	switch module.Value.(type) {
	case flow.ForloopFlow, flow.BranchAll:
		return false
	default:
		return true
	}
}

func (r *Reconciler) retryModule(
	ctx context.Context,
	job *collab.QueuedJob,
	def flow.Value,
	status flow.Status,
	step int,
	inFailurePhase bool,
	module flow.Module,
	in Input,
	decision retrypolicy.Decision,
) error {
	scriptPath := job.ScriptPathOrDefault()
	res, err := planner.Plan(ctx, def, step, module, flow.WaitingForPriorSteps{IDValue: module.ID}, job.Args, in.Result, scriptPath, job.WorkspaceID, r.Resolver, r.Eval)
	if err != nil {
		return err
	}
	if res.Empty {
		return flowerrors.Internal("retrying module %s produced no work to resubmit", module.ID)
	}

	args := make(map[string]interface{}, len(res.NewArgs)+1)
	for k, v := range res.NewArgs {
		args[k] = v
	}
	if res.InsertPreviousResult {
		args["previous_result"] = transform.FlattenPreviousResult(in.Result)
	}

	scheduledFor := time.Now().Add(decision.Delay)
	jobID, err := r.Queue.Push(ctx, collab.PushInput{
		WorkspaceID:    job.WorkspaceID,
		Payload:        res.Payload,
		Args:           args,
		CreatedBy:      job.CreatedBy,
		PermissionedAs: job.PermissionedAs,
		ScheduledFor:   &scheduledFor,
		ParentJob:      &job.ID,
		IsFlowStep:     true,
	})
	if err != nil {
		return err
	}

	newStatus := flow.WaitingForExecutor{IDValue: module.ID, Job: jobID}
	if inFailurePhase {
		if err := r.Store.SetFailureModuleStatus(ctx, job.ID, newStatus); err != nil {
			return err
		}
	} else {
		if err := r.Store.SetModuleStatus(ctx, job.ID, step, newStatus, nil); err != nil {
			return err
		}
	}

	retryStatus := flow.RetryStatus{
		FailCount:      decision.NewFailCount,
		FailedJobs:     append(append([]uuid.UUID{}, status.Retry.FailedJobs...), in.ChildJobID),
		PreviousResult: in.Result,
	}
	return r.Store.SetRetry(ctx, job.ID, retryStatus)
}

func (r *Reconciler) enterFailurePhase(ctx context.Context, job *collab.QueuedJob, def flow.Value, status flow.Status, step int, module flow.Module, in Input) error {
	newStatus := flow.Failure{IDValue: module.ID, Job: in.ChildJobID}
	advanceTo := len(def.Modules)
	if err := r.Store.SetModuleStatus(ctx, job.ID, step, newStatus, &advanceTo); err != nil {
		return err
	}
	if err := r.Store.ClearRetry(ctx, job.ID); err != nil {
		return err
	}

	status.Modules[step] = newStatus
	status.Step = len(def.Modules)

	return r.PushNextStep(ctx, job, def, status, in.Result)
}

// terminate completes the flow job on the queue, cleans up its job
// directory when it ran same-worker, and recurses into the parent flow
// if this flow was itself a step of one.
func (r *Reconciler) terminate(ctx context.Context, job *collab.QueuedJob, success, stoppedEarly, skipIfStopEarly bool, result interface{}, logs string) error {
	var completedID uuid.UUID
	var err error
	if success {
		completedID, err = r.Queue.AddCompletedJob(ctx, job, true, stoppedEarly && skipIfStopEarly, result, logs)
	} else {
		completedID, err = r.Queue.AddCompletedJobError(ctx, job, logs, resultAsError(result))
	}
	if err != nil {
		return err
	}
	_ = completedID

	if job.SameWorker && !r.KeepJobDir {
		if err := r.Cleaner.Cleanup(ctx, job.ID); err != nil {
			return err
		}
	}

	if job.ParentJob == nil {
		return nil
	}

	var override *bool
	if stoppedEarly {
		s := skipIfStopEarly
		override = &s
	}

	return r.Reconcile(ctx, Input{
		FlowJobID:         *job.ParentJob,
		ChildJobID:        job.ID,
		WorkspaceID:       job.WorkspaceID,
		Success:           success,
		Unrecoverable:     !success,
		Result:            result,
		StopEarlyOverride: override,
	})
}

func resultAsError(result interface{}) error {
	if err, ok := result.(error); ok {
		return err
	}
	return fmt.Errorf("%v", result)
}
