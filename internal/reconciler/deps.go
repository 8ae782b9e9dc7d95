// Package reconciler implements the completion reconciler (spec §4.5): it
// is invoked whenever a flow's current child job finishes, updates the
// flow's persisted status, and either pushes the next step, falls through
// to the failure module, retries, or terminates the flow, recursing
// upward into a parent flow when this flow is itself a step of one.
package reconciler

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/flowcore/flowcore/internal/collab"
	"github.com/flowcore/flowcore/internal/evaluator"
	"github.com/flowcore/flowcore/internal/flow"
	"github.com/flowcore/flowcore/internal/flowerrors"
	"github.com/flowcore/flowcore/internal/flowstore"
	"github.com/flowcore/flowcore/internal/logging"
	"github.com/flowcore/flowcore/internal/planner"
	"github.com/flowcore/flowcore/internal/suspend"
	"github.com/flowcore/flowcore/internal/transform"
)

// Reconciler bundles the collaborators the reconciler and the shared
// next-step pusher need: persisted status, the job queue, the cron
// scheduler, script hash resolution, expression evaluation, and a
// same-worker job directory cleaner.
type Reconciler struct {
	Store     flowstore.Store
	Queue     collab.Queue
	Scheduler collab.Scheduler
	Resolver  collab.ScriptResolver
	Eval      evaluator.Evaluator
	Cleaner   collab.JobDirCleaner
	Logger    logging.Logger

	// Suspend gates entry into a module whose predecessor has a
	// suspend.required_events policy (spec §4.6). Nil is valid only for
	// flows that never use Suspend; PushNextStep skips the gate entirely
	// in that case.
	Suspend *suspend.Coordinator

	// KeepJobDir mirrors the worker's --keep-job-dir flag: when true the
	// per-job working directory survives flow termination.
	KeepJobDir bool
}

// PushNextStep implements driver steps 4.4(1-4): plan the next unit of
// work for a flow job and persist it. The new job's id is recorded only in
// the flow status; it is not sent to any in-process same-worker channel,
// since there is none. Used both to start a freshly
// enqueued flow job (step 0, WaitingForPriorSteps) and by the reconciler
// to advance to the next step after a completion.
func (r *Reconciler) PushNextStep(ctx context.Context, job *collab.QueuedJob, def flow.Value, status flow.Status, lastResult interface{}) error {
	step := status.Step
	inFailurePhase := status.IsFailurePhase()

	if !inFailurePhase && r.Suspend != nil {
		decision, err := r.Suspend.Gate(ctx, job, def, status, lastResult)
		if err != nil {
			return err
		}
		if decision.TimedOut {
			logs := "Timed out waiting to be resumed"
			return r.terminate(ctx, job, false, false, false, map[string]interface{}{"error": logs}, logs)
		}
		if !decision.Proceed {
			return nil
		}
		lastResult = decision.LastResult
	}

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
	scriptPath := job.ScriptPathOrDefault()

	res, err := planner.Plan(ctx, def, step, module, active, job.Args, lastResult, scriptPath, job.WorkspaceID, r.Resolver, r.Eval)
	if err != nil {
		return err
	}

	if res.Empty {
		return r.resolveEmptyInnerFlows(ctx, job, def, status, step, inFailurePhase, module)
	}

	args := make(map[string]interface{}, len(module.InputTransforms)+len(res.NewArgs)+1)
	if len(module.InputTransforms) > 0 {
		resolved, err := r.resolveModuleInputs(ctx, job, step, module, inFailurePhase, lastResult)
		if err != nil {
			return err
		}
		for k, v := range resolved {
			args[k] = v
		}
	}
	for k, v := range res.NewArgs {
		args[k] = v
	}
	if res.InsertPreviousResult {
		args["previous_result"] = transform.FlattenPreviousResult(lastResult)
	}

	var scheduledFor *time.Time
	if module.Sleep != nil {
		d, err := evalSleepDuration(ctx, *module.Sleep, job.Args, lastResult, r.Eval)
		if err != nil {
			return err
		}
		t := time.Now().Add(d)
		scheduledFor = &t
	}

	sameWorker := def.SameWorker && module.Suspend == nil && module.Sleep == nil

	jobID, err := r.Queue.Push(ctx, collab.PushInput{
		WorkspaceID:    job.WorkspaceID,
		Payload:        res.Payload,
		Args:           args,
		CreatedBy:      job.CreatedBy,
		PermissionedAs: job.PermissionedAs,
		ScheduledFor:   scheduledFor,
		ParentJob:      &job.ID,
		IsFlowStep:     true,
		SameWorker:     sameWorker,
	})
	if err != nil {
		return err
	}

	// When continuing a for-loop or branch-all, the job that just finished
	// (recorded as ip.Job on the in-progress state we planned from) joins
	// the accumulated FlowJobs list this new iteration/branch carries
	// forward, so the module's eventual Success lists every child job in
	// iteration order.
	var priorFlowJobs []uuid.UUID
	if ip, ok := active.(flow.InProgress); ok {
		if ip.Job != uuid.Nil {
			priorFlowJobs = append(append([]uuid.UUID{}, ip.FlowJobs...), ip.Job)
		} else {
			priorFlowJobs = ip.FlowJobs
		}
	}
	newStatus := buildNextStatus(module.ID, jobID, res.Status, priorFlowJobs)

	if inFailurePhase {
		if err := r.Store.SetFailureModuleStatus(ctx, job.ID, newStatus); err != nil {
			return err
		}
	} else {
		if err := r.Store.SetModuleStatus(ctx, job.ID, step, newStatus, nil); err != nil {
			return err
		}
	}

	if step == 0 && !inFailurePhase && job.SchedulePath != nil {
		if err := r.Scheduler.ScheduleAgainIfScheduled(ctx, *job.SchedulePath, scriptPath, job.WorkspaceID); err != nil {
			return err
		}
	}

	return nil
}

// resolveModuleInputs implements spec §4.2 for the module about to start:
// it resolves module.InputTransforms against the flow's args, the previous
// step's result, and (when the previous module suspended waiting for
// events) the resume messages that satisfied it, in ascending arrival
// order.
func (r *Reconciler) resolveModuleInputs(ctx context.Context, job *collab.QueuedJob, step int, module flow.Module, inFailurePhase bool, lastResult interface{}) (map[string]interface{}, error) {
	var resumes []interface{}
	if !inFailurePhase && step > 0 {
		msgs, err := r.Store.ListResumeMessages(ctx, job.ID, step-1)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt < msgs[j].CreatedAt })
		for _, m := range msgs {
			resumes = append(resumes, m.Value)
		}
	}

	identity := transform.IdentityContext{
		Workspace: job.WorkspaceID,
		Token:     job.PermissionedAs,
	}
	return transform.ResolveInputs(ctx, job.Args, lastResult, module.InputTransforms, identity, resumes, r.Eval)
}

func evalSleepDuration(ctx context.Context, sleep flow.InputTransform, flowArgs map[string]interface{}, lastResult interface{}, eval evaluator.Evaluator) (time.Duration, error) {
	var v interface{}
	if sleep.Static {
		v = sleep.Value
	} else {
		vars := map[string]interface{}{
			"flow_input":      flowArgs,
			"result":          lastResult,
			"previous_result": transform.FlattenPreviousResult(lastResult),
		}
		val, err := eval.Eval(ctx, sleep.Expr, vars, planner.EvalTimeout)
		if err != nil {
			return 0, err
		}
		v = val
	}
	switch n := v.(type) {
	case int:
		return time.Duration(n) * time.Second, nil
	case int64:
		return time.Duration(n) * time.Second, nil
	case float64:
		return time.Duration(n * float64(time.Second)), nil
	default:
		return 0, flowerrors.Execution("sleep did not evaluate to a number of seconds")
	}
}

func buildNextStatus(moduleID string, jobID uuid.UUID, next planner.NextStatus, priorFlowJobs []uuid.UUID) flow.StatusModule {
	switch next.Kind {
	case planner.NextStep:
		return flow.WaitingForExecutor{IDValue: moduleID, Job: jobID}
	case planner.NextLoopIteration:
		return flow.InProgress{
			IDValue:  moduleID,
			Job:      jobID,
			Iterator: &flow.IteratorState{Index: next.Index, Itered: next.Itered},
			FlowJobs: priorFlowJobs,
		}
	case planner.BranchChosenStep:
		bc := next.BranchChosen
		return flow.InProgress{IDValue: moduleID, Job: jobID, BranchChosen: &bc, FlowJobs: priorFlowJobs}
	case planner.NextBranchStep:
		return flow.InProgress{
			IDValue: moduleID,
			Job:     jobID,
			BranchAll: &flow.BranchAllState{
				Branch:         next.Branch,
				PreviousResult: next.BranchPrevious,
				Len:            next.BranchLen,
			},
			FlowJobs: priorFlowJobs,
		}
	default:
		return flow.WaitingForExecutor{IDValue: moduleID, Job: jobID}
	}
}

// resolveEmptyInnerFlows handles the planner.Result.Empty case: a for-each
// over an empty array, or a branch-all with no branches. The module
// succeeds immediately with an empty result and no child jobs, then the
// reconciler's normal completion path runs as if that module had just
// finished successfully.
func (r *Reconciler) resolveEmptyInnerFlows(ctx context.Context, job *collab.QueuedJob, def flow.Value, status flow.Status, step int, inFailurePhase bool, module flow.Module) error {
	newStatus := flow.Success{IDValue: module.ID, Job: uuid.Nil, FlowJobs: []uuid.UUID{}, Approvers: []flow.Approval{}}

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

	var emptyResult interface{} = []interface{}{}
	return r.afterModuleSucceeded(ctx, job, def, status, inFailurePhase, module, emptyResult, nil, "Forloop completed without iteration")
}
