// Package planner implements the next-step planner (spec §4.4): given a
// flow's definition, its current status, and the active module's status,
// it decides what to enqueue next and what status to persist for it.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/flowcore/flowcore/internal/collab"
	"github.com/flowcore/flowcore/internal/evaluator"
	"github.com/flowcore/flowcore/internal/flow"
	"github.com/flowcore/flowcore/internal/flowerrors"
	"github.com/flowcore/flowcore/internal/transform"
)

// EvalTimeout bounds iterator and branch-condition expression evaluation.
const EvalTimeout = transform.EvalTimeout

// StatusKind tags which NextStatus shape the driver should build once it
// has the freshly enqueued child job's UUID.
type StatusKind int

const (
	NextStep StatusKind = iota
	NextLoopIteration
	BranchChosenStep
	NextBranchStep
)

// NextStatus carries enough information for the driver to construct the
// FlowStatusModule to persist, once it knows the child job's UUID.
type NextStatus struct {
	Kind StatusKind

	// NextLoopIteration
	Index  int
	Itered []interface{}

	// BranchChosenStep
	BranchChosen flow.BranchChosen

	// NextBranchStep
	Branch         int
	BranchPrevious interface{}
	BranchLen      int
}

// Result is the planner's output: a NextFlowTransform. Empty is the
// EmptyInnerFlows case (e.g. a for-each over an empty array); otherwise
// Payload/Status/NewArgs describe the child job to enqueue.
type Result struct {
	Empty                bool
	Payload              collab.JobPayload
	Status               NextStatus
	NewArgs              map[string]interface{}
	InsertPreviousResult bool
}

// Plan dispatches on the active module's value and current status.
func Plan(
	ctx context.Context,
	def flow.Value,
	step int,
	module flow.Module,
	status flow.StatusModule,
	flowArgs map[string]interface{},
	lastResult interface{},
	scriptPath string,
	workspaceID string,
	resolver collab.ScriptResolver,
	eval evaluator.Evaluator,
) (Result, error) {
	switch v := module.Value.(type) {
	case flow.Identity:
		return Result{Payload: collab.IdentityPayload{}, Status: NextStatus{Kind: NextStep}}, nil

	case flow.Script:
		payload, err := resolveScriptPayload(ctx, v.Path, workspaceID, resolver)
		if err != nil {
			return Result{}, err
		}
		return Result{Payload: payload, Status: NextStatus{Kind: NextStep}}, nil

	case flow.RawScript:
		path := v.Path
		if path == nil {
			p := fmt.Sprintf("%s/%d", scriptPath, step)
			path = &p
		}
		return Result{
			Payload: collab.CodePayload{Path: path, Content: v.Content, Language: v.Language},
			Status:  NextStatus{Kind: NextStep},
		}, nil

	case flow.ForloopFlow:
		return planForloop(ctx, def, v, step, module, status, flowArgs, lastResult, scriptPath, eval)

	case flow.BranchOne:
		return planBranchOne(ctx, def, v, step, module, flowArgs, lastResult, scriptPath, eval)

	case flow.BranchAll:
		return planBranchAll(def, v, step, module, status, scriptPath)

	default:
		return Result{}, flowerrors.BadRequest("module %s has an unknown module value kind", module.ID)
	}
}

func resolveScriptPayload(ctx context.Context, path, workspaceID string, resolver collab.ScriptResolver) (collab.JobPayload, error) {
	if strings.HasPrefix(path, flow.HubScriptPrefix) {
		return collab.ScriptHubPayload{Path: path}, nil
	}
	hash, err := resolver.GetLatestHashForPath(ctx, workspaceID, path)
	if err != nil {
		return nil, err
	}
	return collab.ScriptHashPayload{Hash: hash, Path: path}, nil
}

func loopPath(scriptPath string, step int) string {
	return fmt.Sprintf("%s/loop-%d", scriptPath, step)
}

func branchOnePath(scriptPath string, step int) string {
	return fmt.Sprintf("%s/branchone-%d", scriptPath, step)
}

func branchAllPath(scriptPath string, branch int) string {
	return fmt.Sprintf("%s/branchall-%d", scriptPath, branch)
}

func planForloop(
	ctx context.Context,
	def flow.Value,
	v flow.ForloopFlow,
	step int,
	module flow.Module,
	status flow.StatusModule,
	flowArgs map[string]interface{},
	lastResult interface{},
	scriptPath string,
	eval evaluator.Evaluator,
) (Result, error) {
	subPath := loopPath(scriptPath, step)
	subFlow := flow.Value{Modules: v.Modules, FailureModule: def.FailureModule, SameWorker: def.SameWorker}

	switch s := status.(type) {
	case flow.WaitingForPriorSteps:
		itered, err := evalIteratorArray(ctx, v.Iterator, flowArgs, lastResult, eval)
		if err != nil {
			return Result{}, err
		}
		if len(itered) == 0 {
			return Result{Empty: true}, nil
		}
		return Result{
			Payload: collab.RawFlowPayload{Value: subFlow, Path: &subPath},
			NewArgs: map[string]interface{}{
				"iter": map[string]interface{}{"index": 0, "value": itered[0]},
			},
			Status: NextStatus{Kind: NextLoopIteration, Index: 0, Itered: itered},
		}, nil

	case flow.InProgress:
		if s.Iterator == nil {
			return Result{}, flowerrors.Internal("module %s is InProgress without an iterator state", module.ID)
		}
		nextIndex := s.Iterator.Index + 1
		if nextIndex >= len(s.Iterator.Itered) {
			return Result{}, flowerrors.Internal("module %s loop iteration advanced past its bound", module.ID)
		}
		return Result{
			Payload: collab.RawFlowPayload{Value: subFlow, Path: &subPath},
			NewArgs: map[string]interface{}{
				"iter": map[string]interface{}{"index": nextIndex, "value": s.Iterator.Itered[nextIndex]},
			},
			Status: NextStatus{Kind: NextLoopIteration, Index: nextIndex, Itered: s.Iterator.Itered},
		}, nil

	default:
		return Result{}, flowerrors.Internal("module %s has an unexpected status %s for a for-loop", module.ID, status.Kind())
	}
}

func evalIteratorArray(ctx context.Context, iterator flow.InputTransform, flowArgs map[string]interface{}, lastResult interface{}, eval evaluator.Evaluator) ([]interface{}, error) {
	if iterator.Static {
		arr, ok := iterator.Value.([]interface{})
		if !ok {
			return nil, flowerrors.Execution("for-each iterator did not evaluate to an array")
		}
		return arr, nil
	}
	vars := map[string]interface{}{
		"flow_input":      flowArgs,
		"result":          lastResult,
		"previous_result": transform.FlattenPreviousResult(lastResult),
	}
	v, err := eval.Eval(ctx, iterator.Expr, vars, EvalTimeout)
	if err != nil {
		return nil, err
	}
	arr, ok := v.([]interface{})
	if !ok {
		return nil, flowerrors.Execution("for-each iterator did not evaluate to an array")
	}
	return arr, nil
}

func planBranchOne(
	ctx context.Context,
	def flow.Value,
	v flow.BranchOne,
	step int,
	module flow.Module,
	flowArgs map[string]interface{},
	lastResult interface{},
	scriptPath string,
	eval evaluator.Evaluator,
) (Result, error) {
	subPath := branchOnePath(scriptPath, step)

	vars := map[string]interface{}{
		"flow_input":      flowArgs,
		"result":          lastResult,
		"previous_result": transform.FlattenPreviousResult(lastResult),
	}

	for i, branch := range v.Branches {
		result, err := eval.Eval(ctx, branch.Expr, vars, EvalTimeout)
		if err != nil {
			return Result{}, err
		}
		matched, isBool := result.(bool)
		if !isBool {
			return Result{}, flowerrors.Execution("branch %d condition for module %s did not evaluate to a bool", i, module.ID)
		}
		if matched {
			subFlow := flow.Value{Modules: branch.Modules, FailureModule: def.FailureModule, SameWorker: def.SameWorker}
			return Result{
				Payload:              collab.RawFlowPayload{Value: subFlow, Path: &subPath},
				Status:               NextStatus{Kind: BranchChosenStep, BranchChosen: flow.ChosenBranch(i)},
				InsertPreviousResult: true,
			}, nil
		}
	}

	subFlow := flow.Value{Modules: v.Default, FailureModule: def.FailureModule, SameWorker: def.SameWorker}
	return Result{
		Payload:              collab.RawFlowPayload{Value: subFlow, Path: &subPath},
		Status:               NextStatus{Kind: BranchChosenStep, BranchChosen: flow.DefaultBranch()},
		InsertPreviousResult: true,
	}, nil
}

func planBranchAll(def flow.Value, v flow.BranchAll, step int, module flow.Module, status flow.StatusModule, scriptPath string) (Result, error) {
	switch s := status.(type) {
	case flow.WaitingForPriorSteps:
		if len(v.Branches) == 0 {
			return Result{Empty: true}, nil
		}
		return branchAllStep(def, v, 0, nil, scriptPath)

	case flow.InProgress:
		if s.BranchAll == nil {
			return Result{}, flowerrors.Internal("module %s is InProgress without a branchall state", module.ID)
		}
		next := s.BranchAll.Branch + 1
		if next >= len(v.Branches) {
			return Result{}, flowerrors.Internal("module %s branchall advanced past its bound", module.ID)
		}
		return branchAllStep(def, v, next, s.BranchAll.PreviousResult, scriptPath)

	default:
		return Result{}, flowerrors.Internal("module %s has an unexpected status %s for a branch-all", module.ID, status.Kind())
	}
}

func branchAllStep(def flow.Value, v flow.BranchAll, branch int, previousResult interface{}, scriptPath string) (Result, error) {
	subPath := branchAllPath(scriptPath, branch)
	subFlow := flow.Value{Modules: v.Branches[branch].Modules, FailureModule: def.FailureModule, SameWorker: def.SameWorker}
	return Result{
		Payload:              collab.RawFlowPayload{Value: subFlow, Path: &subPath},
		InsertPreviousResult: true,
		Status: NextStatus{
			Kind:           NextBranchStep,
			Branch:         branch,
			BranchPrevious: previousResult,
			BranchLen:      len(v.Branches),
		},
	}, nil
}
