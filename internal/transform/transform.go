// Package transform implements the input transform resolver (spec §4.2):
// it builds a child job's argument map by combining static values and
// evaluated expressions against the flow's current variable environment.
package transform

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/flowcore/flowcore/internal/evaluator"
	"github.com/flowcore/flowcore/internal/flow"
)

// IdentityContext carries the caller identity and step bookkeeping a
// Javascript transform's evaluation needs: which workspace/token to run
// under, the ordered list of prior step job ids, and a module-id -> job-id
// lookup for by-id references.
type IdentityContext struct {
	Workspace string
	Token     string
	Steps     []uuid.UUID
	ByID      map[string]uuid.UUID
}

// EvalTimeout bounds a single transform expression's evaluation.
const EvalTimeout = 10 * time.Second

// ResolveInputs builds the field -> value mapping for a module's next
// child job. Static transforms are inserted before any Javascript
// transform is evaluated, so later expressions observing `params` see
// them (spec semantics); Javascript transforms see `params` as an
// accumulator of everything resolved so far.
func ResolveInputs(
	ctx context.Context,
	flowArgs map[string]interface{},
	lastResult interface{},
	transforms map[string]flow.InputTransform,
	identity IdentityContext,
	resumes []interface{},
	eval evaluator.Evaluator,
) (map[string]interface{}, error) {
	mapped := make(map[string]interface{})

	for key, val := range transforms {
		if val.Static {
			mapped[key] = val.Value
		}
	}

	flowInput := flowArgs
	if flowInput == nil {
		flowInput = map[string]interface{}{}
	}
	previousResult := FlattenPreviousResult(lastResult)

	var resume interface{}
	if len(resumes) > 0 {
		resume = resumes[len(resumes)-1]
	}

	for key, val := range transforms {
		if val.Static {
			continue
		}

		vars := map[string]interface{}{
			"params":          mapped,
			"previous_result": previousResult,
			"flow_input":      flowInput,
			"resume":          resume,
			"resumes":         resumes,
		}

		v, err := eval.Eval(ctx, val.Expr, vars, EvalTimeout)
		if err != nil {
			return nil, err
		}
		mapped[key] = v
	}

	return mapped, nil
}

// FlattenPreviousResult implements the "flatten law": if lastResult is an
// object carrying a `previous_result` key, unwrap it; otherwise use
// lastResult unchanged. This lets a nested flow forward a scalar through
// without it getting wrapped at every level.
func FlattenPreviousResult(lastResult interface{}) interface{} {
	obj, ok := lastResult.(map[string]interface{})
	if !ok {
		return lastResult
	}
	if inner, has := obj["previous_result"]; has {
		return inner
	}
	return lastResult
}
