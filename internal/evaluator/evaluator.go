// Package evaluator implements the expression evaluator bridge (spec
// §4.1): a single, timeout-bounded call that evaluates a sandboxed
// expression against a variable context and returns a structured value.
// It is generalized from dangazineu-tako's SubscriptionEvaluator, which
// compiles and caches CEL programs to match events against subscription
// filters; here the same compiled-program cache and cost-limited CEL
// environment back a general-purpose "evaluate this expression" contract
// consumed by the transform resolver, the planner, and the reconciler.
package evaluator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/flowcore/flowcore/internal/flowerrors"
)

// DefaultTimeout bounds a single expression evaluation when the caller
// does not specify one.
const DefaultTimeout = 10 * time.Second

// Evaluator is the contract the rest of the engine depends on. It is kept
// deliberately narrow: flow components only ever need to evaluate one
// expression against one variable context with one timeout.
type Evaluator interface {
	Eval(ctx context.Context, expr string, vars map[string]interface{}, timeout time.Duration) (interface{}, error)
}

// compiledProgram caches a compiled, checked CEL program for an expression
// string, exactly mirroring CompiledCELProgram.
type compiledProgram struct {
	program cel.Program
}

// CELEvaluator is the production Evaluator, backed by a sandboxed CEL
// environment with a bounded evaluation cost and a compiled-program
// cache.
type CELEvaluator struct {
	env          *cel.Env
	costLimit    uint64
	programCache sync.Map
	cacheLimit   int
	cacheSize    int64
	cacheMutex   sync.RWMutex
}

// variableNames enumerates every variable name any call site in the flow
// engine may bind: the planner's iterator/stop-after expressions use
// flow_input/result/previous_result; the transform resolver additionally
// uses params/resume/resumes; subscription-style filters (carried over
// from the teacher for completeness) use event/payload/event_type/
// schema_version/source.
var variableNames = []string{
	"flow_input", "result", "previous_result",
	"params", "resume", "resumes",
	"event", "payload", "event_type", "schema_version", "source",
}

// NewCELEvaluator creates a new CEL-backed evaluator with security
// safeguards: every variable is untyped-dynamic so arbitrary JSON-shaped
// contexts can be bound without per-callsite environments, and evaluation
// cost is bounded to prevent a pathological expression from running away.
func NewCELEvaluator() (*CELEvaluator, error) {
	opts := make([]cel.EnvOption, 0, len(variableNames))
	for _, name := range variableNames {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %v", err)
	}

	return &CELEvaluator{
		env:        env,
		costLimit:  1000000, // 1M cost units - prevents complex expressions from causing DoS
		cacheLimit: 1000,
	}, nil
}

// Eval evaluates expr against vars, bounded by timeout. Evaluation runs on
// its own goroutine so a runaway expression cannot block the caller past
// the timeout; the goroutine itself is still bounded by the CEL cost
// limit, which aborts evaluation once its runtime cost exceeds the limit.
// A context that is already done yields an error without evaluating.
func (e *CELEvaluator) Eval(ctx context.Context, expr string, vars map[string]interface{}, timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := ctx.Err(); err != nil {
		return nil, flowerrors.Execution("expression `%s` not evaluated: %v", expr, err)
	}

	program, err := e.getOrCompileProgram(expr)
	if err != nil {
		return nil, flowerrors.Execution("failed to compile expression `%s`: %v", expr, err)
	}

	type evalResult struct {
		val ref.Val
		err error
	}
	done := make(chan evalResult, 1)
	go func() {
		val, _, err := program.Eval(vars)
		done <- evalResult{val: val, err: err}
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-timeoutCtx.Done():
		return nil, flowerrors.Execution("expression `%s` timed out after %s", expr, timeout)
	case r := <-done:
		if r.err != nil {
			return nil, flowerrors.Execution("error evaluating expression `%s`: %v", expr, r.err)
		}
		return nativeValue(r.val), nil
	}
}

func (e *CELEvaluator) getOrCompileProgram(expr string) (cel.Program, error) {
	if cached, found := e.programCache.Load(expr); found {
		return cached.(*compiledProgram).program, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}

	program, err := e.env.Program(ast, cel.CostLimit(e.costLimit))
	if err != nil {
		return nil, err
	}

	e.cacheMutex.Lock()
	defer e.cacheMutex.Unlock()
	if cached, found := e.programCache.Load(expr); found {
		return cached.(*compiledProgram).program, nil
	}
	if e.cacheSize >= int64(e.cacheLimit) {
		e.clearCacheUnsafe()
	}
	e.programCache.Store(expr, &compiledProgram{program: program})
	e.cacheSize++
	return program, nil
}

func (e *CELEvaluator) clearCacheUnsafe() {
	e.programCache.Range(func(key, _ interface{}) bool {
		e.programCache.Delete(key)
		return true
	})
	e.cacheSize = 0
}

// ClearCache clears the compiled-program cache. Useful for tests.
func (e *CELEvaluator) ClearCache() {
	e.cacheMutex.Lock()
	defer e.cacheMutex.Unlock()
	e.clearCacheUnsafe()
}

// nativeValue converts a CEL ref.Val back into plain Go values (bool,
// int64, float64, string, nil, []interface{}, map[string]interface{}) so
// the rest of the engine never has to import CEL types.
func nativeValue(v ref.Val) interface{} {
	if v == nil {
		return nil
	}
	switch v.Type() {
	case types.NullType:
		return nil
	case types.BoolType:
		return bool(v.(types.Bool))
	case types.StringType:
		return string(v.(types.String))
	case types.IntType:
		return int64(v.(types.Int))
	case types.UintType:
		return uint64(v.(types.Uint))
	case types.DoubleType:
		return float64(v.(types.Double))
	case types.ListType:
		lister := v.(traits.Lister)
		out := make([]interface{}, 0, int(lister.Size().(types.Int)))
		it := lister.Iterator()
		for it.HasNext() == types.True {
			out = append(out, nativeValue(it.Next()))
		}
		return out
	case types.MapType:
		mapper := v.(traits.Mapper)
		out := make(map[string]interface{})
		it := mapper.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			val, _ := mapper.Find(k)
			out[fmt.Sprintf("%v", nativeValue(k))] = nativeValue(val)
		}
		return out
	default:
		return v.Value()
	}
}
