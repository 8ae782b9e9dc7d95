package evaluator

import (
	"context"
	"testing"
	"time"
)

func TestNewCELEvaluator(t *testing.T) {
	e, err := NewCELEvaluator()
	if err != nil {
		t.Fatalf("failed to create evaluator: %v", err)
	}
	if e == nil {
		t.Fatal("expected non-nil evaluator")
	}
	if e.costLimit != 1000000 {
		t.Errorf("expected cost limit 1000000, got %d", e.costLimit)
	}
}

func TestEvalBool(t *testing.T) {
	e, err := NewCELEvaluator()
	if err != nil {
		t.Fatalf("failed to create evaluator: %v", err)
	}

	out, err := e.Eval(context.Background(), "result.count > 10", map[string]interface{}{
		"result": map[string]interface{}{"count": int64(42)},
	}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, ok := out.(bool)
	if !ok || !b {
		t.Fatalf("expected true, got %#v", out)
	}
}

func TestEvalArray(t *testing.T) {
	e, err := NewCELEvaluator()
	if err != nil {
		t.Fatalf("failed to create evaluator: %v", err)
	}

	out, err := e.Eval(context.Background(), "flow_input.items", map[string]interface{}{
		"flow_input": map[string]interface{}{"items": []interface{}{int64(10), int64(20), int64(30)}},
	}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	arr, ok := out.([]interface{})
	if !ok {
		t.Fatalf("expected array, got %#v", out)
	}
	if len(arr) != 3 {
		t.Fatalf("expected 3 elements, got %d", len(arr))
	}
}

func TestEvalCompileError(t *testing.T) {
	e, err := NewCELEvaluator()
	if err != nil {
		t.Fatalf("failed to create evaluator: %v", err)
	}

	if _, err := e.Eval(context.Background(), "result.(((", nil, time.Second); err == nil {
		t.Fatal("expected a compile error")
	}
}

func TestEvalUsesProgramCache(t *testing.T) {
	e, err := NewCELEvaluator()
	if err != nil {
		t.Fatalf("failed to create evaluator: %v", err)
	}

	expr := "previous_result == true"
	vars := map[string]interface{}{"previous_result": true}

	if _, err := e.Eval(context.Background(), expr, vars, time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, found := e.programCache.Load(expr); !found {
		t.Fatal("expected compiled program to be cached")
	}
	if _, err := e.Eval(context.Background(), expr, vars, time.Second); err != nil {
		t.Fatalf("unexpected error on cached evaluation: %v", err)
	}
}

func TestEvalTimeout(t *testing.T) {
	e, err := NewCELEvaluator()
	if err != nil {
		t.Fatalf("failed to create evaluator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.Eval(ctx, "true", nil, time.Second); err == nil {
		t.Fatal("expected context cancellation to surface as an error")
	}
}
