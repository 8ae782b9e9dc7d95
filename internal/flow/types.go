// Package flow holds the flow definition and runtime status data model:
// FlowValue, FlowModule and its tagged ModuleValue variants, InputTransform,
// retry/suspend/stop-after-if policies, and the persisted FlowStatus /
// FlowStatusModule tagged union. These mirror windmill-worker's
// windmill_common::flows and windmill_common::flow_status types, modeled
// as closed Go tagged unions rather than open polymorphism, per the
// "tagged variants" design note.
package flow

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MaxRetryAttempts and MaxRetryInterval bound a single module's retry
// policy. retrypolicy.Next still retries at FailCount == MaxRetryAttempts,
// so a module's RetryStatus.FailCount can reach MaxRetryAttempts+1.
const (
	MaxRetryAttempts = 3
	MaxRetryInterval = 300 // seconds
)

// Value is a flow definition: an ordered program of modules plus an
// optional failure module.
type Value struct {
	Modules       []Module `yaml:"modules" json:"modules"`
	FailureModule *Module  `yaml:"failure_module,omitempty" json:"failure_module,omitempty"`
	SameWorker    bool     `yaml:"same_worker,omitempty" json:"same_worker,omitempty"`
}

// Module is a single node of a flow: a stable id, a tagged ModuleValue,
// and the optional per-module policies.
type Module struct {
	ID              string                   `yaml:"id" json:"id"`
	Value           ModuleValue              `yaml:"value" json:"value"`
	Retry           *RetryConfig             `yaml:"retry,omitempty" json:"retry,omitempty"`
	Suspend         *SuspendConfig           `yaml:"suspend,omitempty" json:"suspend,omitempty"`
	Sleep           *InputTransform          `yaml:"sleep,omitempty" json:"sleep,omitempty"`
	StopAfterIf     *StopAfterIf             `yaml:"stop_after_if,omitempty" json:"stop_after_if,omitempty"`
	InputTransforms map[string]InputTransform `yaml:"input_transforms,omitempty" json:"input_transforms,omitempty"`
}

// StopAfterIf is evaluated after a successful step to decide whether the
// flow should terminate immediately.
type StopAfterIf struct {
	Expr          string `yaml:"expr" json:"expr"`
	SkipIfStopped bool   `yaml:"skip_if_stopped,omitempty" json:"skip_if_stopped,omitempty"`
}

// SuspendConfig gates the module that follows on N external resume events.
type SuspendConfig struct {
	RequiredEvents int  `yaml:"required_events" json:"required_events"`
	TimeoutSeconds *int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// DefaultSuspendTimeoutSeconds is used when SuspendConfig.TimeoutSeconds is
// unset.
const DefaultSuspendTimeoutSeconds = 30 * 60

// RetryConfig is a pure description of a retry policy: either a constant
// interval or an exponential backoff, capped at a number of attempts.
type RetryConfig struct {
	Constant    *ConstantRetry    `yaml:"constant,omitempty" json:"constant,omitempty"`
	Exponential *ExponentialRetry `yaml:"exponential,omitempty" json:"exponential,omitempty"`
}

type ConstantRetry struct {
	Attempts int `yaml:"attempts" json:"attempts"`
	Seconds  int `yaml:"seconds" json:"seconds"`
}

type ExponentialRetry struct {
	Attempts      int     `yaml:"attempts" json:"attempts"`
	Multiplier    float64 `yaml:"multiplier" json:"multiplier"`
	Seconds       int     `yaml:"seconds" json:"seconds"`
	RandomFactor  int     `yaml:"random_factor,omitempty" json:"random_factor,omitempty"`
}

// HasAttempts reports whether this policy would ever retry at all.
func (r *RetryConfig) HasAttempts() bool {
	if r == nil {
		return false
	}
	if r.Constant != nil && r.Constant.Attempts > 0 {
		return true
	}
	if r.Exponential != nil && r.Exponential.Attempts > 0 {
		return true
	}
	return false
}

// InputTransform is either a static value or a javascript/CEL expression
// evaluated against the flow's variable context.
type InputTransform struct {
	Static     bool        `json:"-"`
	Value      interface{} `json:"-"`
	Javascript bool        `json:"-"`
	Expr       string      `json:"-"`
}

type inputTransformWire struct {
	Type  string      `json:"type"`
	Value interface{} `yaml:"value,omitempty" json:"value,omitempty"`
	Expr  string      `yaml:"expr,omitempty" json:"expr,omitempty"`
}

func StaticTransform(v interface{}) InputTransform {
	return InputTransform{Static: true, Value: v}
}

func JavascriptTransform(expr string) InputTransform {
	return InputTransform{Javascript: true, Expr: expr}
}

func (it InputTransform) MarshalJSON() ([]byte, error) {
	w := inputTransformWire{}
	if it.Javascript {
		w.Type = "javascript"
		w.Expr = it.Expr
	} else {
		w.Type = "static"
		w.Value = it.Value
	}
	return json.Marshal(w)
}

func (it *InputTransform) UnmarshalJSON(data []byte) error {
	var w inputTransformWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case "javascript":
		it.Javascript = true
		it.Expr = w.Expr
	case "static", "":
		it.Static = true
		it.Value = w.Value
	default:
		return fmt.Errorf("unknown input transform type %q", w.Type)
	}
	return nil
}

func (it InputTransform) MarshalYAML() (interface{}, error) {
	if it.Javascript {
		return map[string]interface{}{"type": "javascript", "expr": it.Expr}, nil
	}
	return map[string]interface{}{"type": "static", "value": it.Value}, nil
}

func (it *InputTransform) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var w inputTransformWire
	if err := unmarshal(&w); err != nil {
		return err
	}
	switch w.Type {
	case "javascript":
		it.Javascript = true
		it.Expr = w.Expr
	case "static", "":
		it.Static = true
		it.Value = w.Value
	default:
		return fmt.Errorf("unknown input transform type %q", w.Type)
	}
	return nil
}

// ModuleValue is the closed union of what a Module can be.
type ModuleValue interface {
	Kind() string
}

const (
	KindIdentity    = "identity"
	KindScript      = "script"
	KindRawScript   = "rawscript"
	KindForloop     = "forloopflow"
	KindBranchOne   = "branchone"
	KindBranchAll   = "branchall"
)

type Identity struct{}

func (Identity) Kind() string { return KindIdentity }

// HubScriptPrefix marks a script path resolved from the public hub rather
// than a workspace-local script hash.
const HubScriptPrefix = "hub/"

type Script struct {
	Path string `yaml:"path" json:"path"`
}

func (Script) Kind() string { return KindScript }

type RawScript struct {
	Path     *string `yaml:"path,omitempty" json:"path,omitempty"`
	Content  string  `yaml:"content" json:"content"`
	Language string  `yaml:"language" json:"language"`
}

func (RawScript) Kind() string { return KindRawScript }

type ForloopFlow struct {
	Modules      []Module       `yaml:"modules" json:"modules"`
	Iterator     InputTransform `yaml:"iterator" json:"iterator"`
	SkipFailures bool           `yaml:"skip_failures,omitempty" json:"skip_failures,omitempty"`
}

func (ForloopFlow) Kind() string { return KindForloop }

type Branch struct {
	Expr    string   `yaml:"expr" json:"expr"`
	Modules []Module `yaml:"modules" json:"modules"`
}

type BranchOne struct {
	Branches []Branch `yaml:"branches" json:"branches"`
	Default  []Module `yaml:"default_modules" json:"default_modules"`
}

func (BranchOne) Kind() string { return KindBranchOne }

type AllBranch struct {
	Modules     []Module `yaml:"modules" json:"modules"`
	SkipFailure bool     `yaml:"skip_failure,omitempty" json:"skip_failure,omitempty"`
}

type BranchAll struct {
	Branches []AllBranch `yaml:"branches" json:"branches"`
}

func (BranchAll) Kind() string { return KindBranchAll }

// moduleValueWire is the intermediate shape used to marshal/unmarshal the
// {"type": "..."} discriminated JSON wire format for ModuleValue.
type moduleValueWire struct {
	Type         string         `json:"type"`
	Path         *string        `json:"path,omitempty"`
	Content      string         `json:"content,omitempty"`
	Language     string         `json:"language,omitempty"`
	Modules      []Module       `json:"modules,omitempty"`
	Iterator     *InputTransform `json:"iterator,omitempty"`
	SkipFailures bool           `json:"skip_failures,omitempty"`
	Branches     []json.RawMessage `json:"branches,omitempty"`
	Default      []Module       `json:"default_modules,omitempty"`
}

func MarshalModuleValue(v ModuleValue) ([]byte, error) {
	switch m := v.(type) {
	case Identity:
		return json.Marshal(moduleValueWire{Type: KindIdentity})
	case Script:
		p := m.Path
		return json.Marshal(moduleValueWire{Type: KindScript, Path: &p})
	case RawScript:
		return json.Marshal(moduleValueWire{Type: KindRawScript, Path: m.Path, Content: m.Content, Language: m.Language})
	case ForloopFlow:
		it := m.Iterator
		return json.Marshal(moduleValueWire{Type: KindForloop, Modules: m.Modules, Iterator: &it, SkipFailures: m.SkipFailures})
	case BranchOne:
		raws := make([]json.RawMessage, len(m.Branches))
		for i, b := range m.Branches {
			bs, err := json.Marshal(b)
			if err != nil {
				return nil, err
			}
			raws[i] = bs
		}
		return json.Marshal(moduleValueWire{Type: KindBranchOne, Branches: raws, Default: m.Default})
	case BranchAll:
		raws := make([]json.RawMessage, len(m.Branches))
		for i, b := range m.Branches {
			bs, err := json.Marshal(b)
			if err != nil {
				return nil, err
			}
			raws[i] = bs
		}
		return json.Marshal(moduleValueWire{Type: KindBranchAll, Branches: raws})
	default:
		return nil, fmt.Errorf("unknown module value kind %T", v)
	}
}

func UnmarshalModuleValue(data []byte) (ModuleValue, error) {
	var w moduleValueWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	switch w.Type {
	case KindIdentity:
		return Identity{}, nil
	case KindScript:
		if w.Path == nil {
			return nil, fmt.Errorf("script module missing path")
		}
		return Script{Path: *w.Path}, nil
	case KindRawScript:
		return RawScript{Path: w.Path, Content: w.Content, Language: w.Language}, nil
	case KindForloop:
		it := InputTransform{}
		if w.Iterator != nil {
			it = *w.Iterator
		}
		return ForloopFlow{Modules: w.Modules, Iterator: it, SkipFailures: w.SkipFailures}, nil
	case KindBranchOne:
		branches := make([]Branch, len(w.Branches))
		for i, raw := range w.Branches {
			if err := json.Unmarshal(raw, &branches[i]); err != nil {
				return nil, err
			}
		}
		return BranchOne{Branches: branches, Default: w.Default}, nil
	case KindBranchAll:
		branches := make([]AllBranch, len(w.Branches))
		for i, raw := range w.Branches {
			if err := json.Unmarshal(raw, &branches[i]); err != nil {
				return nil, err
			}
		}
		return BranchAll{Branches: branches}, nil
	default:
		return nil, fmt.Errorf("unknown module value type %q", w.Type)
	}
}

// moduleAlias lets Module's custom MarshalJSON/UnmarshalJSON reuse the
// struct tags of the other fields without infinite recursion.
type moduleAlias struct {
	ID              string                    `json:"id"`
	Value           json.RawMessage           `json:"value"`
	Retry           *RetryConfig              `json:"retry,omitempty"`
	Suspend         *SuspendConfig            `json:"suspend,omitempty"`
	Sleep           *InputTransform           `json:"sleep,omitempty"`
	StopAfterIf     *StopAfterIf              `json:"stop_after_if,omitempty"`
	InputTransforms map[string]InputTransform `json:"input_transforms,omitempty"`
}

func (m Module) MarshalJSON() ([]byte, error) {
	valueJSON, err := MarshalModuleValue(m.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(moduleAlias{
		ID:              m.ID,
		Value:           valueJSON,
		Retry:           m.Retry,
		Suspend:         m.Suspend,
		Sleep:           m.Sleep,
		StopAfterIf:     m.StopAfterIf,
		InputTransforms: m.InputTransforms,
	})
}

func (m *Module) UnmarshalJSON(data []byte) error {
	var a moduleAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	value, err := UnmarshalModuleValue(a.Value)
	if err != nil {
		return err
	}
	m.ID = a.ID
	m.Value = value
	m.Retry = a.Retry
	m.Suspend = a.Suspend
	m.Sleep = a.Sleep
	m.StopAfterIf = a.StopAfterIf
	m.InputTransforms = a.InputTransforms
	return nil
}

// ResumeMessage is an external input delivered during a WaitingForEvents
// phase.
type ResumeMessage struct {
	Job       uuid.UUID   `json:"job"`
	Value     interface{} `json:"value"`
	Approver  *string     `json:"approver,omitempty"`
	ResumeID  int         `json:"resume_id"`
	CreatedAt int64       `json:"created_at"`
}
