package flow

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Status is the persisted runtime state of a flow job: the active step
// cursor, one FlowStatusModule per module plus one for the failure
// module, and the shared retry sub-state.
type Status struct {
	Step          int            `json:"step"`
	Modules       []StatusModule `json:"modules"`
	FailureModule StatusModule   `json:"failure_module"`
	Retry         RetryStatus    `json:"retry"`

	// SuspendRemaining and SuspendUntil are the row-level bookkeeping a
	// WaitingForEvents module keeps outside the module status itself:
	// how many more resume events are needed, and when the wait times
	// out. Both are nil outside of a suspended wait.
	SuspendRemaining *int   `json:"suspend,omitempty"`
	SuspendUntil     *int64 `json:"suspend_until,omitempty"`
}

// RetryStatus tracks the retry sub-state of the currently active module.
type RetryStatus struct {
	FailCount      int         `json:"fail_count"`
	FailedJobs     []uuid.UUID `json:"failed_jobs"`
	PreviousResult interface{} `json:"previous_result,omitempty"`
}

// NewStatus initializes a FlowStatus for a freshly-enqueued flow: every
// module starts WaitingForPriorSteps, per invariant 2.
func NewStatus(def Value) Status {
	modules := make([]StatusModule, len(def.Modules))
	for i, m := range def.Modules {
		modules[i] = WaitingForPriorSteps{ID: m.ID}
	}
	var failureID string
	if def.FailureModule != nil {
		failureID = def.FailureModule.ID
	}
	return Status{
		Step:          0,
		Modules:       modules,
		FailureModule: WaitingForPriorSteps{ID: failureID},
		Retry:         RetryStatus{FailedJobs: []uuid.UUID{}},
	}
}

// ActiveModule returns the FlowStatusModule for the current step, or the
// failure module when Step is past the end of Modules.
func (s Status) ActiveModule() StatusModule {
	if s.Step >= 0 && s.Step < len(s.Modules) {
		return s.Modules[s.Step]
	}
	return s.FailureModule
}

// IsFailurePhase reports whether Step denotes the failure-module phase.
func (s Status) IsFailurePhase() bool {
	return s.Step >= len(s.Modules)
}

// StatusModule is the closed tagged union of per-module runtime states.
type StatusModule interface {
	Kind() string
	ID() string
}

const (
	ModuleWaitingForPriorSteps = "WaitingForPriorSteps"
	ModuleWaitingForExecutor   = "WaitingForExecutor"
	ModuleInProgress           = "InProgress"
	ModuleWaitingForEvents     = "WaitingForEvents"
	ModuleSuccess              = "Success"
	ModuleFailure              = "Failure"
)

type WaitingForPriorSteps struct {
	IDValue string `json:"id"`
}

func (WaitingForPriorSteps) Kind() string    { return ModuleWaitingForPriorSteps }
func (w WaitingForPriorSteps) ID() string    { return w.IDValue }

type WaitingForExecutor struct {
	IDValue string    `json:"id"`
	Job     uuid.UUID `json:"job"`
}

func (WaitingForExecutor) Kind() string { return ModuleWaitingForExecutor }
func (w WaitingForExecutor) ID() string { return w.IDValue }

// IteratorState is the ForloopFlow InProgress substate.
type IteratorState struct {
	Index  int           `json:"index"`
	Itered []interface{} `json:"itered"`
}

// BranchAllState is the BranchAll InProgress substate.
type BranchAllState struct {
	Branch         int         `json:"branch"`
	PreviousResult interface{} `json:"previous_result"`
	Len            int         `json:"len"`
}

// BranchChosen records which branch a BranchOne module picked.
type BranchChosen struct {
	IsDefault bool `json:"is_default"`
	Branch    int  `json:"branch,omitempty"`
}

func DefaultBranch() BranchChosen           { return BranchChosen{IsDefault: true} }
func ChosenBranch(i int) BranchChosen       { return BranchChosen{IsDefault: false, Branch: i} }

type InProgress struct {
	IDValue      string          `json:"id"`
	Job          uuid.UUID       `json:"job"`
	Iterator     *IteratorState  `json:"iterator,omitempty"`
	BranchAll    *BranchAllState `json:"branchall,omitempty"`
	BranchChosen *BranchChosen   `json:"branch_chosen,omitempty"`
	FlowJobs     []uuid.UUID     `json:"flow_jobs,omitempty"`
}

func (InProgress) Kind() string { return ModuleInProgress }
func (i InProgress) ID() string { return i.IDValue }

type WaitingForEvents struct {
	IDValue string    `json:"id"`
	Count   int       `json:"count"`
	Job     uuid.UUID `json:"job"`
}

func (WaitingForEvents) Kind() string { return ModuleWaitingForEvents }
func (w WaitingForEvents) ID() string { return w.IDValue }

// Approval records the identity behind one resume event.
type Approval struct {
	ResumeID int    `json:"resume_id"`
	Approver string `json:"approver"`
}

type Success struct {
	IDValue      string        `json:"id"`
	Job          uuid.UUID     `json:"job"`
	FlowJobs     []uuid.UUID   `json:"flow_jobs,omitempty"`
	BranchChosen *BranchChosen `json:"branch_chosen,omitempty"`
	Approvers    []Approval    `json:"approvers"`
}

func (Success) Kind() string { return ModuleSuccess }
func (s Success) ID() string { return s.IDValue }

type Failure struct {
	IDValue      string        `json:"id"`
	Job          uuid.UUID     `json:"job"`
	FlowJobs     []uuid.UUID   `json:"flow_jobs,omitempty"`
	BranchChosen *BranchChosen `json:"branch_chosen,omitempty"`
}

func (Failure) Kind() string { return ModuleFailure }
func (f Failure) ID() string { return f.IDValue }

// statusModuleWire is the discriminated-union wire shape, matching the
// persisted `{job, type: "InProgress", ...}` structure so that targeted
// jsonb_set edits (see flowstore) only ever touch known fields.
type statusModuleWire struct {
	Type         string          `json:"type"`
	ID           string          `json:"id"`
	Job          *uuid.UUID      `json:"job,omitempty"`
	Count        int             `json:"count,omitempty"`
	Iterator     *IteratorState  `json:"iterator,omitempty"`
	BranchAll    *BranchAllState `json:"branchall,omitempty"`
	BranchChosen *BranchChosen   `json:"branch_chosen,omitempty"`
	FlowJobs     []uuid.UUID     `json:"flow_jobs,omitempty"`
	Approvers    []Approval      `json:"approvers,omitempty"`
}

func MarshalStatusModule(sm StatusModule) ([]byte, error) {
	switch v := sm.(type) {
	case nil:
		return json.Marshal(statusModuleWire{Type: ModuleWaitingForPriorSteps})
	case WaitingForPriorSteps:
		return json.Marshal(statusModuleWire{Type: ModuleWaitingForPriorSteps, ID: v.IDValue})
	case WaitingForExecutor:
		job := v.Job
		return json.Marshal(statusModuleWire{Type: ModuleWaitingForExecutor, ID: v.IDValue, Job: &job})
	case InProgress:
		job := v.Job
		return json.Marshal(statusModuleWire{
			Type: ModuleInProgress, ID: v.IDValue, Job: &job,
			Iterator: v.Iterator, BranchAll: v.BranchAll, BranchChosen: v.BranchChosen, FlowJobs: v.FlowJobs,
		})
	case WaitingForEvents:
		job := v.Job
		return json.Marshal(statusModuleWire{Type: ModuleWaitingForEvents, ID: v.IDValue, Job: &job, Count: v.Count})
	case Success:
		job := v.Job
		return json.Marshal(statusModuleWire{
			Type: ModuleSuccess, ID: v.IDValue, Job: &job,
			FlowJobs: v.FlowJobs, BranchChosen: v.BranchChosen, Approvers: v.Approvers,
		})
	case Failure:
		job := v.Job
		return json.Marshal(statusModuleWire{
			Type: ModuleFailure, ID: v.IDValue, Job: &job,
			FlowJobs: v.FlowJobs, BranchChosen: v.BranchChosen,
		})
	default:
		return nil, fmt.Errorf("unknown status module kind %T", sm)
	}
}

func UnmarshalStatusModule(data []byte) (StatusModule, error) {
	var w statusModuleWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	switch w.Type {
	case ModuleWaitingForPriorSteps, "":
		return WaitingForPriorSteps{IDValue: w.ID}, nil
	case ModuleWaitingForExecutor:
		return WaitingForExecutor{IDValue: w.ID, Job: derefUUID(w.Job)}, nil
	case ModuleInProgress:
		return InProgress{
			IDValue: w.ID, Job: derefUUID(w.Job),
			Iterator: w.Iterator, BranchAll: w.BranchAll, BranchChosen: w.BranchChosen, FlowJobs: w.FlowJobs,
		}, nil
	case ModuleWaitingForEvents:
		return WaitingForEvents{IDValue: w.ID, Job: derefUUID(w.Job), Count: w.Count}, nil
	case ModuleSuccess:
		approvers := w.Approvers
		if approvers == nil {
			approvers = []Approval{}
		}
		return Success{
			IDValue: w.ID, Job: derefUUID(w.Job),
			FlowJobs: w.FlowJobs, BranchChosen: w.BranchChosen, Approvers: approvers,
		}, nil
	case ModuleFailure:
		return Failure{
			IDValue: w.ID, Job: derefUUID(w.Job),
			FlowJobs: w.FlowJobs, BranchChosen: w.BranchChosen,
		}, nil
	default:
		return nil, fmt.Errorf("unknown status module type %q", w.Type)
	}
}

func derefUUID(u *uuid.UUID) uuid.UUID {
	if u == nil {
		return uuid.Nil
	}
	return *u
}

// statusAlias is the Status wire shape: MarshalJSON and UnmarshalJSON
// route Modules/FailureModule through the discriminated wire format.
type statusAlias struct {
	Step          int               `json:"step"`
	Modules       []json.RawMessage `json:"modules"`
	FailureModule json.RawMessage   `json:"failure_module"`
	Retry         RetryStatus       `json:"retry"`
	Suspend       *int              `json:"suspend,omitempty"`
	SuspendUntil  *int64            `json:"suspend_until,omitempty"`
}

func (s Status) MarshalJSON() ([]byte, error) {
	modules := make([]json.RawMessage, len(s.Modules))
	for i, m := range s.Modules {
		b, err := MarshalStatusModule(m)
		if err != nil {
			return nil, err
		}
		modules[i] = b
	}
	failureModule, err := MarshalStatusModule(s.FailureModule)
	if err != nil {
		return nil, err
	}
	return json.Marshal(statusAlias{
		Step: s.Step, Modules: modules, FailureModule: failureModule, Retry: s.Retry,
		Suspend: s.SuspendRemaining, SuspendUntil: s.SuspendUntil,
	})
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var a statusAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	modules := make([]StatusModule, len(a.Modules))
	for i, raw := range a.Modules {
		sm, err := UnmarshalStatusModule(raw)
		if err != nil {
			return err
		}
		modules[i] = sm
	}
	var failureModule StatusModule
	if len(a.FailureModule) > 0 {
		fm, err := UnmarshalStatusModule(a.FailureModule)
		if err != nil {
			return err
		}
		failureModule = fm
	} else {
		failureModule = WaitingForPriorSteps{}
	}
	s.Step = a.Step
	s.Modules = modules
	s.FailureModule = failureModule
	s.Retry = a.Retry
	s.SuspendRemaining = a.Suspend
	s.SuspendUntil = a.SuspendUntil
	return nil
}
