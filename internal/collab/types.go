// Package collab defines the external collaborator contracts the flow
// engine depends on but does not implement: the job queue's enqueue/
// dequeue mechanics, the cron scheduler, and workspace script resolution.
// These are out of scope per spec §1; only their contracts matter here.
package collab

import (
	"time"

	"github.com/google/uuid"

	"github.com/flowcore/flowcore/internal/flow"
)

// QueuedJob is the external queue row a flow job lives in while running.
type QueuedJob struct {
	ID             uuid.UUID
	WorkspaceID    string
	Args           map[string]interface{}
	ParentJob      *uuid.UUID
	SchedulePath   *string
	ScriptPath     *string
	RawFlow        *flow.Value
	FlowStatus     *flow.Status
	Canceled       bool
	SameWorker     bool
	IsFlowStep     bool
	PermissionedAs string
	CreatedBy      string
}

// ScriptPathOrDefault mirrors QueuedJob::script_path() in the original
// implementation: RawScript modules without an explicit path synthesize
// one from the enclosing job's script path.
func (j *QueuedJob) ScriptPathOrDefault() string {
	if j.ScriptPath != nil {
		return *j.ScriptPath
	}
	return ""
}

// JobPayload is the closed union of what can be pushed onto the queue.
type JobPayload interface {
	jobPayload()
}

type IdentityPayload struct{}

func (IdentityPayload) jobPayload() {}

type ScriptHubPayload struct {
	Path string
}

func (ScriptHubPayload) jobPayload() {}

type ScriptHashPayload struct {
	Hash string
	Path string
}

func (ScriptHashPayload) jobPayload() {}

type CodePayload struct {
	Path     *string
	Content  string
	Language string
}

func (CodePayload) jobPayload() {}

type RawFlowPayload struct {
	Value flow.Value
	Path  *string
}

func (RawFlowPayload) jobPayload() {}

// PushInput describes a job to enqueue.
type PushInput struct {
	WorkspaceID    string
	Payload        JobPayload
	Args           map[string]interface{}
	CreatedBy      string
	PermissionedAs string
	ScheduledFor   *time.Time
	SchedulePath   *string
	ParentJob      *uuid.UUID
	IsFlowStep     bool
	SameWorker     bool
}
