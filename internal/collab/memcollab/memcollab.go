// Package memcollab is an in-memory reference implementation of the
// collab.Queue, collab.Scheduler and collab.ScriptResolver contracts, used
// by tests and by the CLI's dry-run driver so neither needs a running
// queue worker or database to exercise the flow engine.
package memcollab

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/flowcore/flowcore/internal/collab"
	"github.com/flowcore/flowcore/internal/flow"
	"github.com/flowcore/flowcore/internal/flowerrors"
)

type completedJob struct {
	args    map[string]interface{}
	result  interface{}
	success bool
	skipped bool
	logs    string
}

// Queue is a process-local job queue. Zero value is unusable; use New.
type Queue struct {
	mu         sync.Mutex
	queued     map[uuid.UUID]*collab.QueuedJob
	completed  map[uuid.UUID]completedJob
	rehashes   map[string]string
	scheduled  map[string]int
	nextHashID int
}

func New() *Queue {
	return &Queue{
		queued:    make(map[uuid.UUID]*collab.QueuedJob),
		completed: make(map[uuid.UUID]completedJob),
		rehashes:  make(map[string]string),
		scheduled: make(map[string]int),
	}
}

func (q *Queue) Push(_ context.Context, in collab.PushInput) (uuid.UUID, error) {
	id := uuid.New()

	job := &collab.QueuedJob{
		ID:             id,
		WorkspaceID:    in.WorkspaceID,
		Args:           in.Args,
		ParentJob:      in.ParentJob,
		SchedulePath:   in.SchedulePath,
		SameWorker:     in.SameWorker,
		IsFlowStep:     in.IsFlowStep,
		PermissionedAs: in.PermissionedAs,
		CreatedBy:      in.CreatedBy,
	}

	switch p := in.Payload.(type) {
	case collab.ScriptHubPayload:
		job.ScriptPath = &p.Path
	case collab.ScriptHashPayload:
		job.ScriptPath = &p.Path
	case collab.CodePayload:
		job.ScriptPath = p.Path
	case collab.RawFlowPayload:
		v := p.Value
		job.RawFlow = &v
		job.ScriptPath = p.Path
		status := flow.NewStatus(v)
		job.FlowStatus = &status
	}

	q.mu.Lock()
	q.queued[id] = job
	q.mu.Unlock()

	return id, nil
}

func (q *Queue) GetQueuedJob(_ context.Context, id uuid.UUID, workspaceID string) (*collab.QueuedJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.queued[id]
	if !ok || job.WorkspaceID != workspaceID {
		return nil, flowerrors.Execution("queued job %s not found in workspace %s", id, workspaceID)
	}
	return job, nil
}

func (q *Queue) AddCompletedJob(_ context.Context, job *collab.QueuedJob, success, skipped bool, result interface{}, logs string) (uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.queued, job.ID)
	q.completed[job.ID] = completedJob{
		args:    job.Args,
		result:  result,
		success: success,
		skipped: skipped,
		logs:    logs,
	}
	return job.ID, nil
}

func (q *Queue) AddCompletedJobError(_ context.Context, job *collab.QueuedJob, logs string, cause error) (uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.queued, job.ID)
	q.completed[job.ID] = completedJob{
		args:    job.Args,
		result:  map[string]interface{}{"error": cause.Error()},
		success: false,
		logs:    logs,
	}
	return job.ID, nil
}

func (q *Queue) GetCompletedResult(_ context.Context, id uuid.UUID, workspaceID string) (interface{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cj, ok := q.completed[id]
	if !ok {
		return nil, flowerrors.Execution("completed job %s not found", id)
	}
	return cj.result, nil
}

func (q *Queue) GetCompletedResultsOrdered(_ context.Context, ids []uuid.UUID, _ string) ([]interface{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	type indexed struct {
		index  int
		result interface{}
	}
	entries := make([]indexed, 0, len(ids))
	for _, id := range ids {
		cj, ok := q.completed[id]
		if !ok {
			return nil, flowerrors.Execution("completed job %s not found", id)
		}
		idx := iterIndex(cj.args)
		entries = append(entries, indexed{index: idx, result: cj.result})
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].index < entries[j].index })

	out := make([]interface{}, len(entries))
	for i, e := range entries {
		out[i] = e.result
	}
	return out, nil
}

// iterIndex extracts the `iter.index` field for-loop child jobs carry in
// their args, defaulting to 0 for jobs with none (branch-all and BranchOne
// children carry no `iter`); the stable sort then keeps such jobs in the
// order they were passed in.
func iterIndex(args map[string]interface{}) int {
	if args == nil {
		return 0
	}
	iter, ok := args["iter"].(map[string]interface{})
	if !ok {
		return 0
	}
	switch v := iter["index"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Scheduler re-arms a cron schedule, counting invocations for tests.
type Scheduler struct {
	mu    sync.Mutex
	calls map[string]int
}

func NewScheduler() *Scheduler {
	return &Scheduler{calls: make(map[string]int)}
}

func (s *Scheduler) ScheduleAgainIfScheduled(_ context.Context, schedulePath, scriptPath, workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[workspaceID+"|"+schedulePath+"|"+scriptPath]++
	return nil
}

func (s *Scheduler) CallCount(schedulePath, scriptPath, workspaceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[workspaceID+"|"+schedulePath+"|"+scriptPath]
}

// ScriptResolver maps workspace script paths to content hashes from a
// fixed table, set up by tests via Set.
type ScriptResolver struct {
	mu     sync.Mutex
	hashes map[string]string
}

func NewScriptResolver() *ScriptResolver {
	return &ScriptResolver{hashes: make(map[string]string)}
}

func (r *ScriptResolver) Set(workspaceID, path, hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hashes[workspaceID+"|"+path] = hash
}

func (r *ScriptResolver) GetLatestHashForPath(_ context.Context, workspaceID, path string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hash, ok := r.hashes[workspaceID+"|"+path]
	if !ok {
		return "", flowerrors.BadRequest("no script found at path %s in workspace %s", path, workspaceID)
	}
	return hash, nil
}

// NoopJobDirCleaner implements collab.JobDirCleaner for workers that never
// materialize a job working directory, e.g. this in-memory reference setup.
type NoopJobDirCleaner struct{}

func (NoopJobDirCleaner) Cleanup(context.Context, uuid.UUID) error { return nil }

var _ collab.JobDirCleaner = NoopJobDirCleaner{}
