package collab

import (
	"context"

	"github.com/google/uuid"
)

// Queue is the job queue's enqueue/dequeue contract: push, get_queued_job,
// add_completed_job, add_completed_job_error from spec §6.
type Queue interface {
	Push(ctx context.Context, in PushInput) (uuid.UUID, error)
	GetQueuedJob(ctx context.Context, id uuid.UUID, workspaceID string) (*QueuedJob, error)
	AddCompletedJob(ctx context.Context, job *QueuedJob, success, skipped bool, result interface{}, logs string) (uuid.UUID, error)
	AddCompletedJobError(ctx context.Context, job *QueuedJob, logs string, cause error) (uuid.UUID, error)

	// GetCompletedResult fetches a single finished job's result, used when
	// a suspended module resumes off the triggering job's own result.
	GetCompletedResult(ctx context.Context, id uuid.UUID, workspaceID string) (interface{}, error)

	// GetCompletedResultsOrdered fetches the results of a set of finished
	// jobs ordered by each job's recorded `iter.index` argument, the same
	// ordering a for-loop or branch-all aggregation relies on to rebuild
	// its output array in iteration order regardless of completion order.
	GetCompletedResultsOrdered(ctx context.Context, ids []uuid.UUID, workspaceID string) ([]interface{}, error)
}

// Scheduler re-arms a cron trigger after its first flow step starts.
type Scheduler interface {
	ScheduleAgainIfScheduled(ctx context.Context, schedulePath, scriptPath, workspaceID string) error
}

// ScriptResolver resolves a workspace-local script path to its latest
// content hash.
type ScriptResolver interface {
	GetLatestHashForPath(ctx context.Context, workspaceID, path string) (string, error)
}

// JobDirCleaner removes a same-worker job's local working directory once
// its flow has terminated. A no-op implementation is fine for workers that
// don't materialize job directories on disk.
type JobDirCleaner interface {
	Cleanup(ctx context.Context, jobID uuid.UUID) error
}
