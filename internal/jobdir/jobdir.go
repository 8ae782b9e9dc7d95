// Package jobdir manages the per-job working directories same-worker
// script/raw-script steps materialize on local disk, and implements
// collab.JobDirCleaner against them. Adapted from the teacher's orphaned
// child-workspace sweeper: a flow job's directory plays the same role a
// child workflow run's workspace did there, just keyed by job id instead
// of run id.
package jobdir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/flowcore/flowcore/internal/collab"
	"github.com/flowcore/flowcore/internal/logging"
)

// Cleaner removes a job's working directory, <root>/<job-id>, once its
// flow has terminated. It also sweeps for directories orphaned by a
// worker that crashed before the flow could terminate normally.
type Cleaner struct {
	root   string
	maxAge time.Duration
	logger logging.Logger
}

// NewCleaner builds a Cleaner rooted at root. maxAge defaults to 24h when
// zero, matching the sweep interval a worker runs orphan cleanup on.
func NewCleaner(root string, maxAge time.Duration, logger logging.Logger) *Cleaner {
	if maxAge == 0 {
		maxAge = 24 * time.Hour
	}
	return &Cleaner{root: root, maxAge: maxAge, logger: logger}
}

var _ collab.JobDirCleaner = (*Cleaner)(nil)

// Cleanup removes jobID's working directory. A missing directory (never
// materialized, or already cleaned up) is not an error.
func (c *Cleaner) Cleanup(_ context.Context, jobID uuid.UUID) error {
	path := filepath.Join(c.root, jobID.String())
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("jobdir: remove %s: %w", path, err)
	}
	return nil
}

// SweepOrphaned removes job directories older than maxAge that have no
// active lock file, for jobs whose terminating worker crashed before
// Cleanup ran. Returns the number of directories removed.
func (c *Cleaner) SweepOrphaned() (int, error) {
	entries, err := os.ReadDir(c.root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("jobdir: read %s: %w", c.root, err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.root, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) < c.maxAge {
			continue
		}
		if c.hasLock(path) {
			c.logger.Debug("jobdir sweep skipping locked directory", "path", path)
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			return removed, fmt.Errorf("jobdir: remove orphaned %s: %w", path, err)
		}
		c.logger.Info("jobdir sweep removed orphaned directory", "path", path)
		removed++
	}
	return removed, nil
}

func (c *Cleaner) hasLock(jobPath string) bool {
	_, err := os.Stat(filepath.Join(jobPath, ".flow-lock"))
	return err == nil
}
