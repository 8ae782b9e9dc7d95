package jobdir

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flowcore/flowcore/internal/logging"
)

func TestNewCleanerDefaultsMaxAge(t *testing.T) {
	c := NewCleaner(t.TempDir(), 0, logging.NoopLogger{})
	if c.maxAge != 24*time.Hour {
		t.Errorf("expected default maxAge 24h, got %v", c.maxAge)
	}
}

func TestCleanupRemovesJobDirectory(t *testing.T) {
	root := t.TempDir()
	c := NewCleaner(root, time.Hour, logging.NoopLogger{})

	jobID := uuid.New()
	jobPath := filepath.Join(root, jobID.String())
	if err := os.MkdirAll(jobPath, 0755); err != nil {
		t.Fatalf("creating job dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(jobPath, "out.txt"), []byte("result"), 0644); err != nil {
		t.Fatalf("writing job output: %v", err)
	}

	if err := c.Cleanup(context.Background(), jobID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(jobPath); !os.IsNotExist(err) {
		t.Fatalf("expected job dir to be removed, stat err = %v", err)
	}
}

func TestCleanupMissingDirectoryIsNotAnError(t *testing.T) {
	c := NewCleaner(t.TempDir(), time.Hour, logging.NoopLogger{})
	if err := c.Cleanup(context.Background(), uuid.New()); err != nil {
		t.Fatalf("unexpected error cleaning up a never-materialized job dir: %v", err)
	}
}

func TestSweepOrphanedRemovesOldUnlockedDirsOnly(t *testing.T) {
	root := t.TempDir()
	c := NewCleaner(root, 10*time.Millisecond, logging.NoopLogger{})

	oldJob := filepath.Join(root, uuid.New().String())
	lockedJob := filepath.Join(root, uuid.New().String())
	if err := os.MkdirAll(oldJob, 0755); err != nil {
		t.Fatalf("creating old job dir: %v", err)
	}
	if err := os.MkdirAll(lockedJob, 0755); err != nil {
		t.Fatalf("creating locked job dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(lockedJob, ".flow-lock"), []byte(""), 0644); err != nil {
		t.Fatalf("writing lock file: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	newJob := filepath.Join(root, uuid.New().String())
	if err := os.MkdirAll(newJob, 0755); err != nil {
		t.Fatalf("creating new job dir: %v", err)
	}

	removed, err := c.SweepOrphaned()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected exactly 1 removal, got %d", removed)
	}
	if _, err := os.Stat(oldJob); !os.IsNotExist(err) {
		t.Fatalf("expected old unlocked job dir removed")
	}
	if _, err := os.Stat(lockedJob); err != nil {
		t.Fatalf("expected locked job dir to survive, stat err = %v", err)
	}
	if _, err := os.Stat(newJob); err != nil {
		t.Fatalf("expected recent job dir to survive, stat err = %v", err)
	}
}
