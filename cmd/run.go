package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/flowcore/flowcore/internal/collab"
	"github.com/flowcore/flowcore/internal/collab/memcollab"
	"github.com/flowcore/flowcore/internal/driver"
	"github.com/flowcore/flowcore/internal/evaluator"
	"github.com/flowcore/flowcore/internal/flow"
	"github.com/flowcore/flowcore/internal/flowstore"
	"github.com/flowcore/flowcore/internal/logging"
	"github.com/flowcore/flowcore/internal/reconciler"
	"github.com/flowcore/flowcore/internal/suspend"
)

var runDebug bool

func init() {
	runCmd.Flags().BoolVar(&runDebug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <flow.json>",
	Short: "Run a flow definition to completion against an in-memory queue",
	Long: `run loads a flow definition from a JSON file, drives it to completion
against an in-memory queue and status store, and prints the resulting
status and final result. Every leaf job (a script or identity module)
completes instantly with its resolved args as its result, so run is a
dry-run harness for exercising the planner and reconciler without a real
worker or database.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := loadFlowDefinition(args[0])
		if err != nil {
			return err
		}

		eval, err := evaluator.NewCELEvaluator()
		if err != nil {
			return fmt.Errorf("creating evaluator: %w", err)
		}

		queue := memcollab.New()
		store := flowstore.NewMemStore()
		logger := logging.NewStructuredLogger(runDebug)

		rec := &reconciler.Reconciler{
			Store:     store,
			Queue:     queue,
			Scheduler: memcollab.NewScheduler(),
			Resolver:  memcollab.NewScriptResolver(),
			Eval:      eval,
			Cleaner:   memcollab.NoopJobDirCleaner{},
			Logger:    logger,
			Suspend:   &suspend.Coordinator{Store: store, Queue: queue, Logger: logger},
		}
		d := &driver.Driver{Reconciler: rec, Store: store}

		ws := "local"
		path := "local/run"
		flowID, err := queue.Push(cmd.Context(), collab.PushInput{WorkspaceID: ws, Payload: collab.RawFlowPayload{Value: def, Path: &path}})
		if err != nil {
			return fmt.Errorf("pushing flow job: %w", err)
		}
		store.Insert(flowID, flow.NewStatus(def))

		runner := &dryRunDriver{queue: queue, store: store, driver: d, ws: ws}
		if err := runner.drive(cmd.Context(), flowID); err != nil {
			return err
		}

		result, err := queue.GetCompletedResult(cmd.Context(), flowID, ws)
		if err != nil {
			return fmt.Errorf("flow did not complete: %w", err)
		}
		st, err := store.ReadStatus(cmd.Context(), flowID)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		fmt.Println("status:")
		if err := enc.Encode(st); err != nil {
			return err
		}
		fmt.Println("result:")
		return enc.Encode(result)
	},
}

func loadFlowDefinition(path string) (flow.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return flow.Value{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var def flow.Value
	if err := json.Unmarshal(data, &def); err != nil {
		return flow.Value{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return def, nil
}

// dryRunDriver drives a flow job (and any nested flow jobs its modules
// spawn) to completion, standing in for the worker loop that would
// otherwise dequeue and execute each job for real. Every leaf job
// completes instantly with its resolved args as its result.
type dryRunDriver struct {
	queue  *memcollab.Queue
	store  *flowstore.MemStore
	driver *driver.Driver
	ws     string
}

func (d *dryRunDriver) drive(ctx context.Context, flowJobID uuid.UUID) error {
	job, err := d.queue.GetQueuedJob(ctx, flowJobID, d.ws)
	if err != nil {
		return err
	}
	if err := d.driver.HandleFlow(ctx, job); err != nil {
		return err
	}

	for {
		if _, err := d.queue.GetCompletedResult(ctx, flowJobID, d.ws); err == nil {
			return nil
		}

		st, err := d.store.ReadStatus(ctx, flowJobID)
		if err != nil {
			return err
		}

		var childID uuid.UUID
		switch active := st.ActiveModule().(type) {
		case flow.WaitingForExecutor:
			childID = active.Job
		case flow.InProgress:
			childID = active.Job
		case flow.WaitingForEvents:
			return fmt.Errorf("flow %s is suspended waiting for %d resume event(s); run cannot satisfy these outside a worker", flowJobID, active.Count)
		default:
			return fmt.Errorf("flow %s has an unexpected active module state %s", flowJobID, st.ActiveModule().Kind())
		}

		childJob, err := d.queue.GetQueuedJob(ctx, childID, d.ws)
		if err != nil {
			return err
		}
		if err := d.driver.MarkJobInProgress(ctx, flowJobID, childID); err != nil {
			return err
		}

		if childJob.RawFlow != nil {
			d.store.Insert(childID, flow.NewStatus(*childJob.RawFlow))
			if err := d.drive(ctx, childID); err != nil {
				return err
			}
			continue
		}

		result := interface{}(childJob.Args)
		if _, err := d.queue.AddCompletedJob(ctx, childJob, true, false, result, "ok"); err != nil {
			return err
		}
		if err := d.driver.UpdateFlowStatusAfterJobCompletion(ctx, reconciler.Input{
			FlowJobID:   flowJobID,
			ChildJobID:  childID,
			WorkspaceID: d.ws,
			Success:     true,
			Result:      result,
		}); err != nil {
			return err
		}
	}
}
