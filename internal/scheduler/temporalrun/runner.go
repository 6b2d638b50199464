package temporalrun

import (
	sdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/kosmos-run/kosmos/internal/platform/logger"
)

// Runner owns the Temporal worker backing one task queue: it registers
// Workflow and Activities.Tick and starts polling, mirroring the shape of
// the engine's own jobmanager adapters (construct, Start, Stop) rather than
// Temporal's lower-level worker.Worker API directly.
type Runner struct {
	log    *logger.Logger
	worker worker.Worker
}

// NewRunner builds a worker bound to client/taskQueue and registers this
// package's Workflow and acts.Tick on it.
func NewRunner(client sdkclient.Client, taskQueue string, acts *Activities, log *logger.Logger) *Runner {
	w := worker.New(client, taskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(Workflow, worker.RegisterWorkflowOptions{Name: WorkflowName})
	w.RegisterActivityWithOptions(acts.Tick, worker.RegisterActivityOptions{Name: ActivityTick})
	return &Runner{log: log.With("component", "TemporalRunner"), worker: w}
}

// Start begins polling the task queue in the background. Call Stop to
// drain in-flight activity/workflow tasks and shut the poller down.
func (r *Runner) Start() error {
	if err := r.worker.Start(); err != nil {
		return err
	}
	r.log.Info("temporal worker started")
	return nil
}

// Stop drains and stops the worker. Safe to call even if Start failed.
func (r *Runner) Stop() {
	r.worker.Stop()
}
