// Package jobmanager submits tasks to a DRM, polls for completion, and
// formats backend-specific native-specification strings. The local backend
// is a real, testable implementation (os/exec fork); lsf/sge are
// native-spec formatters only — building and submitting an actual LSF/SGE
// bsub/qsub invocation is left to a DRM-specific adapter out of scope here.
package jobmanager

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kosmos-run/kosmos/internal/store"
)

// FinishedTask is one polled-complete task, annotated with its exit profile.
type FinishedTask struct {
	TaskID     uuid.UUID
	ExitStatus int
	WallTime   time.Duration
	Err        error
}

// JobManager is implemented per-DRM. The engine never blocks on
// GetFinishedTasks; it is expected to be cheap to poll.
type JobManager interface {
	// Submit writes task.log_dir/command.sh and starts the task running (fork
	// locally, or hand off to the DRM). The attempt counter is already
	// incremented by the Store's claim before Submit is called. NOOP tasks
	// must be reported as immediately finished with exit status 0 on the
	// next GetFinishedTasks call.
	Submit(ctx context.Context, t *store.Task) error
	// GetFinishedTasks returns every running task that has terminated since
	// the last call. Non-blocking.
	GetFinishedTasks(ctx context.Context) ([]FinishedTask, error)
	// Terminate signals every running job to stop and waits for them to
	// reap. Idempotent.
	Terminate(ctx context.Context) error
	// RunningCPU reports the summed cpu_req of the tasks currently in
	// flight, used by the scheduler's CPU-budget accounting.
	RunningCPU() int
}
