package temporalrun

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/workflow"
)

// tickPollInterval is how long Workflow sleeps between ticks while the
// execution is still running, mirroring Scheduler's own DefaultPollInterval
// without importing the scheduler package's constant directly (workflow
// code must stay deterministic and side-effect-free; a constant is fine, a
// value read from the environment at workflow-execution time would not
// replay safely).
const tickPollInterval = 300 * time.Millisecond

// continueAsNewAfter bounds how many ticks a single workflow run issues
// before calling continue-as-new, keeping a long-running execution's event
// history from growing without bound.
const continueAsNewAfter = 4000

// Workflow drives one Execution to completion by repeatedly invoking the
// Tick activity and reacting to its reported status: "running" sleeps and
// ticks again, "successful" returns nil, "failed" returns an error Temporal
// records against the workflow.
func Workflow(ctx workflow.Context, executionID string) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 24 * time.Hour,
		HeartbeatTimeout:    30 * time.Second,
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	ticks := 0
	for {
		var res TickResult
		if err := workflow.ExecuteActivity(ctx, ActivityTick, executionID).Get(ctx, &res); err != nil {
			return err
		}
		ticks++

		switch res.Status {
		case "successful":
			return nil
		case "failed":
			return fmt.Errorf("execution %s failed", executionID)
		case "running":
			// fall through to the sleep-and-retick below
		default:
			return nil
		}

		if ticks >= continueAsNewAfter {
			return workflow.NewContinueAsNewError(ctx, WorkflowName, executionID)
		}
		if err := workflow.Sleep(ctx, tickPollInterval); err != nil {
			return err
		}
	}
}
