package temporalrun

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"

	"github.com/kosmos-run/kosmos/internal/platform/dbctx"
	"github.com/kosmos-run/kosmos/internal/platform/logger"
	"github.com/kosmos-run/kosmos/internal/scheduler"
	"github.com/kosmos-run/kosmos/internal/statusbus"
	"github.com/kosmos-run/kosmos/internal/store"
)

// activityHeartbeatInterval is how often Tick records a Temporal activity
// heartbeat while it waits on Scheduler.Tick, so a hung dispatch pass is
// detected by Temporal's own heartbeat timeout instead of running forever.
const activityHeartbeatInterval = 10 * time.Second

// Activities bundles the collaborators Tick needs: the same Store, Bus, and
// Scheduler an in-process Execution.Run would use, just invoked one pass at
// a time from inside a Temporal activity instead of a blocking goroutine.
type Activities struct {
	Store *store.Store
	Bus   *statusbus.Bus
	Sch   *scheduler.Scheduler
	Log   *logger.Logger
}

// Tick loads the Execution row, runs one Scheduler.Tick pass against it,
// and reports the resulting status. It is registered on a Temporal worker
// under ActivityTick and is never called directly outside a workflow.
func (a *Activities) Tick(ctx context.Context, executionID string) (TickResult, error) {
	id, err := uuid.Parse(executionID)
	if err != nil {
		return TickResult{}, fmt.Errorf("temporalrun: bad execution id %q: %w", executionID, err)
	}

	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)
	go a.heartbeat(ctx, stopHeartbeat)

	c := dbctx.Context{Ctx: ctx}
	ex, err := a.Store.GetExecution(c, id)
	if err != nil {
		return TickResult{}, err
	}
	if ex == nil {
		return TickResult{}, fmt.Errorf("temporalrun: execution %s not found", executionID)
	}

	status, err := a.Sch.Tick(ctx, ex, true)
	if err != nil {
		a.Log.Error("scheduler tick failed", "execution_id", executionID, "error", err)
		return TickResult{}, err
	}
	return TickResult{Status: string(status)}, nil
}

// heartbeat records a Temporal activity heartbeat on a fixed tick until
// stop is closed, the same liveness signal jobmanager.Local's own
// heartbeat goroutine writes to the Store, just surfaced to Temporal
// instead.
func (a *Activities) heartbeat(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(activityHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			activity.RecordHeartbeat(ctx)
		}
	}
}
