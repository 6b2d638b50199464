// Package temporalrun is the Temporal-driven counterpart to Scheduler.Run's
// blocking in-process loop: Workflow repeatedly invokes the Tick activity
// instead of looping over time.Sleep itself, so an Execution's progress is
// durable across a kosmosd process restart — Temporal replays the
// workflow's history and resumes the tick loop on whatever worker picks it
// up next.
package temporalrun

// WorkflowName and ActivityTick are the registered names a Temporal worker
// binds Workflow and Activities.Tick to.
const (
	WorkflowName = "kosmos_execution_run"
	ActivityTick = "kosmos_execution_tick"
)

// TickResult is Activities.Tick's return value, the information Workflow
// needs to decide whether to tick again, sleep, or return.
type TickResult struct {
	Status string
}
