// Package scheduler implements the engine's run-loop: a single-threaded
// cooperative loop over a mutable in-memory working copy of the task DAG
// (the task_queue), dispatching ready tasks under a CPU budget, reaping
// finished tasks, pruning descendants of fatal failures, retrying a failed
// task after an exponential backoff delay, and driving the
// Execution/Stage/Task status machines. Tick exposes the same dispatch-and-
// reap pass in non-blocking, single-invocation form for a caller (such as
// the temporalrun package) that wants to drive it from outside Run's own
// blocking loop.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kosmos-run/kosmos/internal/jobmanager"
	"github.com/kosmos-run/kosmos/internal/platform/dbctx"
	"github.com/kosmos-run/kosmos/internal/platform/logger"
	"github.com/kosmos-run/kosmos/internal/statusbus"
	"github.com/kosmos-run/kosmos/internal/store"
)

// DefaultPollInterval is the scheduler's steady-state poll cadence.
const DefaultPollInterval = 300 * time.Millisecond

type Scheduler struct {
	store        *store.Store
	bus          *statusbus.Bus
	jm           jobmanager.JobManager
	log          *logger.Logger
	pollInterval time.Duration
	minBackoff   time.Duration
	maxBackoff   time.Duration
}

func New(s *store.Store, bus *statusbus.Bus, jm jobmanager.JobManager, baseLog *logger.Logger, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Scheduler{
		store:        s,
		bus:          bus,
		jm:           jm,
		log:          baseLog.With("component", "Scheduler"),
		pollInterval: pollInterval,
		minBackoff:   DefaultMinBackoff,
		maxBackoff:   DefaultMaxBackoff,
	}
}

// queueNode is one task's working-copy bookkeeping: the parent task ids
// still unresolved (blocking dispatch) and the child task ids to notify
// when this node leaves the queue.
type queueNode struct {
	task             *store.Task
	remainingParents map[uuid.UUID]bool
	children         []uuid.UUID
}

// Run drives the scheduler loop to completion (queue empty) and returns
// whether the execution should be finalized as successful. setSuccessful
// lets a caller that only wants partial progress this pass — "running, but
// not yet ready to call it successful" — opt out of that finalization.
func (sch *Scheduler) Run(ctx context.Context, ex *store.Execution, setSuccessful bool) (bool, error) {
	allTasks, queue, err := sch.loadQueue(ctx, ex)
	if err != nil {
		return false, err
	}

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		// dispatchReady is cheap to call even when nothing changed: it's the
		// only place that notices a backed-off task's NextRunAt has finally
		// arrived, so it has to run every tick, not just after a finish.
		if _, err := sch.dispatchReady(ctx, ex, queue); err != nil {
			return false, err
		}

		finished, err := sch.jm.GetFinishedTasks(ctx)
		if err != nil {
			return false, store.NewStoreError("GetFinishedTasks", err)
		}
		for _, ft := range finished {
			if err := sch.handleFinished(ctx, ex, allTasks, queue, ft); err != nil {
				return false, err
			}
		}

		if len(queue) == 0 {
			break
		}
		time.Sleep(sch.pollInterval)
	}

	return sch.finalize(ctx, ex, setSuccessful)
}

// TickStatus summarizes the outcome of one Tick call, for a caller (a
// Temporal activity) that drives the scheduler one non-blocking pass at a
// time instead of via Run's own blocking poll loop.
type TickStatus string

const (
	TickRunning    TickStatus = "running"
	TickSuccessful TickStatus = "successful"
	TickFailed     TickStatus = "failed"
)

// Tick performs exactly one dispatch-and-reap pass against the Execution's
// current persisted state and returns without blocking: it is the
// activity-invocation counterpart to Run's blocking loop, for a caller that
// re-invokes it itself on its own schedule (a Temporal workflow's tick
// loop) rather than holding a goroutine open for the whole run.
func (sch *Scheduler) Tick(ctx context.Context, ex *store.Execution, setSuccessful bool) (TickStatus, error) {
	allTasks, queue, err := sch.loadQueue(ctx, ex)
	if err != nil {
		return "", err
	}
	if len(queue) == 0 {
		ok, err := sch.finalize(ctx, ex, setSuccessful)
		if err != nil {
			return "", err
		}
		if ok {
			return TickSuccessful, nil
		}
		if ex.Status == store.ExecutionFailed {
			return TickFailed, nil
		}
		return TickRunning, nil
	}

	if _, err := sch.dispatchReady(ctx, ex, queue); err != nil {
		return "", err
	}
	finished, err := sch.jm.GetFinishedTasks(ctx)
	if err != nil {
		return "", store.NewStoreError("GetFinishedTasks", err)
	}
	for _, ft := range finished {
		if err := sch.handleFinished(ctx, ex, allTasks, queue, ft); err != nil {
			return "", err
		}
	}
	if len(queue) == 0 {
		ok, err := sch.finalize(ctx, ex, setSuccessful)
		if err != nil {
			return "", err
		}
		if ok {
			return TickSuccessful, nil
		}
		if ex.Status == store.ExecutionFailed {
			return TickFailed, nil
		}
	}
	return TickRunning, nil
}

func (sch *Scheduler) loadQueue(ctx context.Context, ex *store.Execution) (map[uuid.UUID]*store.Task, map[uuid.UUID]*queueNode, error) {
	c := dbctx.Context{Ctx: ctx}
	tasks, err := sch.store.ListTasksByExecution(c, ex.ID)
	if err != nil {
		return nil, nil, err
	}
	edges, err := sch.store.ListTaskEdges(c, ex.ID)
	if err != nil {
		return nil, nil, err
	}

	allTasks := make(map[uuid.UUID]*store.Task, len(tasks))
	for i := range tasks {
		allTasks[tasks[i].ID] = &tasks[i]
	}

	queue := make(map[uuid.UUID]*queueNode)
	for id, t := range allTasks {
		if t.Status == store.TaskSuccessful {
			continue
		}
		queue[id] = &queueNode{task: t, remainingParents: map[uuid.UUID]bool{}}
	}
	for _, e := range edges {
		if node, ok := queue[e.ChildTaskID]; ok {
			if parent, ok := allTasks[e.ParentTaskID]; ok && parent.Status != store.TaskSuccessful {
				node.remainingParents[e.ParentTaskID] = true
			}
		}
		if _, ok := queue[e.ParentTaskID]; ok {
			if node := queue[e.ParentTaskID]; node != nil {
				node.children = append(node.children, e.ChildTaskID)
			}
		}
	}
	return allTasks, queue, nil
}

// dispatchReady submits every task whose dependencies have all succeeded:
// candidates are in-degree-0, no_attempt nodes, sorted ascending by cpu_req
// (tie-broken by task id for determinism), accumulated against max_cpus
// without skipping ahead.
func (sch *Scheduler) dispatchReady(ctx context.Context, ex *store.Execution, queue map[uuid.UUID]*queueNode) (int, error) {
	now := time.Now()
	var candidates []*store.Task
	for _, node := range queue {
		if len(node.remainingParents) != 0 || node.task.Status != store.TaskNoAttempt {
			continue
		}
		if node.task.NextRunAt != nil && node.task.NextRunAt.After(now) {
			continue
		}
		candidates = append(candidates, node.task)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CPUReq != candidates[j].CPUReq {
			return candidates[i].CPUReq < candidates[j].CPUReq
		}
		return candidates[i].ID.String() < candidates[j].ID.String()
	})

	coresUsed := sch.jm.RunningCPU()
	c := dbctx.Context{Ctx: ctx}
	for _, t := range candidates {
		if ex.MaxCPUs != nil && t.CPUReq+coresUsed > *ex.MaxCPUs {
			break
		}
		claimed, err := sch.store.ClaimTaskForSubmission(c, t.ID)
		if err != nil {
			return coresUsed, err
		}
		if claimed == nil {
			continue
		}
		if claimed.LogDir == "" {
			claimed.LogDir = defaultLogDir(ex, claimed)
			if err := sch.store.UpdateTask(c, claimed); err != nil {
				return coresUsed, err
			}
		}
		// Create each declared output's directory so the task's command can
		// write straight to its output paths.
		for _, f := range t.OutputFiles {
			if f.Path == "" {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
				return coresUsed, fmt.Errorf("create output dir for task %s: %w", t.ID, err)
			}
		}
		if err := sch.jm.Submit(ctx, claimed); err != nil {
			return coresUsed, store.NewStoreError("Submit", err)
		}
		queue[t.ID].task = claimed
		coresUsed += t.CPUReq
		sch.bus.Publish(statusbus.Event{Kind: statusbus.KindTask, EntityID: t.ID, Status: string(store.TaskSubmitted)})
		if err := sch.markStageRunning(c, claimed.StageID); err != nil {
			return coresUsed, err
		}
	}
	return coresUsed, nil
}

// markStageRunning transitions a Stage from no_attempt to running the first
// time one of its Tasks is submitted, mirroring how ExecutionStatus itself
// moves to running on first dispatch.
func (sch *Scheduler) markStageRunning(c dbctx.Context, stageID uuid.UUID) error {
	st, err := sch.store.GetStage(c, stageID)
	if err != nil {
		return err
	}
	if st == nil || st.Status != store.StageNoAttempt {
		return nil
	}
	st.Status = store.StageRunning
	sch.bus.Publish(statusbus.Event{Kind: statusbus.KindStage, EntityID: st.ID, Status: string(store.StageRunning)})
	return sch.store.UpdateStage(c, st)
}

// refreshStageStatus re-derives a Stage's status from the current state of
// every Task attached to it, called after a Task leaves the queue — a Stage
// mirrors the same running/failed/successful pattern an Execution does. A
// must_succeed failure moves the Stage to running_but_failed immediately;
// once every Task is successful the Stage itself becomes successful.
func (sch *Scheduler) refreshStageStatus(c dbctx.Context, stageID uuid.UUID, failedMustSucceed bool) error {
	st, err := sch.store.GetStage(c, stageID)
	if err != nil || st == nil {
		return err
	}
	if st.Status == store.StageFailed || st.Status == store.StageKilled {
		return nil
	}
	if failedMustSucceed {
		if st.Status == store.StageRunningButFailed {
			return nil
		}
		st.Status = store.StageRunningButFailed
		sch.bus.Publish(statusbus.Event{Kind: statusbus.KindStage, EntityID: st.ID, Status: string(store.StageRunningButFailed)})
		return sch.store.UpdateStage(c, st)
	}
	if st.Status == store.StageRunningButFailed {
		return nil
	}
	tasks, err := sch.store.ListTasksByStage(c, stageID)
	if err != nil {
		return err
	}
	for i := range tasks {
		if tasks[i].Status != store.TaskSuccessful {
			return nil
		}
	}
	now := time.Now()
	st.Status = store.StageSuccessful
	st.Successful = true
	st.FinishedOn = &now
	sch.bus.Publish(statusbus.Event{Kind: statusbus.KindStage, EntityID: st.ID, Status: string(store.StageSuccessful)})
	return sch.store.UpdateStage(c, st)
}

func defaultLogDir(ex *store.Execution, t *store.Task) string {
	return filepath.Join(ex.OutputDir, "log", t.StageID.String(), t.ID.String())
}

// handleFinished processes one task's completion: success, retry, or
// terminal failure (with descendant pruning on a must_succeed failure).
func (sch *Scheduler) handleFinished(ctx context.Context, ex *store.Execution, allTasks map[uuid.UUID]*store.Task, queue map[uuid.UUID]*queueNode, ft jobmanager.FinishedTask) error {
	node, ok := queue[ft.TaskID]
	if !ok {
		return nil
	}
	t := node.task
	c := dbctx.Context{Ctx: ctx}
	now := time.Now()
	t.FinishedOn = &now
	profile, _ := store.TagMap{"exit_status": ft.ExitStatus}.JSON()
	t.Profile = profile

	switch {
	case ft.ExitStatus == 0:
		t.Status = store.TaskSuccessful
		if err := sch.store.UpdateTask(c, t); err != nil {
			return err
		}
		sch.bus.Publish(statusbus.Event{Kind: statusbus.KindTask, EntityID: t.ID, Status: string(store.TaskSuccessful)})
		sch.removeNode(queue, ft.TaskID)
		if err := sch.refreshStageStatus(c, t.StageID, false); err != nil {
			return err
		}

	case t.Attempt < ex.MaxAttempts:
		t.Status = store.TaskNoAttempt
		wait := time.Now().Add(computeBackoff(t.Attempt, sch.minBackoff, sch.maxBackoff))
		t.NextRunAt = &wait
		if err := sch.store.UpdateTask(c, t); err != nil {
			return err
		}
		sch.bus.Publish(statusbus.Event{Kind: statusbus.KindTask, EntityID: t.ID, Status: string(store.TaskNoAttempt)})
		// left in queue; dispatchReady won't reclaim it until NextRunAt passes

	default:
		t.Status = store.TaskFailed
		if err := sch.store.UpdateTask(c, t); err != nil {
			return err
		}
		sch.bus.Publish(statusbus.Event{Kind: statusbus.KindTask, EntityID: t.ID, Status: string(store.TaskFailed)})
		if t.MustSucceed {
			sch.pruneDescendants(ctx, queue, ft.TaskID)
			ex.Status = store.ExecutionFailedButRunning
			if err := sch.store.UpdateExecutionStatus(c, ex.ID, ex.Status); err != nil {
				return err
			}
		}
		sch.removeNode(queue, ft.TaskID)
		if err := sch.refreshStageStatus(c, t.StageID, t.MustSucceed); err != nil {
			return err
		}
	}
	return nil
}

// removeNode detaches id from the queue and clears it from its children's
// remaining-parent sets, making them eligible once their other parents clear.
func (sch *Scheduler) removeNode(queue map[uuid.UUID]*queueNode, id uuid.UUID) {
	node, ok := queue[id]
	if !ok {
		return
	}
	delete(queue, id)
	for _, childID := range node.children {
		if child, ok := queue[childID]; ok {
			delete(child.remainingParents, id)
		}
	}
}

// pruneDescendants removes every descendant of id from the queue without
// ever submitting them. Descendants' own statuses stay no_attempt — a
// fatal failure upstream means they were never even tried.
func (sch *Scheduler) pruneDescendants(ctx context.Context, queue map[uuid.UUID]*queueNode, id uuid.UUID) {
	node, ok := queue[id]
	if !ok {
		return
	}
	visited := map[uuid.UUID]bool{}
	var walk func(uuid.UUID)
	walk = func(cur uuid.UUID) {
		if visited[cur] {
			return
		}
		visited[cur] = true
		n, ok := queue[cur]
		if !ok {
			return
		}
		for _, childID := range n.children {
			walk(childID)
		}
		delete(queue, cur)
	}
	for _, childID := range node.children {
		walk(childID)
	}
}

// finalize promotes the Execution (and any still-open Stages) to its final
// status once the queue has drained.
func (sch *Scheduler) finalize(ctx context.Context, ex *store.Execution, setSuccessful bool) (bool, error) {
	c := dbctx.Context{Ctx: ctx}
	stages, err := sch.store.ListStages(c, ex.ID)
	if err != nil {
		return false, err
	}

	switch ex.Status {
	case store.ExecutionFailedButRunning:
		ex.Status = store.ExecutionFailed
		for i := range stages {
			if stages[i].Status == store.StageRunningButFailed {
				stages[i].Status = store.StageFailed
				if err := sch.store.UpdateStage(c, &stages[i]); err != nil {
					return false, err
				}
			}
		}
		// Only the status field itself is the scheduler's concern here;
		// finished_on/successful are derived by the StatusBus subscriber the
		// Execution aggregate installs in its constructor.
		if err := sch.store.UpdateExecutionStatus(c, ex.ID, ex.Status); err != nil {
			return false, err
		}
		sch.bus.Publish(statusbus.Event{Kind: statusbus.KindExecution, EntityID: ex.ID, Status: string(store.ExecutionFailed)})
		return false, nil

	case store.ExecutionRunning:
		if !setSuccessful {
			return false, nil
		}
		ex.Status = store.ExecutionSuccessful
		if err := sch.store.UpdateExecutionStatus(c, ex.ID, ex.Status); err != nil {
			return false, err
		}
		sch.bus.Publish(statusbus.Event{Kind: statusbus.KindExecution, EntityID: ex.ID, Status: string(store.ExecutionSuccessful)})
		return true, nil

	default:
		return false, fmt.Errorf("finalize: unexpected execution status %q", ex.Status)
	}
}
