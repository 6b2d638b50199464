// Package execution implements the top-level Execution aggregate:
// Start/Run/Terminate/Delete, wiring GraphBuilder, Scheduler, JobManager,
// Store and StatusBus into one named run. RunViaTemporal is an alternate
// entrypoint that drives the same Scheduler through a Temporal workflow
// instead of an in-process blocking loop.
package execution

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	sdkclient "go.temporal.io/sdk/client"

	"github.com/kosmos-run/kosmos/internal/graphbuilder"
	"github.com/kosmos-run/kosmos/internal/jobmanager"
	"github.com/kosmos-run/kosmos/internal/platform/dbctx"
	"github.com/kosmos-run/kosmos/internal/platform/logger"
	"github.com/kosmos-run/kosmos/internal/scheduler"
	"github.com/kosmos-run/kosmos/internal/scheduler/temporalrun"
	"github.com/kosmos-run/kosmos/internal/statusbus"
	"github.com/kosmos-run/kosmos/internal/store"
	"github.com/kosmos-run/kosmos/internal/temporalx"
	"github.com/kosmos-run/kosmos/internal/tool"
)

// nameRe enforces the `[A-Za-z0-9_-]+` Execution name restriction.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// StartOptions configures Start. MaxAttempts defaults to 1.
type StartOptions struct {
	Name         string
	OutputDir    string
	MaxCPUs      *int
	MaxAttempts  int
	Restart      bool
	SkipConfirm  bool
	PollInterval time.Duration
}

// Execution is the in-process handle on a running/resumable named
// Execution: the persisted row plus its wired collaborators.
type Execution struct {
	Row *store.Execution

	store *store.Store
	bus   *statusbus.Bus
	jm    jobmanager.JobManager
	gb    *graphbuilder.GraphBuilder
	sch   *scheduler.Scheduler
	log   *logger.Logger
}

// Start opens or creates the Execution row by name. When restart is true
// and a prior attempt exists, every non-successful Task (and its
// non-persist output files) is deleted while successful Tasks and their
// Stages are preserved, so a resumed run never redoes completed work. The
// log file at output_dir/execution.log is created either way.
func Start(ctx context.Context, s *store.Store, bus *statusbus.Bus, jm jobmanager.JobManager, baseLog *logger.Logger, opts StartOptions) (*Execution, error) {
	if !nameRe.MatchString(opts.Name) {
		return nil, store.NewValidationError("Execution.Start", "invalid execution name %q, must match [A-Za-z0-9_-]+", opts.Name)
	}
	if opts.OutputDir == "" {
		return nil, &store.ConfigurationError{Err: fmt.Errorf("output_dir is required")}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	c := dbctx.Context{Ctx: ctx}
	log := baseLog.With("component", "Execution", "execution_name", opts.Name)

	row, err := s.GetExecutionByName(c, opts.Name)
	if err != nil {
		return nil, err
	}
	if row == nil {
		row = &store.Execution{
			ID:          uuid.New(),
			Name:        opts.Name,
			OutputDir:   opts.OutputDir,
			MaxCPUs:     opts.MaxCPUs,
			MaxAttempts: opts.MaxAttempts,
			Status:      store.ExecutionNoAttempt,
			CreatedOn:   time.Now(),
		}
		if err := s.CreateExecution(c, row); err != nil {
			return nil, err
		}
		log.Info("created new execution")
	} else {
		log.Info("found existing execution", "status", row.Status, "restart", opts.Restart)
		if opts.Restart {
			if !opts.SkipConfirm {
				log.Warn("restart requested: deleting all non-successful tasks", "execution_id", row.ID)
			}
			deleted, err := s.DeleteNonSuccessfulTasks(c, row.ID)
			if err != nil {
				return nil, err
			}
			for _, t := range deleted {
				for _, f := range t.OutputFiles {
					if f.Persist || f.Path == "" {
						continue
					}
					_ = os.RemoveAll(f.Path)
				}
			}
			log.Info("restart: deleted non-successful tasks", "count", len(deleted))
		}
		row.OutputDir = opts.OutputDir
		row.MaxCPUs = opts.MaxCPUs
		row.MaxAttempts = opts.MaxAttempts
		if err := s.UpdateExecution(c, row); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output_dir: %w", err)
	}
	logPath := filepath.Join(opts.OutputDir, "execution.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create execution.log: %w", err)
	}
	_ = f.Close()

	ex := &Execution{
		Row:   row,
		store: s,
		bus:   bus,
		jm:    jm,
		gb:    graphbuilder.New(s),
		sch:   scheduler.New(s, bus, jm, log, opts.PollInterval),
		log:   log,
	}
	ex.subscribeTerminalStatus()
	return ex, nil
}

// subscribeTerminalStatus installs the StatusBus handler the engine itself
// owns: on any terminal Execution transition, set finished_on, and on
// successful specifically, the successful flag.
func (e *Execution) subscribeTerminalStatus() {
	e.bus.Subscribe(statusbus.KindExecution, func(ev statusbus.Event) {
		if ev.EntityID != e.Row.ID {
			return
		}
		switch store.ExecutionStatus(ev.Status) {
		case store.ExecutionSuccessful, store.ExecutionFailed, store.ExecutionKilled:
			now := time.Now()
			e.Row.Status = store.ExecutionStatus(ev.Status)
			e.Row.FinishedOn = &now
			e.Row.Successful = ev.Status == string(store.ExecutionSuccessful)
			c := dbctx.Background()
			if err := e.store.UpdateExecution(c, e.Row); err != nil {
				e.log.Warn("failed to persist terminal execution status", "error", err)
			}
		default:
			e.Row.Status = store.ExecutionStatus(ev.Status)
		}
	})
}

// Add delegates to GraphBuilder.Add, binding the batch to this Execution's
// row.
func (e *Execution) Add(ctx context.Context, stageName string, tools []tool.Tool, parents [][]*store.Task) ([]*store.Task, error) {
	return e.gb.Add(dbctx.Context{Ctx: ctx}, e.Row, stageName, tools, parents)
}

// RunOptions configures Run.
type RunOptions struct {
	// Dry, when true, performs every pre-flight validation and stage
	// numbering step but never dispatches a task or starts the scheduler.
	Dry bool
	// SetSuccessful: when false, a queue that drains without failure leaves
	// the execution in `running` rather than being finalized as
	// `successful` (used by partial/staged invocations that will call Run
	// again later).
	SetSuccessful bool
}

// Run numbers stages topologically, validates that output paths are
// unique and CPU requirements fit the execution's budget, then drives the
// Scheduler to completion. A context cancellation (SIGINT) is treated as
// Termination, not a Store error.
func (e *Execution) Run(ctx context.Context, opts RunOptions) (bool, error) {
	// Global at-exit guard: if anything below panics while the row is in
	// running, the row must not be left stuck there forever — a future
	// Start call has no other signal that the process that last ran it is
	// gone. Mark the row failed and let the panic continue to unwind so the
	// caller's own process-level handling (logging, exit code) still runs.
	defer e.recoverAsFailed()

	c := dbctx.Context{Ctx: ctx}

	if err := e.preflight(c); err != nil {
		return false, err
	}

	if opts.Dry {
		e.log.Info("dry run: validation passed, scheduler not started")
		return false, nil
	}

	now := time.Now()
	e.Row.Status = store.ExecutionRunning
	e.Row.StartedOn = &now
	if err := e.store.UpdateExecution(c, e.Row); err != nil {
		return false, err
	}
	e.bus.Publish(statusbus.Event{Kind: statusbus.KindExecution, EntityID: e.Row.ID, Status: string(store.ExecutionRunning)})

	ok, err := e.sch.Run(ctx, e.Row, opts.SetSuccessful)
	if err != nil {
		if ctx.Err() != nil {
			_ = e.Terminate(context.Background(), false)
			return false, ctx.Err()
		}
		_ = e.Terminate(context.Background(), true)
		return false, err
	}
	return ok, nil
}

// recoverAsFailed is the deferred scope guard installed by Run: it recovers
// an in-flight panic, and if this Execution's row was left in running,
// forces it to failed before re-raising the panic so the process still
// crashes (and still reports it) the way it would have without the guard.
func (e *Execution) recoverAsFailed() {
	r := recover()
	if r == nil {
		return
	}
	if e.Row.Status == store.ExecutionRunning {
		c := dbctx.Background()
		e.log.Error("execution crashed while running, marking failed", "panic", r)
		if err := e.store.UpdateExecutionStatus(c, e.Row.ID, store.ExecutionFailed); err != nil {
			e.log.Error("failed to mark crashed execution as failed", "error", err)
		} else {
			e.bus.Publish(statusbus.Event{Kind: statusbus.KindExecution, EntityID: e.Row.ID, Status: string(store.ExecutionFailed)})
		}
	}
	panic(r)
}

// preflight runs the validation Run performs before it ever dispatches a
// task, shared with RunViaTemporal so both entrypoints reject a malformed
// graph identically before anything is marked running.
func (e *Execution) preflight(c dbctx.Context) error {
	if err := e.numberStages(c); err != nil {
		return err
	}
	if dups, err := e.store.DuplicatePaths(c, e.Row.ID); err != nil {
		return err
	} else if len(dups) > 0 {
		return &store.DuplicateOutputPathError{Path: dups[0]}
	}
	return e.validateCPUBudget(c)
}

// RunViaTemporal is the Temporal-driven alternative to Run: after the same
// preflight validation, it starts a Temporal worker bound to cfg.TaskQueue
// and executes temporalrun.Workflow, which ticks the scheduler via
// activities instead of Run's own blocking in-process loop. It blocks until
// the workflow completes (or ctx is canceled) and returns the same
// (successful, error) shape as Run.
func (e *Execution) RunViaTemporal(ctx context.Context, cfg temporalx.Config) (bool, error) {
	defer e.recoverAsFailed()

	c := dbctx.Context{Ctx: ctx}
	if err := e.preflight(c); err != nil {
		return false, err
	}

	now := time.Now()
	e.Row.Status = store.ExecutionRunning
	e.Row.StartedOn = &now
	if err := e.store.UpdateExecution(c, e.Row); err != nil {
		return false, err
	}
	e.bus.Publish(statusbus.Event{Kind: statusbus.KindExecution, EntityID: e.Row.ID, Status: string(store.ExecutionRunning)})

	client, err := temporalx.NewClient(ctx, cfg, e.log)
	if err != nil {
		_ = e.Terminate(context.Background(), true)
		return false, fmt.Errorf("temporal client: %w", err)
	}
	defer client.Close()

	runner := temporalrun.NewRunner(client, cfg.TaskQueue, &temporalrun.Activities{
		Store: e.store,
		Bus:   e.bus,
		Sch:   e.sch,
		Log:   e.log,
	}, e.log)
	if err := runner.Start(); err != nil {
		_ = e.Terminate(context.Background(), true)
		return false, fmt.Errorf("temporal worker start: %w", err)
	}
	defer runner.Stop()

	run, err := client.ExecuteWorkflow(ctx, sdkclient.StartWorkflowOptions{
		ID:        "kosmos-execution-" + e.Row.ID.String(),
		TaskQueue: cfg.TaskQueue,
	}, temporalrun.WorkflowName, e.Row.ID.String())
	if err != nil {
		_ = e.Terminate(context.Background(), true)
		return false, fmt.Errorf("start workflow: %w", err)
	}

	if err := run.Get(ctx, nil); err != nil {
		if ctx.Err() != nil {
			_ = e.Terminate(context.Background(), false)
			return false, ctx.Err()
		}
		_ = e.Terminate(context.Background(), true)
		return false, err
	}

	c = dbctx.Context{Ctx: ctx}
	row, err := e.store.GetExecution(c, e.Row.ID)
	if err != nil {
		return false, err
	}
	e.Row = row
	return row.Status == store.ExecutionSuccessful, nil
}

// validateCPUBudget checks cpu_req against max_cpus for every Task that has
// not yet succeeded. Tasks already successful from a prior attempt are
// never re-validated or re-dispatched, so they're excluded here too.
func (e *Execution) validateCPUBudget(c dbctx.Context) error {
	if e.Row.MaxCPUs == nil {
		return nil
	}
	tasks, err := e.store.ListTasksByExecution(c, e.Row.ID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status == store.TaskSuccessful {
			continue
		}
		if t.CPUReq > *e.Row.MaxCPUs {
			return store.NewValidationError("Execution.Run", "task %s: cpu_req %d exceeds max_cpus %d", t.ID, t.CPUReq, *e.Row.MaxCPUs)
		}
	}
	return nil
}

// numberStages assigns 1-based topological ranks to every Stage as part of
// Run's pre-flight validation.
func (e *Execution) numberStages(c dbctx.Context) error {
	stages, err := e.store.ListStages(c, e.Row.ID)
	if err != nil {
		return err
	}
	edges, err := e.store.ListStageEdges(c, e.Row.ID)
	if err != nil {
		return err
	}

	inDegree := make(map[uuid.UUID]int, len(stages))
	children := make(map[uuid.UUID][]uuid.UUID)
	for _, st := range stages {
		inDegree[st.ID] = 0
	}
	for _, edge := range edges {
		inDegree[edge.ChildStageID]++
		children[edge.ParentStageID] = append(children[edge.ParentStageID], edge.ChildStageID)
	}

	var frontier []uuid.UUID
	for _, st := range stages {
		if inDegree[st.ID] == 0 {
			frontier = append(frontier, st.ID)
		}
	}
	sort.Slice(frontier, func(i, j int) bool { return frontier[i].String() < frontier[j].String() })

	byID := make(map[uuid.UUID]*store.Stage, len(stages))
	for i := range stages {
		byID[stages[i].ID] = &stages[i]
	}

	number := 1
	for len(frontier) > 0 {
		var next []uuid.UUID
		for _, id := range frontier {
			st := byID[id]
			st.Number = number
			if err := e.store.UpdateStage(c, st); err != nil {
				return err
			}
			for _, childID := range children[id] {
				inDegree[childID]--
				if inDegree[childID] == 0 {
					next = append(next, childID)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i].String() < next[j].String() })
		frontier = next
		number++
	}
	return nil
}

// Terminate reaps and cancels in-flight work via JobManager, then sets the
// final status to failed (dueToFailure) or killed.
func (e *Execution) Terminate(ctx context.Context, dueToFailure bool) error {
	if err := e.jm.Terminate(ctx); err != nil {
		e.log.Warn("jobmanager terminate returned an error", "error", err)
	}
	_, _ = e.jm.GetFinishedTasks(ctx)

	status := store.ExecutionKilled
	if dueToFailure {
		status = store.ExecutionFailed
	}
	c := dbctx.Context{Ctx: ctx}
	if err := e.store.UpdateExecutionStatus(c, e.Row.ID, status); err != nil {
		return err
	}
	e.bus.Publish(statusbus.Event{Kind: statusbus.KindExecution, EntityID: e.Row.ID, Status: string(status)})
	return nil
}

// Delete flushes and cascade-deletes the Execution row, optionally removing
// output_dir from disk.
func (e *Execution) Delete(ctx context.Context, deleteFiles bool) error {
	if deleteFiles && e.Row.OutputDir != "" {
		if err := os.RemoveAll(e.Row.OutputDir); err != nil {
			e.log.Warn("failed to remove output_dir", "error", err)
		}
	}
	return e.store.DeleteExecution(dbctx.Context{Ctx: ctx}, e.Row.ID)
}
