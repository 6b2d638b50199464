package jobmanager

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/google/uuid"

	"github.com/kosmos-run/kosmos/internal/platform/logger"
	"github.com/kosmos-run/kosmos/internal/store"
)

// HeartbeatInterval is how often a running Local task's heartbeat callback
// fires while its subprocess is in flight.
const HeartbeatInterval = 5 * time.Second

// Local forks tasks as direct shell subprocesses: no native spec, just a
// direct fork. Concurrency is bounded with
// golang.org/x/sync/semaphore so a large batch of ready tasks doesn't fork
// unbounded OS processes; the scheduler's own CPU budget additionally caps
// how many tasks it hands to Submit at any one time.
type Local struct {
	log       *logger.Logger
	tracer    trace.Tracer
	sem       *semaphore.Weighted
	heartbeat func(uuid.UUID)

	mu         sync.Mutex
	running    map[uuid.UUID]*runningTask
	finished   []FinishedTask
	runningCPU int

	rootCtx context.Context
	cancel  context.CancelFunc
}

type runningTask struct {
	cpuReq int
	cancel context.CancelFunc
}

// NewLocal builds a Local job manager. heartbeat, if non-nil, is called
// every HeartbeatInterval for each in-flight task's id so a caller can
// record liveness (e.g. Store.Heartbeat) without Local itself depending on
// the Store.
func NewLocal(baseLog *logger.Logger, tracer trace.Tracer, maxConcurrent int64, heartbeat func(uuid.UUID)) *Local {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	rootCtx, cancel := context.WithCancel(context.Background())
	return &Local{
		log:       baseLog.With("component", "LocalJobManager"),
		tracer:    tracer,
		sem:       semaphore.NewWeighted(maxConcurrent),
		heartbeat: heartbeat,
		running:   make(map[uuid.UUID]*runningTask),
		rootCtx:   rootCtx,
		cancel:    cancel,
	}
}

func (l *Local) Submit(ctx context.Context, t *store.Task) error {
	if t.LogDir == "" {
		return fmt.Errorf("task %s has no log_dir", t.ID)
	}
	if err := os.MkdirAll(t.LogDir, 0o755); err != nil {
		return fmt.Errorf("create log_dir: %w", err)
	}
	scriptPath := filepath.Join(t.LogDir, "command.sh")
	if err := os.WriteFile(scriptPath, []byte(t.Command+"\n"), 0o755); err != nil {
		return fmt.Errorf("write command.sh: %w", err)
	}

	if t.NOOP {
		l.mu.Lock()
		l.finished = append(l.finished, FinishedTask{TaskID: t.ID, ExitStatus: 0})
		l.mu.Unlock()
		return nil
	}

	taskCtx, cancel := context.WithCancel(l.rootCtx)
	l.mu.Lock()
	l.running[t.ID] = &runningTask{cpuReq: t.CPUReq, cancel: cancel}
	l.runningCPU += t.CPUReq
	l.mu.Unlock()

	go l.run(taskCtx, t, scriptPath, cancel)
	return nil
}

func (l *Local) run(ctx context.Context, t *store.Task, scriptPath string, cancel context.CancelFunc) {
	defer cancel()
	if err := l.sem.Acquire(ctx, 1); err != nil {
		l.finish(t.ID, FinishedTask{TaskID: t.ID, ExitStatus: -1, Err: err})
		return
	}
	defer l.sem.Release(1)

	spanCtx := ctx
	var span trace.Span
	if l.tracer != nil {
		spanCtx, span = l.tracer.Start(ctx, "task.submit",
			trace.WithAttributes(
				attribute.String("task.id", t.ID.String()),
				attribute.String("task.stage_id", t.StageID.String()),
				attribute.Int("task.attempt", t.Attempt),
			),
		)
		defer span.End()
	}

	if l.heartbeat != nil {
		hbCtx, hbCancel := context.WithCancel(spanCtx)
		defer hbCancel()
		go l.runHeartbeat(hbCtx, t.ID)
	}

	start := time.Now()
	cmd := exec.CommandContext(spanCtx, "/bin/sh", scriptPath)
	stdout, errStdout := os.Create(filepath.Join(t.LogDir, "stdout"))
	stderr, errStderr := os.Create(filepath.Join(t.LogDir, "stderr"))
	if errStdout == nil {
		defer stdout.Close()
		cmd.Stdout = stdout
	}
	if errStderr == nil {
		defer stderr.Close()
		cmd.Stderr = stderr
	}

	runErr := cmd.Run()
	wall := time.Since(start)
	exitStatus := exitCodeOf(runErr)
	if span != nil {
		span.SetAttributes(attribute.Int("task.exit_status", exitStatus))
	}
	l.finish(t.ID, FinishedTask{TaskID: t.ID, ExitStatus: exitStatus, WallTime: wall})
}

// runHeartbeat calls l.heartbeat(taskID) on a fixed tick until ctx is
// canceled (the subprocess finished or the task was terminated).
func (l *Local) runHeartbeat(ctx context.Context, taskID uuid.UUID) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.heartbeat(taskID)
		}
	}
}

func (l *Local) finish(id uuid.UUID, ft FinishedTask) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rt, ok := l.running[id]; ok {
		l.runningCPU -= rt.cpuReq
		delete(l.running, id)
	}
	l.finished = append(l.finished, ft)
}

func (l *Local) GetFinishedTasks(ctx context.Context) ([]FinishedTask, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.finished
	l.finished = nil
	return out, nil
}

// Terminate cancels every in-flight task's context, which SIGKILLs its
// /bin/sh subprocess via CommandContext, and waits for the run goroutines
// to report back through finish (or for ctx to end).
func (l *Local) Terminate(ctx context.Context) error {
	l.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(l.running))
	for _, rt := range l.running {
		cancels = append(cancels, rt.cancel)
	}
	l.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	l.cancel()
	for {
		l.mu.Lock()
		n := len(l.running)
		l.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (l *Local) RunningCPU() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runningCPU
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return -1
}
