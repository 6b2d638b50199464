package jobmanager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kosmos-run/kosmos/internal/store"
	"github.com/kosmos-run/kosmos/internal/testutil"
	"github.com/kosmos-run/kosmos/internal/tracing"
)

func waitForFinished(t *testing.T, l *Local, n int) []FinishedTask {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var out []FinishedTask
	for time.Now().Before(deadline) {
		ft, err := l.GetFinishedTasks(context.Background())
		require.NoError(t, err)
		out = append(out, ft...)
		if len(out) >= n {
			return out
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d finished tasks, got %d", n, len(out))
	return nil
}

func TestLocalSubmitSuccessfulCommand(t *testing.T) {
	l := NewLocal(testutil.Logger(t), tracing.Discard(), 2, nil)
	task := &store.Task{ID: uuid.New(), LogDir: t.TempDir(), Command: "echo hello", CPUReq: 1}

	require.NoError(t, l.Submit(context.Background(), task))
	finished := waitForFinished(t, l, 1)
	assert.Equal(t, 0, finished[0].ExitStatus)

	out, err := os.ReadFile(filepath.Join(task.LogDir, "stdout"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestLocalSubmitFailingCommand(t *testing.T) {
	l := NewLocal(testutil.Logger(t), tracing.Discard(), 2, nil)
	task := &store.Task{ID: uuid.New(), LogDir: t.TempDir(), Command: "exit 1", CPUReq: 1}

	require.NoError(t, l.Submit(context.Background(), task))
	finished := waitForFinished(t, l, 1)
	assert.Equal(t, 1, finished[0].ExitStatus)
}

func TestLocalNOOPFinishesImmediately(t *testing.T) {
	l := NewLocal(testutil.Logger(t), tracing.Discard(), 2, nil)
	task := &store.Task{ID: uuid.New(), LogDir: t.TempDir(), NOOP: true, CPUReq: 1}

	require.NoError(t, l.Submit(context.Background(), task))
	finished := waitForFinished(t, l, 1)
	assert.Equal(t, 0, finished[0].ExitStatus)
	assert.Equal(t, 0, l.RunningCPU())
}

func TestLocalRunningCPUAccounting(t *testing.T) {
	l := NewLocal(testutil.Logger(t), tracing.Discard(), 4, nil)
	task := &store.Task{ID: uuid.New(), LogDir: t.TempDir(), Command: "sleep 0.3", CPUReq: 3}

	require.NoError(t, l.Submit(context.Background(), task))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, l.RunningCPU())

	waitForFinished(t, l, 1)
	assert.Equal(t, 0, l.RunningCPU())
}

func TestLocalTerminateKillsRunningTasks(t *testing.T) {
	l := NewLocal(testutil.Logger(t), tracing.Discard(), 2, nil)
	task := &store.Task{ID: uuid.New(), LogDir: t.TempDir(), Command: "sleep 5", CPUReq: 1}

	require.NoError(t, l.Submit(context.Background(), task))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, l.Terminate(context.Background()))

	finished := waitForFinished(t, l, 1)
	assert.NotEqual(t, 0, finished[0].ExitStatus)
}
