package execution_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kosmos-run/kosmos/internal/execution"
	"github.com/kosmos-run/kosmos/internal/jobmanager"
	"github.com/kosmos-run/kosmos/internal/platform/dbctx"
	"github.com/kosmos-run/kosmos/internal/statusbus"
	"github.com/kosmos-run/kosmos/internal/store"
	"github.com/kosmos-run/kosmos/internal/testutil"
	"github.com/kosmos-run/kosmos/internal/tool"
	"github.com/kosmos-run/kosmos/internal/tracing"
)

// echoTool writes its word verbatim (no trailing newline) to its declared
// "stdout" output, exercising the same data-passing convention a declarative
// recipe's Shell stage would use.
type echoTool struct {
	word string
	tags store.TagMap
}

func newEcho(word string) *echoTool {
	return &echoTool{word: word, tags: store.TagMap{"word": word}}
}

func (e *echoTool) Name() string       { return "Echo" }
func (e *echoTool) Tags() store.TagMap { return e.tags }
func (e *echoTool) Spec() tool.Spec {
	return tool.Spec{
		Outputs:     []tool.OutputSpec{{Name: "stdout", Basename: "stdout", Persist: true}},
		CPUReq:      1,
		MustSucceed: true,
	}
}
func (e *echoTool) Cmd(ctx tool.CmdContext) (string, error) {
	return fmt.Sprintf("printf '%%s' %q > %s", e.word, ctx.Outputs["stdout"].Path), nil
}

// catTool concatenates the "stdout" output of every parent task, in parent
// order, into its own "stdout" output.
type catTool struct {
	tags store.TagMap
	cpu  int
}

func newCat(tags store.TagMap, cpu int) *catTool {
	if tags == nil {
		tags = store.TagMap{}
	}
	return &catTool{tags: tags, cpu: cpu}
}

func (c *catTool) Name() string       { return "Cat" }
func (c *catTool) Tags() store.TagMap { return c.tags }
func (c *catTool) Spec() tool.Spec {
	cpu := c.cpu
	if cpu == 0 {
		cpu = 1
	}
	return tool.Spec{
		Inputs:      []string{tool.WildcardInput},
		Outputs:     []tool.OutputSpec{{Name: "stdout", Basename: "stdout", Persist: true}},
		CPUReq:      cpu,
		MustSucceed: true,
	}
}
func (c *catTool) Cmd(ctx tool.CmdContext) (string, error) {
	cmd := "cat"
	for _, tf := range ctx.Inputs[tool.WildcardInput] {
		if tf.Name == "stdout" {
			cmd += " " + tf.Path
		}
	}
	return cmd + " > " + ctx.Outputs["stdout"].Path, nil
}

// sleepTool runs for a short fixed duration and produces no output,
// existing purely to occupy cpu_req worth of budget for a while.
type sleepTool struct {
	tags store.TagMap
	cpu  int
}

func newSleep(tags store.TagMap, cpu int) *sleepTool {
	if tags == nil {
		tags = store.TagMap{}
	}
	return &sleepTool{tags: tags, cpu: cpu}
}

func (sl *sleepTool) Name() string       { return "Heavy" }
func (sl *sleepTool) Tags() store.TagMap { return sl.tags }
func (sl *sleepTool) Spec() tool.Spec {
	return tool.Spec{CPUReq: sl.cpu, MustSucceed: true}
}
func (sl *sleepTool) Cmd(ctx tool.CmdContext) (string, error) { return "sleep 0.2", nil }

// flakyTool fails on its first attempt and succeeds on every attempt after,
// using a marker file on disk to remember whether it already ran once.
type flakyTool struct {
	marker string
	tags   store.TagMap
}

func newFlaky(marker string) *flakyTool {
	return &flakyTool{marker: marker, tags: store.TagMap{}}
}

func (f *flakyTool) Name() string       { return "Flaky" }
func (f *flakyTool) Tags() store.TagMap { return f.tags }
func (f *flakyTool) Spec() tool.Spec {
	return tool.Spec{CPUReq: 1, MustSucceed: true}
}
func (f *flakyTool) Cmd(ctx tool.CmdContext) (string, error) {
	return fmt.Sprintf("test -f %s || { touch %s; exit 1; }", f.marker, f.marker), nil
}

func newStartOpts(t *testing.T, name string) execution.StartOptions {
	t.Helper()
	return execution.StartOptions{
		Name:         name,
		OutputDir:    filepath.Join(t.TempDir(), "out"),
		MaxAttempts:  1,
		PollInterval: 5 * time.Millisecond,
	}
}

func newLocalJM(t *testing.T) jobmanager.JobManager {
	t.Helper()
	jm := jobmanager.NewLocal(testutil.Logger(t), tracing.Discard(), 8, nil)
	t.Cleanup(func() { _ = jm.Terminate(context.Background()) })
	return jm
}

func readOutput(t *testing.T, task *store.Task, name string) string {
	t.Helper()
	for _, f := range task.OutputFiles {
		if f.Name == name {
			b, err := os.ReadFile(f.Path)
			require.NoError(t, err)
			return string(b)
		}
	}
	t.Fatalf("task has no output named %q", name)
	return ""
}

// Scenario 1: two-source fan-in.
func TestExecutionTwoSourceFanIn(t *testing.T) {
	s := testutil.Store(t)
	bus := statusbus.New()
	jm := newLocalJM(t)
	ctx := context.Background()

	ex, err := execution.Start(ctx, s, bus, jm, testutil.Logger(t), newStartOpts(t, "fanin"))
	require.NoError(t, err)

	echoes, err := ex.Add(ctx, "Echo", []tool.Tool{newEcho("hello"), newEcho("world")}, [][]*store.Task{nil, nil})
	require.NoError(t, err)
	require.Len(t, echoes, 2)

	cats, err := ex.Add(ctx, "Cat", []tool.Tool{newCat(nil, 1)}, [][]*store.Task{echoes})
	require.NoError(t, err)
	require.Len(t, cats, 1)

	ok, err := ex.Run(ctx, execution.RunOptions{SetSuccessful: true})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, store.ExecutionSuccessful, ex.Row.Status)
	assert.True(t, ex.Row.Successful)

	c := dbctx.Context{Ctx: ctx}
	tasks, err := s.ListTasksByExecution(c, ex.Row.ID)
	require.NoError(t, err)
	var catTask *store.Task
	for i := range tasks {
		if tasks[i].ID == cats[0].ID {
			catTask = &tasks[i]
		}
	}
	require.NotNil(t, catTask)
	assert.Equal(t, "helloworld", readOutput(t, catTask, "stdout"))
}

// Scenario 2: one-to-many expansion.
func TestExecutionOneToManyExpansion(t *testing.T) {
	s := testutil.Store(t)
	bus := statusbus.New()
	jm := newLocalJM(t)
	ctx := context.Background()

	ex, err := execution.Start(ctx, s, bus, jm, testutil.Logger(t), newStartOpts(t, "onetomany"))
	require.NoError(t, err)

	sources, err := ex.Add(ctx, "Echo", []tool.Tool{newEcho("hi")}, [][]*store.Task{nil})
	require.NoError(t, err)

	cat1 := newCat(store.TagMap{"word": "hi", "n": "1"}, 1)
	cat2 := newCat(store.TagMap{"word": "hi", "n": "2"}, 1)
	cats, err := ex.Add(ctx, "Cat", []tool.Tool{cat1, cat2}, [][]*store.Task{sources, sources})
	require.NoError(t, err)
	require.Len(t, cats, 2)

	ok, err := ex.Run(ctx, execution.RunOptions{SetSuccessful: true})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, store.ExecutionSuccessful, ex.Row.Status)

	c := dbctx.Context{Ctx: ctx}
	catStage, err := s.GetOrCreateStage(c, ex.Row.ID, "Cat")
	require.NoError(t, err)
	catTasks, err := s.ListTasksByStage(c, catStage.ID)
	require.NoError(t, err)
	assert.Len(t, catTasks, 2)
	for _, tk := range catTasks {
		assert.Equal(t, store.TaskSuccessful, tk.Status)
	}
}

// Scenario 3: CPU budget — never more than max_cpus worth of work runs at once.
func TestExecutionRespectsCPUBudget(t *testing.T) {
	s := testutil.Store(t)
	bus := statusbus.New()
	jm := jobmanager.NewLocal(testutil.Logger(t), tracing.Discard(), 8, nil)
	t.Cleanup(func() { _ = jm.Terminate(context.Background()) })
	ctx := context.Background()

	opts := newStartOpts(t, "cpubudget")
	max := 3
	opts.MaxCPUs = &max
	ex, err := execution.Start(ctx, s, bus, jm, testutil.Logger(t), opts)
	require.NoError(t, err)

	sleepTools := make([]tool.Tool, 3)
	parents := make([][]*store.Task, 3)
	for i := range sleepTools {
		sleepTools[i] = newSleep(store.TagMap{"i": fmt.Sprint(i)}, 2)
		parents[i] = nil
	}
	_, err = ex.Add(ctx, "Heavy", sleepTools, parents)
	require.NoError(t, err)

	maxObserved := 0
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				if r := jm.RunningCPU(); r > maxObserved {
					maxObserved = r
				}
				time.Sleep(2 * time.Millisecond)
			}
		}
	}()

	ok, err := ex.Run(ctx, execution.RunOptions{SetSuccessful: true})
	close(done)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.LessOrEqual(t, maxObserved, 3, "cpu budget of 3 must never be exceeded by 2-cpu_req tasks")
}

// Scenario 4: retry then succeed.
func TestExecutionRetryThenSucceed(t *testing.T) {
	s := testutil.Store(t)
	bus := statusbus.New()
	jm := newLocalJM(t)
	ctx := context.Background()

	opts := newStartOpts(t, "retry")
	opts.MaxAttempts = 2
	ex, err := execution.Start(ctx, s, bus, jm, testutil.Logger(t), opts)
	require.NoError(t, err)

	marker := filepath.Join(t.TempDir(), "flaky.marker")
	tasks, err := ex.Add(ctx, "Flaky", []tool.Tool{newFlaky(marker)}, [][]*store.Task{nil})
	require.NoError(t, err)

	ok, err := ex.Run(ctx, execution.RunOptions{SetSuccessful: true})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, store.ExecutionSuccessful, ex.Row.Status)

	c := dbctx.Context{Ctx: ctx}
	got, err := s.ListTasksByExecution(c, ex.Row.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, tasks[0].ID, got[0].ID)
	assert.Equal(t, store.TaskSuccessful, got[0].Status)
	assert.Equal(t, 2, got[0].Attempt, "task must have been attempted twice: fail then succeed")
}

// Scenario 5: a fatal failure prunes its descendants, which stay no_attempt
// and are never submitted.
func TestExecutionFatalFailurePrunesDescendants(t *testing.T) {
	s := testutil.Store(t)
	bus := statusbus.New()
	jm := newLocalJM(t)
	ctx := context.Background()

	opts := newStartOpts(t, "prune")
	opts.MaxAttempts = 1
	ex, err := execution.Start(ctx, s, bus, jm, testutil.Logger(t), opts)
	require.NoError(t, err)

	failTool := newCat(store.TagMap{"fails": "true"}, 1)
	aTasks, err := ex.Add(ctx, "A", []tool.Tool{failTool}, [][]*store.Task{nil})
	require.NoError(t, err)
	bTasks, err := ex.Add(ctx, "B", []tool.Tool{newCat(store.TagMap{}, 1)}, [][]*store.Task{aTasks})
	require.NoError(t, err)
	_, err = ex.Add(ctx, "C", []tool.Tool{newCat(store.TagMap{}, 1)}, [][]*store.Task{bTasks})
	require.NoError(t, err)

	// Force A's generated command to fail regardless of what GraphBuilder
	// built, so only A's failure (not its content) drives the scenario.
	c := dbctx.Context{Ctx: ctx}
	got, err := s.ListTasksByExecution(c, ex.Row.ID)
	require.NoError(t, err)
	for i := range got {
		if got[i].ID == aTasks[0].ID {
			got[i].Command = "exit 1"
			require.NoError(t, s.UpdateTask(c, &got[i]))
		}
	}

	ok, err := ex.Run(ctx, execution.RunOptions{SetSuccessful: true})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, store.ExecutionFailed, ex.Row.Status)

	final, err := s.ListTasksByExecution(c, ex.Row.ID)
	require.NoError(t, err)
	for _, tk := range final {
		if tk.ID == bTasks[0].ID {
			assert.Equal(t, store.TaskNoAttempt, tk.Status, "pruned descendant B never attempted")
		}
	}
}

// Scenario 6: resume — after a first run completes, restarting the same
// named execution with restart=true adopts its already-successful tasks
// without resubmitting them.
func TestExecutionResumeAdoptsSuccessfulTasks(t *testing.T) {
	s := testutil.Store(t)
	bus := statusbus.New()
	ctx := context.Background()
	opts := newStartOpts(t, "resume")

	jm1 := newLocalJM(t)
	ex1, err := execution.Start(ctx, s, bus, jm1, testutil.Logger(t), opts)
	require.NoError(t, err)
	echoes, err := ex1.Add(ctx, "Echo", []tool.Tool{newEcho("hello"), newEcho("world")}, [][]*store.Task{nil, nil})
	require.NoError(t, err)
	_, err = ex1.Run(ctx, execution.RunOptions{SetSuccessful: true})
	require.NoError(t, err)
	require.Equal(t, store.ExecutionSuccessful, ex1.Row.Status)

	c := dbctx.Context{Ctx: ctx}
	for _, e := range echoes {
		got, err := s.ListTasksByExecution(c, ex1.Row.ID)
		require.NoError(t, err)
		for _, tk := range got {
			if tk.ID == e.ID {
				assert.Equal(t, store.TaskSuccessful, tk.Status)
			}
		}
	}

	// Simulate a fresh process resuming the same named execution with
	// restart=true: the successful Echo tasks are adopted, not rebuilt.
	opts2 := opts
	opts2.Restart = true
	opts2.SkipConfirm = true
	bus2 := statusbus.New()
	jm2 := newLocalJM(t)
	ex2, err := execution.Start(ctx, s, bus2, jm2, testutil.Logger(t), opts2)
	require.NoError(t, err)
	assert.Equal(t, ex1.Row.ID, ex2.Row.ID, "restart adopts the same named execution row")

	adopted, err := ex2.Add(ctx, "Echo", []tool.Tool{newEcho("hello"), newEcho("world")}, [][]*store.Task{nil, nil})
	require.NoError(t, err)
	for i, a := range adopted {
		assert.Equal(t, echoes[i].ID, a.ID, "adopted task reuses the prior successful row")
	}

	ok, err := ex2.Run(ctx, execution.RunOptions{SetSuccessful: true})
	require.NoError(t, err)
	assert.True(t, ok)
}
