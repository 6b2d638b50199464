package graphbuilder

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kosmos-run/kosmos/internal/platform/dbctx"
	"github.com/kosmos-run/kosmos/internal/store"
	"github.com/kosmos-run/kosmos/internal/testutil"
	"github.com/kosmos-run/kosmos/internal/tool"
)

func newExec(t *testing.T, s *store.Store, maxCPUs *int) (dbctx.Context, *store.Execution) {
	t.Helper()
	c := dbctx.Context{Ctx: context.Background()}
	ex := &store.Execution{ID: uuid.New(), Name: "exec-" + uuid.NewString(), OutputDir: t.TempDir(), MaxAttempts: 1, MaxCPUs: maxCPUs, Status: store.ExecutionNoAttempt}
	require.NoError(t, s.CreateExecution(c, ex))
	return c, ex
}

func shell(name string, tags store.TagMap, spec tool.Spec, cmd string) tool.Tool {
	return tool.NewShell(name, tags, spec, cmd)
}

func TestAddCreatesOneTaskPerTool(t *testing.T) {
	s := testutil.Store(t)
	g := New(s)
	c, ex := newExec(t, s, nil)

	tools := []tool.Tool{
		shell("Echo", store.TagMap{"word": "hello"}, tool.Spec{CPUReq: 1, MustSucceed: true}, "echo {word}"),
		shell("Echo", store.TagMap{"word": "world"}, tool.Spec{CPUReq: 1, MustSucceed: true}, "echo {word}"),
	}
	tasks, err := g.Add(c, ex, "Echo", tools, [][]*store.Task{nil, nil})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.NotEqual(t, tasks[0].ID, tasks[1].ID)
	assert.Equal(t, "echo hello", tasks[0].Command)
}

func TestAddRejectsDuplicateTags(t *testing.T) {
	s := testutil.Store(t)
	g := New(s)
	c, ex := newExec(t, s, nil)

	tools := []tool.Tool{
		shell("Echo", store.TagMap{"word": "hello"}, tool.Spec{CPUReq: 1}, "echo {word}"),
		shell("Echo", store.TagMap{"word": "hello"}, tool.Spec{CPUReq: 1}, "echo {word}"),
	}
	_, err := g.Add(c, ex, "Echo", tools, [][]*store.Task{nil, nil})
	require.Error(t, err)
	assert.ErrorAs(t, err, new(*store.DuplicateTagsError))
}

func TestAddRejectsCPUBudgetViolation(t *testing.T) {
	s := testutil.Store(t)
	g := New(s)
	max := 2
	c, ex := newExec(t, s, &max)

	tools := []tool.Tool{shell("Heavy", store.TagMap{"x": 1}, tool.Spec{CPUReq: 4}, "true")}
	_, err := g.Add(c, ex, "Heavy", tools, [][]*store.Task{nil})
	require.Error(t, err)
	assert.ErrorAs(t, err, new(*store.ValidationError))
}

func TestAddRejectsCrossExecutionParent(t *testing.T) {
	s := testutil.Store(t)
	g := New(s)
	c, ex := newExec(t, s, nil)
	_, other := newExec(t, s, nil)

	foreignParent := &store.Task{ID: uuid.New(), ExecutionID: other.ID}
	tools := []tool.Tool{shell("Cat", store.TagMap{"x": 1}, tool.Spec{CPUReq: 1}, "true")}
	_, err := g.Add(c, ex, "Cat", tools, [][]*store.Task{{foreignParent}})
	require.Error(t, err)
	assert.ErrorAs(t, err, new(*store.CrossExecutionParentError))
}

func TestAddReusesSuccessfulTaskAcrossAttempts(t *testing.T) {
	s := testutil.Store(t)
	g := New(s)
	c, ex := newExec(t, s, nil)

	tools := []tool.Tool{shell("Echo", store.TagMap{"word": "hello"}, tool.Spec{CPUReq: 1}, "echo {word}")}
	first, err := g.Add(c, ex, "Echo", tools, [][]*store.Task{nil})
	require.NoError(t, err)
	first[0].Status = store.TaskSuccessful
	require.NoError(t, s.UpdateTask(c, first[0]))

	second, err := g.Add(c, ex, "Echo", tools, [][]*store.Task{nil})
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, second[0].ID, "a successful task from a prior attempt is reused, not recreated")

	all, err := s.ListTasksByStage(c, first[0].StageID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAddDoesNotReuseNonSuccessfulTask(t *testing.T) {
	s := testutil.Store(t)
	g := New(s)
	c, ex := newExec(t, s, nil)

	tools := []tool.Tool{shell("Echo", store.TagMap{"word": "hello"}, tool.Spec{CPUReq: 1}, "echo {word}")}
	first, err := g.Add(c, ex, "Echo", tools, [][]*store.Task{nil})
	require.NoError(t, err)
	first[0].Status = store.TaskFailed
	require.NoError(t, s.UpdateTask(c, first[0]))

	second, err := g.Add(c, ex, "Echo", tools, [][]*store.Task{nil})
	require.NoError(t, err)
	assert.NotEqual(t, first[0].ID, second[0].ID)
}

func TestAddRejectsDuplicateOutputPath(t *testing.T) {
	s := testutil.Store(t)
	g := New(s)
	c, ex := newExec(t, s, nil)

	// Each task's outputs land under its own tag directory, so the basename
	// climbs out of it to make both tasks resolve to output_dir/Write/same.txt.
	spec := tool.Spec{CPUReq: 1, Outputs: []tool.OutputSpec{{Name: "out", Basename: "../same.txt"}}}
	tools := []tool.Tool{
		shell("Write", store.TagMap{"x": 1}, spec, "true"),
		shell("Write", store.TagMap{"x": 2}, spec, "true"),
	}
	_, err := g.Add(c, ex, "Write", tools, [][]*store.Task{nil, nil})
	require.Error(t, err)
	assert.ErrorAs(t, err, new(*store.DuplicateOutputPathError))
}

func TestAddAllowsDuplicateOutputPathWhenMarkedOK(t *testing.T) {
	s := testutil.Store(t)
	g := New(s)
	c, ex := newExec(t, s, nil)

	// As above, both tasks resolve to output_dir/Write/shared.log.
	spec := tool.Spec{CPUReq: 1, Outputs: []tool.OutputSpec{{Name: "log", Basename: "../shared.log", DuplicateOK: true}}}
	tools := []tool.Tool{
		shell("Write", store.TagMap{"x": 1}, spec, "true"),
		shell("Write", store.TagMap{"x": 2}, spec, "true"),
	}
	tasks, err := g.Add(c, ex, "Write", tools, [][]*store.Task{nil, nil})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestAddWiresStageEdges(t *testing.T) {
	s := testutil.Store(t)
	g := New(s)
	c, ex := newExec(t, s, nil)

	srcTools := []tool.Tool{shell("Echo", store.TagMap{"word": "hello"}, tool.Spec{CPUReq: 1}, "echo {word}")}
	src, err := g.Add(c, ex, "Echo", srcTools, [][]*store.Task{nil})
	require.NoError(t, err)

	childTools := []tool.Tool{shell("Cat", store.TagMap{"word": "hello"}, tool.Spec{CPUReq: 1}, "cat")}
	_, err = g.Add(c, ex, "Cat", childTools, [][]*store.Task{{src[0]}})
	require.NoError(t, err)

	edges, err := s.ListStageEdges(c, ex.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)

	taskEdges, err := s.ListTaskEdges(c, ex.ID)
	require.NoError(t, err)
	require.Len(t, taskEdges, 1)
	assert.Equal(t, src[0].ID, taskEdges[0].ParentTaskID)
}

func TestAddForwardsInputsAsOutputs(t *testing.T) {
	s := testutil.Store(t)
	g := New(s)
	c, ex := newExec(t, s, nil)

	inputDir := t.TempDir()
	path := inputDir + "/a.txt"
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o644))

	in, err := tool.NewInput("a", path, store.TagMap{"x": 1})
	require.NoError(t, err)
	src, err := g.Add(c, ex, "Load", []tool.Tool{in}, [][]*store.Task{nil})
	require.NoError(t, err)

	fwd := shell("Forward", store.TagMap{"x": 1}, tool.Spec{CPUReq: 1, Inputs: []string{"a"}, ForwardInputs: []string{"a"}}, "true")
	children, err := g.Add(c, ex, "Forward", []tool.Tool{fwd}, [][]*store.Task{{src[0]}})
	require.NoError(t, err)

	require.Len(t, children[0].OutputFiles, 1)
	assert.Equal(t, src[0].OutputFiles[0].Path, children[0].OutputFiles[0].Path)
	assert.True(t, children[0].OutputFiles[0].DuplicateOK)
}
