// Package graphbuilder expands a batch of Tool instances into a Stage's
// persisted Tasks, deduping against tasks already successful from a prior
// attempt of the same named Execution.
package graphbuilder

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/kosmos-run/kosmos/internal/platform/dbctx"
	"github.com/kosmos-run/kosmos/internal/store"
	"github.com/kosmos-run/kosmos/internal/tool"
)

// GraphBuilder expands tool batches into the persisted task DAG of one
// Execution.
type GraphBuilder struct {
	store *store.Store
}

func New(s *store.Store) *GraphBuilder {
	return &GraphBuilder{store: s}
}

// Add expands one stage's worth of tools into Tasks. tools and parents are
// positional: parents[i] lists the parent Tasks of tools[i]. It returns the Task
// corresponding to each input Tool, in the same order (old-and-adopted plus
// newly created).
func (g *GraphBuilder) Add(c dbctx.Context, ex *store.Execution, stageName string, tools []tool.Tool, parents [][]*store.Task) ([]*store.Task, error) {
	if len(tools) == 0 {
		return nil, store.NewValidationError("GraphBuilder.Add", "empty tool batch for stage %s", stageName)
	}
	if len(parents) != len(tools) {
		return nil, store.NewValidationError("GraphBuilder.Add", "parents slice length mismatch for stage %s", stageName)
	}

	// Preconditions: tag mappings pairwise distinct, parents belong to this execution.
	seenTags := make(map[string]bool, len(tools))
	for i, t := range tools {
		if err := tool.Validate(t); err != nil {
			return nil, store.NewValidationError("GraphBuilder.Add", "%v", err)
		}
		key := t.Tags().Key()
		if seenTags[key] {
			return nil, &store.DuplicateTagsError{Stage: stageName, Tags: key}
		}
		seenTags[key] = true
		for _, p := range parents[i] {
			if p.ExecutionID != ex.ID {
				return nil, &store.CrossExecutionParentError{ParentTaskID: p.ID.String()}
			}
		}
		// cpu_req must fit within the execution's global budget when one is
		// configured.
		if ex.MaxCPUs != nil {
			cpuReq := t.Spec().CPUReq
			if cpuReq == 0 {
				cpuReq = 1
			}
			if cpuReq > *ex.MaxCPUs {
				return nil, store.NewValidationError("GraphBuilder.Add", "tool %s: cpu_req %d exceeds max_cpus %d", t.Name(), cpuReq, *ex.MaxCPUs)
			}
		}
	}

	stage, err := g.store.GetOrCreateStage(c, ex.ID, stageName)
	if err != nil {
		return nil, err
	}

	existing, err := g.store.ListTasksByStage(c, stage.ID)
	if err != nil {
		return nil, err
	}
	reuseIndex := make(map[string]*store.Task, len(existing))
	for i := range existing {
		reuseIndex[existing[i].TagsKey] = &existing[i]
	}

	results := make([]*store.Task, len(tools))
	parentStageIDs := map[uuid.UUID]bool{}

	for i, t := range tools {
		key := t.Tags().Key()

		if prior, ok := reuseIndex[key]; ok && prior.Status == store.TaskSuccessful {
			results[i] = prior
		} else {
			task, outputs, err := generateTask(g.store, c, ex, stage, t, parents[i])
			if err != nil {
				return nil, err
			}
			if err := g.validateOutputPaths(c, ex.ID, outputs); err != nil {
				return nil, err
			}
			if err := g.store.CreateTask(c, task); err != nil {
				return nil, err
			}
			for j := range outputs {
				outputs[j].TaskID = task.ID
				if err := g.store.CreateTaskFile(c, &outputs[j]); err != nil {
					return nil, err
				}
			}
			task.OutputFiles = outputs
			for _, p := range parents[i] {
				if err := g.store.AddTaskEdge(c, ex.ID, p.ID, task.ID); err != nil {
					return nil, err
				}
			}
			results[i] = task
		}

		for _, p := range parents[i] {
			parentStageIDs[p.StageID] = true
		}
	}

	for parentStageID := range parentStageIDs {
		if parentStageID == stage.ID {
			continue
		}
		if err := g.store.AddStageEdge(c, ex.ID, parentStageID, stage.ID); err != nil {
			return nil, err
		}
	}

	return results, nil
}

// validateOutputPaths enforces that no two non-duplicate_ok TaskFiles in the
// whole DAG may share a path.
func (g *GraphBuilder) validateOutputPaths(c dbctx.Context, executionID uuid.UUID, outputs []store.TaskFile) error {
	for _, o := range outputs {
		if o.DuplicateOK || o.Path == "" {
			continue
		}
		exists, err := g.store.PathExists(c, executionID, o.Path)
		if err != nil {
			return err
		}
		if exists {
			return &store.DuplicateOutputPathError{Path: o.Path}
		}
	}
	return nil
}

// generateTask resolves a tool's inputs against its parents, constructs the
// Task row and its output TaskFiles, and runs the Tool's Cmd to populate
// task.Command.
func generateTask(s *store.Store, c dbctx.Context, ex *store.Execution, stage *store.Stage, t tool.Tool, parents []*store.Task) (*store.Task, []store.TaskFile, error) {
	spec := t.Spec()
	tagsJSON, err := t.Tags().JSON()
	if err != nil {
		return nil, nil, fmt.Errorf("marshal tags: %w", err)
	}

	task := &store.Task{
		ID:          uuid.New(),
		StageID:     stage.ID,
		ExecutionID: ex.ID,
		ToolName:    t.Name(),
		Tags:        tagsJSON,
		TagsKey:     t.Tags().Key(),
		CPUReq:      orDefault(spec.CPUReq, 1),
		MemReq:      spec.MemReq,
		TimeReq:     spec.TimeReq,
		MustSucceed: spec.MustSucceed,
		NOOP:        spec.NOOP,
		Status:      store.TaskNoAttempt,
	}

	inputsByName, err := tool.MapInputs(spec, parents)
	if err != nil {
		return nil, nil, store.NewValidationError("generateTask", "%v", err)
	}

	// Conventional (not enforced) output directory: every output of this
	// task lands under output_dir/<stage>/<tags>/.
	taskDir := filepath.Join(ex.OutputDir, stage.Name, t.Tags().DirComponent())

	var outputs []store.TaskFile
	for _, o := range spec.Outputs {
		basename := o.Basename
		if o.BasenameFunc != nil {
			basename = o.BasenameFunc(inputsByName, nil)
		} else if basename != "" {
			basename = tool.FormatBasename(basename, t.Tags(), nil)
		}
		var path string
		if basename != "" {
			path = filepath.Join(taskDir, basename)
		}
		outputs = append(outputs, store.TaskFile{
			Name:        o.Name,
			Basename:    basename,
			Path:        path,
			Persist:     o.Persist || spec.Persist,
			DuplicateOK: o.DuplicateOK,
		})
	}

	// forward_inputs: re-expose some of this task's own resolved inputs as
	// its own outputs so a downstream stage can consume an ancestor's file
	// without every intermediate stage re-declaring it. The forwarded path
	// legitimately repeats the ancestor TaskFile's path, so it is always
	// duplicate_ok.
	for _, name := range spec.ForwardInputs {
		for _, tf := range inputsByName[name] {
			outputs = append(outputs, store.TaskFile{
				Name: tf.Name, Basename: tf.Basename, Path: tf.Path,
				Persist: tf.Persist, DuplicateOK: true,
			})
		}
	}

	// The built-in Input/Inputs NOOP tools expose their pre-existing
	// filesystem paths through these narrow interfaces rather than through
	// spec.Outputs.
	if single, ok := t.(interface {
		InputPath() string
		InputName() string
	}); ok {
		outputs = append(outputs, store.TaskFile{Name: single.InputName(), Path: single.InputPath(), Persist: true})
	}
	if multi, ok := t.(interface{ Args() []tool.InputArg }); ok {
		for _, a := range multi.Args() {
			outputs = append(outputs, store.TaskFile{Name: a.Name, Path: a.Path, Persist: true})
		}
	}

	outMap := map[string]*store.TaskFile{}
	for i := range outputs {
		outMap[outputs[i].Name] = &outputs[i]
	}

	if !spec.NOOP {
		cmd, err := t.Cmd(tool.CmdContext{Inputs: inputsByName, Outputs: outMap, Params: nil})
		if err != nil {
			return nil, nil, fmt.Errorf("generate command for %s: %w", t.Name(), err)
		}
		task.Command = cmd
	}

	return task, outputs, nil
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
