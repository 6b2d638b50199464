// Package tool implements the declarative Tool template and the built-in
// NOOP tools (Input, Inputs) that wrap already-existing filesystem paths.
package tool

import (
	"fmt"
	"sort"

	"github.com/kosmos-run/kosmos/internal/store"
)

// WildcardInput means "every parent output", the `'*'` sentinel input name.
const WildcardInput = "*"

// OutputSpec describes one declared output TaskFile. Basename is a format
// string evaluated with {<tag>} and {s.<key>} placeholders via FormatBasename;
// BasenameFunc, when set, takes precedence and is called directly.
type OutputSpec struct {
	Name         string
	Basename     string
	BasenameFunc func(inputs map[string][]*store.TaskFile, settings map[string]interface{}) string
	Persist      bool
	// DuplicateOK marks this output exempt from the duplicate-output-path
	// check — e.g. a shared scratch/log path intentionally reused across
	// tasks.
	DuplicateOK bool
}

// Spec is a Tool's class-level declaration: resource requirements and the
// input/output contract. Embedding Spec gives a concrete Tool type sane
// zero-value defaults (cpu_req=1, must_succeed=true), matching the Python
// original's class attribute defaults.
type Spec struct {
	Inputs        []string
	Outputs       []OutputSpec
	ForwardInputs []string
	CPUReq        int
	MemReq        int
	TimeReq       int
	MustSucceed   bool
	NOOP          bool
	Persist       bool
}

// CmdContext carries the per-input-name TaskFiles gathered from parents,
// the task's own output TaskFiles by name, and params.
type CmdContext struct {
	Inputs  map[string][]*store.TaskFile
	Outputs map[string]*store.TaskFile
	Params  map[string]interface{}
}

// Tool is a factory that produces Tasks. Cmd must be overridden unless the
// tool is a NOOP. Cmd always takes one explicit CmdContext rather than a
// variable parameter list, so every Tool implementation has one uniform
// signature regardless of how many inputs or outputs it declares.
type Tool interface {
	Name() string
	Tags() store.TagMap
	Spec() Spec
	Cmd(ctx CmdContext) (string, error)
}

// ValidationError is returned by Validate for malformed tool declarations.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

// Validate checks a tool's structural invariants: no duplicate input names,
// no duplicate output names.
func Validate(t Tool) error {
	spec := t.Spec()
	if dup := firstDuplicate(spec.Inputs); dup != "" {
		return &ValidationError{Msg: fmt.Sprintf("%s: duplicate input name %q", t.Name(), dup)}
	}
	names := make([]string, 0, len(spec.Outputs))
	for _, o := range spec.Outputs {
		names = append(names, o.Name)
	}
	if dup := firstDuplicate(names); dup != "" {
		return &ValidationError{Msg: fmt.Sprintf("%s: duplicate output name %q", t.Name(), dup)}
	}
	return nil
}

func firstDuplicate(ss []string) string {
	seen := make(map[string]bool, len(ss))
	for _, s := range ss {
		if seen[s] {
			return s
		}
		seen[s] = true
	}
	return ""
}

// MapInputs resolves a tool's declared input names against its parent
// tasks' output files. The wildcard input name yields all parent outputs
// under the key WildcardInput.
func MapInputs(spec Spec, parents []*store.Task) (map[string][]*store.TaskFile, error) {
	result := map[string][]*store.TaskFile{}
	if len(spec.Inputs) == 0 {
		return result, nil
	}
	if len(spec.Inputs) == 1 && spec.Inputs[0] == WildcardInput {
		var all []*store.TaskFile
		for _, p := range parents {
			for i := range p.OutputFiles {
				all = append(all, &p.OutputFiles[i])
			}
		}
		result[WildcardInput] = all
		return result, nil
	}
	for _, name := range spec.Inputs {
		var found []*store.TaskFile
		for _, p := range parents {
			for i := range p.OutputFiles {
				if p.OutputFiles[i].Name == name {
					found = append(found, &p.OutputFiles[i])
				}
			}
		}
		if len(found) == 0 {
			return nil, fmt.Errorf("could not find input %q among parent outputs", name)
		}
		result[name] = found
	}
	return result, nil
}

// sortedTagKeys is a small helper used by basename templating to produce a
// deterministic iteration order over a tag mapping.
func sortedTagKeys(tags store.TagMap) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
