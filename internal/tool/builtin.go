package tool

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kosmos-run/kosmos/internal/store"
)

// Input is a NOOP Task whose single output TaskFile already exists on the
// filesystem. The constructor asserts the path exists, so a NOOP's declared
// output is always backed by a real file on disk.
type Input struct {
	name string
	path string
	tags store.TagMap
}

// NewInput validates path exists (abs'd) before returning the tool, so a
// misconfigured recipe fails at build time rather than at dispatch.
func NewInput(name, path string, tags store.TagMap) (*Input, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("Input %q path does not exist: %w", name, err)
	}
	return &Input{name: name, path: abs, tags: tags}, nil
}

func (i *Input) Name() string      { return "Load_Input_Files" }
func (i *Input) Tags() store.TagMap { return i.tags }
func (i *Input) Spec() Spec {
	return Spec{NOOP: true, Persist: true}
}
func (i *Input) Cmd(ctx CmdContext) (string, error) { return "", nil }

// InputPath and InputName expose the fields GraphBuilder needs to construct
// the pre-existing output TaskFile (generate_task's special-case for Input).
func (i *Input) InputPath() string { return i.path }
func (i *Input) InputName() string { return i.name }

// Inputs is the multi-file analogue of Input: a NOOP task whose outputs are
// several pre-existing files.
type Inputs struct {
	args []InputArg
	tags store.TagMap
}

type InputArg struct {
	Name string
	Path string
}

func NewInputs(args []InputArg, tags store.TagMap) (*Inputs, error) {
	resolved := make([]InputArg, 0, len(args))
	for _, a := range args {
		abs, err := filepath.Abs(a.Path)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, fmt.Errorf("Inputs %q path does not exist: %w", a.Name, err)
		}
		resolved = append(resolved, InputArg{Name: a.Name, Path: abs})
	}
	if tags == nil {
		tags = store.TagMap{}
	}
	return &Inputs{args: resolved, tags: tags}, nil
}

func (i *Inputs) Name() string       { return "Load_Input_Files" }
func (i *Inputs) Tags() store.TagMap { return i.tags }
func (i *Inputs) Spec() Spec {
	return Spec{NOOP: true, Persist: true}
}
func (i *Inputs) Cmd(ctx CmdContext) (string, error) { return "", nil }

func (i *Inputs) Args() []InputArg { return i.args }

// Shell is a generic built-in Tool whose command is a basename-style
// template (`{<tag>}`/`{s.<key>}` placeholders, via FormatBasename) rather
// than a bespoke Go type per tool. It exists so declarative YAML recipes
// and simple CLI/test pipelines don't require writing a Go Tool type for
// every node in the graph.
type Shell struct {
	name        string
	tags        store.TagMap
	spec        Spec
	cmdTemplate string
}

// NewShell constructs a Shell tool. cmdTemplate is evaluated against the
// tool's own tags (not its inputs) via FormatBasename — e.g. "echo {word}"
// for tags {word: hello}.
func NewShell(name string, tags store.TagMap, spec Spec, cmdTemplate string) *Shell {
	if tags == nil {
		tags = store.TagMap{}
	}
	return &Shell{name: name, tags: tags, spec: spec, cmdTemplate: cmdTemplate}
}

func (s *Shell) Name() string      { return s.name }
func (s *Shell) Tags() store.TagMap { return s.tags }
func (s *Shell) Spec() Spec         { return s.spec }

func (s *Shell) Cmd(ctx CmdContext) (string, error) {
	return FormatBasename(s.cmdTemplate, s.tags, ctx.Params), nil
}
