package recipe

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kosmos-run/kosmos/internal/store"
	"github.com/kosmos-run/kosmos/internal/tool"
)

// Document is the on-disk shape of a declarative recipe: a list of stages,
// each naming a registered tool and either a fixed list of tag sets or tag
// axes to cross — a YAML-driven alternative to building a Recipe in Go code.
type Document struct {
	Stages []StageDoc `yaml:"stages"`
}

type StageDoc struct {
	Name     string           `yaml:"name"`
	Tool     string           `yaml:"tool"`
	Parents  []string         `yaml:"parents"`
	Relation string           `yaml:"relation"`
	GroupBy  []string         `yaml:"group_by"`
	Axes     []AxisDoc        `yaml:"axes"`
	Tags     []map[string]any `yaml:"tags"`
	// Cmd is a FormatBasename-style command template, used only when Tool is
	// the built-in "Shell" tool (tool.NewShell) rather than a registered
	// project-specific Tool type.
	Cmd string `yaml:"cmd"`
}

type AxisDoc struct {
	Key    string        `yaml:"key"`
	Values []interface{} `yaml:"values"`
}

// LoadFile reads a YAML recipe document from path and binds it against the
// given tool registry, producing a Recipe ready for GraphBuilder expansion.
func LoadFile(path string, registry *tool.Registry) (*Recipe, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipe file: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse recipe yaml: %w", err)
	}
	return FromDocument(doc, registry)
}

func FromDocument(doc Document, registry *tool.Registry) (*Recipe, error) {
	r := New()
	for _, sd := range doc.Stages {
		sd := sd
		var newTool NewToolFunc
		if sd.Tool == "Shell" {
			newTool = func(tags store.TagMap, parents []*store.Task) (tool.Tool, error) {
				return tool.NewShell(sd.Name, tags, tool.Spec{CPUReq: 1, MustSucceed: true}, sd.Cmd), nil
			}
		} else {
			factory, ok := registry.Get(sd.Tool)
			if !ok {
				return nil, fmt.Errorf("stage %s: no tool registered as %q", sd.Name, sd.Tool)
			}
			newTool = func(tags store.TagMap, parents []*store.Task) (tool.Tool, error) {
				return factory(tags)
			}
		}
		if len(sd.Parents) == 0 && len(sd.Tags) > 0 {
			r.addFixedTagSource(sd.Name, sd.Tags, newTool)
			continue
		}
		relation, err := parseRelation(sd.Relation)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", sd.Name, err)
		}
		axes := make([]TagAxis, 0, len(sd.Axes))
		for _, a := range sd.Axes {
			axes = append(axes, TagAxis{Key: a.Key, Values: a.Values})
		}
		r.Add(sd.Name, sd.Parents, relation, axes, sd.GroupBy, newTool)
	}
	return r, nil
}

// addFixedTagSource declares a parentless stage whose tasks come from a
// literal list of tag sets rather than an axis cartesian product — the
// declarative-YAML equivalent of AddSource, used for e.g. a handful of
// literal Echo(word=hello)/Echo(word=world) sources.
func (r *Recipe) addFixedTagSource(name string, tagSets []map[string]any, newTool NewToolFunc) *Recipe {
	decl := StageDecl{Name: name, Relation: Many2Many, NewTool: newTool, fixedTags: toTagMaps(tagSets)}
	r.stages = append(r.stages, decl)
	return r
}

func toTagMaps(tagSets []map[string]any) []store.TagMap {
	out := make([]store.TagMap, 0, len(tagSets))
	for _, ts := range tagSets {
		out = append(out, store.TagMap(ts))
	}
	return out
}

func parseRelation(s string) (Relation, error) {
	switch s {
	case "", "one2one":
		return One2One, nil
	case "one2many":
		return One2Many, nil
	case "many2one":
		return Many2One, nil
	case "many2many":
		return Many2Many, nil
	default:
		return 0, fmt.Errorf("unknown relation %q", s)
	}
}
