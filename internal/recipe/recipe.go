// Package recipe implements Recipe, the build-time declaration of stages
// and their parent relationships. A Recipe never touches the Store;
// ExpandStage is a pure function from parent Tasks and a relation to a
// batch of (Tool, parent-task-list) pairs ready to be handed to
// GraphBuilder.Add.
package recipe

import (
	"fmt"

	"github.com/kosmos-run/kosmos/internal/store"
	"github.com/kosmos-run/kosmos/internal/tool"
)

// Relation determines how parent tasks are expanded into child tag sets.
type Relation int

const (
	// One2One produces one child task per parent task, inheriting the
	// parent's tags.
	One2One Relation = iota
	// One2Many produces, per parent task, one child per combination of the
	// declared tag axes (e.g. a Cat stage with relation
	// One2many([('n',[1,2])]) producing two children per parent).
	One2Many
	// Many2One groups parent tasks by GroupBy tag keys and produces one
	// child per group, fed by every task in that group — a fan-in, e.g. a
	// Cat stage depending on two independent source tasks.
	Many2One
	// Many2Many produces one child per tag-axis combination, each fed by
	// every parent task (fan-out over a shared multi-parent input set).
	Many2Many
)

// TagAxis is one dimension of variation used by One2Many/Many2Many, e.g.
// {Key: "n", Values: [1, 2]}.
type TagAxis struct {
	Key    string
	Values []interface{}
}

// NewToolFunc constructs a Tool instance for a resolved child tag mapping,
// given the parent tasks that will feed it.
type NewToolFunc func(tags store.TagMap, parents []*store.Task) (tool.Tool, error)

// StageDecl is one recorded (tool factory, parents, relation) tuple.
type StageDecl struct {
	Name         string
	ParentStages []string
	Relation     Relation
	Axes         []TagAxis
	GroupBy      []string
	NewTool      NewToolFunc
	// fixedTags, when non-nil, overrides axis expansion with a literal list
	// of tag sets — used by the YAML loader's addFixedTagSource.
	fixedTags []store.TagMap
}

// Recipe is a builder that records stage declarations; it performs no I/O.
type Recipe struct {
	stages []StageDecl
}

func New() *Recipe { return &Recipe{} }

// AddSource declares a stage with no parents — one child per NewTool call
// with no parent tasks, used for a recipe's initial tag-driven fan-out
// (e.g. a handful of Echo(word=...) sources with no upstream dependency).
func (r *Recipe) AddSource(name string, axes []TagAxis, newTool NewToolFunc) *Recipe {
	r.stages = append(r.stages, StageDecl{Name: name, Relation: Many2Many, Axes: axes, NewTool: newTool})
	return r
}

// Add declares a stage whose tasks are derived from one or more parent
// stages via relation.
func (r *Recipe) Add(name string, parentStages []string, relation Relation, axes []TagAxis, groupBy []string, newTool NewToolFunc) *Recipe {
	r.stages = append(r.stages, StageDecl{
		Name: name, ParentStages: parentStages, Relation: relation,
		Axes: axes, GroupBy: groupBy, NewTool: newTool,
	})
	return r
}

func (r *Recipe) Stages() []StageDecl { return r.stages }

// ExpandStage computes the batch of (Tool, parents) pairs for one stage
// declaration given its resolved parent Tasks (already materialized by
// GraphBuilder for earlier stages in topological order).
func ExpandStage(decl StageDecl, parents []*store.Task) ([]tool.Tool, [][]*store.Task, error) {
	if decl.fixedTags != nil {
		return expandFixedTags(decl)
	}
	switch decl.Relation {
	case One2One:
		return expandOne2One(decl, parents)
	case One2Many:
		return expandOne2Many(decl, parents)
	case Many2One:
		return expandMany2One(decl, parents)
	case Many2Many:
		return expandMany2Many(decl, parents)
	default:
		return nil, nil, fmt.Errorf("unknown relation %d for stage %s", decl.Relation, decl.Name)
	}
}

func expandFixedTags(decl StageDecl) ([]tool.Tool, [][]*store.Task, error) {
	var tools []tool.Tool
	var parentSets [][]*store.Task
	for _, tags := range decl.fixedTags {
		t, err := decl.NewTool(tags, nil)
		if err != nil {
			return nil, nil, err
		}
		tools = append(tools, t)
		parentSets = append(parentSets, nil)
	}
	return tools, parentSets, nil
}

func expandOne2One(decl StageDecl, parents []*store.Task) ([]tool.Tool, [][]*store.Task, error) {
	var tools []tool.Tool
	var parentSets [][]*store.Task
	for _, p := range parents {
		tags, err := parentTags(p)
		if err != nil {
			return nil, nil, err
		}
		t, err := decl.NewTool(tags, []*store.Task{p})
		if err != nil {
			return nil, nil, err
		}
		tools = append(tools, t)
		parentSets = append(parentSets, []*store.Task{p})
	}
	return tools, parentSets, nil
}

func expandOne2Many(decl StageDecl, parents []*store.Task) ([]tool.Tool, [][]*store.Task, error) {
	combos := cartesian(decl.Axes)
	var tools []tool.Tool
	var parentSets [][]*store.Task
	for _, p := range parents {
		base, err := parentTags(p)
		if err != nil {
			return nil, nil, err
		}
		for _, combo := range combos {
			tags := mergeTags(base, combo)
			t, err := decl.NewTool(tags, []*store.Task{p})
			if err != nil {
				return nil, nil, err
			}
			tools = append(tools, t)
			parentSets = append(parentSets, []*store.Task{p})
		}
	}
	return tools, parentSets, nil
}

func expandMany2One(decl StageDecl, parents []*store.Task) ([]tool.Tool, [][]*store.Task, error) {
	groups := map[string][]*store.Task{}
	groupTags := map[string]store.TagMap{}
	order := []string{}
	for _, p := range parents {
		tags, err := parentTags(p)
		if err != nil {
			return nil, nil, err
		}
		key := groupKey(tags, decl.GroupBy)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
			sub := store.TagMap{}
			for _, k := range decl.GroupBy {
				sub[k] = tags[k]
			}
			groupTags[key] = sub
		}
		groups[key] = append(groups[key], p)
	}
	var tools []tool.Tool
	var parentSets [][]*store.Task
	for _, key := range order {
		t, err := decl.NewTool(groupTags[key], groups[key])
		if err != nil {
			return nil, nil, err
		}
		tools = append(tools, t)
		parentSets = append(parentSets, groups[key])
	}
	return tools, parentSets, nil
}

func expandMany2Many(decl StageDecl, parents []*store.Task) ([]tool.Tool, [][]*store.Task, error) {
	combos := cartesian(decl.Axes)
	if len(combos) == 0 {
		combos = []store.TagMap{{}}
	}
	var tools []tool.Tool
	var parentSets [][]*store.Task
	for _, combo := range combos {
		t, err := decl.NewTool(combo, parents)
		if err != nil {
			return nil, nil, err
		}
		tools = append(tools, t)
		parentSets = append(parentSets, parents)
	}
	return tools, parentSets, nil
}

func parentTags(t *store.Task) (store.TagMap, error) {
	return store.ParseTagMap(t.Tags)
}

func groupKey(tags store.TagMap, groupBy []string) string {
	sub := store.TagMap{}
	for _, k := range groupBy {
		sub[k] = tags[k]
	}
	return sub.Key()
}

func mergeTags(base store.TagMap, extra store.TagMap) store.TagMap {
	out := store.TagMap{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// cartesian computes every combination of axis values as a TagMap.
func cartesian(axes []TagAxis) []store.TagMap {
	if len(axes) == 0 {
		return nil
	}
	combos := []store.TagMap{{}}
	for _, axis := range axes {
		var next []store.TagMap
		for _, c := range combos {
			for _, v := range axis.Values {
				nc := store.TagMap{}
				for k, vv := range c {
					nc[k] = vv
				}
				nc[axis.Key] = v
				next = append(next, nc)
			}
		}
		combos = next
	}
	return combos
}
