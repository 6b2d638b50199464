package recipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kosmos-run/kosmos/internal/store"
	"github.com/kosmos-run/kosmos/internal/tool"
)

func parentTask(tags store.TagMap) *store.Task {
	raw, _ := tags.JSON()
	return &store.Task{Tags: raw}
}

func stubTool(tags store.TagMap, parents []*store.Task) (tool.Tool, error) {
	return tool.NewShell("Stub", tags, tool.Spec{CPUReq: 1}, "echo hi"), nil
}

func TestExpandOne2One(t *testing.T) {
	parents := []*store.Task{parentTask(store.TagMap{"word": "hello"}), parentTask(store.TagMap{"word": "world"})}
	decl := StageDecl{Name: "Cat", Relation: One2One, NewTool: stubTool}

	tools, parentSets, err := ExpandStage(decl, parents)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	require.Len(t, parentSets, 2)
	assert.Equal(t, "hello", tools[0].Tags()["word"])
	assert.Len(t, parentSets[0], 1)
}

func TestExpandOne2Many(t *testing.T) {
	parents := []*store.Task{parentTask(store.TagMap{"word": "hello"})}
	decl := StageDecl{
		Name: "Split", Relation: One2Many, NewTool: stubTool,
		Axes: []TagAxis{{Key: "n", Values: []interface{}{1, 2}}},
	}

	tools, parentSets, err := ExpandStage(decl, parents)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, 1, tools[0].Tags()["n"])
	assert.Equal(t, 2, tools[1].Tags()["n"])
	assert.Equal(t, "hello", tools[0].Tags()["word"])
	assert.Len(t, parentSets[0], 1)
}

func TestExpandMany2One(t *testing.T) {
	parents := []*store.Task{
		parentTask(store.TagMap{"lang": "en", "word": "hello"}),
		parentTask(store.TagMap{"lang": "en", "word": "hi"}),
		parentTask(store.TagMap{"lang": "fr", "word": "bonjour"}),
	}
	decl := StageDecl{Name: "Group", Relation: Many2One, GroupBy: []string{"lang"}, NewTool: stubTool}

	tools, parentSets, err := ExpandStage(decl, parents)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "en", tools[0].Tags()["lang"])
	assert.Len(t, parentSets[0], 2)
	assert.Equal(t, "fr", tools[1].Tags()["lang"])
	assert.Len(t, parentSets[1], 1)
}

func TestExpandMany2Many(t *testing.T) {
	parents := []*store.Task{parentTask(store.TagMap{"word": "hello"}), parentTask(store.TagMap{"word": "world"})}
	decl := StageDecl{
		Name: "Combine", Relation: Many2Many, NewTool: stubTool,
		Axes: []TagAxis{{Key: "fmt", Values: []interface{}{"json", "csv"}}},
	}

	tools, parentSets, err := ExpandStage(decl, parents)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Len(t, parentSets[0], 2, "every combo task is fed by all parents")
}

func TestExpandFixedTagsSource(t *testing.T) {
	decl := StageDecl{
		Name:      "Sources",
		NewTool:   stubTool,
		fixedTags: []store.TagMap{{"word": "hello"}, {"word": "world"}},
	}
	tools, parentSets, err := ExpandStage(decl, nil)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Nil(t, parentSets[0])
}

func TestRecipeAddSourceAndAddRecordStages(t *testing.T) {
	r := New()
	r.AddSource("Echo", nil, stubTool)
	r.Add("Cat", []string{"Echo"}, Many2One, nil, []string{"word"}, stubTool)
	assert.Len(t, r.Stages(), 2)
	assert.Equal(t, "Echo", r.Stages()[0].Name)
	assert.Equal(t, []string{"Echo"}, r.Stages()[1].ParentStages)
}
