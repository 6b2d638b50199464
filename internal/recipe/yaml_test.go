package recipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kosmos-run/kosmos/internal/store"
	"github.com/kosmos-run/kosmos/internal/tool"
)

func TestFromDocumentShellStage(t *testing.T) {
	doc := Document{
		Stages: []StageDoc{
			{Name: "Echo", Tool: "Shell", Cmd: "echo {word}", Tags: []map[string]any{{"word": "hello"}, {"word": "world"}}},
		},
	}
	r, err := FromDocument(doc, tool.NewRegistry())
	require.NoError(t, err)
	require.Len(t, r.Stages(), 1)

	tools, _, err := ExpandStage(r.Stages()[0], nil)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	cmd, err := tools[0].Cmd(tool.CmdContext{})
	require.NoError(t, err)
	assert.Equal(t, "echo hello", cmd)
}

func TestFromDocumentRegisteredTool(t *testing.T) {
	registry := tool.NewRegistry()
	require.NoError(t, registry.Register("Custom", func(tags map[string]interface{}) (tool.Tool, error) {
		return tool.NewShell("Custom", store.TagMap(tags), tool.Spec{CPUReq: 2}, "true"), nil
	}))

	doc := Document{
		Stages: []StageDoc{
			{Name: "Source", Tool: "Custom", Tags: []map[string]any{{"x": 1}}},
			{Name: "Next", Tool: "Custom", Parents: []string{"Source"}, Relation: "one2one"},
		},
	}
	r, err := FromDocument(doc, registry)
	require.NoError(t, err)
	require.Len(t, r.Stages(), 2)

	tools, _, err := ExpandStage(r.Stages()[0], nil)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, 2, tools[0].Spec().CPUReq)
}

func TestFromDocumentUnknownToolErrors(t *testing.T) {
	doc := Document{Stages: []StageDoc{{Name: "Bad", Tool: "DoesNotExist", Tags: []map[string]any{{"x": 1}}}}}
	_, err := FromDocument(doc, tool.NewRegistry())
	assert.Error(t, err)
}

func TestParseRelation(t *testing.T) {
	cases := map[string]Relation{"": One2One, "one2one": One2One, "one2many": One2Many, "many2one": Many2One, "many2many": Many2Many}
	for in, want := range cases {
		got, err := parseRelation(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := parseRelation("bogus")
	assert.Error(t, err)
}
