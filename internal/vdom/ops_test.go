package vdom

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/conneroisu/quire/internal/errors"
)

func strPtr(s string) *string { return &s }

func TestPatchOpJSON(t *testing.T) {
	tests := []struct {
		name string
		op   PatchOp
		want string
	}{
		{"replace", PatchOp{Op: OpReplace, Target: "a", HTML: "<b></b>"}, `{"op":"replace","target":"a","html":"<b></b>"}`},
		{"text", PatchOp{Op: OpText, Target: "a", Text: ""}, `{"op":"text","target":"a","text":""}`},
		{"html", PatchOp{Op: OpHTML, Target: "a", HTML: "x", IsSVG: true}, `{"op":"html","target":"a","html":"x","is_svg":true}`},
		{"remove", PatchOp{Op: OpRemove, Target: "a"}, `{"op":"remove","target":"a"}`},
		{"insert", PatchOp{Op: OpInsert, AnchorID: "p", AnchorType: AnchorFirst, HTML: "x"}, `{"op":"insert","anchor_id":"p","anchor_type":"first","html":"x"}`},
		{"move", PatchOp{Op: OpMove, Target: "a", AnchorID: "b", AnchorType: AnchorAfter}, `{"op":"move","target":"a","anchor_id":"b","anchor_type":"after"}`},
		{"attrs", PatchOp{Op: OpAttrs, Target: "a", Attrs: []AttrChange{{Name: "class", Value: strPtr("x")}, {Name: "title"}}}, `{"op":"attrs","target":"a","attrs":[["class","x"],["title",null]]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.op)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))

			var decoded PatchOp
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, tt.op, decoded)
		})
	}
}

func TestPatchOpJSONRejectsUnknown(t *testing.T) {
	_, err := json.Marshal(PatchOp{Op: "explode"})
	assert.Error(t, err)

	var op PatchOp
	assert.Error(t, json.Unmarshal([]byte(`{"op":"explode"}`), &op))
	assert.Error(t, json.Unmarshal([]byte(`{"op":"attrs","attrs":[["only-name"]]}`), &op))
}

func TestApplyMissingAnchor(t *testing.T) {
	tree := page(t, "<p>x</p>")

	err := Apply(tree, []PatchOp{{Op: OpInsert, AnchorID: "nope", AnchorType: AnchorAfter, HTML: "<p></p>"}})
	require.Error(t, err)
	assert.True(t, qerrors.IsType(err, qerrors.ErrorTypeDiff))

	var qe *qerrors.QuireError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, qerrors.ErrCodeAnchorNotFound, qe.Code)
}

func TestApplyAnchorTypes(t *testing.T) {
	tree := page(t, `<ul><li data-key="a">A</li><li data-key="b">B</li></ul>`)
	ul := byTag(t, tree, "ul")
	a := byKey(t, tree, "a")
	b := byKey(t, tree, "b")

	require.NoError(t, Apply(tree, []PatchOp{
		{Op: OpInsert, AnchorID: ul.ID, AnchorType: AnchorLast, HTML: `<li data-qid="z">Z</li>`},
		{Op: OpInsert, AnchorID: a.ID, AnchorType: AnchorBefore, HTML: `<li data-qid="y">Y</li>`},
		{Op: OpMove, Target: b.ID, AnchorID: "y", AnchorType: AnchorBefore},
	}))

	var got []string
	for _, c := range byTag(t, tree, "ul").Children {
		got = append(got, c.TextContent())
	}
	assert.Equal(t, []string{"B", "Y", "A", "Z"}, got)
}

func TestApplyMoveIntoItselfFails(t *testing.T) {
	tree := page(t, `<div><p>x</p></div>`)
	div := byTag(t, tree, "div")
	p := byTag(t, tree, "p")

	err := Apply(tree, []PatchOp{{Op: OpMove, Target: div.ID, AnchorID: p.ID, AnchorType: AnchorFirst}})
	assert.Error(t, err)
}
