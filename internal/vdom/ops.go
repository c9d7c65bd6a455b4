package vdom

import (
	"encoding/json"
	"fmt"
)

// OpKind tags a patch operation on the wire.
type OpKind string

const (
	OpReplace OpKind = "replace"
	OpText    OpKind = "text"
	OpHTML    OpKind = "html"
	OpRemove  OpKind = "remove"
	OpInsert  OpKind = "insert"
	OpMove    OpKind = "move"
	OpAttrs   OpKind = "attrs"
)

// AnchorType positions an inserted or moved node relative to its anchor.
// First and Last address the anchor's children, Before and After its
// siblings.
type AnchorType string

const (
	AnchorFirst  AnchorType = "first"
	AnchorLast   AnchorType = "last"
	AnchorBefore AnchorType = "before"
	AnchorAfter  AnchorType = "after"
)

// AttrChange sets an attribute, or removes it when Value is nil.
type AttrChange struct {
	Name  string
	Value *string
}

// MarshalJSON encodes the change as [name, value|null].
func (c AttrChange) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{c.Name, c.Value})
}

// UnmarshalJSON decodes [name, value|null].
func (c *AttrChange) UnmarshalJSON(data []byte) error {
	var pair []*string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 || pair[0] == nil {
		return fmt.Errorf("attribute change must be [name, value|null]")
	}
	c.Name = *pair[0]
	c.Value = pair[1]
	return nil
}

// PatchOp is one DOM mutation. Which fields are meaningful depends on Op.
type PatchOp struct {
	Op         OpKind
	Target     StableID
	AnchorID   StableID
	AnchorType AnchorType
	HTML       string
	Text       string
	IsSVG      bool
	Attrs      []AttrChange
}

// IsStylesheetSwap reports whether the op replaces a stylesheet link, which
// the client swaps only after the new sheet has loaded.
func (op PatchOp) IsStylesheetSwap() bool {
	if op.Op != OpReplace {
		return false
	}
	nodes, err := ParseFragment(op.HTML, &Node{Tag: "head"})
	return err == nil && len(nodes) == 1 && nodes[0].IsStylesheet()
}

type (
	replaceOp struct {
		Op     OpKind   `json:"op"`
		Target StableID `json:"target"`
		HTML   string   `json:"html"`
	}
	textOp struct {
		Op     OpKind   `json:"op"`
		Target StableID `json:"target"`
		Text   string   `json:"text"`
	}
	htmlOp struct {
		Op     OpKind   `json:"op"`
		Target StableID `json:"target"`
		HTML   string   `json:"html"`
		IsSVG  bool     `json:"is_svg"`
	}
	removeOp struct {
		Op     OpKind   `json:"op"`
		Target StableID `json:"target"`
	}
	insertOp struct {
		Op         OpKind     `json:"op"`
		AnchorID   StableID   `json:"anchor_id"`
		AnchorType AnchorType `json:"anchor_type"`
		HTML       string     `json:"html"`
	}
	moveOp struct {
		Op         OpKind     `json:"op"`
		Target     StableID   `json:"target"`
		AnchorID   StableID   `json:"anchor_id"`
		AnchorType AnchorType `json:"anchor_type"`
	}
	attrsOp struct {
		Op     OpKind       `json:"op"`
		Target StableID     `json:"target"`
		Attrs  []AttrChange `json:"attrs"`
	}
	anyOp struct {
		Op         OpKind       `json:"op"`
		Target     StableID     `json:"target"`
		AnchorID   StableID     `json:"anchor_id"`
		AnchorType AnchorType   `json:"anchor_type"`
		HTML       string       `json:"html"`
		Text       string       `json:"text"`
		IsSVG      bool         `json:"is_svg"`
		Attrs      []AttrChange `json:"attrs"`
	}
)

// MarshalJSON encodes the op as a tagged record carrying only the fields
// of its kind.
func (op PatchOp) MarshalJSON() ([]byte, error) {
	switch op.Op {
	case OpReplace:
		return json.Marshal(replaceOp{op.Op, op.Target, op.HTML})
	case OpText:
		return json.Marshal(textOp{op.Op, op.Target, op.Text})
	case OpHTML:
		return json.Marshal(htmlOp{op.Op, op.Target, op.HTML, op.IsSVG})
	case OpRemove:
		return json.Marshal(removeOp{op.Op, op.Target})
	case OpInsert:
		return json.Marshal(insertOp{op.Op, op.AnchorID, op.AnchorType, op.HTML})
	case OpMove:
		return json.Marshal(moveOp{op.Op, op.Target, op.AnchorID, op.AnchorType})
	case OpAttrs:
		attrs := op.Attrs
		if attrs == nil {
			attrs = []AttrChange{}
		}
		return json.Marshal(attrsOp{op.Op, op.Target, attrs})
	default:
		return nil, fmt.Errorf("unknown patch op %q", op.Op)
	}
}

// UnmarshalJSON decodes a tagged record.
func (op *PatchOp) UnmarshalJSON(data []byte) error {
	var raw anyOp
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Op {
	case OpReplace, OpText, OpHTML, OpRemove, OpInsert, OpMove, OpAttrs:
	default:
		return fmt.Errorf("unknown patch op %q", raw.Op)
	}
	*op = PatchOp(raw)
	return nil
}

func (op PatchOp) String() string {
	switch op.Op {
	case OpInsert:
		return fmt.Sprintf("insert %s %s", op.AnchorType, op.AnchorID)
	case OpMove:
		return fmt.Sprintf("move %s %s %s", op.Target, op.AnchorType, op.AnchorID)
	default:
		return fmt.Sprintf("%s %s", op.Op, op.Target)
	}
}
