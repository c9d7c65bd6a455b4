package vdom

import (
	qerrors "github.com/conneroisu/quire/internal/errors"
)

// Apply executes ops against t in order, the way the browser runtime does.
// It fails on the first op whose target or anchor is not in the tree.
func Apply(t *Tree, ops []PatchOp) error {
	for i, op := range ops {
		if err := applyOp(t, op); err != nil {
			return err.WithContext("op_index", i).WithContext("op", op.String())
		}
	}
	return nil
}

func applyOp(t *Tree, op PatchOp) *qerrors.QuireError {
	switch op.Op {
	case OpInsert:
		nodes, err := fragmentFor(t, op.AnchorID, op.AnchorType, op.HTML)
		if err != nil {
			return err
		}
		return place(t, op.AnchorID, op.AnchorType, nodes)

	case OpMove:
		target, parent, idx := locate(t.Root, nil, op.Target)
		if target == nil || parent == nil {
			return missing(op.Target)
		}
		if op.AnchorID == op.Target || contains(target, op.AnchorID) {
			return qerrors.NewDiffError(qerrors.ErrCodeMalformedTree, "move anchor inside moved node")
		}
		parent.Children = append(parent.Children[:idx], parent.Children[idx+1:]...)
		return place(t, op.AnchorID, op.AnchorType, []*Node{target})
	}

	target, parent, idx := locate(t.Root, nil, op.Target)
	if target == nil {
		return missing(op.Target)
	}

	switch op.Op {
	case OpReplace:
		if parent == nil {
			return qerrors.NewDiffError(qerrors.ErrCodeMalformedTree, "cannot replace the document root")
		}
		nodes, err := ParseFragment(op.HTML, parent)
		if err != nil {
			return qerrors.NewDiffError(qerrors.ErrCodeMalformedTree, err.Error())
		}
		rest := append(nodes, parent.Children[idx+1:]...)
		parent.Children = append(parent.Children[:idx], rest...)

	case OpText:
		target.Children = nil
		if op.Text != "" {
			target.Children = []*Node{Text(op.Text)}
		}

	case OpHTML:
		nodes, err := ParseFragment(op.HTML, target)
		if err != nil {
			return qerrors.NewDiffError(qerrors.ErrCodeMalformedTree, err.Error())
		}
		target.Children = nodes

	case OpRemove:
		if parent == nil {
			return qerrors.NewDiffError(qerrors.ErrCodeMalformedTree, "cannot remove the document root")
		}
		parent.Children = append(parent.Children[:idx], parent.Children[idx+1:]...)

	case OpAttrs:
		for _, change := range op.Attrs {
			target.SetAttr(change.Name, change.Value)
		}

	default:
		return qerrors.NewDiffError(qerrors.ErrCodeMalformedTree, "unknown op "+string(op.Op))
	}
	return nil
}

// fragmentFor parses html in the element that will receive it.
func fragmentFor(t *Tree, anchor StableID, at AnchorType, html string) ([]*Node, *qerrors.QuireError) {
	a, parent, _ := locate(t.Root, nil, anchor)
	if a == nil {
		return nil, missing(anchor)
	}
	context := a
	if at == AnchorBefore || at == AnchorAfter {
		if parent == nil {
			return nil, qerrors.NewDiffError(qerrors.ErrCodeMalformedTree, "root has no siblings")
		}
		context = parent
	}
	nodes, err := ParseFragment(html, context)
	if err != nil {
		return nil, qerrors.NewDiffError(qerrors.ErrCodeMalformedTree, err.Error())
	}
	return nodes, nil
}

func place(t *Tree, anchor StableID, at AnchorType, nodes []*Node) *qerrors.QuireError {
	a, parent, idx := locate(t.Root, nil, anchor)
	if a == nil {
		return missing(anchor)
	}

	var into *Node
	var pos int
	switch at {
	case AnchorFirst:
		into, pos = a, 0
	case AnchorLast:
		into, pos = a, len(a.Children)
	case AnchorBefore:
		into, pos = parent, idx
	case AnchorAfter:
		into, pos = parent, idx+1
	default:
		return qerrors.NewDiffError(qerrors.ErrCodeMalformedTree, "unknown anchor type "+string(at))
	}
	if into == nil {
		return qerrors.NewDiffError(qerrors.ErrCodeMalformedTree, "root has no siblings")
	}

	children := make([]*Node, 0, len(into.Children)+len(nodes))
	children = append(children, into.Children[:pos]...)
	children = append(children, nodes...)
	children = append(children, into.Children[pos:]...)
	into.Children = children
	return nil
}

// locate finds the element with id below n and returns it with its parent
// and index in the parent.
func locate(n, parent *Node, id StableID) (*Node, *Node, int) {
	if n.Type == ElementNode && n.ID == id && id != "" {
		return n, parent, indexOf(parent, n)
	}
	for _, c := range n.Children {
		if found, p, i := locate(c, n, id); found != nil {
			return found, p, i
		}
	}
	return nil, nil, -1
}

func indexOf(parent, child *Node) int {
	if parent == nil {
		return -1
	}
	for i, c := range parent.Children {
		if c == child {
			return i
		}
	}
	return -1
}

func contains(n *Node, id StableID) bool {
	found, _, _ := locate(n, nil, id)
	return found != nil
}

func missing(id StableID) *qerrors.QuireError {
	return qerrors.NewDiffError(qerrors.ErrCodeAnchorNotFound, "no element with id "+string(id))
}
