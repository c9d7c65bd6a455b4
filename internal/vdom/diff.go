package vdom

import (
	"fmt"
	"strings"
)

// Options holds the structural divergence thresholds.
type Options struct {
	// MaxOpsPerParent bounds the insert, move and remove ops emitted for
	// the children of one element. Above it the children are rewritten
	// with a single html op on the element.
	MaxOpsPerParent int
	// MaxTotalOps bounds the size of a patch. Above it a full reload is
	// requested.
	MaxTotalOps int
	// Verify replays the patch on a copy of the previous tree and requests
	// a full reload when the result differs from the next tree.
	Verify bool
}

// DefaultOptions returns the thresholds used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxOpsPerParent: 32,
		MaxTotalOps:     512,
		Verify:          true,
	}
}

// Result is the outcome of a diff. Reload takes precedence over Ops; a
// result with neither means nothing visible changed.
type Result struct {
	Ops    []PatchOp
	Reload bool
	Reason string
}

// Changed reports whether clients need to hear about the result.
func (r Result) Changed() bool {
	return r.Reload || len(r.Ops) > 0
}

func reload(reason string) Result {
	return Result{Reload: true, Reason: reason}
}

// Diff compares the previous and next rendering of a page. A nil prev
// always requests a full reload.
func Diff(prev, next *Tree, opts Options) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = reload(fmt.Sprintf("diff failed: %v", r))
		}
	}()

	if opts.MaxOpsPerParent <= 0 || opts.MaxTotalOps <= 0 {
		defaults := DefaultOptions()
		opts.MaxOpsPerParent = defaults.MaxOpsPerParent
		opts.MaxTotalOps = defaults.MaxTotalOps
	}

	switch {
	case next == nil || next.Root == nil:
		return reload("empty document")
	case prev == nil || prev.Root == nil:
		return reload("initial compile")
	case prev.Root.ID == "" || prev.Root.ID != next.Root.ID || prev.Root.Tag != next.Root.Tag:
		return reload("document root changed")
	}

	if Equal(prev.Root, next.Root) {
		return Result{}
	}
	if !sameShape(prev.Root.Children, next.Root.Children) {
		return reload("document structure changed")
	}

	d := &differ{opts: opts}
	if changes := diffAttrs(prev.Root, next.Root); len(changes) > 0 {
		d.emit(PatchOp{Op: OpAttrs, Target: next.Root.ID, Attrs: changes})
	}
	for i, nc := range next.Root.Children {
		oc := prev.Root.Children[i]
		if nc.Type != ElementNode {
			continue
		}
		if nc.Tag == "head" {
			if !d.diffHead(oc, nc) {
				return reload("head changed")
			}
			continue
		}
		if !d.diffElement(oc, nc, false) {
			return reload(nc.Tag + " changed")
		}
	}

	if d.reason != "" {
		return reload(d.reason)
	}
	if len(d.ops) > opts.MaxTotalOps {
		return reload(fmt.Sprintf("%d changes exceed the patch limit of %d", len(d.ops), opts.MaxTotalOps))
	}
	if len(d.ops) == 0 {
		return Result{}
	}

	if opts.Verify {
		applied := prev.Clone()
		if err := Apply(applied, d.ops); err != nil {
			return reload("patch verification failed: " + err.Error())
		}
		if !Equal(applied.Root, next.Root) {
			return reload("patch verification failed: result differs")
		}
	}

	return Result{Ops: d.ops}
}

type differ struct {
	opts   Options
	ops    []PatchOp
	reason string
}

func (d *differ) emit(op PatchOp) {
	switch op.Op {
	case OpHTML, OpReplace, OpInsert:
		// Scripts inserted as markup do not execute.
		if strings.Contains(op.HTML, "<script") {
			d.reason = "script changed"
		}
	}
	d.ops = append(d.ops, op)
}

// diffHead only patches head content in place. Any structural change to
// the head requests a reload.
func (d *differ) diffHead(o, n *Node) bool {
	if !sameShape(o.Children, n.Children) {
		return false
	}
	for i := range n.Children {
		if n.Children[i].Type != ElementNode && n.Children[i].Data != o.Children[i].Data {
			return false
		}
	}
	return d.diffElement(o, n, false)
}

// diffElement appends the ops turning o into n. It returns false when the
// change cannot be addressed from n, in which case the caller rewrites the
// parent.
func (d *differ) diffElement(o, n *Node, inSVG bool) bool {
	if o.Tag != n.Tag || o.Namespace != n.Namespace || o.ID != n.ID {
		return false
	}
	if Equal(o, n) {
		return true
	}

	inSVG = inSVG || n.Namespace == "svg"

	switch {
	case n.Tag == "script":
		// Patched scripts would not run again.
		d.reason = "script changed"
		return true
	case o.IsStylesheet() || n.IsStylesheet():
		if n.ID == "" {
			return false
		}
		d.emit(PatchOp{Op: OpReplace, Target: o.ID, HTML: OuterHTML(n)})
		return true
	}

	start := len(d.ops)
	changes := diffAttrs(o, n)
	if len(changes) > 0 {
		if n.ID == "" {
			return false
		}
		d.emit(PatchOp{Op: OpAttrs, Target: n.ID, Attrs: changes})
	}

	if d.diffChildren(o, n, inSVG) {
		return true
	}

	d.ops = d.ops[:start]
	if n.ID == "" {
		return false
	}
	if len(changes) > 0 {
		d.emit(PatchOp{Op: OpReplace, Target: o.ID, HTML: OuterHTML(n)})
	} else {
		d.emit(PatchOp{Op: OpHTML, Target: n.ID, HTML: InnerHTML(n), IsSVG: inSVG})
	}
	return true
}

func (d *differ) diffChildren(o, n *Node, inSVG bool) bool {
	oc, nc := o.Children, n.Children

	if textOnly(oc) && textOnly(nc) {
		ot, nt := joinText(oc), joinText(nc)
		if ot == nt && len(oc) == len(nc) {
			return true
		}
		if n.ID == "" || (nt == "" && len(nc) > 0) {
			return false
		}
		d.emit(PatchOp{Op: OpText, Target: n.ID, Text: nt})
		return true
	}

	if allElements(oc) && allElements(nc) {
		return d.reconcile(n, oc, nc, inSVG)
	}

	// Mixed content: text nodes cannot be addressed, so only in-place
	// changes of elements are patched.
	if !sameShape(oc, nc) {
		return false
	}
	for i := range nc {
		if nc[i].Type != ElementNode {
			if nc[i].Data != oc[i].Data {
				return false
			}
			continue
		}
		if !d.diffElement(oc[i], nc[i], inSVG) {
			return false
		}
	}
	return true
}

// reconcile matches element children by StableID and emits removals,
// anchored inserts and moves, then recurses into persisting children.
func (d *differ) reconcile(parent *Node, oc, nc []*Node, inSVG bool) bool {
	if missingID(oc) || missingID(nc) {
		// Positional matching for structure without ids.
		if len(oc) != len(nc) {
			return false
		}
		for i := range nc {
			if !d.diffElement(oc[i], nc[i], inSVG) {
				return false
			}
		}
		return true
	}

	oldByID := make(map[StableID]*Node, len(oc))
	oldIndex := make(map[StableID]int, len(oc))
	for i, c := range oc {
		oldByID[c.ID] = c
		oldIndex[c.ID] = i
	}
	newByID := make(map[StableID]*Node, len(nc))
	for _, c := range nc {
		newByID[c.ID] = c
	}

	matched := func(c *Node) (*Node, bool) {
		old, ok := oldByID[c.ID]
		if !ok || old.Tag != c.Tag || old.Namespace != c.Namespace {
			return nil, false
		}
		return old, true
	}

	start := len(d.ops)
	structural := 0

	for _, c := range oc {
		if nw, ok := newByID[c.ID]; !ok || nw.Tag != c.Tag || nw.Namespace != c.Namespace {
			d.emit(PatchOp{Op: OpRemove, Target: c.ID})
			structural++
		}
	}

	// Persisting children in the longest run that kept its relative order
	// stay put; every other child is moved or inserted after its new
	// predecessor, left to right.
	var positions, order []int
	for j, c := range nc {
		if _, ok := matched(c); ok {
			positions = append(positions, j)
			order = append(order, oldIndex[c.ID])
		}
	}
	stays := make(map[int]bool, len(positions))
	for k, keep := range longestIncreasing(order) {
		if keep {
			stays[positions[k]] = true
		}
	}

	for j, c := range nc {
		if stays[j] {
			continue
		}
		anchor, at := parent.ID, AnchorFirst
		if j > 0 {
			anchor, at = nc[j-1].ID, AnchorAfter
		}
		if anchor == "" {
			d.ops = d.ops[:start]
			return false
		}
		if _, ok := matched(c); ok {
			d.emit(PatchOp{Op: OpMove, Target: c.ID, AnchorID: anchor, AnchorType: at})
		} else {
			d.emit(PatchOp{Op: OpInsert, AnchorID: anchor, AnchorType: at, HTML: OuterHTML(c)})
		}
		structural++
	}

	if structural > d.opts.MaxOpsPerParent {
		d.ops = d.ops[:start]
		return false
	}

	for _, c := range nc {
		old, ok := matched(c)
		if !ok {
			continue
		}
		if !d.diffElement(old, c, inSVG) {
			d.emit(PatchOp{Op: OpReplace, Target: old.ID, HTML: OuterHTML(c)})
		}
	}
	return true
}

func diffAttrs(o, n *Node) []AttrChange {
	var changes []AttrChange
	for _, a := range n.Attrs {
		if v, ok := o.Attr(a.Name()); !ok || v != a.Val {
			val := a.Val
			changes = append(changes, AttrChange{Name: a.Name(), Value: &val})
		}
	}
	for _, a := range o.Attrs {
		if _, ok := n.Attr(a.Name()); !ok {
			changes = append(changes, AttrChange{Name: a.Name()})
		}
	}
	return changes
}

// sameShape reports whether two child lists hold the same node kinds with
// the same element identities at every position.
func sameShape(a, b []*Node) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type {
			return false
		}
		if a[i].Type == ElementNode && (a[i].ID != b[i].ID || a[i].Tag != b[i].Tag) {
			return false
		}
	}
	return true
}

func textOnly(children []*Node) bool {
	return len(children) == 0 || len(children) == 1 && children[0].Type == TextNode
}

func joinText(children []*Node) string {
	if len(children) == 0 {
		return ""
	}
	return children[0].Data
}

func allElements(children []*Node) bool {
	for _, c := range children {
		if c.Type != ElementNode {
			return false
		}
	}
	return true
}

func missingID(children []*Node) bool {
	for _, c := range children {
		if c.ID == "" {
			return true
		}
	}
	return false
}

// longestIncreasing marks the members of one longest strictly increasing
// subsequence of seq.
func longestIncreasing(seq []int) []bool {
	keep := make([]bool, len(seq))
	if len(seq) == 0 {
		return keep
	}

	tails := make([]int, 0, len(seq))
	prev := make([]int, len(seq))
	for i, v := range seq {
		lo, hi := 0, len(tails)
		for lo < hi {
			mid := (lo + hi) / 2
			if seq[tails[mid]] < v {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		prev[i] = -1
		if lo > 0 {
			prev[i] = tails[lo-1]
		}
		if lo == len(tails) {
			tails = append(tails, i)
		} else {
			tails[lo] = i
		}
	}

	for i := tails[len(tails)-1]; i >= 0; i = prev[i] {
		keep[i] = true
	}
	return keep
}
