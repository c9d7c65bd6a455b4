// Package vdom holds the rendered tree of a page, the StableId indexer and
// the diff engine that turns two trees into patch operations.
package vdom

import "strings"

// StableID identifies an element across recompiles of the same page.
type StableID string

// IDAttr is the attribute carrying an element's StableID in rendered HTML.
const IDAttr = "data-qid"

// NodeType is the kind of a tree node.
type NodeType uint8

const (
	ElementNode NodeType = iota
	TextNode
	// RawNode content is emitted without escaping.
	RawNode
)

// Attr is one element attribute. Namespace is set for foreign attributes
// such as xlink:href.
type Attr struct {
	Namespace string
	Key       string
	Val       string
}

// Name returns the qualified attribute name used on the wire.
func (a Attr) Name() string {
	if a.Namespace == "" {
		return a.Key
	}
	return a.Namespace + ":" + a.Key
}

// Node is an element, text or raw leaf.
type Node struct {
	Type      NodeType
	Tag       string
	Namespace string
	ID        StableID
	Attrs     []Attr
	Data      string
	Children  []*Node
}

// Tree is a rendered page rooted at its html element.
type Tree struct {
	Root *Node
}

// Element creates an element node with attributes given as key/value pairs.
func Element(tag string, attrs ...string) *Node {
	n := &Node{Type: ElementNode, Tag: tag}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attrs = append(n.Attrs, Attr{Key: attrs[i], Val: attrs[i+1]})
	}
	return n
}

// Text creates a text node.
func Text(s string) *Node {
	return &Node{Type: TextNode, Data: s}
}

// Append adds children and returns n.
func (n *Node) Append(children ...*Node) *Node {
	n.Children = append(n.Children, children...)
	return n
}

// Attr returns the value of the attribute with the given qualified name.
func (n *Node) Attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name() == name {
			return a.Val, true
		}
	}
	return "", false
}

// SetAttr sets or, with a nil value, removes an attribute.
func (n *Node) SetAttr(name string, val *string) {
	for i, a := range n.Attrs {
		if a.Name() != name {
			continue
		}
		if val == nil {
			n.Attrs = append(n.Attrs[:i], n.Attrs[i+1:]...)
		} else {
			n.Attrs[i].Val = *val
		}
		return
	}
	if val == nil {
		return
	}
	attr := Attr{Key: name, Val: *val}
	if ns, key, ok := strings.Cut(name, ":"); ok && (ns == "xlink" || ns == "xml" || ns == "xmlns") {
		attr = Attr{Namespace: ns, Key: key, Val: *val}
	}
	n.Attrs = append(n.Attrs, attr)
}

// IsStylesheet reports whether n is a <link rel="stylesheet">.
func (n *Node) IsStylesheet() bool {
	if n.Type != ElementNode || n.Tag != "link" {
		return false
	}
	rel, _ := n.Attr("rel")
	for _, token := range strings.Fields(strings.ToLower(rel)) {
		if token == "stylesheet" {
			return true
		}
	}
	return false
}

// TextContent concatenates all text below n.
func (n *Node) TextContent() string {
	var sb strings.Builder
	n.Walk(func(c *Node) bool {
		if c.Type != ElementNode {
			sb.WriteString(c.Data)
		}
		return true
	})
	return sb.String()
}

// Walk visits n and its descendants in document order. Returning false
// from fn skips the children of the visited node.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Attrs != nil {
		c.Attrs = append([]Attr(nil), n.Attrs...)
	}
	if n.Children != nil {
		c.Children = make([]*Node, len(n.Children))
		for i, child := range n.Children {
			c.Children[i] = child.Clone()
		}
	}
	return &c
}

// Clone returns a deep copy of the tree.
func (t *Tree) Clone() *Tree {
	if t == nil {
		return nil
	}
	return &Tree{Root: t.Root.Clone()}
}

// Find returns the element with the given id.
func (t *Tree) Find(id StableID) *Node {
	if t == nil || t.Root == nil {
		return nil
	}
	var found *Node
	t.Root.Walk(func(n *Node) bool {
		if found != nil {
			return false
		}
		if n.Type == ElementNode && n.ID == id {
			found = n
			return false
		}
		return true
	})
	return found
}

// Head returns the head element of the tree, if any.
func (t *Tree) Head() *Node {
	return t.child("head")
}

// Body returns the body element of the tree, if any.
func (t *Tree) Body() *Node {
	return t.child("body")
}

func (t *Tree) child(tag string) *Node {
	if t == nil || t.Root == nil {
		return nil
	}
	for _, c := range t.Root.Children {
		if c.Type == ElementNode && c.Tag == tag {
			return c
		}
	}
	return nil
}

// Equal reports whether a and b are structurally equivalent: same ids,
// tags, attribute sets and children. Attribute order is ignored.
func Equal(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type != b.Type || a.Tag != b.Tag || a.ID != b.ID || a.Data != b.Data {
		return false
	}
	if a.Type == ElementNode && a.Namespace != b.Namespace {
		return false
	}
	if len(a.Attrs) != len(b.Attrs) || len(a.Children) != len(b.Children) {
		return false
	}
	for _, attr := range a.Attrs {
		if v, ok := b.Attr(attr.Name()); !ok || v != attr.Val {
			return false
		}
	}
	for i := range a.Children {
		if !Equal(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}
