package vdom

import (
	"bytes"
	"io"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Render writes the tree as a complete HTML document.
func Render(w io.Writer, t *Tree) error {
	if _, err := io.WriteString(w, "<!DOCTYPE html>"); err != nil {
		return err
	}
	return html.Render(w, toHTML(t.Root))
}

// RenderString renders the tree to a string.
func RenderString(t *Tree) string {
	var buf bytes.Buffer
	_ = Render(&buf, t)
	return buf.String()
}

// OuterHTML renders n including its own tag.
func OuterHTML(n *Node) string {
	var buf bytes.Buffer
	_ = html.Render(&buf, toHTML(n))
	return buf.String()
}

// InnerHTML renders the children of n.
func InnerHTML(n *Node) string {
	var buf bytes.Buffer
	parent := toHTML(n)
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&buf, c)
	}
	return buf.String()
}

func toHTML(n *Node) *html.Node {
	switch n.Type {
	case TextNode:
		return &html.Node{Type: html.TextNode, Data: n.Data}
	case RawNode:
		return &html.Node{Type: html.RawNode, Data: n.Data}
	}

	out := &html.Node{
		Type:      html.ElementNode,
		Data:      n.Tag,
		Namespace: n.Namespace,
	}
	if n.Namespace == "" {
		out.DataAtom = atom.Lookup([]byte(n.Tag))
	}
	if n.ID != "" {
		out.Attr = append(out.Attr, html.Attribute{Key: IDAttr, Val: string(n.ID)})
	}
	for _, a := range n.Attrs {
		out.Attr = append(out.Attr, html.Attribute{Namespace: a.Namespace, Key: a.Key, Val: a.Val})
	}
	for _, c := range n.Children {
		out.AppendChild(toHTML(c))
	}
	return out
}
