package vdom

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Whitespace-only text between block level nodes carries no meaning and
// is dropped so that source formatting does not show up as tree changes.
var phrasing = map[string]bool{
	"a": true, "abbr": true, "audio": true, "b": true, "bdi": true,
	"bdo": true, "br": true, "button": true, "canvas": true, "cite": true,
	"code": true, "data": true, "del": true, "dfn": true, "em": true,
	"embed": true, "i": true, "iframe": true, "img": true, "input": true,
	"ins": true, "kbd": true, "label": true, "mark": true, "math": true,
	"meter": true, "object": true, "output": true, "picture": true,
	"progress": true, "q": true, "ruby": true, "s": true, "samp": true,
	"select": true, "small": true, "span": true, "strong": true,
	"sub": true, "sup": true, "svg": true, "textarea": true, "time": true,
	"u": true, "var": true, "video": true, "wbr": true,
}

var preformatted = map[string]bool{
	"pre": true, "textarea": true, "script": true, "style": true,
	"listing": true, "plaintext": true, "xmp": true,
}

// Parse reads a complete HTML document. Element ids are taken from the
// data-qid attribute when present; call Index to assign fresh ones.
func Parse(r io.Reader) (*Tree, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return FromHTML(doc)
}

// ParseString is Parse for in-memory documents.
func ParseString(s string) (*Tree, error) {
	return Parse(strings.NewReader(s))
}

// FromHTML converts a parsed x/net/html document or html element.
func FromHTML(doc *html.Node) (*Tree, error) {
	root := doc
	if doc.Type == html.DocumentNode {
		root = nil
		for c := doc.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.DataAtom == atom.Html {
				root = c
				break
			}
		}
	}
	if root == nil || root.Type != html.ElementNode {
		return nil, fmt.Errorf("document has no html element")
	}
	return &Tree{Root: convert(root, false)}, nil
}

// ParseFragment parses HTML as the content of context, the way a browser
// assigns innerHTML.
func ParseFragment(s string, context *Node) ([]*Node, error) {
	ctx := &html.Node{
		Type:      html.ElementNode,
		Data:      context.Tag,
		DataAtom:  atom.Lookup([]byte(context.Tag)),
		Namespace: context.Namespace,
	}
	nodes, err := html.ParseFragment(strings.NewReader(s), ctx)
	if err != nil {
		return nil, fmt.Errorf("parse fragment: %w", err)
	}

	preserve := preformatted[context.Tag]
	block := !phrasing[context.Tag]
	var out []*Node
	for i, n := range nodes {
		var prev, next *html.Node
		if i > 0 {
			prev = nodes[i-1]
		}
		if i+1 < len(nodes) {
			next = nodes[i+1]
		}
		if c := convertChild(n, prev, next, block, preserve); c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func convert(n *html.Node, preserve bool) *Node {
	out := &Node{
		Type:      ElementNode,
		Tag:       n.Data,
		Namespace: n.Namespace,
	}
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == IDAttr {
			out.ID = StableID(a.Val)
			continue
		}
		out.Attrs = append(out.Attrs, Attr{Namespace: a.Namespace, Key: a.Key, Val: a.Val})
	}

	preserve = preserve || preformatted[n.Data]
	block := !phrasing[n.Data]
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if child := convertChild(c, c.PrevSibling, c.NextSibling, block, preserve); child != nil {
			out.Children = append(out.Children, child)
		}
	}
	return out
}

func convertChild(c, prev, next *html.Node, blockParent, preserve bool) *Node {
	switch c.Type {
	case html.ElementNode:
		return convert(c, preserve)
	case html.TextNode:
		if !preserve && strings.TrimSpace(c.Data) == "" &&
			blockParent && isBlockSibling(prev) && isBlockSibling(next) {
			return nil
		}
		return &Node{Type: TextNode, Data: c.Data}
	case html.RawNode:
		return &Node{Type: RawNode, Data: c.Data}
	default:
		// Comments and doctypes are not part of the tree.
		return nil
	}
}

// isBlockSibling treats a missing sibling, a comment and a block element
// as whitespace boundaries.
func isBlockSibling(n *html.Node) bool {
	if n == nil || n.Type == html.CommentNode {
		return true
	}
	return n.Type == html.ElementNode && !phrasing[n.Data]
}
