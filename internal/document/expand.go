package document

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/conneroisu/quire/internal/registry"
)

var headingLevels = map[atom.Atom]int{
	atom.H1: 1, atom.H2: 2, atom.H3: 3, atom.H4: 4, atom.H5: 5, atom.H6: 6,
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func findElement(n *html.Node, tag string) *html.Node {
	var found *html.Node
	walk(n, func(c *html.Node) {
		if found == nil && c.Type == html.ElementNode && c.Data == tag {
			found = c
		}
	})

	return found
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}

	return "", false
}

func textOf(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	})

	return strings.Join(strings.Fields(b.String()), " ")
}

// assignHeadingIDs gives every heading without an id a unique slug id and
// returns the headings in document order.
func assignHeadingIDs(doc *html.Node) []registry.Heading {
	used := map[string]int{}
	walk(doc, func(n *html.Node) {
		if n.Type == html.ElementNode {
			if id, ok := attr(n, "id"); ok {
				used[id]++
			}
		}
	})

	var headings []registry.Heading
	walk(doc, func(n *html.Node) {
		level, ok := headingLevels[n.DataAtom]
		if !ok || n.Type != html.ElementNode {
			return
		}

		text := textOf(n)
		id, ok := attr(n, "id")
		if !ok {
			base := Slugify(text)
			if base == "" {
				base = "section"
			}
			id = base
			for i := 1; used[id] > 0; i++ {
				id = fmt.Sprintf("%s-%d", base, i)
			}
			used[id]++
			n.Attr = append(n.Attr, html.Attribute{Key: "id", Val: id})
		}

		headings = append(headings, registry.Heading{Level: level, ID: id, Text: text})
	})

	return headings
}

// outgoingLinks returns the site-internal targets of anchors, deduplicated
// and in document order.
func outgoingLinks(doc *html.Node) []string {
	seen := map[string]bool{}
	var links []string
	walk(doc, func(n *html.Node) {
		if n.Type != html.ElementNode || n.DataAtom != atom.A {
			return
		}
		href, ok := attr(n, "href")
		if !ok || !strings.HasPrefix(href, "/") || strings.HasPrefix(href, "//") {
			return
		}
		target := registry.NormalizePermalink(href)
		if !seen[target] {
			seen[target] = true
			links = append(links, target)
		}
	})

	return links
}

func element(tag string, attrs ...string) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: attrs[i], Val: attrs[i+1]})
	}

	return n
}

func text(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

func appendAll(parent *html.Node, children ...*html.Node) *html.Node {
	for _, c := range children {
		parent.AppendChild(c)
	}

	return parent
}

func link(p registry.PageInfo, attrs ...string) *html.Node {
	return appendAll(element("a", append([]string{"href", p.Permalink}, attrs...)...), text(p.Title))
}

// expandPlaceholders replaces the cross-page placeholder elements of doc
// with markup built from pctx.
func expandPlaceholders(doc *html.Node, pctx registry.PageContext, headings []registry.Heading) {
	var placeholders []*html.Node
	walk(doc, func(n *html.Node) {
		if n.Type == html.ElementNode && strings.HasPrefix(n.Data, "quire-") {
			placeholders = append(placeholders, n)
		}
	})

	for _, n := range placeholders {
		var repl *html.Node
		switch n.Data {
		case "quire-pages":
			repl = pageList(n, pctx.Pages)
		case "quire-backlinks":
			repl = backlinkList(pctx.Backlinks)
		case "quire-nav":
			repl = siblingNav(pctx.Prev, pctx.Next)
		case "quire-toc":
			repl = tableOfContents(headings)
		}

		if n.Parent == nil {
			continue
		}
		if repl != nil {
			n.Parent.InsertBefore(repl, n)
		}
		// <quire-pages/> is not void in HTML, so whatever followed it was
		// parsed as its children.
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			n.RemoveChild(c)
			n.Parent.InsertBefore(c, n)
			c = next
		}
		n.Parent.RemoveChild(n)
	}
}

func pageList(n *html.Node, pages []registry.PageInfo) *html.Node {
	limit := -1
	if v, ok := attr(n, "limit"); ok {
		if l, err := strconv.Atoi(v); err == nil && l >= 0 {
			limit = l
		}
	}
	section, _ := attr(n, "section")
	tag, _ := attr(n, "tag")

	ul := element("ul", "class", "quire-pages")
	count := 0
	for _, p := range pages {
		if limit >= 0 && count >= limit {
			break
		}
		if section != "" && !strings.HasPrefix(p.Permalink, registry.NormalizePermalink(section)) {
			continue
		}
		if tag != "" && !hasTag(p.Tags, tag) {
			continue
		}

		li := appendAll(element("li", "data-key", p.Permalink), link(p))
		if !p.Date.IsZero() {
			appendAll(li, text(" "), appendAll(
				element("time", "datetime", p.Date.Format("2006-01-02")),
				text(p.Date.Format("Jan 2, 2006"))))
		}
		ul.AppendChild(li)
		count++
	}

	return ul
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}

	return false
}

func backlinkList(backlinks []registry.PageInfo) *html.Node {
	ul := element("ul", "class", "quire-backlinks")
	for _, p := range backlinks {
		ul.AppendChild(appendAll(element("li", "data-key", p.Permalink), link(p)))
	}

	return ul
}

func siblingNav(prev, next *registry.PageInfo) *html.Node {
	nav := element("nav", "class", "quire-nav")
	if prev != nil {
		nav.AppendChild(link(*prev, "rel", "prev", "data-key", "prev"))
	}
	if next != nil {
		nav.AppendChild(link(*next, "rel", "next", "data-key", "next"))
	}

	return nav
}

func tableOfContents(headings []registry.Heading) *html.Node {
	ol := element("ol", "class", "quire-toc")
	for _, h := range headings {
		ol.AppendChild(appendAll(
			element("li", "data-key", h.ID, "class", fmt.Sprintf("level-%d", h.Level)),
			appendAll(element("a", "href", "#"+h.ID), text(h.Text))))
	}

	return ol
}
