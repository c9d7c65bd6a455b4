// Package registry holds the pages of a site across the scan and compile
// phases of a build round, together with the link graph derived from them
// and the last tree rendered for each page.
package registry

import (
	"path"
	"strings"
	"time"
)

// Meta is the front matter of a page.
type Meta struct {
	Title     string                 `yaml:"title" json:"title"`
	Summary   string                 `yaml:"summary" json:"summary,omitempty"`
	Date      string                 `yaml:"date" json:"date,omitempty"`
	Updated   string                 `yaml:"updated" json:"updated,omitempty"`
	Author    string                 `yaml:"author" json:"author,omitempty"`
	Draft     bool                   `yaml:"draft" json:"draft,omitempty"`
	Tags      []string               `yaml:"tags" json:"tags,omitempty"`
	Permalink string                 `yaml:"permalink" json:"permalink,omitempty"`
	Aliases   []string               `yaml:"aliases" json:"aliases,omitempty"`
	Layout    string                 `yaml:"layout" json:"layout,omitempty"`
	Extra     map[string]interface{} `yaml:",inline" json:"extra,omitempty"`
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseDate accepts RFC 3339 and plain dates. The zero time is returned
// for empty or unparseable input.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Heading is one section heading of a page.
type Heading struct {
	Level int    `json:"level"`
	ID    string `json:"id"`
	Text  string `json:"text"`
}

// Facts are what a scan derives from a single source without looking at
// any other page.
type Facts struct {
	Source      string
	Permalink   string
	Meta        Meta
	Headings    []Heading
	Links       []string
	UsesListing bool
}

// Page is a registered page.
type Page struct {
	Facts
	Backlinks []string
}

// PageInfo is the summary of a page shown in listings and link data.
type PageInfo struct {
	Permalink string    `json:"permalink"`
	Source    string    `json:"source"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary,omitempty"`
	Date      time.Time `json:"date"`
	Tags      []string  `json:"tags,omitempty"`
	Draft     bool      `json:"draft,omitempty"`
}

func (p *Page) info() PageInfo {
	date, _ := ParseDate(p.Meta.Date)
	title := p.Meta.Title
	if title == "" {
		title = p.Permalink
	}
	return PageInfo{
		Permalink: p.Permalink,
		Source:    p.Source,
		Title:     title,
		Summary:   p.Meta.Summary,
		Date:      date,
		Tags:      p.Meta.Tags,
		Draft:     p.Meta.Draft,
	}
}

// PageContext is what the document compiler sees when rendering a page.
// Pages, Backlinks, Prev and Next come from the last committed round.
type PageContext struct {
	Page      PageInfo
	Meta      Meta
	Headings  []Heading
	Pages     []PageInfo
	Backlinks []PageInfo
	Prev      *PageInfo
	Next      *PageInfo
}

// NormalizePermalink turns a site path into canonical form: a leading
// slash, no query or fragment, and a trailing slash unless the last
// segment has an extension.
func NormalizePermalink(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	p = path.Clean("/" + strings.TrimSpace(p))
	if p == "/" {
		return p
	}
	if path.Ext(p) == "" {
		p += "/"
	}
	return p
}

// Section returns the parent path of a permalink.
func Section(permalink string) string {
	trimmed := strings.TrimSuffix(permalink, "/")
	dir := path.Dir(trimmed)
	if dir == "/" || dir == "." {
		return "/"
	}
	return dir + "/"
}
