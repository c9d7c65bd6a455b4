package site

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Class is what a changed path means to the build.
type Class int

const (
	ClassIgnored Class = iota
	ClassContent
	ClassDependency
	ClassConfig
	ClassOutput
)

// String returns the string representation of the class
func (c Class) String() string {
	switch c {
	case ClassContent:
		return "content"
	case ClassDependency:
		return "dependency"
	case ClassConfig:
		return "config"
	case ClassOutput:
		return "output"
	default:
		return "ignored"
	}
}

// Rules describe the layout of a site. Directories are relative to the site
// root; globs use doublestar syntax.
type Rules struct {
	ContentDir   string
	ContentGlob  string
	OutputDir    string
	Dependencies []string
	Ignore       []string
	// Config lists files whose change requires a full rebuild.
	Config []string
}

// Classifier maps root-relative paths to a Class.
type Classifier struct {
	content     string
	contentGlob string
	output      string
	deps        []string
	ignore      []string
	config      map[string]bool
}

// NewClassifier creates a classifier for rules.
func NewClassifier(rules Rules) *Classifier {
	c := &Classifier{
		content:     cleanRel(rules.ContentDir),
		contentGlob: rules.ContentGlob,
		output:      cleanRel(rules.OutputDir),
		deps:        rules.Dependencies,
		ignore:      rules.Ignore,
		config:      make(map[string]bool, len(rules.Config)),
	}
	if c.contentGlob == "" {
		c.contentGlob = "**/*.html"
	}
	for _, f := range rules.Config {
		if f != "" {
			c.config[cleanRel(f)] = true
		}
	}

	return c
}

func cleanRel(p string) string {
	p = path.Clean(strings.TrimPrefix(p, "./"))
	if p == "" {
		return "."
	}

	return p
}

func under(p, dir string) bool {
	return dir == "." || p == dir || strings.HasPrefix(p, dir+"/")
}

// Classify returns the class of rel, a slash-separated path relative to
// the site root.
func (c *Classifier) Classify(rel string) Class {
	rel = cleanRel(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return ClassIgnored
	}

	if c.config[rel] {
		return ClassConfig
	}
	if c.output != "." && under(rel, c.output) {
		return ClassOutput
	}
	for _, pattern := range c.ignore {
		if match(pattern, rel) {
			return ClassIgnored
		}
	}
	if c.IsContent(rel) {
		return ClassContent
	}
	for _, pattern := range c.deps {
		if match(pattern, rel) {
			return ClassDependency
		}
	}

	return ClassIgnored
}

// IsContent reports whether rel is a page source.
func (c *Classifier) IsContent(rel string) bool {
	if !under(rel, c.content) || rel == c.content {
		return false
	}
	inner := rel
	if c.content != "." {
		inner = strings.TrimPrefix(rel, c.content+"/")
	}

	return match(c.contentGlob, inner)
}

// ContentPattern returns the glob matching every page source from the root.
func (c *Classifier) ContentPattern() string {
	if c.content == "." {
		return c.contentGlob
	}

	return c.content + "/" + c.contentGlob
}

func match(pattern, rel string) bool {
	ok, err := doublestar.Match(pattern, rel)
	if ok && err == nil {
		return true
	}
	ok, err = doublestar.Match(strings.TrimSuffix(pattern, "/")+"/**", rel)
	return ok && err == nil
}
