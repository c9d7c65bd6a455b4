// Package document is the reference page compiler. A page source is an
// HTML fragment with optional YAML front matter. Layouts and partials live
// in the templates directory and are pulled in with <quire-content> and
// <quire-include src="...">; <quire-pages>, <quire-backlinks>, <quire-nav>
// and <quire-toc> expand to cross-page data from the compile context.
package document

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"

	qerrors "github.com/conneroisu/quire/internal/errors"
	"github.com/conneroisu/quire/internal/logging"
	"github.com/conneroisu/quire/internal/registry"
	"github.com/conneroisu/quire/internal/vdom"
)

// DefaultLayout is used by pages that do not name a layout, when present.
const DefaultLayout = "default.html"

const maxIncludeDepth = 32

var (
	includeRe = regexp.MustCompile(`<quire-include\s+src="([^"]*)"\s*/?>(?:\s*</quire-include>)?`)
	contentRe = regexp.MustCompile(`<quire-content\s*/?>(?:\s*</quire-content>)?`)
	titleRe   = regexp.MustCompile(`<quire-title\s*/?>(?:\s*</quire-title>)?`)
)

// Options configures a Compiler. Paths are slash-separated and relative to
// the root of FS.
type Options struct {
	FS           fs.FS
	ContentDir   string
	TemplatesDir string
	Schema       *MetaSchema
	Logger       logging.Logger
}

// Compiler turns page sources into render trees.
type Compiler struct {
	fsys      fs.FS
	content   string
	templates string
	schema    *MetaSchema
	logger    logging.Logger
}

// New creates a compiler.
func New(opts Options) *Compiler {
	if opts.Logger == nil {
		opts.Logger = logging.NewDiscard()
	}

	return &Compiler{
		fsys:      opts.FS,
		content:   cleanDir(opts.ContentDir),
		templates: cleanDir(opts.TemplatesDir),
		schema:    opts.Schema,
		logger:    opts.Logger.WithComponent("document"),
	}
}

func cleanDir(dir string) string {
	dir = path.Clean(strings.TrimPrefix(dir, "./"))
	if dir == "" {
		return "."
	}

	return dir
}

// ScanResult is what a scan learns about one source.
type ScanResult struct {
	Facts registry.Facts
	// Imports are the shared files the page was assembled from, including
	// ones that were missing.
	Imports []string
}

// Scan reads source and derives its page facts. Imports are reported
// even when the scan fails so that fixing a missing file triggers a
// recompile.
func (c *Compiler) Scan(ctx context.Context, source string) (*ScanResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	asm, err := c.assemble(source)
	if asm == nil {
		return nil, err
	}

	res := &ScanResult{Imports: asm.imports.list()}
	if err != nil {
		return res, err
	}

	permalink := asm.meta.Permalink
	if permalink == "" {
		permalink = PermalinkFor(c.relToContent(source))
	}

	res.Facts = registry.Facts{
		Source:      source,
		Permalink:   registry.NormalizePermalink(permalink),
		Meta:        asm.meta,
		Headings:    asm.headings,
		Links:       asm.links,
		UsesListing: asm.usesListing,
	}

	return res, nil
}

// Compile renders source with the cross-page data in pctx.
func (c *Compiler) Compile(ctx context.Context, source string, pctx registry.PageContext) (*vdom.Tree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	asm, err := c.assemble(source)
	if err != nil {
		return nil, err
	}

	expandPlaceholders(asm.doc, pctx, asm.headings)

	tree, err := vdom.FromHTML(asm.doc)
	if err != nil {
		return nil, qerrors.WrapCompile(err, qerrors.ErrCodeCompileFailed, "cannot build page tree", source)
	}

	return tree, nil
}

// IsContent reports whether p lies in the content directory.
func (c *Compiler) IsContent(p string) bool {
	return c.content == "." || strings.HasPrefix(p, c.content+"/")
}

func (c *Compiler) relToContent(source string) string {
	if c.content == "." {
		return source
	}

	return strings.TrimPrefix(source, c.content+"/")
}

type importSet map[string]struct{}

func (s importSet) add(p string) { s[p] = struct{}{} }

func (s importSet) list() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)

	return out
}

type assembly struct {
	meta        registry.Meta
	doc         *html.Node
	imports     importSet
	headings    []registry.Heading
	links       []string
	usesListing bool
}

// assemble reads source, applies its layout and includes, and parses the
// result. The returned assembly is nil only when source itself is
// unreadable.
func (c *Compiler) assemble(source string) (*assembly, error) {
	src, err := fs.ReadFile(c.fsys, source)
	if err != nil {
		return nil, qerrors.WrapCompile(err, qerrors.ErrCodeFileNotFound, "cannot read page source", source)
	}

	asm := &assembly{imports: importSet{}}

	front, body, _, ok := splitFrontMatter(src)
	if !ok {
		return asm, qerrors.NewCompileError(qerrors.ErrCodeFrontMatter,
			"front matter is not closed with ---", nil).WithLocation(source, 1, 1)
	}

	meta, raw, err := parseMeta(source, front)
	if err != nil {
		return asm, err
	}
	if err := c.schema.Validate(source, raw); err != nil {
		return asm, err
	}
	asm.meta = meta

	// Keep collecting imports after the first failure so every file the
	// page would read is watched.
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	content, err := c.expandIncludes(source, string(body), []string{source}, asm.imports)
	record(err)

	document := content
	if layout, explicit := c.layoutFor(meta); layout != "" {
		asm.imports.add(layout)
		text, err := fs.ReadFile(c.fsys, layout)
		switch {
		case err == nil:
			expanded, err := c.expandIncludes(source, string(text), []string{source, layout}, asm.imports)
			record(err)
			document = contentRe.ReplaceAllLiteralString(expanded, content)
		case explicit:
			record(qerrors.NewDependencyError(qerrors.ErrCodeMissingDependency,
				fmt.Sprintf("layout %s not found", layout), err).WithLocation(source, 0, 0))
		}
	}

	if firstErr != nil {
		return asm, firstErr
	}

	title := meta.Title
	document = titleRe.ReplaceAllLiteralString(document, html.EscapeString(title))

	doc, err := html.Parse(strings.NewReader(document))
	if err != nil {
		return asm, qerrors.WrapCompile(err, qerrors.ErrCodeCompileFailed, "cannot parse page HTML", source)
	}
	asm.doc = doc
	asm.headings = assignHeadingIDs(doc)
	asm.links = outgoingLinks(doc)
	asm.usesListing = findElement(doc, "quire-pages") != nil

	return asm, nil
}

// layoutFor returns the layout path for meta and whether it was named
// explicitly.
func (c *Compiler) layoutFor(meta registry.Meta) (string, bool) {
	if meta.Layout == "" {
		return path.Join(c.templates, DefaultLayout), false
	}

	name := meta.Layout
	if path.Ext(name) == "" {
		name += ".html"
	}

	return path.Join(c.templates, name), true
}

// resolveInclude maps an include src to a path in the FS. Absolute srcs
// are relative to the project root, the rest to the templates directory.
func (c *Compiler) resolveInclude(src string) (string, bool) {
	var p string
	if strings.HasPrefix(src, "/") {
		p = path.Clean(strings.TrimPrefix(src, "/"))
	} else {
		p = path.Join(c.templates, src)
	}

	return p, fs.ValidPath(p) && p != "."
}

func (c *Compiler) expandIncludes(source, text string, stack []string, imports importSet) (string, error) {
	if len(stack) > maxIncludeDepth {
		return "", qerrors.NewDependencyError(qerrors.ErrCodeDependencyCycle,
			"includes nested too deeply: "+strings.Join(stack, " -> "), nil).WithLocation(source, 0, 0)
	}

	var firstErr error
	out := includeRe.ReplaceAllStringFunc(text, func(tag string) string {
		src := includeRe.FindStringSubmatch(tag)[1]
		inc, ok := c.resolveInclude(src)
		if !ok {
			if firstErr == nil {
				firstErr = qerrors.NewCompileError(qerrors.ErrCodeCompileFailed,
					fmt.Sprintf("include %q escapes the project", src), nil).WithLocation(source, 0, 0)
			}

			return ""
		}
		imports.add(inc)

		for _, seen := range stack {
			if seen == inc {
				if firstErr == nil {
					firstErr = qerrors.NewDependencyError(qerrors.ErrCodeDependencyCycle,
						"include cycle: "+strings.Join(append(stack, inc), " -> "), nil).
						WithLocation(source, 0, 0)
				}

				return ""
			}
		}

		data, err := fs.ReadFile(c.fsys, inc)
		if err != nil {
			if firstErr == nil {
				code := qerrors.ErrCodeMissingDependency
				if !errors.Is(err, fs.ErrNotExist) {
					code = qerrors.ErrCodeFileNotFound
				}
				firstErr = qerrors.NewDependencyError(code,
					fmt.Sprintf("%s includes %s, which cannot be read", stack[len(stack)-1], inc), err).
					WithLocation(source, 0, 0)
			}

			return ""
		}

		expanded, err := c.expandIncludes(source, string(data), append(stack[:len(stack):len(stack)], inc), imports)
		if err != nil && firstErr == nil {
			firstErr = err
		}

		return expanded
	})

	return out, firstErr
}
