package registry

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	qerrors "github.com/conneroisu/quire/internal/errors"
	"github.com/conneroisu/quire/internal/vdom"
)

// Mode is the phase a registry is in.
type Mode int

const (
	// ModeCompile serves committed cross-page data to compiles.
	ModeCompile Mode = iota
	// ModeScan accepts page facts; global data is not yet consistent.
	ModeScan
)

// String returns the string representation of the mode
func (m Mode) String() string {
	if m == ModeScan {
		return "scan"
	}
	return "compile"
}

// Outcome describes what a registration did.
type Outcome struct {
	Added    bool
	Excluded bool
	// Renamed holds the permalink the source was registered under before,
	// when it changed.
	Renamed string
	// Removed holds the permalink an excluded source was registered under.
	Removed string
}

// CommitResult lists the sources whose rendering depends on data that
// changed in the round just committed.
type CommitResult struct {
	ListingChanged   bool
	ListingUsers     []string
	BacklinksChanged []string
}

// Registry holds the pages of a site. Scan-mode writes go to the page
// table; compiles only read the data frozen by the last Commit.
type Registry struct {
	mode    Mode
	drafts  bool
	pages   map[string]*Page
	sources map[string]string
	renamed map[string]string
	trees   map[string]*vdom.Tree

	links       *LinkGraph
	backlinks   map[string][]string
	listing     []PageInfo
	listingHash uint64

	mutex sync.RWMutex
}

// New creates an empty registry. With drafts set, draft pages are
// registered and compiled; they never appear in the listing.
func New(drafts bool) *Registry {
	return &Registry{
		mode:      ModeCompile,
		drafts:    drafts,
		pages:     make(map[string]*Page),
		sources:   make(map[string]string),
		renamed:   make(map[string]string),
		trees:     make(map[string]*vdom.Tree),
		links:     BuildLinkGraph(nil),
		backlinks: make(map[string][]string),
	}
}

// Mode returns the current phase.
func (r *Registry) Mode() Mode {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.mode
}

// BeginScan opens a scan round.
func (r *Registry) BeginScan() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.mode = ModeScan
}

// Register records the facts of one source. Drafts are excluded unless
// enabled. A permalink already owned by another source is rejected.
func (r *Registry) Register(facts Facts) (Outcome, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.mode != ModeScan {
		return Outcome{}, qerrors.NewInternalError(qerrors.ErrCodeInternalError,
			"registry is not in scan mode", nil).WithComponent("registry")
	}

	facts.Permalink = NormalizePermalink(facts.Permalink)
	for i, link := range facts.Links {
		facts.Links[i] = NormalizePermalink(link)
	}

	if facts.Meta.Draft && !r.drafts {
		removed, _ := r.removeLocked(facts.Source)
		return Outcome{Excluded: true, Removed: removed}, nil
	}

	if owner, ok := r.pages[facts.Permalink]; ok && owner.Source != facts.Source {
		return Outcome{}, qerrors.NewCompileError(qerrors.ErrCodePermalinkConflict,
			fmt.Sprintf("permalink %s is already used by %s", facts.Permalink, owner.Source), nil).
			WithLocation(facts.Source, 0, 0)
	}

	var outcome Outcome
	old, known := r.sources[facts.Source]
	switch {
	case !known:
		outcome.Added = true
	case old != facts.Permalink:
		outcome.Renamed = old
		if _, pending := r.renamed[facts.Source]; !pending {
			r.renamed[facts.Source] = old
		}
		if tree, ok := r.trees[old]; ok {
			r.trees[facts.Permalink] = tree
			delete(r.trees, old)
		}
		delete(r.pages, old)
	}

	page := &Page{Facts: facts}
	if prev, ok := r.pages[facts.Permalink]; ok {
		page.Backlinks = prev.Backlinks
	}
	r.pages[facts.Permalink] = page
	r.sources[facts.Source] = facts.Permalink
	return outcome, nil
}

// Remove drops the page built from source and returns its permalink.
func (r *Registry) Remove(source string) (string, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.removeLocked(source)
}

func (r *Registry) removeLocked(source string) (string, bool) {
	permalink, ok := r.sources[source]
	if !ok {
		return "", false
	}
	delete(r.sources, source)
	delete(r.pages, permalink)
	delete(r.trees, permalink)
	delete(r.renamed, source)
	return permalink, true
}

// Commit closes the scan round: the link graph, backlinks and listing are
// rebuilt from the registered facts and become visible to compiles.
func (r *Registry) Commit() CommitResult {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	outgoing := make(map[string][]string, len(r.pages))
	for permalink, page := range r.pages {
		outgoing[permalink] = page.Links
	}
	r.links = BuildLinkGraph(outgoing)

	var result CommitResult
	backlinks := make(map[string][]string, len(r.pages))
	for permalink, page := range r.pages {
		linked := r.links.LinkedBy(permalink)
		backlinks[permalink] = linked
		if !equalStrings(linked, r.backlinks[permalink]) {
			result.BacklinksChanged = append(result.BacklinksChanged, page.Source)
		}
		page.Backlinks = linked
	}
	r.backlinks = backlinks

	r.listing = r.listingLocked()
	hash := listingHash(r.listing)
	result.ListingChanged = hash != r.listingHash
	r.listingHash = hash

	for _, page := range r.pages {
		if page.UsesListing {
			result.ListingUsers = append(result.ListingUsers, page.Source)
		}
	}

	sort.Strings(result.BacklinksChanged)
	sort.Strings(result.ListingUsers)
	r.mode = ModeCompile
	return result
}

func (r *Registry) listingLocked() []PageInfo {
	listing := make([]PageInfo, 0, len(r.pages))
	for _, page := range r.pages {
		if page.Meta.Draft {
			continue
		}
		listing = append(listing, page.info())
	}
	sort.Slice(listing, func(i, j int) bool {
		if !listing[i].Date.Equal(listing[j].Date) {
			return listing[i].Date.After(listing[j].Date)
		}
		return listing[i].Permalink < listing[j].Permalink
	})
	return listing
}

func listingHash(listing []PageInfo) uint64 {
	h := fnv.New64a()
	for _, p := range listing {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%d\x00%s\n",
			p.Permalink, p.Title, p.Summary, strings.Join(p.Tags, ","), p.Date.Unix(), p.Source)
	}
	return h.Sum64()
}

// Context builds the compile context of a page from committed data.
func (r *Registry) Context(permalink string) (PageContext, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	page, ok := r.pages[permalink]
	if !ok {
		return PageContext{}, qerrors.NewInternalError(qerrors.ErrCodeInternalError,
			"no page registered at "+permalink, nil).WithComponent("registry")
	}

	ctx := PageContext{
		Page:     page.info(),
		Meta:     page.Meta,
		Headings: page.Headings,
		Pages:    append([]PageInfo(nil), r.listing...),
	}

	for _, from := range r.backlinks[permalink] {
		if p, ok := r.pages[from]; ok {
			ctx.Backlinks = append(ctx.Backlinks, p.info())
		}
	}

	section := Section(permalink)
	var siblings []PageInfo
	for _, p := range r.listing {
		if Section(p.Permalink) == section {
			siblings = append(siblings, p)
		}
	}
	for i, p := range siblings {
		if p.Permalink != permalink {
			continue
		}
		if i > 0 {
			prev := siblings[i-1]
			ctx.Prev = &prev
		}
		if i+1 < len(siblings) {
			next := siblings[i+1]
			ctx.Next = &next
		}
	}

	return ctx, nil
}

// Lookup returns a copy of the page built from source.
func (r *Registry) Lookup(source string) (Page, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	permalink, ok := r.sources[source]
	if !ok {
		return Page{}, false
	}
	return *r.pages[permalink], true
}

// SourceFor returns the source registered under permalink.
func (r *Registry) SourceFor(permalink string) (string, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	page, ok := r.pages[permalink]
	if !ok {
		return "", false
	}
	return page.Source, true
}

// Resolve maps a request path to the permalink serving it, following
// aliases.
func (r *Registry) Resolve(requestPath string) (string, bool) {
	permalink := NormalizePermalink(requestPath)

	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if _, ok := r.pages[permalink]; ok {
		return permalink, true
	}
	for p, page := range r.pages {
		for _, alias := range page.Meta.Aliases {
			if NormalizePermalink(alias) == permalink {
				return p, true
			}
		}
	}
	return "", false
}

// TakeRename returns and forgets the permalink source had before its last
// rename.
func (r *Registry) TakeRename(source string) (string, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	old, ok := r.renamed[source]
	delete(r.renamed, source)
	return old, ok
}

// Tree returns the last tree rendered for permalink.
func (r *Registry) Tree(permalink string) *vdom.Tree {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.trees[permalink]
}

// SetTree records the tree last delivered for permalink.
func (r *Registry) SetTree(permalink string, tree *vdom.Tree) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.pages[permalink]; ok {
		r.trees[permalink] = tree
	}
}

// DropTree forgets the tree of permalink so that the next compile reloads.
func (r *Registry) DropTree(permalink string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.trees, permalink)
}

// Listing returns the committed page listing.
func (r *Registry) Listing() []PageInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return append([]PageInfo(nil), r.listing...)
}

// Sources returns every registered source, sorted.
func (r *Registry) Sources() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]string, 0, len(r.sources))
	for source := range r.sources {
		out = append(out, source)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of registered pages
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.pages)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
