// Package site drives incremental builds. It turns file changes into scan
// rounds on the page registry, fans affected pages out to the compile
// scheduler, diffs each new rendering against the last one delivered and
// hands the result to the live-update transport.
package site

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/quire/internal/depgraph"
	"github.com/conneroisu/quire/internal/document"
	qerrors "github.com/conneroisu/quire/internal/errors"
	"github.com/conneroisu/quire/internal/logging"
	"github.com/conneroisu/quire/internal/registry"
	"github.com/conneroisu/quire/internal/scheduler"
	"github.com/conneroisu/quire/internal/store"
	"github.com/conneroisu/quire/internal/vdom"
	"github.com/conneroisu/quire/internal/watcher"
	"github.com/conneroisu/quire/internal/websocket"
)

// Compiler is the document compiler the pipeline drives.
type Compiler interface {
	Scan(ctx context.Context, source string) (*document.ScanResult, error)
	Compile(ctx context.Context, source string, pctx registry.PageContext) (*vdom.Tree, error)
}

// Publisher delivers compile results to browsers.
type Publisher interface {
	SendPatch(permalink string, ops []vdom.PatchOp) int
	SendReload(permalink, reason string, change *websocket.URLChange) int
	SendError(path, diagnostic string) int
	ClearError(path string) bool
}

type nopPublisher struct{}

func (nopPublisher) SendPatch(string, []vdom.PatchOp) int { return 0 }

func (nopPublisher) SendReload(string, string, *websocket.URLChange) int { return 0 }

func (nopPublisher) SendError(string, string) int { return 0 }

func (nopPublisher) ClearError(string) bool { return false }

// Options configures a Site.
type Options struct {
	// Root is the site directory on disk. Watch events carry paths below
	// it.
	Root string
	// FS is the site as seen by discovery. Defaults to os.DirFS(Root).
	FS         fs.FS
	Compiler   Compiler
	Classifier *Classifier
	Store      *store.Store
	Workers    int
	Drafts     bool
	Diff       vdom.Options
	Logger     logging.Logger
}

// Site owns the build state of one site.
type Site struct {
	root       string
	fsys       fs.FS
	compiler   Compiler
	classifier *Classifier
	store      *store.Store
	workers    int
	diffOpts   vdom.Options
	logger     logging.Logger

	graph    *depgraph.Graph
	registry *registry.Registry
	sched    *scheduler.Scheduler
	diags    *qerrors.Diagnostics

	publisher Publisher

	// round serializes scan rounds.
	round sync.Mutex
	ready atomic.Bool

	pagesMu sync.RWMutex
	pages   map[string][]byte
}

// New creates a site. Call Attach before Start to receive live updates.
func New(opts Options) *Site {
	if opts.Logger == nil {
		opts.Logger = logging.NewDiscard()
	}
	if opts.FS == nil {
		opts.FS = os.DirFS(opts.Root)
	}
	if opts.Classifier == nil {
		opts.Classifier = NewClassifier(Rules{ContentDir: "content"})
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Diff == (vdom.Options{}) {
		opts.Diff = vdom.DefaultOptions()
	}

	s := &Site{
		root:       opts.Root,
		fsys:       opts.FS,
		compiler:   opts.Compiler,
		classifier: opts.Classifier,
		store:      opts.Store,
		workers:    opts.Workers,
		diffOpts:   opts.Diff,
		logger:     opts.Logger.WithComponent("site"),
		graph:      depgraph.New(),
		registry:   registry.New(opts.Drafts),
		diags:      qerrors.NewDiagnostics(),
		publisher:  nopPublisher{},
		pages:      make(map[string][]byte),
	}
	s.sched = scheduler.New(scheduler.Config{
		Workers:  opts.Workers,
		Exec:     s.compilePage,
		Resolver: s.registry.SourceFor,
		Logger:   opts.Logger,
	})

	return s
}

// Attach routes compile results to p.
func (s *Site) Attach(p Publisher) {
	if p == nil {
		p = nopPublisher{}
	}
	s.publisher = p
}

// Graph returns the dependency graph.
func (s *Site) Graph() *depgraph.Graph { return s.graph }

// Registry returns the page registry.
func (s *Site) Registry() *registry.Registry { return s.registry }

// Scheduler returns the compile scheduler.
func (s *Site) Scheduler() *scheduler.Scheduler { return s.sched }

// Diagnostics returns the per-source failures.
func (s *Site) Diagnostics() *qerrors.Diagnostics { return s.diags }

// Ready reports whether the last full build has completed.
func (s *Site) Ready() bool { return s.ready.Load() }

// Start restores persisted state and launches the compile workers.
func (s *Site) Start(ctx context.Context) error {
	if s.store != nil {
		if err := s.restore(); err != nil {
			s.logger.Warn(ctx, err, "ignoring saved state")
		}
	}

	return s.sched.Start(ctx)
}

// Stop waits for running compiles, then saves state.
func (s *Site) Stop(ctx context.Context) error {
	err := s.sched.Stop(ctx)
	s.persist(ctx)

	return err
}

func (s *Site) restore() error {
	entries, err := s.store.LoadGraph()
	if err != nil {
		return err
	}
	s.graph.Restore(entries)

	diags, err := s.store.LoadDiagnostics()
	if err != nil {
		return err
	}
	s.diags.Restore(diags)
	for _, d := range diags {
		s.publisher.SendError(d.Path, d.Message)
	}

	return nil
}

func (s *Site) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveGraph(s.graph.Snapshot()); err != nil {
		s.logger.Warn(ctx, err, "cannot save dependency graph")
	}
	if err := s.store.SaveDiagnostics(s.diags.Snapshot()); err != nil {
		s.logger.Warn(ctx, err, "cannot save diagnostics")
	}
}

// Page returns the HTML last rendered for permalink.
func (s *Site) Page(permalink string) ([]byte, bool) {
	s.pagesMu.RLock()
	defer s.pagesMu.RUnlock()

	html, ok := s.pages[permalink]
	return html, ok
}

// Resolve maps a request path to the permalink serving it.
func (s *Site) Resolve(requestPath string) (string, bool) {
	return s.registry.Resolve(requestPath)
}

// Failure returns the diagnostic of the page registered at permalink.
func (s *Site) Failure(permalink string) (qerrors.Entry, bool) {
	source, ok := s.registry.SourceFor(permalink)
	if !ok {
		return qerrors.Entry{}, false
	}

	return s.diags.Get(source)
}

// Failures returns every pending diagnostic.
func (s *Site) Failures() []qerrors.Entry {
	return s.diags.Snapshot()
}

// Discover lists the page sources below the content directory.
func (s *Site) Discover() ([]string, error) {
	matches, err := doublestar.Glob(s.fsys, s.classifier.ContentPattern(), doublestar.WithFilesOnly())
	if err != nil {
		return nil, qerrors.WrapIO(err, qerrors.ErrCodeFileNotFound, "cannot list content")
	}

	sources := matches[:0]
	for _, m := range matches {
		if s.classifier.Classify(m) == ClassContent {
			sources = append(sources, m)
		}
	}
	sort.Strings(sources)

	return sources, nil
}

type scanned struct {
	source string
	res    *document.ScanResult
	err    error
}

// FullBuild scans every page source, commits the registry and compiles all
// pages, returning once the queue has drained.
func (s *Site) FullBuild(ctx context.Context) error {
	s.ready.Store(false)

	compile, err := s.scanRound(ctx)
	if err != nil {
		return err
	}

	for _, source := range compile {
		s.submit(ctx, source, scheduler.PriorityBackground, "full build")
	}

	if err := s.sched.WaitIdle(ctx); err != nil {
		return err
	}
	s.persist(ctx)
	s.ready.Store(true)

	s.logger.Info(ctx, "full build finished",
		"pages", s.registry.Count(),
		"failed", len(s.diags.Snapshot()))

	return nil
}

// Scan rebuilds the dependency graph and the registry without compiling.
func (s *Site) Scan(ctx context.Context) error {
	if _, err := s.scanRound(ctx); err != nil {
		return err
	}
	s.persist(ctx)

	return nil
}

// scanRound scans every discovered source and commits the registry. It
// returns the sources ready to compile.
func (s *Site) scanRound(ctx context.Context) ([]string, error) {
	sources, err := s.Discover()
	if err != nil {
		return nil, err
	}
	results, err := s.scanAll(ctx, sources)
	if err != nil {
		return nil, err
	}

	s.round.Lock()
	defer s.round.Unlock()

	present := make(map[string]bool, len(sources))
	for _, source := range sources {
		present[source] = true
	}
	for _, source := range s.registry.Sources() {
		if !present[source] {
			s.removeSource(ctx, source)
		}
	}

	s.registry.BeginScan()
	registered := s.registerAll(ctx, results)
	s.registry.Commit()

	var compile []string
	for _, r := range results {
		if registered[r.source] {
			compile = append(compile, r.source)
		}
	}

	return compile, nil
}

// scanAll scans sources in parallel. Only cancellation fails the batch;
// per-page errors are carried in the results.
func (s *Site) scanAll(ctx context.Context, sources []string) ([]scanned, error) {
	results := make([]scanned, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, source := range sources {
		i, source := i, source
		g.Go(func() error {
			res, err := s.compiler.Scan(gctx, source)
			results[i] = scanned{source: source, res: res, err: err}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// registerAll registers the scan results of one round and returns the
// sources to compile. A permalink conflict is retried after the rest of the
// round, so pages swapping permalinks in one batch both succeed. Caller
// holds round.
func (s *Site) registerAll(ctx context.Context, results []scanned) map[string]bool {
	compile := make(map[string]bool)
	pending := results
	for len(pending) > 0 {
		var conflicted []scanned
		for _, r := range pending {
			ok, conflict := s.register(ctx, r, false)
			switch {
			case conflict:
				conflicted = append(conflicted, r)
			case ok:
				compile[r.source] = true
			}
		}

		if len(conflicted) == len(pending) {
			for _, r := range conflicted {
				if ok, _ := s.register(ctx, r, true); ok {
					compile[r.source] = true
				}
			}
			break
		}
		pending = conflicted
	}

	return compile
}

// register feeds one scan result into the graph and the registry. It
// reports whether the page should be compiled, and whether its permalink
// was taken when final is unset. Caller holds round.
func (s *Site) register(ctx context.Context, r scanned, final bool) (compile, conflict bool) {
	if r.res == nil && errors.Is(r.err, fs.ErrNotExist) {
		s.removeSource(ctx, r.source)
		return false, false
	}

	if r.res != nil {
		s.graph.RecordImports(r.source, depgraph.KindPage, r.res.Imports)
	} else {
		s.graph.AddPage(r.source)
	}
	if r.err != nil {
		s.fail(r.source, "", r.err)
		s.logger.Warn(ctx, r.err, "cannot scan page", "source", r.source)
		return false, false
	}

	outcome, err := s.registry.Register(r.res.Facts)
	if err != nil {
		if !final && qerrors.HasCode(err, qerrors.ErrCodePermalinkConflict) {
			return false, true
		}
		s.fail(r.source, r.res.Facts.Permalink, err)
		s.logger.Warn(ctx, err, "cannot register page", "source", r.source)
		return false, false
	}
	if outcome.Excluded {
		s.graph.Remove(r.source)
		s.clear(r.source)
		if outcome.Removed != "" {
			s.forget(outcome.Removed)
			s.publisher.SendReload(outcome.Removed, "page excluded", nil)
			s.logger.Info(ctx, "page excluded", "source", r.source, "permalink", outcome.Removed)
		}
		return false, false
	}

	return true, false
}

func (s *Site) submit(ctx context.Context, source string, priority scheduler.Priority, reason string) {
	permalink := ""
	if page, ok := s.registry.Lookup(source); ok {
		permalink = page.Permalink
	}

	_, err := s.sched.Submit(scheduler.Job{
		Key:       source,
		Permalink: permalink,
		Priority:  priority,
		Reason:    reason,
	})
	if err != nil {
		s.logger.Warn(ctx, err, "cannot schedule compile", "source", source)
	}
}

// HandleChanges applies a batch of watch events. Changed pages are
// rescanned and compiled with direct priority; pages depending on a
// changed shared file are rescanned and compiled as a range rebuild. It
// returns once every compile has been queued.
func (s *Site) HandleChanges(ctx context.Context, events []watcher.ChangeEvent) error {
	var (
		changed = make(map[string]bool)
		removed = make(map[string]bool)
		deps    []string
		config  bool
	)

	for _, ev := range events {
		rel, ok := s.relative(ev.Path)
		if !ok {
			continue
		}

		class := s.classifier.Classify(rel)
		if class == ClassIgnored {
			if _, known := s.graph.Kind(rel); known {
				class = ClassDependency
			}
		}
		s.logger.Debug(ctx, "change", "path", rel, "event", ev.Type.String(), "class", class.String())

		switch class {
		case ClassConfig:
			config = true
		case ClassContent:
			if ev.Removed() {
				removed[rel] = true
				delete(changed, rel)
			} else {
				changed[rel] = true
				delete(removed, rel)
			}
			deps = append(deps, rel)
		case ClassDependency:
			deps = append(deps, rel)
		}

		// A removed directory takes everything below it along.
		if ev.Removed() && class != ClassContent && class != ClassOutput {
			for _, source := range s.sourcesUnder(rel) {
				removed[source] = true
			}
			deps = append(deps, s.sharedUnder(rel)...)
		}
	}

	if config {
		return s.Rebuild(ctx, "configuration changed")
	}
	if len(changed) == 0 && len(removed) == 0 && len(deps) == 0 {
		return nil
	}

	s.round.Lock()
	for _, source := range sortedSet(removed) {
		s.removeSource(ctx, source)
	}

	affected := make(map[string]bool)
	for _, dep := range deps {
		for _, page := range s.graph.AffectedBy(dep) {
			if !changed[page] && !removed[page] {
				affected[page] = true
			}
		}
	}

	direct := sortedSet(changed)
	ranged := sortedSet(affected)
	results, err := s.scanAll(ctx, append(append([]string(nil), direct...), ranged...))
	if err != nil {
		s.round.Unlock()
		return err
	}

	compile := make(map[string]scheduler.Priority)
	s.registry.BeginScan()
	registered := s.registerAll(ctx, results)
	for i, r := range results {
		if !registered[r.source] {
			continue
		}
		if i < len(direct) {
			compile[r.source] = scheduler.PriorityDirect
		} else {
			compile[r.source] = scheduler.PriorityAffected
		}
	}
	commit := s.registry.Commit()

	var follow []string
	if commit.ListingChanged {
		follow = append(follow, commit.ListingUsers...)
	}
	follow = append(follow, commit.BacklinksChanged...)
	for _, source := range follow {
		if _, ok := compile[source]; !ok {
			compile[source] = scheduler.PriorityAffected
		}
	}
	s.round.Unlock()

	// Direct jobs go first so that equal-priority ties keep edit order.
	for _, source := range direct {
		if p, ok := compile[source]; ok && p == scheduler.PriorityDirect {
			s.submit(ctx, source, p, "source changed")
		}
	}
	for _, source := range sortedKeys(compile) {
		if compile[source] == scheduler.PriorityAffected {
			s.submit(ctx, source, scheduler.PriorityAffected, "dependency changed")
		}
	}

	if s.store != nil {
		if err := s.store.SaveGraph(s.graph.Snapshot()); err != nil {
			s.logger.Warn(ctx, err, "cannot save dependency graph")
		}
	}

	return nil
}

// Rebuild runs a full build and reloads every session afterwards.
func (s *Site) Rebuild(ctx context.Context, reason string) error {
	if err := s.FullBuild(ctx); err != nil {
		return err
	}
	s.publisher.SendReload("", reason, nil)

	return nil
}

// removeSource drops a deleted page. Caller holds round.
func (s *Site) removeSource(ctx context.Context, source string) {
	permalink, ok := s.registry.Remove(source)
	s.graph.Remove(source)
	s.clear(source)
	if !ok {
		return
	}

	s.forget(permalink)
	s.publisher.SendReload(permalink, "page removed", nil)
	s.logger.Info(ctx, "page removed", "source", source, "permalink", permalink)
}

func (s *Site) forget(permalink string) {
	s.pagesMu.Lock()
	delete(s.pages, permalink)
	s.pagesMu.Unlock()
}

func (s *Site) sourcesUnder(dir string) []string {
	var out []string
	for _, source := range s.registry.Sources() {
		if strings.HasPrefix(source, dir+"/") {
			out = append(out, source)
		}
	}

	return out
}

func (s *Site) sharedUnder(dir string) []string {
	var out []string
	for _, e := range s.graph.Snapshot() {
		if e.Kind == depgraph.KindShared && strings.HasPrefix(e.Path, dir+"/") {
			out = append(out, e.Path)
		}
	}

	return out
}

// relative maps an event path to a slash-separated path below the root.
func (s *Site) relative(p string) (string, bool) {
	if !filepath.IsAbs(p) {
		return depgraph.Normalize(p), true
	}

	root, err := filepath.Abs(s.root)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return "", false
	}

	return depgraph.Normalize(rel), true
}

// compilePage is the scheduler's job function. It renders one page and
// publishes the difference to what its viewers last received.
func (s *Site) compilePage(ctx context.Context, job scheduler.Job) error {
	source := job.Key
	page, ok := s.registry.Lookup(source)
	if !ok {
		return nil
	}
	permalink := page.Permalink

	pctx, err := s.registry.Context(permalink)
	if err != nil {
		return err
	}

	tree, err := s.compiler.Compile(ctx, source, pctx)
	if err != nil {
		if ctx.Err() == nil {
			s.fail(source, permalink, err)
		}
		return err
	}
	vdom.Index(tree, vdom.Namespace(permalink))

	prev := s.registry.Tree(permalink)
	old, renamed := s.registry.TakeRename(source)

	html := []byte(vdom.RenderString(tree))
	s.pagesMu.Lock()
	if _, taken := s.registry.SourceFor(old); renamed && !taken {
		delete(s.pages, old)
	}
	s.pages[permalink] = html
	s.pagesMu.Unlock()
	s.registry.SetTree(permalink, tree)

	if s.clear(source) {
		s.logger.Info(ctx, "page compiles again", "source", source)
	}

	switch {
	case renamed:
		s.publisher.SendReload(permalink, "permalink changed", &websocket.URLChange{Old: old, New: permalink})
	default:
		res := vdom.Diff(prev, tree, s.diffOpts)
		if res.Reload {
			if prev != nil {
				s.logger.Debug(ctx, "falling back to reload", "permalink", permalink, "reason", res.Reason)
			}
			s.publisher.SendReload(permalink, res.Reason, nil)
		} else if len(res.Ops) > 0 {
			s.publisher.SendPatch(permalink, res.Ops)
		}
	}

	return nil
}

// fail records err as the current diagnostic of source.
func (s *Site) fail(source, permalink string, err error) {
	entry := s.diags.Set(source, permalink, err)
	s.publisher.SendError(source, entry.Message)
}

// clear forgets the diagnostic of source and reports whether there was
// one.
func (s *Site) clear(source string) bool {
	if !s.diags.Clear(source) {
		return false
	}
	s.publisher.ClearError(source)

	return true
}

// WriteOutput writes every rendered page below dir as index.html files.
func (s *Site) WriteOutput(dir string) (int, error) {
	s.pagesMu.RLock()
	defer s.pagesMu.RUnlock()

	for permalink, html := range s.pages {
		target := filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(permalink, "/")))
		if strings.HasSuffix(permalink, "/") {
			target = filepath.Join(target, "index.html")
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return 0, qerrors.WrapIO(err, qerrors.ErrCodeFileNotFound, "cannot create output directory").
				WithLocation(target, 0, 0)
		}
		if err := os.WriteFile(target, html, 0o644); err != nil {
			return 0, qerrors.WrapIO(err, qerrors.ErrCodeFileNotFound, "cannot write page").
				WithLocation(target, 0, 0)
		}
	}

	return len(s.pages), nil
}

func sortedKeys(m map[string]scheduler.Priority) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)

	return out
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)

	return out
}
