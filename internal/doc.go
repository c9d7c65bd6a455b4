// Package internal contains the implementation packages of quire.
//
// # Package Organization
//
//   - config: Viper-backed configuration with validation
//   - logging: structured logging on log/slog
//   - errors: typed errors and the per-source diagnostics collector
//   - depgraph: which pages import which shared files
//   - registry: two-phase page registry, link graph and compile context
//   - document: reference compiler for HTML pages with YAML front matter
//   - vdom: render trees, stable node ids and the tree diff engine
//   - scheduler: priority compile queue with per-page deduplication
//   - websocket: live-update sessions and wire messages
//   - watcher: debounced file watching
//   - site: the incremental build pipeline tying the above together
//   - store: bbolt persistence of the graph and diagnostics
//   - server: development HTTP server
//   - version: build information
//
// # Data Flow
//
// A debounced batch of file events reaches site.HandleChanges. Paths are
// classified; changed pages are rescanned and committed to the registry in
// one scan round, and depgraph.AffectedBy widens shared-file edits to the
// pages that include them. Compiles are queued on the scheduler, whose
// workers render a tree, diff it against the tree last delivered and hand
// the patch, reload or error to the websocket manager.
package internal
