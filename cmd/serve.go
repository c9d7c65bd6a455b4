package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/quire/internal/registry"
	"github.com/conneroisu/quire/internal/server"
	"github.com/conneroisu/quire/internal/watcher"
	"github.com/conneroisu/quire/internal/websocket"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Build, watch and serve the site with live updates",
	Long: `Start the development server. The site is built in the background; until
the first build completes every page request gets a loading page that
reloads itself when the site is ready.

Edits to a page recompile that page first. Edits to layouts and partials
recompile every page that includes them, and open browsers receive DOM
patches instead of full reloads whenever possible.

Examples:
  quire serve                  # Serve on localhost:8282
  quire serve -p 9000 --open   # Pick a port and open the browser
  quire serve --no-hot-reload  # Serve without watching`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return bindFlags(cmd, map[string]string{
			"server.port":          "port",
			"server.host":          "host",
			"server.open":          "open",
			"build.drafts":         "drafts",
			"development.debounce": "debounce",
		})
	},
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8282, "Port to serve on")
	serveCmd.Flags().String("host", "localhost", "Host to bind to")
	serveCmd.Flags().Bool("open", false, "Open the browser once the server listens")
	serveCmd.Flags().Bool("drafts", false, "Include draft pages")
	serveCmd.Flags().Bool("no-hot-reload", false, "Don't watch files or push live updates")
	serveCmd.Flags().Duration("debounce", 50*time.Millisecond, "Quiet period before a burst of file events is handled")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if noHot, _ := cmd.Flags().GetBool("no-hot-reload"); noHot {
		viper.Set("development.hot_reload", false)
	}

	a, err := newApp(viper.GetViper(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hot := a.cfg.Development.HotReload

	var live *websocket.Manager
	if hot {
		live = websocket.NewManager(websocket.Config{
			AllowedOrigins: a.cfg.Server.AllowedOrigins,
			Resolve:        a.resolvePermalink,
			Tracker:        a.site.Scheduler(),
			Logger:         a.logger,
		})
		a.site.Attach(live)
	}

	if err := a.site.Start(ctx); err != nil {
		_ = a.close(ctx)
		return err
	}

	srv := server.New(server.Config{
		Host:    a.cfg.Server.Host,
		Port:    a.cfg.Server.Port,
		Open:    a.cfg.Server.Open,
		Pages:   a.site,
		Live:    live,
		Metrics: a.site.Scheduler().Metrics(),
		Logger:  a.logger,
	})

	var fw *watcher.FileWatcher
	if hot {
		fw, err = a.watch(ctx)
		if err != nil {
			_ = a.close(ctx)
			return err
		}
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start(ctx) }()

	go func() {
		if err := a.site.FullBuild(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error(ctx, err, "initial build failed")
		}
	}()

	select {
	case err = <-serveErr:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.logger.Info(shutdownCtx, "shutting down")
	if fw != nil {
		_ = fw.Stop()
	}
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		a.logger.Warn(shutdownCtx, serr, "server shutdown")
	}
	if cerr := a.close(shutdownCtx); cerr != nil {
		a.logger.Warn(shutdownCtx, cerr, "site shutdown")
	}

	return err
}

// watch starts a file watcher on the site root that feeds the site.
func (a *app) watch(ctx context.Context) (*watcher.FileWatcher, error) {
	fw, err := watcher.NewFileWatcher(a.cfg.Development.Debounce, a.logger)
	if err != nil {
		return nil, err
	}

	hidden := watcher.NoHiddenFilter(a.root)
	fw.AddFilter(func(path string) bool {
		return a.isConfig(path) || hidden(path)
	})
	fw.AddFilter(watcher.NoBackupFilter)
	fw.AddFilter(watcher.IgnoreFilter(a.root, append([]string{a.cfg.Build.OutputDir}, a.cfg.Build.Ignore...)))
	fw.AddHandler(a.site.HandleChanges)

	if err := fw.AddRecursive(a.root); err != nil {
		_ = fw.Stop()
		return nil, fmt.Errorf("watching %s: %w", a.root, err)
	}
	if err := fw.Start(ctx); err != nil {
		_ = fw.Stop()
		return nil, err
	}

	a.logger.Info(ctx, "watching", "root", a.root, "directories", len(fw.WatchList()))
	return fw, nil
}

func (a *app) isConfig(path string) bool {
	rel, err := filepath.Rel(a.root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, f := range a.configFiles {
		if f == rel {
			return true
		}
	}
	return false
}

// resolvePermalink maps a browser location to the permalink it shows,
// following aliases.
func (a *app) resolvePermalink(path string) string {
	if permalink, ok := a.site.Resolve(path); ok {
		return permalink
	}
	return registry.NormalizePermalink(path)
}
