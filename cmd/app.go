package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/quire/internal/config"
	"github.com/conneroisu/quire/internal/document"
	"github.com/conneroisu/quire/internal/logging"
	"github.com/conneroisu/quire/internal/site"
	"github.com/conneroisu/quire/internal/store"
	"github.com/conneroisu/quire/internal/vdom"
)

// app holds the components every command builds from the configuration.
type app struct {
	cfg    *config.Config
	root   string
	logger logging.Logger
	store  *store.Store
	site   *site.Site
	// configFiles are root-relative and trigger full rebuilds.
	configFiles []string
}

func newApp(v *viper.Viper, logOutput io.Writer) (*app, error) {
	cfg, err := config.LoadFrom(v)
	if err != nil {
		return nil, err
	}

	logger := logging.NewLogger(&logging.LoggerConfig{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: logOutput,
	})

	root, err := filepath.Abs(cfg.Build.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving site root: %w", err)
	}
	fsys := os.DirFS(root)

	var schema *document.MetaSchema
	if cfg.Build.MetaSchema != "" {
		schema, err = loadSchema(root, cfg.Build.MetaSchema)
		if err != nil {
			return nil, err
		}
	}

	var st *store.Store
	if path := cfg.StatePath(); path != "" {
		st, err = store.Open(path)
		if err != nil {
			return nil, err
		}
	}

	compiler := document.New(document.Options{
		FS:           fsys,
		ContentDir:   cfg.Build.ContentDir,
		TemplatesDir: cfg.Build.TemplatesDir,
		Schema:       schema,
		Logger:       logger,
	})

	var watched []string
	if used := v.ConfigFileUsed(); used != "" {
		if abs, err := filepath.Abs(used); err == nil {
			watched = append(watched, abs)
		}
	}
	if cfg.Build.MetaSchema != "" {
		watched = append(watched, cfg.Build.MetaSchema)
	}
	rebuildOn := configFiles(root, watched...)
	classifier := site.NewClassifier(site.Rules{
		ContentDir:   cfg.Build.ContentDir,
		ContentGlob:  cfg.Build.ContentGlob,
		OutputDir:    cfg.Build.OutputDir,
		Dependencies: cfg.Build.DependencyGlobs,
		Ignore:       append(cfg.Build.Ignore, stateIgnore(root, cfg.StatePath())...),
		Config:       rebuildOn,
	})

	s := site.New(site.Options{
		Root:       root,
		FS:         fsys,
		Compiler:   compiler,
		Classifier: classifier,
		Store:      st,
		Workers:    cfg.Scheduler.Workers,
		Drafts:     cfg.Build.Drafts,
		Diff: vdom.Options{
			MaxOpsPerParent: cfg.Diff.MaxOpsPerParent,
			MaxTotalOps:     cfg.Diff.MaxTotalOps,
			Verify:          true,
		},
		Logger: logger,
	})

	return &app{cfg: cfg, root: root, logger: logger, store: st, site: s, configFiles: rebuildOn}, nil
}

func loadSchema(root, name string) (*document.MetaSchema, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening meta schema: %w", err)
	}
	defer f.Close()

	return document.LoadMetaSchema(filepath.ToSlash(name), f)
}

// configFiles lists the root-relative files whose change rebuilds the site.
func configFiles(root string, files ...string) []string {
	out := []string{".quire.yml"}
	for _, f := range files {
		if f == "" {
			continue
		}
		if filepath.IsAbs(f) {
			rel, err := filepath.Rel(root, f)
			if err != nil {
				continue
			}
			f = rel
		}
		out = append(out, filepath.ToSlash(f))
	}
	return out
}

// stateIgnore keeps writes to the state file from triggering builds.
func stateIgnore(root, statePath string) []string {
	if statePath == "" {
		return nil
	}
	rel, err := filepath.Rel(root, statePath)
	if err != nil {
		return nil
	}
	rel = filepath.ToSlash(rel)
	return []string{rel, rel + ".lock"}
}

// close stops the site and releases the state file.
func (a *app) close(ctx context.Context) error {
	err := a.site.Stop(ctx)
	if a.store != nil {
		if cerr := a.store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// bindFlags binds config keys to the flags of cmd. It runs before the
// command rather than at init so commands sharing a key each get their own
// flag.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for key, name := range keys {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("binding --%s: %w", name, err)
		}
	}
	return nil
}
