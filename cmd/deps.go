package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	depsFormat string
	depsRescan bool
)

var depsCmd = &cobra.Command{
	Use:   "deps <path>...",
	Short: "List the pages affected by a change to a file",
	Long: `Print every page that would be recompiled if the given files changed.

Paths are relative to the site root or absolute. The dependency graph is
read from the state file when one exists; otherwise, or with --rescan, the
site is scanned first. Nothing is compiled.

Examples:
  quire deps templates/base.html
  quire deps templates/nav.html data/menu.html --format json
  quire deps --rescan content/posts/hello.html`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDeps,
}

func init() {
	rootCmd.AddCommand(depsCmd)

	depsCmd.Flags().StringVarP(&depsFormat, "format", "f", "text", "Output format (text, json)")
	depsCmd.Flags().BoolVar(&depsRescan, "rescan", false, "Scan the site instead of reading the state file")
}

func runDeps(cmd *cobra.Command, args []string) error {
	if depsFormat != "text" && depsFormat != "json" {
		return fmt.Errorf("unsupported format: %s (supported: text, json)", depsFormat)
	}

	a, err := newApp(viper.GetViper(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	if err := a.site.Start(ctx); err != nil {
		_ = a.close(ctx)
		return err
	}
	defer func() {
		stopCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := a.close(stopCtx); err != nil {
			a.logger.Warn(stopCtx, err, "shutdown")
		}
	}()

	if depsRescan || a.site.Graph().Len() == 0 {
		if err := a.site.Scan(ctx); err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
	}

	affected := make(map[string][]string, len(args))
	for _, arg := range args {
		rel, err := a.relative(arg)
		if err != nil {
			return err
		}
		pages := a.site.Graph().AffectedBy(rel)
		if pages == nil {
			pages = []string{}
		}
		affected[rel] = pages
	}

	out := cmd.OutOrStdout()
	if depsFormat == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(affected)
	}

	for _, arg := range args {
		rel, _ := a.relative(arg)
		pages := affected[rel]
		if len(args) > 1 {
			fmt.Fprintf(out, "%s:\n", rel)
		}
		if len(pages) == 0 {
			fmt.Fprintln(out, "  (no pages)")
			continue
		}
		for _, p := range pages {
			fmt.Fprintf(out, "  %s\n", p)
		}
	}

	return nil
}

// relative maps p to a slash-separated path below the site root.
func (a *app) relative(p string) (string, error) {
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(a.root, p)
		if err != nil {
			return "", fmt.Errorf("%s is not below the site root: %w", p, err)
		}
		p = rel
	}
	p = filepath.ToSlash(filepath.Clean(p))
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("%s is not below the site root %s", p, a.root)
	}
	return p, nil
}
