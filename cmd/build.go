package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var buildCmd = &cobra.Command{
	Use:     "build",
	Aliases: []string{"b"},
	Short:   "Build every page into the output directory",
	Long: `Scan and compile every page, then write each one to
<output_dir>/<permalink>/index.html.

The command exits with an error when any page failed to build; pages that
compiled are still written.

Examples:
  quire build                  # Build into ./public
  quire build --output dist    # Build into ./dist
  quire build --drafts         # Include draft pages`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return bindFlags(cmd, map[string]string{
			"build.output_dir":  "output",
			"build.drafts":      "drafts",
			"scheduler.workers": "workers",
		})
	},
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().StringP("output", "o", "public", "Output directory relative to the site root")
	buildCmd.Flags().Bool("drafts", false, "Include draft pages")
	buildCmd.Flags().IntP("workers", "j", 4, "Concurrent compiles")
}

func runBuild(cmd *cobra.Command, _ []string) error {
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

	start := time.Now()
	if err := a.site.FullBuild(ctx); err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	written, err := a.site.WriteOutput(a.cfg.OutputPath())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	failures := a.site.Failures()
	for _, f := range failures {
		fmt.Fprintf(out, "error: %s: %s\n", f.Path, f.Message)
	}
	fmt.Fprintf(out, "Built %d pages into %s in %s\n",
		written, a.cfg.Build.OutputDir, time.Since(start).Round(time.Millisecond))

	if len(failures) > 0 {
		return fmt.Errorf("%d pages failed to build", len(failures))
	}
	return nil
}
