// Package main implements the phased CLI: browse a methodology catalog, ask
// for suggestions and drive a workflow through a methodology's phases.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath    string
	logLevel      string
	methodologies string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "phased",
		Short: "Methodology-driven phase execution",
		Long: `phased drives a workflow through the ordered phases of a methodology.

Each phase is gated by entry criteria, populated with tasks instantiated from
templates, run in dependency order and closed by exit criteria. Repeatable
phases are retried until their exit criteria pass or the iteration limit is hit.

Methodologies are read from a local directory, an HTTP endpoint or a GitHub
repository holding a manifest.json and one <id>.json document per methodology.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default ~/.config/phased/config.yaml)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")
	pf.StringVar(&flags.methodologies, "methodologies", "", "read methodologies from this directory instead of the configured source")

	root.AddCommand(
		newListCmd(flags),
		newShowCmd(flags),
		newSuggestCmd(flags),
		newValidateCmd(flags),
		newRunCmd(flags),
		newServeCmd(flags),
	)
	return root
}
