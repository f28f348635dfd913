package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	clearCmd "github.com/sidkik/docmirror/cmd/clear"
	"github.com/sidkik/docmirror/cmd/contributors"
	"github.com/sidkik/docmirror/cmd/serve"
	"github.com/sidkik/docmirror/cmd/setup"
	syncCmd "github.com/sidkik/docmirror/cmd/sync"
	"github.com/sidkik/docmirror/cmd/util"
	"github.com/sidkik/docmirror/cmd/version"
	"github.com/sidkik/docmirror/pkg/metrics"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "DOCMIRROR_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	setupLogging()

	var opts util.Overrides
	rootCmd := &cobra.Command{
		Use:          "docmirror",
		Short:        "Keep a local copy of a GitHub repository's content up to date",
		SilenceUsage: true,

		// Errors are printed by util.HandleFatalError, so we silence them
		// here to avoid double printing.
		SilenceErrors: true,
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.ConfigPath, "config", "",
		"Path to the config file. Defaults to $DOCMIRROR_CONFIG, or ~/.docmirror.yaml.")
	flags.StringVar(&opts.Repository, "repository", "",
		"The repository to mirror, in the form owner/name[@ref].")
	flags.StringVar(&opts.DataDir, "data-dir", "",
		"The directory that holds the mirror.")
	flags.StringVar(&opts.Backend, "backend", "",
		"How to fetch the repository: github or git.")

	rootCmd.AddCommand(
		clearCmd.New(&opts),
		contributors.New(&opts),
		serve.New(&opts),
		setup.New(&opts),
		syncCmd.New(&opts),
		version.New(),
	)

	// Commands stop when interrupted. `serve` uses the cancellation to shut
	// down gracefully.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		util.HandleFatalError(err)
	}
}

func setupLogging() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}
	log.AddHook(metrics.NewLogHook())
}
