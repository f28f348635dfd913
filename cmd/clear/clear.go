package clear

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sidkik/docmirror/cmd/util"
	"github.com/sidkik/docmirror/pkg/errors"
	"github.com/sidkik/docmirror/pkg/sync"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `clear` command.
func New(opts *util.Overrides) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the local mirror",
		Long: "Delete the mirrored content and the record of the last sync.\n" +
			"The next sync downloads the repository again.",
		Run: func(cmd *cobra.Command, _ []string) {
			if err := main(cmd.Context(), *opts); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func main(ctx context.Context, opts util.Overrides) error {
	cfg, err := util.LoadConfig(opts)
	if err != nil {
		return err
	}

	if err := util.RequireDataDir(cfg); err != nil {
		return err
	}

	coordinator, err := util.NewCoordinator(cfg)
	if err != nil {
		return errors.WithContext(err, "setup mirror")
	}
	return run(ctx, coordinator)
}

func run(ctx context.Context, coordinator *sync.Coordinator) error {
	if err := coordinator.Clear(ctx); err != nil {
		return errors.NewFriendlyError("Failed to clear the mirror in %s:\n%s",
			coordinator.Mirror().DataDir(), err)
	}
	fmt.Fprintf(stdout, "Cleared the mirror of %s.\n", coordinator.Repository())
	return nil
}
