package sync

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sidkik/docmirror/cmd/util"
	"github.com/sidkik/docmirror/pkg/errors"
	mirrorSync "github.com/sidkik/docmirror/pkg/sync"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `sync` command.
func New(opts *util.Overrides) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Refresh the mirror once if the remote has changed",
		Run: func(cmd *cobra.Command, _ []string) {
			if err := main(cmd.Context(), *opts, force); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().BoolVar(&force, "force", false,
		"Refresh even if the remote hasn't changed since the last sync.")
	return cmd
}

func main(ctx context.Context, opts util.Overrides, force bool) error {
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
	return run(ctx, coordinator, force)
}

func run(ctx context.Context, coordinator *mirrorSync.Coordinator, force bool) error {
	repo := coordinator.Repository()
	if !force {
		updateAvailable, err := coordinator.IsUpdateAvailable(ctx)
		if err != nil {
			return errors.WithContext(err, "check for updates")
		}

		if !updateAvailable {
			fmt.Fprintf(stdout, "The mirror of %s is up to date.\n", repo)
			return nil
		}
	}

	result := coordinator.Refresh(ctx)
	if !result.Success {
		if result.PostSwap {
			return errors.NewFriendlyError("Failed to publish the new mirror of "+
				"%s. The next check will download it again.\n\nDetails: %s",
				repo, result.Err)
		}
		return errors.WithContext(result.Err, "refresh")
	}

	fmt.Fprintf(stdout, "Mirrored %s in %s (%d bytes).\n",
		repo, result.Duration.Round(time.Millisecond), result.BytesFetched)
	fmt.Fprintf(stdout, "Content is at %s.\n", coordinator.Mirror().Root())
	return nil
}
