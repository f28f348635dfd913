package serve

import (
	"context"
	goSync "sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/docmirror/cmd/util"
	"github.com/sidkik/docmirror/pkg/config"
	"github.com/sidkik/docmirror/pkg/errors"
	"github.com/sidkik/docmirror/pkg/fswatch"
	"github.com/sidkik/docmirror/pkg/remote"
	"github.com/sidkik/docmirror/pkg/server"
	"github.com/sidkik/docmirror/pkg/sync"
)

// New creates a new `serve` command.
func New(opts *util.Overrides) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep the mirror up to date and serve its content",
		Long: "Periodically check the remote repository for changes and " +
			"refresh the local mirror when it changes.\n" +
			"The mirrored files are served read-only over HTTP, along with " +
			"the sync status and Prometheus metrics.",
		Run: func(cmd *cobra.Command, _ []string) {
			if err := main(cmd.Context(), *opts, listen); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "",
		"The address to serve on. Overrides `listen` in the config.")
	return cmd
}

func main(ctx context.Context, opts util.Overrides, listen string) error {
	cfg, err := util.LoadConfig(opts)
	if err != nil {
		return err
	}

	if listen != "" {
		cfg.Listen = listen
	}

	coordinator, err := util.NewCoordinator(cfg)
	if err != nil {
		return errors.WithContext(err, "setup mirror")
	}

	// Mirrors of local repositories are refreshed as soon as a ref moves.
	var refChanges <-chan struct{}
	if cfg.Backend == config.BackendGit {
		if repoDir, ok := (remote.GitClient{URL: cfg.GitURL}).LocalPath(); ok {
			changes, watcher, err := fswatch.WatchRefs(repoDir)
			if err != nil {
				log.WithError(err).WithField("repo", repoDir).Warn(
					"Failed to watch local repository. Changes will be picked up on the next tick")
			} else {
				defer watcher.Close()
				refChanges = changes
			}
		}
	}

	return run(ctx, coordinator, refChanges, cfg.Interval.Duration, cfg.Listen,
		cfg.ShutdownGrace.Duration)
}

// run blocks until `ctx` is cancelled or the server fails. An in-flight
// refresh is given `grace` to finish before the scheduler is abandoned. Every
// event on `refChanges` triggers an immediate check.
func run(ctx context.Context, coordinator *sync.Coordinator, refChanges <-chan struct{},
	interval time.Duration, listen string, grace time.Duration) error {

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scheduler := sync.NewScheduler(coordinator, interval, nil)

	var wg goSync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-refChanges:
				if !ok {
					return
				}
				log.Debug("Local repository changed")
				scheduler.Trigger()
			}
		}
	}()

	err := server.New(coordinator, scheduler.Trigger).Run(ctx, listen, grace)
	cancel()

	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(grace):
		log.Warn("Timed out waiting for the sync scheduler to stop")
	}

	if err != nil {
		return errors.WithContext(err, "serve")
	}
	return nil
}
