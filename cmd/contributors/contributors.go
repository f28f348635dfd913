package contributors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sidkik/docmirror/cmd/util"
	"github.com/sidkik/docmirror/pkg/config"
	"github.com/sidkik/docmirror/pkg/errors"
	"github.com/sidkik/docmirror/pkg/remote"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

type lister interface {
	Contributors(ctx context.Context, d remote.Descriptor, dir string) ([]remote.Contributor, error)
}

// New creates a new `contributors` command.
func New(opts *util.Overrides) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "contributors <dir>",
		Short: "List the authors of the commits that touched a directory",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := main(cmd.Context(), *opts, args[0], asJSON); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the contributors as JSON.")
	return cmd
}

func main(ctx context.Context, opts util.Overrides, dir string, asJSON bool) error {
	cfg, err := util.LoadConfig(opts)
	if err != nil {
		return err
	}

	if cfg.Backend != config.BackendGitHub {
		return errors.NewFriendlyError("Listing contributors requires the %q "+
			"backend, but the mirror uses %q.", config.BackendGitHub, cfg.Backend)
	}

	repo, err := util.Descriptor(cfg)
	if err != nil {
		return errors.WithContext(err, "parse repository")
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout.Duration)
	defer cancel()
	return run(ctx, remote.NewGitHubClient(cfg.APIURL, nil), repo, dir, asJSON)
}

func run(ctx context.Context, client lister, repo remote.Descriptor, dir string, asJSON bool) error {
	contributors, err := client.Contributors(ctx, repo, dir)
	if err != nil {
		return errors.WithContext(err, "get contributors")
	}

	if asJSON {
		if contributors == nil {
			contributors = []remote.Contributor{}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(contributors)
	}

	if len(contributors) == 0 {
		fmt.Fprintf(stdout, "No commits in %s touch %q.\n", repo, dir)
		return nil
	}

	w := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "LOGIN\tNAME\tPROFILE")
	for _, c := range contributors {
		fmt.Fprintf(w, "%s\t%s\t%s\n", orDash(c.Login), c.Name, orDash(c.ProfileURL))
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
