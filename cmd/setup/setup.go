package setup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/docmirror/cmd/util"
	"github.com/sidkik/docmirror/pkg/config"
	"github.com/sidkik/docmirror/pkg/errors"
)

// DefaultDataDir is where the mirror is kept if `init` isn't given a data
// directory.
const DefaultDataDir = "~/.docmirror"

// Mocked for unit testing.
var (
	stdout        io.Writer = os.Stdout
	fs                      = afero.NewOsFs()
	homedirExpand           = homedir.Expand
)

// New creates a new `init` command.
func New(opts *util.Overrides) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a docmirror config file",
		Long: "Write a config file for the repository given with --repository.\n" +
			"The file is written to the path given by --config, " +
			"$DOCMIRROR_CONFIG, or ~/.docmirror.yaml.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := main(*opts, force); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file.")
	return cmd
}

func main(opts util.Overrides, force bool) error {
	path, err := config.GetConfigPath(opts.ConfigPath)
	if err != nil {
		return errors.WithContext(err, "get config path")
	}

	if !force {
		if _, err := fs.Stat(path); err == nil {
			return errors.NewFriendlyError("A config file already exists at %s.\n"+
				"Pass --force to overwrite it.", path)
		} else if !os.IsNotExist(err) {
			return errors.WithContext(err, "stat config")
		}
	}

	cfg, err := generateConfig(opts)
	if err != nil {
		return err
	}

	if err := config.WriteMirror(path, cfg); err != nil {
		return errors.WithContext(err, "write config")
	}

	fmt.Fprintf(stdout, "Wrote the config for %s to %s.\n", cfg.Repository, path)
	fmt.Fprintf(stdout, "The mirror will be kept in %s.\n", cfg.DataDir)
	return nil
}

// generateConfig returns the default config with the overrides applied. The
// data directory is made absolute, since relative ones are read relative to
// the config file.
func generateConfig(opts util.Overrides) (config.Mirror, error) {
	cfg := opts.Apply(config.DefaultMirror())
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}

	dataDir, err := homedirExpand(cfg.DataDir)
	if err != nil {
		return config.Mirror{}, errors.WithContext(err, "expand data dir")
	}

	cfg.DataDir, err = filepath.Abs(dataDir)
	if err != nil {
		return config.Mirror{}, errors.WithContext(err, "resolve data dir")
	}

	if err := util.ValidateConfig(cfg); err != nil {
		return config.Mirror{}, err
	}
	return cfg, nil
}
