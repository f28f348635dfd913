package util

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/docmirror/pkg/config"
	"github.com/sidkik/docmirror/pkg/errors"
	"github.com/sidkik/docmirror/pkg/mirror"
	"github.com/sidkik/docmirror/pkg/remote"
	"github.com/sidkik/docmirror/pkg/sync"
)

// Mocked for unit testing.
var (
	stderr io.Writer = os.Stderr
	exit             = os.Exit
)

// Overrides are settings passed on the command line. They take precedence
// over the config file.
type Overrides struct {
	ConfigPath string
	Repository string
	DataDir    string
	Backend    string
}

// HandleFatalError prints the error and exits. If the error has a friendly
// message, only that is shown to the user, and the full error is logged at
// the debug level.
func HandleFatalError(err error) {
	if msg, ok := errors.GetFriendlyMessage(err); ok {
		log.WithError(err).Debug("Fatal error")
		fmt.Fprintln(stderr, msg)
	} else {
		fmt.Fprintf(stderr, "Error: %s\n", err)
	}
	exit(1)
}

// HandlePanic logs the stack trace of a panic before exiting. It must be
// deferred.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Error("Panic")
		fmt.Fprintf(stderr, "Unexpected error: %v\n", r)
		exit(1)
	}
}

// LoadConfig loads the mirror config and applies the command line overrides.
func LoadConfig(opts Overrides) (config.Mirror, error) {
	cfg, err := config.LoadMirror(opts.ConfigPath)
	if err != nil {
		return config.Mirror{}, err
	}

	cfg = opts.Apply(cfg)
	if err := ValidateConfig(cfg); err != nil {
		return config.Mirror{}, err
	}
	return cfg, nil
}

// Apply returns `cfg` with the overrides that were set.
func (opts Overrides) Apply(cfg config.Mirror) config.Mirror {
	if opts.Repository != "" {
		cfg.Repository = opts.Repository
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if opts.Backend != "" {
		cfg.Backend = opts.Backend
	}
	return cfg
}

// ValidateConfig validates `cfg`, and explains how to fix a missing
// repository.
func ValidateConfig(cfg config.Mirror) error {
	if err := cfg.Validate(); err != nil {
		if _, ok := err.(errors.MissingFieldError); ok {
			return errors.NewFriendlyError(
				"No repository to mirror. Set `repository` in the config "+
					"file, or pass it with --repository.\n\nDetails: %s", err)
		}
		return errors.WithContext(err, "validate config")
	}
	return nil
}

// RequireDataDir fails if the config doesn't name a data directory. Without
// one, every run would get a new temporary directory.
func RequireDataDir(cfg config.Mirror) error {
	if cfg.DataDir != "" {
		return nil
	}
	return errors.NewFriendlyError("No data directory configured. " +
		"Set `dataDir` in the config file, pass it with --data-dir, " +
		"or create a config with `docmirror init`.")
}

// Descriptor returns the remote repository named by the config, with the
// resolved token attached.
func Descriptor(cfg config.Mirror) (remote.Descriptor, error) {
	d, err := remote.ParseDescriptor(cfg.Repository)
	if err != nil {
		return remote.Descriptor{}, err
	}
	d.Token = cfg.ResolveToken()
	return d, nil
}

// NewRemoteClient returns the client for the configured backend.
func NewRemoteClient(cfg config.Mirror) (remote.Client, error) {
	switch cfg.Backend {
	case config.BackendGitHub:
		return remote.NewGitHubClient(cfg.APIURL, nil), nil
	case config.BackendGit:
		return remote.GitClient{URL: cfg.GitURL}, nil
	default:
		return nil, errors.New("unsupported backend: " + cfg.Backend)
	}
}

// NewCoordinator builds the mirror, remote client and timestamp store
// described by the config, and a coordinator that ties them together.
func NewCoordinator(cfg config.Mirror) (*sync.Coordinator, error) {
	repo, err := Descriptor(cfg)
	if err != nil {
		return nil, errors.WithContext(err, "parse repository")
	}

	client, err := NewRemoteClient(cfg)
	if err != nil {
		return nil, err
	}

	dataDir, err := cfg.ResolveDataDir()
	if err != nil {
		return nil, errors.WithContext(err, "resolve data dir")
	}
	m := mirror.New(fs, dataDir)

	var timestamps sync.TimestampStore = &sync.MemoryTimestampStore{}
	if cfg.Persist() {
		timestamps = sync.NewFileTimestampStore(fs, m.MetadataDir())
	}

	log.WithFields(log.Fields{
		"repository": repo.String(),
		"backend":    cfg.Backend,
		"dataDir":    dataDir,
	}).Debug("Using mirror")

	return sync.New(m, client, repo, timestamps, sync.Options{
		Debounce:     cfg.Debounce.Duration,
		FetchTimeout: cfg.FetchTimeout.Duration,
	})
}
