package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/sidkik/docmirror/pkg/errors"
)

const (
	// DefaultConfigPath is where the mirror config is looked up when neither
	// the --config flag nor DOCMIRROR_CONFIG is set.
	DefaultConfigPath = "~/.docmirror.yaml"

	// ConfigPathEnv overrides DefaultConfigPath.
	ConfigPathEnv = "DOCMIRROR_CONFIG"

	// SupportedMirrorConfigVersion is the config version understood by this
	// binary. Files that don't set a version default to it.
	SupportedMirrorConfigVersion = "v1alpha1"

	// BackendGitHub fetches through the GitHub REST API.
	BackendGitHub = "github"

	// BackendGit fetches with a shallow git clone.
	BackendGit = "git"

	// MinInterval is the shortest scheduler period we accept.
	MinInterval = 10 * time.Second
)

// tokenEnvVars are checked in order for a GitHub token.
var tokenEnvVars = []string{"GITHUB_TOKEN", "GH_TOKEN"}

// Mirror is the configuration of a single mirrored repository.
type Mirror struct {
	Version string `json:"version,omitempty"`

	// Repository is the remote descriptor, in the form owner/name[@ref].
	Repository string `json:"repository"`
	Backend    string `json:"backend,omitempty"`
	DataDir    string `json:"dataDir,omitempty"`

	Interval      Duration `json:"interval,omitempty"`
	Debounce      Duration `json:"debounce,omitempty"`
	FetchTimeout  Duration `json:"fetchTimeout,omitempty"`
	ShutdownGrace Duration `json:"shutdownGrace,omitempty"`

	// PersistTimestamp is a pointer so that an explicit `false` can be told
	// apart from an unset field.
	PersistTimestamp *bool `json:"persistTimestamp,omitempty"`

	APIURL string `json:"apiURL,omitempty"`
	GitURL string `json:"gitURL,omitempty"`
	Listen string `json:"listen,omitempty"`
	Token  string `json:"token,omitempty"`
}

func (m Mirror) getVersion() string {
	return m.Version
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// getenv will be overridden in mock tests
var getenv = os.Getenv

// DefaultMirror returns the config used for any field the config file
// leaves unset.
func DefaultMirror() Mirror {
	persist := true
	return Mirror{
		Version:          SupportedMirrorConfigVersion,
		Backend:          BackendGitHub,
		Interval:         Duration{5 * time.Minute},
		Debounce:         Duration{time.Minute},
		FetchTimeout:     Duration{2 * time.Minute},
		ShutdownGrace:    Duration{10 * time.Second},
		PersistTimestamp: &persist,
		APIURL:           "https://api.github.com",
		Listen:           "127.0.0.1:8080",
	}
}

// GetConfigPath returns the expanded path of the mirror config. An explicit
// path takes precedence over DOCMIRROR_CONFIG, which takes precedence over
// DefaultConfigPath.
func GetConfigPath(explicit string) (string, error) {
	path := explicit
	if path == "" {
		path = getenv(ConfigPathEnv)
	}
	if path == "" {
		path = DefaultConfigPath
	}
	return homedirExpand(path)
}

// LoadMirror finds and parses the mirror config. A missing file is only an
// error if the path was given explicitly, either as an argument or through
// DOCMIRROR_CONFIG. Otherwise the defaults are returned.
func LoadMirror(explicit string) (Mirror, error) {
	path, err := GetConfigPath(explicit)
	if err != nil {
		return Mirror{}, errors.WithContext(err, "expand config path")
	}

	if explicit == "" && getenv(ConfigPathEnv) == "" {
		if _, err := fs.Stat(path); os.IsNotExist(err) {
			return DefaultMirror(), nil
		}
	}
	return ParseMirror(path)
}

// ParseMirror parses the mirror config at `path`, filling in defaults for
// unset fields. Relative data directories are evaluated relative to the
// config file.
func ParseMirror(path string) (Mirror, error) {
	config := DefaultMirror()
	if err := parseConfig(path, &config, SupportedMirrorConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return Mirror{}, errors.NewFriendlyError("The docmirror config "+
				"file doesn't exist at %q. Create it, or pass the repository "+
				"with the --repository flag.", path)
		}
		return Mirror{}, errors.WithContext(err, "parse")
	}

	// Fields that are explicitly set to their zero value in the file
	// overwrite the defaults, so restore them.
	config.fillDefaults()

	dataDir, err := homedirExpand(config.DataDir)
	if err != nil {
		return Mirror{}, errors.WithContext(err, "expand data dir")
	}
	if dataDir != "" && !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(filepath.Dir(path), dataDir)
	}
	config.DataDir = dataDir
	return config, nil
}

func (m *Mirror) fillDefaults() {
	def := DefaultMirror()
	if m.Version == "" {
		m.Version = def.Version
	}
	if m.Backend == "" {
		m.Backend = def.Backend
	}
	if m.Interval.Duration == 0 {
		m.Interval = def.Interval
	}
	if m.FetchTimeout.Duration == 0 {
		m.FetchTimeout = def.FetchTimeout
	}
	if m.ShutdownGrace.Duration == 0 {
		m.ShutdownGrace = def.ShutdownGrace
	}
	if m.PersistTimestamp == nil {
		m.PersistTimestamp = def.PersistTimestamp
	}
	if m.APIURL == "" {
		m.APIURL = def.APIURL
	}
	if m.Listen == "" {
		m.Listen = def.Listen
	}
}

// Validate checks that the config can be used to run a mirror.
func (m Mirror) Validate() error {
	if m.Repository == "" {
		return errors.MissingFieldError{Field: "repository"}
	}

	switch m.Backend {
	case BackendGitHub, BackendGit:
	default:
		return errors.NewFriendlyError("Unsupported backend %q. "+
			"Expected %q or %q.", m.Backend, BackendGitHub, BackendGit)
	}

	if m.Interval.Duration < MinInterval {
		return errors.NewFriendlyError("The sync interval %s is too short. "+
			"It must be at least %s.", m.Interval, MinInterval)
	}

	if m.Debounce.Duration < 0 {
		return errors.New("debounce must not be negative")
	}

	if m.FetchTimeout.Duration <= 0 {
		return errors.New("fetchTimeout must be positive")
	}
	return nil
}

// Persist returns whether the last sync timestamp should be stored on disk.
func (m Mirror) Persist() bool {
	return m.PersistTimestamp == nil || *m.PersistTimestamp
}

// ResolveToken returns the GitHub token to use. Environment variables take
// precedence over the config file.
func (m Mirror) ResolveToken() string {
	for _, env := range tokenEnvVars {
		if token := getenv(env); token != "" {
			return token
		}
	}
	return m.Token
}

// ResolveDataDir returns the data directory, creating a temporary one if the
// config doesn't name one.
func (m Mirror) ResolveDataDir() (string, error) {
	if m.DataDir != "" {
		if err := fs.MkdirAll(m.DataDir, 0755); err != nil {
			return "", errors.WithContext(err, "create data dir")
		}
		return m.DataDir, nil
	}

	dir, err := afero.TempDir(fs, "", "docmirror")
	if err != nil {
		return "", errors.WithContext(err, "create temp dir")
	}
	return dir, nil
}

// WriteMirror writes the given config to `path`.
func WriteMirror(path string, cfg Mirror) error {
	cfg.Version = SupportedMirrorConfigVersion
	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

func (m Mirror) String() string {
	return fmt.Sprintf("%s (%s)", m.Repository, m.Backend)
}
