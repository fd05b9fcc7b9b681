package config

import (
	"errors"
	"os"

	"github.com/m-mizutani/goerr/v2"
	domainConfig "github.com/secmon-lab/pushblaster/pkg/domain/model/config"
	"github.com/urfave/cli/v3"
)

// Policy holds the path of the TOML file with safeguard limits and cadence rules
type Policy struct {
	path  string
	watch bool
}

func (x *Policy) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "policy",
			Aliases:     []string{"p"},
			Usage:       "Path to the TOML file with safeguard limits and cadence rules",
			Category:    "Policy",
			Sources:     cli.EnvVars("PUSHBLASTER_POLICY"),
			Destination: &x.path,
		},
		&cli.BoolFlag{
			Name:        "policy-watch",
			Usage:       "Reload the policy file when it changes",
			Category:    "Policy",
			Value:       true,
			Sources:     cli.EnvVars("PUSHBLASTER_POLICY_WATCH"),
			Destination: &x.watch,
		},
	}
}

// Path returns the policy file path. Empty means built-in defaults.
func (x *Policy) Path() string {
	return x.path
}

// Watch reports whether the file should be hot-reloaded
func (x *Policy) Watch() bool {
	return x.path != "" && x.watch
}

// Load reads and validates the policy file. Without a path it returns an empty file, which
// resolves to the built-in defaults.
func (x *Policy) Load() (*domainConfig.PolicyFile, error) {
	if x.path == "" {
		return &domainConfig.PolicyFile{}, nil
	}
	return LoadPolicyFile(x.path)
}

// LoadPolicyFile reads and validates a policy TOML file
func LoadPolicyFile(path string) (*domainConfig.PolicyFile, error) {
	// #nosec G304 - path is expected to be provided by CLI argument
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, goerr.Wrap(ErrConfigNotFound, "policy file not found", goerr.V(ConfigPathKey, path))
		}
		return nil, goerr.Wrap(err, "failed to read policy file", goerr.V(ConfigPathKey, path))
	}

	file, err := domainConfig.ParsePolicyFile(data)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid policy file", goerr.V(ConfigPathKey, path))
	}
	return file, nil
}
