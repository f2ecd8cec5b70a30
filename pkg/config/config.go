// Package config loads the optional configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/nicklasfrahm/sshbatch/pkg/sshx"
)

// DefaultPath is the configuration file that is read if it exists.
const DefaultPath = "sshbatch.yml"

// ErrInvalid is returned if the configuration is unusable.
var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New()

// SSH describes how to authenticate against the hosts.
type SSH struct {
	User         string `yaml:"user"`
	KeyFile      string `yaml:"key-file"`
	Key          string `yaml:"key" validate:"excluded_with=KeyFile"`
	Passphrase   string `yaml:"passphrase"`
	Password     string `yaml:"password"`
	Sudo         bool   `yaml:"sudo"`
	SudoPassword string `yaml:"sudo-password"`
	// Fingerprint is the SHA256 fingerprint of the host key. If
	// it is empty, host keys are not verified.
	Fingerprint string `yaml:"fingerprint" validate:"omitempty,startswith=SHA256:"`
}

// PrivateKey returns the PEM encoded private key, either
// inline or read from the key file.
func (s *SSH) PrivateKey() ([]byte, error) {
	if s.Key != "" {
		return []byte(s.Key), nil
	}
	if s.KeyFile == "" {
		return nil, nil
	}

	path, err := homedir.Expand(s.KeyFile)
	if err != nil {
		return nil, err
	}

	return os.ReadFile(path)
}

// Config describes a batch invocation.
type Config struct {
	SSH SSH `yaml:"ssh"`

	// Env is passed to every command.
	Env map[string]string `yaml:"env"`
	// Shell wraps every command in `sh -c`.
	Shell bool `yaml:"shell"`

	PollInterval   time.Duration `yaml:"poll-interval" validate:"gt=0"`
	ConnectTimeout time.Duration `yaml:"connect-timeout" validate:"gt=0"`
	// Concurrency limits concurrently running hosts in async
	// mode. Zero means no limit.
	Concurrency int    `yaml:"concurrency" validate:"gte=0"`
	SSHConfig   string `yaml:"ssh-config"`
	ScriptDir   string `yaml:"script-dir"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		PollInterval:   sshx.DefaultPollInterval,
		ConnectTimeout: sshx.DefaultTimeout,
		SSHConfig:      sshx.DefaultSSHConfigPath,
		ScriptDir:      sshx.DefaultScriptDir,
	}
}

// Load reads the configuration file at path on top of the defaults.
// A missing file is only an error if required is set.
func Load(path string, required bool) (*Config, error) {
	config := Default()

	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}

	configBytes, err := os.ReadFile(expanded)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return config, nil
		}
		return nil, err
	}

	// Parse YAML config into struct.
	if err := yaml.Unmarshal(configBytes, config); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}

	return config, nil
}

// Merge applies all non-empty values of overrides.
func (c *Config) Merge(overrides *Config) error {
	if overrides == nil {
		return nil
	}
	return mergo.Merge(c, overrides, mergo.WithOverride)
}

// Verify verifies the configuration.
func (c *Config) Verify() error {
	if c == nil {
		return fmt.Errorf("%w: configuration empty", ErrInvalid)
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	return nil
}
