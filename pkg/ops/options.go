package ops

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nicklasfrahm/sshbatch/pkg/config"
	"github.com/nicklasfrahm/sshbatch/pkg/sshx"
)

const (
	// Program is used to configure the name of the configuration file.
	Program = "sshbatch"
)

// Options contains the configuration for an operation.
type Options struct {
	ConfigPath     string
	ConfigRequired bool
	Overrides      *config.Config
	Logger         *zerolog.Logger
	Async          bool
	Stream         bool
	Output         io.Writer
	Script         []byte
	Prompt         sshx.PromptFunc
}

// Option applies a configuration option
// for the execution of an operation.
type Option func(options *Options) error

// Apply applies the option functions to the current set of options.
func (o *Options) Apply(options ...Option) (*Options, error) {
	for _, option := range options {
		if err := option(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// GetDefaultOptions returns the default options
// for all operations of this library.
func GetDefaultOptions() *Options {
	logger := log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})

	return &Options{
		ConfigPath: Program + ".yml",
		Logger:     &logger,
		Output:     os.Stdout,
		Prompt:     sshx.TerminalPrompt,
	}
}

// WithConfigPath overrides the default configuration path.
// The file must exist.
func WithConfigPath(configPath string) Option {
	return func(options *Options) error {
		options.ConfigPath = configPath
		options.ConfigRequired = true
		return nil
	}
}

// WithOverrides merges the given values over the configuration file.
func WithOverrides(overrides *config.Config) Option {
	return func(options *Options) error {
		options.Overrides = overrides
		return nil
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(options *Options) error {
		options.Logger = logger
		return nil
	}
}

// WithAsync runs all hosts concurrently.
func WithAsync(async bool) Option {
	return func(options *Options) error {
		options.Async = async
		return nil
	}
}

// WithStream prints output to w as soon as a host completes.
func WithStream(w io.Writer) Option {
	return func(options *Options) error {
		options.Stream = true
		options.Output = w
		return nil
	}
}

// WithScript uploads and runs a script instead of a command.
func WithScript(script []byte) Option {
	return func(options *Options) error {
		options.Script = script
		return nil
	}
}

// WithPrompt overrides how passwords are read interactively.
func WithPrompt(prompt sshx.PromptFunc) Option {
	return func(options *Options) error {
		options.Prompt = prompt
		return nil
	}
}
