package batch

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options contains the configuration for a batch run.
type Options struct {
	Logger      *zerolog.Logger
	Async       bool
	Concurrency int
	Elevate     bool
	Password    []byte
	Env         map[string]string
	Shell       bool
	Script      []byte
}

// Option applies a configuration option
// for the execution of a batch.
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
		Logger: &logger,
	}
}

// WithLogger allows to use a custom logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(options *Options) error {
		options.Logger = logger
		return nil
	}
}

// WithAsync runs all tasks concurrently instead of one after another.
func WithAsync(async bool) Option {
	return func(options *Options) error {
		options.Async = async
		return nil
	}
}

// WithConcurrency limits the number of tasks running at
// the same time in async mode. Zero means no limit.
func WithConcurrency(limit int) Option {
	return func(options *Options) error {
		options.Concurrency = limit
		return nil
	}
}

// WithElevate runs all commands with elevated privileges.
func WithElevate(elevate bool) Option {
	return func(options *Options) error {
		options.Elevate = elevate
		return nil
	}
}

// WithPassword supplies the password for privilege escalation.
// Without it every session prompts at most once.
func WithPassword(password []byte) Option {
	return func(options *Options) error {
		options.Password = password
		return nil
	}
}

// WithEnv sets environment variables for every command.
func WithEnv(env map[string]string) Option {
	return func(options *Options) error {
		options.Env = env
		return nil
	}
}

// WithShell wraps every command in a shell.
func WithShell(shell bool) Option {
	return func(options *Options) error {
		options.Shell = shell
		return nil
	}
}

// WithScript uploads and runs the given script instead of the
// command of each task.
func WithScript(script []byte) Option {
	return func(options *Options) error {
		options.Script = script
		return nil
	}
}
