package sshx

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/nicklasfrahm/sshbatch/pkg/credential"
	"github.com/nicklasfrahm/sshbatch/pkg/sink"
)

const (
	// DefaultTimeout is the time allowed to establish a connection.
	DefaultTimeout = 10 * time.Second
	// DefaultPollInterval is the interval at which a running
	// command is checked for completion.
	DefaultPollInterval = time.Second
	// DefaultScriptDir is the remote directory scripts are uploaded to.
	DefaultScriptDir = "/tmp"
)

// Options contains the configuration for an operation.
type Options struct {
	Logger          *zerolog.Logger
	Credential      *credential.Credential
	HostConfig      HostConfigSource
	HostKeyCallback ssh.HostKeyCallback
	Timeout         time.Duration
	PollInterval    time.Duration
	Stdout          *sink.Sink
	Stderr          *sink.Sink
	Prompt          PromptFunc
	ScriptDir       string
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
	logger := zerolog.Nop()

	return &Options{
		Logger:       &logger,
		HostConfig:   NewFileHostConfig(DefaultSSHConfigPath),
		Timeout:      DefaultTimeout,
		PollInterval: DefaultPollInterval,
		Prompt:       TerminalPrompt,
		ScriptDir:    DefaultScriptDir,
	}
}

// WithLogger allows to use a custom logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(options *Options) error {
		options.Logger = logger
		return nil
	}
}

// WithCredential sets the shared credential. Without a
// credential the SSH agent is used for authentication.
func WithCredential(cred *credential.Credential) Option {
	return func(options *Options) error {
		options.Credential = cred
		return nil
	}
}

// WithHostConfig overrides the source of per-host overrides.
func WithHostConfig(source HostConfigSource) Option {
	return func(options *Options) error {
		options.HostConfig = source
		return nil
	}
}

// WithHostKeyCallback configures host key verification.
func WithHostKeyCallback(callback ssh.HostKeyCallback) Option {
	return func(options *Options) error {
		options.HostKeyCallback = callback
		return nil
	}
}

// WithTimeout allows to set a custom connect timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(options *Options) error {
		options.Timeout = timeout
		return nil
	}
}

// WithPollInterval sets how often a running command is
// checked for completion.
func WithPollInterval(interval time.Duration) Option {
	return func(options *Options) error {
		options.PollInterval = interval
		return nil
	}
}

// WithSinks publishes decoded output to the given sinks.
// Either sink may be nil.
func WithSinks(stdout, stderr *sink.Sink) Option {
	return func(options *Options) error {
		options.Stdout = stdout
		options.Stderr = stderr
		return nil
	}
}

// WithPrompt overrides how the password for privilege
// escalation is obtained interactively.
func WithPrompt(prompt PromptFunc) Option {
	return func(options *Options) error {
		options.Prompt = prompt
		return nil
	}
}

// WithScriptDir sets the remote directory scripts are uploaded to.
func WithScriptDir(dir string) Option {
	return func(options *Options) error {
		options.ScriptDir = dir
		return nil
	}
}
