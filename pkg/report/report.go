// Package report logs the outcome of a batch and reduces it
// to a single success signal.
package report

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nicklasfrahm/sshbatch/pkg/batch"
)

// ErrDecoding is returned if command output is not valid UTF-8.
var ErrDecoding = errors.New("failed to decode output")

// Options contains the configuration for a reporter.
type Options struct {
	Logger *zerolog.Logger
}

// Option applies a configuration option to a reporter.
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

// Reporter logs per host outcomes.
type Reporter struct {
	*Options
}

// New creates a reporter.
func New(options ...Option) (*Reporter, error) {
	opts, err := GetDefaultOptions().Apply(options...)
	if err != nil {
		return nil, err
	}

	return &Reporter{Options: opts}, nil
}

// Reduce logs every entry and returns true only if every task
// completed with exit status 0. An empty result is a success.
func (r *Reporter) Reduce(result batch.Result) bool {
	success := true

	for _, entry := range result {
		log := r.Logger.With().
			Str("host", entry.Task.Host).
			Str("command", entry.Task.Command).
			Logger()

		switch {
		case entry.Err != nil:
			success = false
			log.Error().Err(entry.Err).Msg("Task failed")
		case entry.Result == nil:
			success = false
			log.Error().Msg("Task produced no result")
		case entry.Result.ExitStatus != 0:
			success = false
			stderr, err := Decode(entry.Result.Stderr)
			if err != nil {
				log.Error().Err(err).Msg("Failed to decode stderr")
			}
			log.Error().
				Int("exit_status", entry.Result.ExitStatus).
				Str("stderr", stderr).
				Msg("Command failed")
		default:
			stdout, err := Decode(entry.Result.Stdout)
			if err != nil {
				log.Error().Err(err).Msg("Failed to decode stdout")
			}
			log.Info().
				Str("stdout", stdout).
				Msg("Command succeeded")
		}
	}

	return success
}

// Decode converts command output into text. Invalid byte
// sequences are replaced and reported as ErrDecoding.
func Decode(data []byte) (string, error) {
	if utf8.Valid(data) {
		return string(data), nil
	}

	return strings.ToValidUTF8(string(data), string(utf8.RuneError)),
		fmt.Errorf("%w: invalid utf-8 sequence", ErrDecoding)
}
