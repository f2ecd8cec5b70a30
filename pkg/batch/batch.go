// Package batch runs one task per host and gathers the results
// in task order.
package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nicklasfrahm/sshbatch/pkg/rexec"
)

// ErrPanic is returned for a task whose unit of work panicked.
var ErrPanic = errors.New("task panicked")

// Factory creates an unconnected runner for a task.
type Factory func(task rexec.Task) (rexec.Runner, error)

// Entry pairs the outcome of a task with the task itself. Result
// is nil if the task failed before the command completed.
type Entry struct {
	Task   rexec.Task
	Result *rexec.Result
	Err    error
}

// Failed reports whether the task failed or exited non-zero.
func (e Entry) Failed() bool {
	return e.Err != nil || !e.Result.Success()
}

// Result holds one entry per task in task order.
type Result []Entry

// Coordinator runs the full lifecycle of one runner per task.
type Coordinator struct {
	*Options

	factory Factory
}

// New creates a coordinator that builds its runners with factory.
func New(factory Factory, options ...Option) (*Coordinator, error) {
	if factory == nil {
		return nil, errors.New("runner factory must not be nil")
	}

	opts, err := GetDefaultOptions().Apply(options...)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		Options: opts,
		factory: factory,
	}, nil
}

// Run executes all tasks and waits for every one of them, regardless
// of failures. A failing task never cancels the others.
func (c *Coordinator) Run(ctx context.Context, tasks []rexec.Task) Result {
	result := make(Result, len(tasks))
	if len(tasks) == 0 {
		return result
	}

	logger := c.Logger.With().Str("run", uuid.NewString()).Logger()
	logger.Debug().
		Int("tasks", len(tasks)).
		Bool("async", c.Async).
		Int("concurrency", c.Concurrency).
		Msg("Starting batch")

	if !c.Async {
		for i, task := range tasks {
			result[i] = c.runTask(ctx, &logger, task)
		}
		return result
	}

	// A plain group, so that one unit can never cancel its siblings.
	group := new(errgroup.Group)
	if c.Concurrency > 0 {
		group.SetLimit(c.Concurrency)
	}

	for i, task := range tasks {
		i, task := i, task
		group.Go(func() error {
			result[i] = c.runTask(ctx, &logger, task)
			return nil
		})
	}

	_ = group.Wait()

	return result
}

// runTask connects, runs the command and always disconnects.
func (c *Coordinator) runTask(ctx context.Context, logger *zerolog.Logger, task rexec.Task) (entry Entry) {
	entry.Task = task
	log := logger.With().Str("host", task.Host).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic")
			entry.Result = nil
			entry.Err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	runner, err := c.factory(task)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create runner")
		entry.Err = err
		return entry
	}

	defer func() {
		if err := runner.Disconnect(); err != nil {
			log.Warn().Err(err).Msg("Failed to disconnect")
		}
	}()

	if err := runner.Connect(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to connect")
		entry.Err = err
		return entry
	}

	cmd := c.command(task)
	if c.Elevate {
		entry.Result, entry.Err = runner.RunPrivileged(ctx, cmd, c.Password)
	} else {
		entry.Result, entry.Err = runner.Run(ctx, cmd)
	}

	if entry.Err != nil {
		log.Error().Err(entry.Err).Msg("Failed to run command")
		entry.Result = nil
	}

	return entry
}

func (c *Coordinator) command(task rexec.Task) rexec.Cmd {
	return rexec.Cmd{
		Cmd:    task.Command,
		Env:    c.Env,
		Shell:  c.Shell,
		Script: c.Script,
	}
}
