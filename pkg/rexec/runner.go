// Package rexec provides APIs to execute commands on remote machines.
package rexec

import "context"

// Task is a single unit of work of a batch: one command
// that should be run on one host.
type Task struct {
	Host    string
	Command string
}

// Result is the outcome of a command that ran to completion
// on a remote host. A non-zero exit status is not an error.
type Result struct {
	Host       string
	Command    string
	ExitStatus int
	Stdout     []byte
	Stderr     []byte
}

// Success reports whether the command exited with status 0.
func (r *Result) Success() bool {
	return r != nil && r.ExitStatus == 0
}

// Runner is the interface for running commands. This
// can be for example via an SSH session, inside a pod
// or on the local machine.
type Runner interface {
	// Connect establishes a connection to the execution
	// environment.
	Connect(ctx context.Context) error
	// Run runs a command and waits for it to exit.
	Run(ctx context.Context, cmd Cmd) (*Result, error)
	// RunPrivileged runs a command with elevated privileges. A nil
	// password makes the runner use its cached or prompted password.
	RunPrivileged(ctx context.Context, cmd Cmd, password []byte) (*Result, error)
	// Disconnect closes the connection to the execution
	// environment. It must be safe to call at any time.
	Disconnect() error
}
