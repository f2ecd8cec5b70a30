package rexec

import (
	"fmt"
	"sort"
	"strings"
)

// Cmd describes a command to be executed on the remote host.
type Cmd struct {
	Cmd   string
	Env   map[string]string
	Shell bool
	// Stdin is written to the remote process right after it started.
	Stdin []byte
	// Pty requests a pseudo terminal, which combines stderr into stdout.
	Pty bool
	// Script is uploaded to the remote host and executed instead of Cmd.
	Script []byte
}

// String compiles the command to be executed. Environment
// variables are emitted in lexical order so that the compiled
// command is stable across runs.
func (c *Cmd) String() string {
	cmd := c.Cmd

	// Note that we also need to wrap the command in a
	// shell if we want to inject environment variables.
	if c.Shell || len(c.Env) > 0 {
		cmd = fmt.Sprintf("sh -c %s", Quote(c.Cmd))
	}

	if len(c.Env) > 0 {
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		vars := make([]string, 0, len(keys))
		for _, k := range keys {
			vars = append(vars, fmt.Sprintf("%s=%s", k, Quote(c.Env[k])))
		}

		cmd = fmt.Sprintf("env %s %s", strings.Join(vars, " "), cmd)
	}

	return cmd
}

// Quote wraps s in single quotes for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
