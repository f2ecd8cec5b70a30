package sshx

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/term"
)

// PromptFunc reads a secret interactively.
type PromptFunc func(prompt string) ([]byte, error)

var promptMu sync.Mutex

// TerminalPrompt reads a password from the controlling terminal
// without echoing it. Concurrent prompts are serialized.
func TerminalPrompt(prompt string) ([]byte, error) {
	promptMu.Lock()
	defer promptMu.Unlock()

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("cannot prompt for password: stdin is not a terminal")
	}

	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(fd)
	// ReadPassword swallows the newline typed by the user.
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}

	return password, nil
}
