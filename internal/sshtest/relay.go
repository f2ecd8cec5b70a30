package sshtest

import (
	"fmt"
	"io"
	"net"
	"os"
	"testing"
)

// RelayEnv makes a test binary act as a stdio relay when it is set.
const RelayEnv = "SSHTEST_RELAY"

// MaybeRelay turns the current process into a relay between stdio and
// the TCP address given as host and port arguments, if RelayEnv is set.
// It must be called from TestMain before the tests run.
func MaybeRelay() {
	if os.Getenv(RelayEnv) == "" {
		return
	}

	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: relay host port")
		os.Exit(2)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(os.Args[1], os.Args[2]))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	go func() {
		_, _ = io.Copy(conn, os.Stdin)
		_ = conn.(*net.TCPConn).CloseWrite()
	}()
	_, _ = io.Copy(os.Stdout, conn)

	os.Exit(0)
}

// ProxyCommand returns an OpenSSH ProxyCommand that tunnels through the
// running test binary. The package under test must call MaybeRelay.
func ProxyCommand(t testing.TB) string {
	t.Helper()

	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv(RelayEnv, "1")

	return exe + " %h %p"
}
