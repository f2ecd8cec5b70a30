package ops

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicklasfrahm/sshbatch/internal/sshtest"
	"github.com/nicklasfrahm/sshbatch/pkg/config"
	"github.com/nicklasfrahm/sshbatch/pkg/credential"
)

func handler(e *sshtest.Exec) int {
	switch e.Command {
	case "echo ok":
		io.WriteString(e.Stdout, "ok\n")
		return 0
	case "false":
		io.WriteString(e.Stderr, "boom\n")
		return 1
	case "sudo id":
		buf := make([]byte, 64)
		n, _ := e.Stdin.Read(buf)
		if string(buf[:n]) != "secret\n" {
			return 1
		}
		io.WriteString(e.Stdout, "uid=0(root)\n")
		return 0
	}
	return 127
}

type env struct {
	logs   *bytes.Buffer
	config string
	logger zerolog.Logger
}

func newEnv(t *testing.T, sshConfig string, extra string) *env {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sshbatch.yml")
	content := fmt.Sprintf(`ssh:
  user: %s
  password: %s
%spoll-interval: 5ms
connect-timeout: 2s
ssh-config: %s
`, sshtest.User, sshtest.Password, extra, sshConfig)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	logs := new(bytes.Buffer)
	return &env{
		logs:   logs,
		config: path,
		logger: zerolog.New(logs),
	}
}

func (e *env) exec(hosts []string, command string, options ...Option) (bool, error) {
	options = append([]Option{WithConfigPath(e.config), WithLogger(&e.logger)}, options...)
	return Exec(context.Background(), hosts, command, options...)
}

func TestExecAllSucceed(t *testing.T) {
	server := sshtest.New(t, handler)
	sshConfig := sshtest.WriteSSHConfig(t, server.SSHConfig("h1"), server.SSHConfig("h2"))

	for _, async := range []bool{false, true} {
		e := newEnv(t, sshConfig, "")

		ok, err := e.exec([]string{"h1", "h2"}, "echo ok", WithAsync(async))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Contains(t, e.logs.String(), `"host":"h1"`)
		assert.Contains(t, e.logs.String(), `"host":"h2"`)
	}
}

func TestExecNonZeroExit(t *testing.T) {
	server := sshtest.New(t, handler)
	sshConfig := sshtest.WriteSSHConfig(t, server.SSHConfig("h1"))
	e := newEnv(t, sshConfig, "")

	ok, err := e.exec([]string{"h1"}, "false")
	require.NoError(t, err)
	assert.False(t, ok)

	var failure string
	for _, line := range strings.Split(e.logs.String(), "\n") {
		if strings.Contains(line, `"message":"Command failed"`) {
			failure = line
		}
	}
	require.NotEmpty(t, failure)
	assert.Contains(t, failure, `"level":"error"`)
	assert.Contains(t, failure, `"host":"h1"`)
	assert.Contains(t, failure, `"command":"false"`)
	assert.Contains(t, failure, `"exit_status":1`)
	assert.Contains(t, failure, `"stderr":"boom\n"`)
}

func TestExecUnreachableHost(t *testing.T) {
	server := sshtest.New(t, handler)
	sshConfig := sshtest.WriteSSHConfig(t,
		server.SSHConfig("h1"),
		fmt.Sprintf("Host down\n  HostName 127.0.0.1\n  Port %d\n", sshtest.ClosedPort(t)),
		server.SSHConfig("h2"),
	)
	e := newEnv(t, sshConfig, "")

	ok, err := e.exec([]string{"h1", "down", "h2"}, "echo ok", WithAsync(true))
	require.NoError(t, err)
	assert.False(t, ok)

	// The other hosts still ran the command.
	assert.Equal(t, []string{"echo ok", "echo ok"}, server.Commands())
}

func TestExecEmptyHosts(t *testing.T) {
	e := newEnv(t, filepath.Join(t.TempDir(), "config"), "")

	ok, err := e.exec(nil, "echo ok", WithAsync(true))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExecPrivilegedAsyncPromptsOnce(t *testing.T) {
	server := sshtest.New(t, handler)
	sshConfig := sshtest.WriteSSHConfig(t, server.SSHConfig("h1"), server.SSHConfig("h2"), server.SSHConfig("h3"))
	e := newEnv(t, sshConfig, "")

	prompts := 0
	prompt := func(string) ([]byte, error) {
		prompts++
		return []byte("secret"), nil
	}

	ok, err := e.exec([]string{"h1", "h2", "h3"}, "id",
		WithAsync(true),
		WithPrompt(prompt),
		WithOverrides(&config.Config{SSH: config.SSH{Sudo: true}}),
	)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, prompts)
}

func TestExecFingerprint(t *testing.T) {
	server := sshtest.New(t, handler)
	sshConfig := sshtest.WriteSSHConfig(t, server.SSHConfig("h1"))

	e := newEnv(t, sshConfig, "  fingerprint: "+server.Fingerprint()+"\n")
	ok, err := e.exec([]string{"h1"}, "echo ok")
	require.NoError(t, err)
	assert.True(t, ok)

	e = newEnv(t, sshConfig, "  fingerprint: SHA256:unknown\n")
	ok, err = e.exec([]string{"h1"}, "echo ok")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecStream(t *testing.T) {
	server := sshtest.New(t, handler)
	sshConfig := sshtest.WriteSSHConfig(t, server.SSHConfig("h1"), server.SSHConfig("h2"))
	e := newEnv(t, sshConfig, "")

	out := new(bytes.Buffer)
	ok, err := e.exec([]string{"h1", "h2"}, "echo ok", WithAsync(true), WithStream(out))
	require.NoError(t, err)
	assert.True(t, ok)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.ElementsMatch(t, []string{"[h1] ok", "[h2] ok"}, lines)
}

func TestExecInvalidConfig(t *testing.T) {
	e := newEnv(t, "none", "")

	_, err := e.exec([]string{"h1"}, "echo ok", WithOverrides(&config.Config{Concurrency: -1}))
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = Exec(context.Background(), []string{"h1"}, "echo ok", WithConfigPath(filepath.Join(t.TempDir(), "missing.yml")))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestExecInvalidKey(t *testing.T) {
	e := newEnv(t, "none", "")

	_, err := e.exec([]string{"h1"}, "echo ok", WithOverrides(&config.Config{SSH: config.SSH{Key: "garbage"}}))
	assert.ErrorIs(t, err, credential.ErrCredential)
}

func TestExecTimeout(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	server := sshtest.New(t, func(e *sshtest.Exec) int {
		<-block
		return 0
	})
	sshConfig := sshtest.WriteSSHConfig(t, server.SSHConfig("h1"))
	e := newEnv(t, sshConfig, "")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	ok, err := Exec(ctx, []string{"h1"}, "sleep 60", WithConfigPath(e.config), WithLogger(&e.logger))
	require.NoError(t, err)
	assert.False(t, ok)
}
