package sshx

import (
	"context"
	"errors"
	"io"
	"net"
	"os/exec"
	"strings"
	"time"
)

// expandProxyCommand substitutes the OpenSSH tokens %h, %p, %r and %%.
func expandProxyCommand(command, host, port, user string) string {
	return strings.NewReplacer(
		"%%", "%",
		"%h", host,
		"%p", port,
		"%r", user,
	).Replace(command)
}

// proxyConn tunnels the SSH transport through the stdio of a local command.
type proxyConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	addr   proxyAddr
}

func dialProxyCommand(ctx context.Context, command string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The shell is replaced by the proxy command, so that killing
	// the process on close does not leave the command running.
	cmd := exec.Command("sh", "-c", "exec "+command)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &proxyConn{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		addr:   proxyAddr(command),
	}, nil
}

func (c *proxyConn) Read(b []byte) (int, error)  { return c.stdout.Read(b) }
func (c *proxyConn) Write(b []byte) (int, error) { return c.stdin.Write(b) }

func (c *proxyConn) Close() error {
	err := c.stdin.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func (c *proxyConn) LocalAddr() net.Addr  { return c.addr }
func (c *proxyConn) RemoteAddr() net.Addr { return c.addr }

// Deadlines are not supported on pipes. The handshake is bounded
// by closing the connection instead.
func (c *proxyConn) SetDeadline(t time.Time) error      { return nil }
func (c *proxyConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *proxyConn) SetWriteDeadline(t time.Time) error { return nil }

type proxyAddr string

func (a proxyAddr) Network() string { return "proxy" }
func (a proxyAddr) String() string  { return string(a) }
