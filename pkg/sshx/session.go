package sshx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/nicklasfrahm/sshbatch/pkg/rexec"
	"github.com/nicklasfrahm/sshbatch/pkg/sink"
)

const (
	sshAuthSockEnv  = "SSH_AUTH_SOCK"
	privilegePrefix = "sudo "
)

var (
	// ErrConnection is returned if a host can not be reached or
	// refuses authentication.
	ErrConnection = errors.New("connection failed")
	// ErrInactiveSession is returned if a command is run on a
	// session without an active transport.
	ErrInactiveSession = errors.New("ssh connection is not active")
	// ErrIllegalState is returned if Connect is called more than once.
	ErrIllegalState = errors.New("illegal session state")
)

// State is the lifecycle state of a session.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Session owns one authenticated connection to a single host.
// Commands run sequentially, never concurrently on the same session.
type Session struct {
	*Options

	host string
	log  zerolog.Logger

	mu           sync.Mutex
	state        State
	client       *ssh.Client
	agentConn    net.Conn
	forwardAgent bool
	closed       atomic.Bool

	exec     sync.Mutex
	password []byte
}

// NewSession creates a session for the given host alias.
// It does not connect.
func NewSession(host string, options ...Option) (*Session, error) {
	opts, err := GetDefaultOptions().Apply(options...)
	if err != nil {
		return nil, err
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	return &Session{
		Options: opts,
		host:    host,
		log:     opts.Logger.With().Str("host", host).Logger(),
	}, nil
}

// Host returns the host alias of the session.
func (s *Session) Host() string {
	return s.host
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Connect resolves the host configuration and establishes an
// authenticated connection. It may only be called once.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateCreated {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: connect called while %s", ErrIllegalState, state)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	client, err := s.dial(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.state = StateDisconnected
		return fmt.Errorf("%w: %s: %v", ErrConnection, s.host, err)
	}

	// Disconnect was called while we were still dialing.
	if s.state == StateDisconnected {
		client.Close()
		return fmt.Errorf("%w: %s: session disconnected while connecting", ErrConnection, s.host)
	}

	s.client = client
	s.state = StateActive

	go func() {
		_ = client.Wait()
		s.closed.Store(true)
	}()

	s.log.Info().Msg("Connected")

	return nil
}

func (s *Session) dial(ctx context.Context) (*ssh.Client, error) {
	hc, err := s.HostConfig.Lookup(s.host)
	if err != nil {
		return nil, err
	}
	s.log.Debug().
		Str("hostname", hc.HostName).
		Int("port", hc.Port).
		Str("proxy_command", hc.ProxyCommand).
		Bool("forward_agent", hc.ForwardAgent).
		Msg("Resolved host configuration")

	hostname := s.host
	if hc.HostName != "" {
		hostname = hc.HostName
	}
	port := 22
	if hc.Port != 0 {
		port = hc.Port
	}
	username := s.Credential.User()
	if username == "" {
		username = hc.User
	}
	if username == "" {
		if username, err = currentUser(); err != nil {
			return nil, err
		}
	}

	config, err := s.clientConfig(username)
	if err != nil {
		return nil, err
	}

	address := net.JoinHostPort(hostname, strconv.Itoa(port))

	var conn net.Conn
	if hc.ProxyCommand != "" {
		command := expandProxyCommand(hc.ProxyCommand, hostname, strconv.Itoa(port), username)
		s.log.Debug().Str("proxy_command", command).Msg("Tunneling through proxy command")
		conn, err = dialProxyCommand(ctx, command)
	} else {
		dialer := net.Dialer{Timeout: s.Timeout}
		conn, err = dialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, err
	}

	client, err := s.handshake(ctx, conn, address, config)
	if err != nil {
		return nil, err
	}

	if hc.ForwardAgent {
		s.forwardAgent = s.setupAgentForwarding(client)
	}

	return client, nil
}

type handshakeResult struct {
	conn  ssh.Conn
	chans <-chan ssh.NewChannel
	reqs  <-chan *ssh.Request
	err   error
}

// handshake runs the SSH handshake on conn. It is bounded by the connect
// timeout and the context on every transport, including proxy commands
// whose pipes do not support deadlines.
func (s *Session) handshake(ctx context.Context, conn net.Conn, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	_ = conn.SetDeadline(time.Now().Add(s.Timeout))

	done := make(chan handshakeResult, 1)
	go func() {
		var r handshakeResult
		r.conn, r.chans, r.reqs, r.err = ssh.NewClientConn(conn, address, config)
		done <- r
	}()

	timer := time.NewTimer(s.Timeout)
	defer timer.Stop()

	var abort error
	select {
	case r := <-done:
		if r.err != nil {
			conn.Close()
			return nil, r.err
		}
		_ = conn.SetDeadline(time.Time{})
		return ssh.NewClient(r.conn, r.chans, r.reqs), nil
	case <-ctx.Done():
		abort = ctx.Err()
	case <-timer.C:
		abort = fmt.Errorf("handshake timed out after %s", s.Timeout)
	}

	// Closing the transport makes the pending handshake fail.
	conn.Close()
	if r := <-done; r.err == nil {
		r.conn.Close()
	}
	return nil, abort
}

// clientConfig creates a client config that is compatible with
// the `golang.org/x/crypto/ssh` package.
func (s *Session) clientConfig(username string) (*ssh.ClientConfig, error) {
	methods := s.Credential.AuthMethods()
	if len(methods) == 0 {
		// Fall back to the keys held by the SSH agent.
		conn, err := net.Dial("unix", os.Getenv(sshAuthSockEnv))
		if err != nil {
			return nil, errors.New("no authentication method specified")
		}
		s.mu.Lock()
		s.agentConn = conn
		s.mu.Unlock()
		methods = []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}
	}

	hostKeyCallback := s.HostKeyCallback
	if hostKeyCallback == nil {
		s.log.Warn().Msg("Skipping host key verification is insecure!")
		s.log.Warn().Msg("Please consider using fingerprint verification!")
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		User:            username,
		Timeout:         s.Timeout,
	}, nil
}

func (s *Session) setupAgentForwarding(client *ssh.Client) bool {
	sock := os.Getenv(sshAuthSockEnv)
	if sock == "" {
		s.log.Warn().Msg("Agent forwarding requested, but no agent is running")
		return false
	}

	if err := agent.ForwardToRemote(client, sock); err != nil {
		s.log.Warn().Err(err).Msg("Failed to set up agent forwarding")
		return false
	}

	s.log.Debug().Msg("Agent forwarding is enabled")
	return true
}

// FingerprintCallback verifies the host key against a SHA256 fingerprint.
func FingerprintCallback(fingerprint string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, pubKey ssh.PublicKey) error {
		actual := ssh.FingerprintSHA256(pubKey)
		if fingerprint != actual {
			return fmt.Errorf("fingerprint mismatch: server fingerprint: %s", actual)
		}
		return nil
	}
}

// IsActive reports whether the session has an open transport.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state == StateActive && s.client != nil && !s.closed.Load()
}

// Run runs a command and waits for it to exit. A non-zero exit
// status is reported through the result, not as an error.
func (s *Session) Run(ctx context.Context, cmd rexec.Cmd) (*rexec.Result, error) {
	s.exec.Lock()
	defer s.exec.Unlock()

	return s.run(ctx, cmd, "")
}

// RunPrivileged runs a command via sudo. The password is sent to the
// remote side through a pseudo terminal. If password is nil, the cached
// password is used and the user is prompted if there is none.
func (s *Session) RunPrivileged(ctx context.Context, cmd rexec.Cmd, password []byte) (*rexec.Result, error) {
	s.exec.Lock()
	defer s.exec.Unlock()

	if !s.IsActive() {
		s.log.Error().Msg("SSH connection is not active")
		return nil, fmt.Errorf("%w: %s", ErrInactiveSession, s.host)
	}

	if password != nil {
		s.password = password
	}
	if s.password == nil {
		prompted, err := s.Prompt(fmt.Sprintf("[sudo] password for %s: ", s.host))
		if err != nil {
			return nil, err
		}
		// An empty answer is a valid password and must not prompt again.
		s.password = append([]byte{}, prompted...)
	}

	stdin := make([]byte, 0, len(s.password)+1)
	stdin = append(stdin, s.password...)
	cmd.Stdin = append(stdin, '\n')
	cmd.Pty = true

	return s.run(ctx, cmd, privilegePrefix)
}

func (s *Session) run(ctx context.Context, cmd rexec.Cmd, prefix string) (*rexec.Result, error) {
	if !s.IsActive() {
		s.log.Error().Msg("SSH connection is not active")
		return nil, fmt.Errorf("%w: %s", ErrInactiveSession, s.host)
	}

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if cmd.Script != nil {
		sc, err := sftp.NewClient(client)
		if err != nil {
			return nil, fmt.Errorf("failed to start sftp: %w", err)
		}
		defer sc.Close()

		scriptPath, err := s.upload(sc, cmd.Script)
		if err != nil {
			return nil, err
		}
		defer s.remove(sc, scriptPath)

		cmd.Cmd = "sh " + rexec.Quote(scriptPath)
		cmd.Shell = false
	}

	command := prefix + cmd.String()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	// Forwarding has to be requested before the command starts.
	if s.forwardAgent {
		if err := agent.RequestAgentForwarding(session); err != nil {
			s.log.Warn().Err(err).Msg("Failed to request agent forwarding")
		}
	}

	stdout := new(syncBuffer)
	stderr := new(syncBuffer)
	session.Stdout = stdout
	session.Stderr = stderr

	if cmd.Pty {
		modes := ssh.TerminalModes{
			ssh.ECHO:          0,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := session.RequestPty("xterm", 40, 80, modes); err != nil {
			return nil, fmt.Errorf("request for pty failed: %w", err)
		}
		session.Stderr = stdout
	}

	var stdin io.WriteCloser
	if cmd.Stdin != nil {
		if stdin, err = session.StdinPipe(); err != nil {
			return nil, err
		}
	}

	s.log.Debug().Msg("Running command")
	if err := session.Start(command); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	if stdin != nil {
		if _, err := stdin.Write(cmd.Stdin); err != nil {
			s.log.Warn().Err(err).Msg("Failed to write stdin")
		}
	}

	status, err := s.wait(ctx, session)
	if err != nil {
		return nil, err
	}

	if status != 0 {
		s.log.Warn().Int("exit_status", status).Msg("Exit status is not zero")
	}

	result := &rexec.Result{
		Host:       s.host,
		Command:    command,
		ExitStatus: status,
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
	}

	s.publish(s.Stdout, result.Stdout)
	s.publish(s.Stderr, result.Stderr)

	return result, nil
}

// wait polls for the exit of the remote command at the configured
// interval. Session.Wait only returns after stdout and stderr have
// been copied into the local buffers, so no separate drain is needed.
func (s *Session) wait(ctx context.Context, session *ssh.Session) (int, error) {
	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	ticker := backoff.NewTicker(backoff.NewConstantBackOff(s.PollInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGKILL)
			return 0, ctx.Err()
		case <-ticker.C:
			select {
			case err := <-done:
				return exitStatus(err)
			default:
				s.log.Trace().Msg("Waiting for command to exit")
			}
		}
	}
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}

	// The remote side closed the channel without reporting a status.
	var missingErr *ssh.ExitMissingError
	if errors.As(err, &missingErr) {
		return -1, nil
	}

	return 0, err
}

func (s *Session) publish(q *sink.Sink, data []byte) {
	if q == nil || len(data) == 0 {
		return
	}

	if !utf8.Valid(data) {
		s.log.Error().Msg("Failed to decode output, not publishing it")
		return
	}

	q.Publish(sink.Chunk{Host: s.host, Text: string(data)})
}

func (s *Session) upload(sc *sftp.Client, script []byte) (string, error) {
	scriptPath := path.Join(s.ScriptDir, fmt.Sprintf("sshbatch-%s.sh", uuid.NewString()))

	file, err := sc.Create(scriptPath)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", scriptPath, err)
	}

	if _, err := file.Write(script); err != nil {
		file.Close()
		return "", fmt.Errorf("failed to upload %s: %w", scriptPath, err)
	}
	if err := file.Close(); err != nil {
		return "", err
	}

	if err := sc.Chmod(scriptPath, 0o700); err != nil {
		return "", err
	}

	s.log.Debug().Str("path", scriptPath).Msg("Uploaded script")
	return scriptPath, nil
}

func (s *Session) remove(sc *sftp.Client, scriptPath string) {
	if err := sc.Remove(scriptPath); err != nil {
		s.log.Warn().Err(err).Str("path", scriptPath).Msg("Failed to remove script")
	}
}

// Disconnect closes the connection. It is safe to call in any state
// and more than once.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateDisconnected

	if s.agentConn != nil {
		s.agentConn.Close()
		s.agentConn = nil
	}

	if s.client == nil {
		return nil
	}

	err := s.client.Close()
	s.client = nil
	s.log.Debug().Msg("Disconnected")

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func currentUser() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

// syncBuffer is a bytes.Buffer that may be written from the stdout
// and stderr copy goroutines at the same time.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	return bytes.Clone(b.buf.Bytes())
}
