// Package sshtest provides an in-process SSH server for tests.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	// User is the login accepted by the server.
	User = "test"
	// Password is the password accepted by the server.
	Password = "test"
)

// Exec describes a command received by the server.
type Exec struct {
	Command string
	Pty     bool
	Agent   bool
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// Handler runs a command and returns its exit status.
type Handler func(e *Exec) int

// Server is a minimal SSH server supporting exec requests,
// pseudo terminals, agent forwarding requests and sftp.
type Server struct {
	Host string
	Port int

	handler  Handler
	config   *ssh.ServerConfig
	hostKey  ssh.PublicKey
	listener net.Listener

	mu         sync.Mutex
	authorized []byte
	conns      []net.Conn
	requests   []string
	commands   []string
	wg         sync.WaitGroup
}

// New starts a server on a random local port. It is stopped when
// the test finishes.
func New(t testing.TB, handler Handler) *Server {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}

	s := &Server{handler: handler, hostKey: signer.PublicKey()}
	s.config = &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == User && string(password) == Password {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			s.mu.Lock()
			defer s.mu.Unlock()

			if s.authorized != nil && bytes.Equal(s.authorized, key.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown public key")
		},
	}
	s.config.AddHostKey(signer)

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := s.listener.Addr().(*net.TCPAddr)
	s.Host = addr.IP.String()
	s.Port = addr.Port

	s.wg.Add(1)
	go s.serve()

	t.Cleanup(s.Close)

	return s
}

// Authorize accepts the given public key for User.
func (s *Server) Authorize(key ssh.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.authorized = key.Marshal()
}

// Fingerprint returns the SHA256 fingerprint of the host key.
func (s *Server) Fingerprint() string {
	return ssh.FingerprintSHA256(s.hostKey)
}

// Requests returns the types of all channel requests in arrival order.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.requests...)
}

// Commands returns all executed commands in arrival order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.commands...)
}

// SSHConfig returns an OpenSSH client config block that maps
// alias to this server.
func (s *Server) SSHConfig(alias string, extra ...string) string {
	block := fmt.Sprintf("Host %s\n  HostName %s\n  Port %d\n", alias, s.Host, s.Port)
	for _, line := range extra {
		block += "  " + line + "\n"
	}
	return block
}

// Close stops the server and drops all connections.
func (s *Server) Close() {
	s.listener.Close()

	s.mu.Lock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// WriteSSHConfig writes the given blocks into a config file
// inside a temporary directory and returns its path.
func WriteSSHConfig(t testing.TB, blocks ...string) string {
	t.Helper()

	var content bytes.Buffer
	for _, block := range blocks {
		content.WriteString(block)
	}

	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, content.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// ClosedPort returns a local port that refuses connections.
func ClosedPort(t testing.TB) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	return port
}

func (s *Server) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sconn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go s.handleSession(channel, requests)
	}
}

func (s *Server) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	var pty, agent bool

	for req := range requests {
		s.mu.Lock()
		s.requests = append(s.requests, req.Type)
		s.mu.Unlock()

		switch req.Type {
		case "pty-req":
			pty = true
			req.Reply(true, nil)
		case "auth-agent-req@openssh.com":
			agent = true
			req.Reply(true, nil)
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)

			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()

			go s.exec(channel, &Exec{
				Command: payload.Command,
				Pty:     pty,
				Agent:   agent,
				Stdin:   channel,
				Stdout:  channel,
				Stderr:  channel.Stderr(),
			})
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)

			go func() {
				defer channel.Close()

				server, err := sftp.NewServer(channel)
				if err != nil {
					return
				}
				_ = server.Serve()
			}()
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) exec(channel ssh.Channel, e *Exec) {
	status := s.handler(e)

	_ = channel.CloseWrite()
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
	_ = channel.Close()
}
