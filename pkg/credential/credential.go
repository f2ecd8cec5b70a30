// Package credential bundles the authentication material that
// is shared read-only by all sessions of a batch.
package credential

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// ErrCredential is returned if the authentication material is
// malformed or cannot be decrypted.
var ErrCredential = errors.New("invalid credential")

// Credential is an immutable set of authentication material. The
// derived authentication methods are computed once on construction.
type Credential struct {
	user     string
	password []byte
	elevate  bool
	signer   ssh.Signer
	methods  []ssh.AuthMethod
}

// Options contains the material a credential is built from.
type Options struct {
	Key        []byte
	Passphrase []byte
	User       string
	Password   []byte
	Elevate    bool
}

// Option applies a configuration option
// for the construction of a credential.
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

// WithKey configures a PEM encoded private key and the
// passphrase to decrypt it. The passphrase may be empty.
func WithKey(key []byte, passphrase []byte) Option {
	return func(options *Options) error {
		options.Key = key
		options.Passphrase = passphrase
		return nil
	}
}

// WithUser sets the login user.
func WithUser(user string) Option {
	return func(options *Options) error {
		options.User = user
		return nil
	}
}

// WithPassword enables password authentication.
func WithPassword(password []byte) Option {
	return func(options *Options) error {
		options.Password = password
		return nil
	}
}

// WithElevate requests that commands are run with elevated privileges.
func WithElevate(elevate bool) Option {
	return func(options *Options) error {
		options.Elevate = elevate
		return nil
	}
}

// New builds a credential. It fails with ErrCredential if a key
// is given that can not be parsed with the given passphrase.
func New(options ...Option) (*Credential, error) {
	opts, err := new(Options).Apply(options...)
	if err != nil {
		return nil, err
	}

	c := &Credential{
		user:     opts.User,
		password: opts.Password,
		elevate:  opts.Elevate,
	}

	// A private key always takes precedence over a password.
	if len(opts.Key) > 0 {
		if c.signer, err = parseKey(opts.Key, opts.Passphrase); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCredential, err)
		}
		c.methods = append(c.methods, ssh.PublicKeys(c.signer))
	}

	if len(opts.Password) > 0 {
		c.methods = append(c.methods, ssh.Password(string(opts.Password)))
	}

	return c, nil
}

func parseKey(key []byte, passphrase []byte) (ssh.Signer, error) {
	if len(passphrase) > 0 {
		return ssh.ParsePrivateKeyWithPassphrase(key, passphrase)
	}
	return ssh.ParsePrivateKey(key)
}

// AuthMethods returns the authentication methods derived from the
// credential. The slice is shared and must not be modified.
func (c *Credential) AuthMethods() []ssh.AuthMethod {
	if c == nil {
		return nil
	}
	return c.methods
}

// Signer returns the parsed private key or nil.
func (c *Credential) Signer() ssh.Signer {
	if c == nil {
		return nil
	}
	return c.signer
}

// User returns the login user. It may be empty.
func (c *Credential) User() string {
	if c == nil {
		return ""
	}
	return c.user
}

// Elevate reports whether commands should run with elevated privileges.
func (c *Credential) Elevate() bool {
	return c != nil && c.elevate
}
