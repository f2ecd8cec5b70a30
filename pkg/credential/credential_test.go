package credential

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func encryptedKey(t *testing.T, passphrase string) []byte {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "test")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte(passphrase))
	}
	require.NoError(t, err)

	return pem.EncodeToMemory(block)
}

func TestNewWithMatchingPassphrase(t *testing.T) {
	key := encryptedKey(t, "secret")

	cred, err := New(WithKey(key, []byte("secret")), WithUser("deploy"))
	require.NoError(t, err)

	assert.NotNil(t, cred.Signer())
	assert.Len(t, cred.AuthMethods(), 1)
	assert.Equal(t, "deploy", cred.User())
	assert.False(t, cred.Elevate())
}

func TestNewWithMismatchedPassphrase(t *testing.T) {
	key := encryptedKey(t, "secret")

	cred, err := New(WithKey(key, []byte("wrong")))
	assert.ErrorIs(t, err, ErrCredential)
	assert.Nil(t, cred)
}

func TestNewWithMissingPassphrase(t *testing.T) {
	key := encryptedKey(t, "secret")

	_, err := New(WithKey(key, nil))
	assert.ErrorIs(t, err, ErrCredential)
}

func TestNewWithGarbage(t *testing.T) {
	_, err := New(WithKey([]byte("not a key"), nil))
	assert.ErrorIs(t, err, ErrCredential)
}

func TestNewUnencryptedKeyAndPassword(t *testing.T) {
	key := encryptedKey(t, "")

	cred, err := New(WithKey(key, nil), WithPassword([]byte("pw")), WithElevate(true))
	require.NoError(t, err)

	// Key first, password as fallback.
	assert.Len(t, cred.AuthMethods(), 2)
	assert.True(t, cred.Elevate())
}

func TestNilCredential(t *testing.T) {
	var cred *Credential
	assert.Nil(t, cred.AuthMethods())
	assert.Nil(t, cred.Signer())
	assert.Empty(t, cred.User())
	assert.False(t, cred.Elevate())
}
