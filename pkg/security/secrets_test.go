package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyChecksum(t *testing.T) {
	data := []byte("\x00asm\x01\x00\x00\x00")
	digest := Checksum(data)

	assert.True(t, VerifyChecksum(data, digest))
	assert.False(t, VerifyChecksum([]byte("tampered"), digest))
}

func TestSecretsManagerRoundTrip(t *testing.T) {
	sm, err := NewSecretsManager(DeriveKey("test-authority"))
	require.NoError(t, err)

	plaintext := []byte("super secret module init data")
	ciphertext, err := sm.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := sm.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestSecretsManagerRejectsShortKey(t *testing.T) {
	_, err := NewSecretsManager([]byte("too-short"))
	assert.Error(t, err)
}

func TestSecretsManagerFromPassphrase(t *testing.T) {
	sm, err := NewSecretsManagerFromPassphrase("correct horse battery staple")
	require.NoError(t, err)

	ciphertext, err := sm.Encrypt([]byte("payload"))
	require.NoError(t, err)

	plaintext, err := sm.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(plaintext))
}
