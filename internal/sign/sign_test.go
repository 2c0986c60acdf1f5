package sign

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	sk, err := GenerateKey()
	require.NoError(t, err)
	pk := sk.Public()

	msg := []byte("request_hash=abc123def456")
	sig := Sign(sk, msg)

	ok, err := Verify(pk, msg, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	sk, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)

	msg := []byte("payload")
	sig := Sign(sk, msg)

	ok, err := Verify(other.Public(), msg, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	sk, err := GenerateKey()
	require.NoError(t, err)
	sig := Sign(sk, []byte("original"))

	ok, err := Verify(sk.Public(), []byte("tampered"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadOrGenerateKeyPersistsAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.key")

	first, err := LoadOrGenerateKey(path)
	require.NoError(t, err)

	second, err := LoadOrGenerateKey(path)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Key, second.Key)
}

func TestMarshalParsePublicKeyRoundTrip(t *testing.T) {
	sk, err := GenerateKey()
	require.NoError(t, err)
	pk := sk.Public()

	parsed, err := ParsePublicKey(pk.Marshal())
	require.NoError(t, err)
	assert.Equal(t, pk.ID, parsed.ID)
	assert.Equal(t, pk.Key, parsed.Key)
}
