package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEncryptor(t *testing.T) *Encryptor {
	t.Helper()
	key, err := GenerateMasterKey()
	require.NoError(t, err)
	e, err := NewEncryptorFromString(key)
	require.NoError(t, err)
	return e
}

func TestNewEncryptor_ShortKey(t *testing.T) {
	_, err := NewEncryptor([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewEncryptorFromString("not base64 or hex!")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestSealAndResolve(t *testing.T) {
	e := newEncryptor(t)

	sealed, err := e.Seal("sk-123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, SecretPrefix))

	cfg := map[string]any{
		"endpoint": "http://agent",
		"api_key":  sealed,
		"nested":   map[string]any{"token": sealed},
		"list":     []any{sealed, 3},
	}
	got, err := e.ResolveSecrets(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sk-123", got["api_key"])
	assert.Equal(t, "http://agent", got["endpoint"])
	assert.Equal(t, "sk-123", got["nested"].(map[string]any)["token"])
	assert.Equal(t, []any{"sk-123", 3}, got["list"])
	assert.Equal(t, sealed, cfg["api_key"], "input must not be modified")
}

func TestResolve_WrongKey(t *testing.T) {
	sealed, err := newEncryptor(t).Seal("secret")
	require.NoError(t, err)

	_, err = newEncryptor(t).ResolveSecrets(map[string]any{"api_key": sealed})
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = newEncryptor(t).ResolveSecrets(map[string]any{"api_key": "enc:%%%"})
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestResolve_NilEncryptor(t *testing.T) {
	var e *Encryptor

	got, err := e.ResolveSecrets(map[string]any{"endpoint": "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", got["endpoint"])

	_, err = e.ResolveSecrets(map[string]any{"auth": map[string]any{"key": "enc:abc"}})
	assert.ErrorIs(t, err, ErrNoMasterKey)
	assert.Contains(t, err.Error(), "auth.key")
}
