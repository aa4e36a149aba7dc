package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	env, err := Seal("bybit-api-secret", "correct horse")
	require.NoError(t, err)
	assert.NotContains(t, string(env), "bybit-api-secret")

	got, err := Open(env, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "bybit-api-secret", got)

	_, err = Open(env, "wrong")
	assert.ErrorContains(t, err, "decryption failed")

	_, err = Seal("x", "")
	assert.Error(t, err)
	_, err = Open([]byte(`{"version":2}`), "pw")
	assert.ErrorContains(t, err, "unsupported envelope version")
}

func TestLoad(t *testing.T) {
	_, err := Load(SecretSource{})
	assert.ErrorIs(t, err, ErrNoSecret)

	got, err := Load(SecretSource{Raw: "  inline  ", File: "/nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, "inline", got)

	env, err := Seal("from-file", "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, os.WriteFile(path, env, 0o600))

	got, err = Load(SecretSource{File: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)
}
