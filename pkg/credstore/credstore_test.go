package credstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptedFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json.enc")

	store := NewEncryptedFileStore(path, "correct horse battery staple")
	require.NoError(t, store.Load())
	require.NoError(t, store.Set("anthropic-claude", "sk-ant-test"))
	require.NoError(t, store.Save())

	reloaded := NewEncryptedFileStore(path, "correct horse battery staple")
	require.NoError(t, reloaded.Load())
	v, ok, err := reloaded.Get("anthropic-claude")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sk-ant-test", v)
}

func TestEncryptedFileStoreWrongPasswordFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json.enc")

	store := NewEncryptedFileStore(path, "right-password")
	require.NoError(t, store.Load())
	require.NoError(t, store.Set("openai-gpt", "sk-test"))
	require.NoError(t, store.Save())

	wrong := NewEncryptedFileStore(path, "wrong-password")
	require.Error(t, wrong.Load())
}

func TestPlaintextFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")

	store := NewPlaintextFileStore(path)
	require.NoError(t, store.Load())
	require.NoError(t, store.Set("ollama-local", "unused"))
	require.NoError(t, store.Save())

	reloaded := NewPlaintextFileStore(path)
	require.NoError(t, reloaded.Load())
	v, ok, err := reloaded.Get("ollama-local")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "unused", v)
}

func TestClearRemovesCredential(t *testing.T) {
	store := NewPlaintextFileStore(filepath.Join(t.TempDir(), "creds.json"))
	require.NoError(t, store.Set("engine-a", "val"))
	require.NoError(t, store.Clear("engine-a"))
	_, ok, err := store.Get("engine-a")
	require.NoError(t, err)
	require.False(t, ok)
}
