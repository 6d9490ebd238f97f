package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAll(t *testing.T) map[string]KV {
	t.Helper()
	dir := t.TempDir()

	sq, err := NewSQLite(filepath.Join(dir, "kv.db"))
	require.NoError(t, err)
	fs, err := NewFile(filepath.Join(dir, "files"))
	require.NoError(t, err)

	stores := map[string]KV{
		"memory": NewMemory(),
		"file":   fs,
		"sqlite": sq,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestKVRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, kv := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := kv.GetItem(ctx, "offline_queue")
			require.NoError(t, err)
			assert.False(t, ok, "missing key must report absent")

			require.NoError(t, kv.SetItem(ctx, "offline_queue", `[{"id":"a"}]`))
			v, ok, err := kv.GetItem(ctx, "offline_queue")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, `[{"id":"a"}]`, v)

			require.NoError(t, kv.SetItem(ctx, "offline_queue", `[]`))
			v, _, err = kv.GetItem(ctx, "offline_queue")
			require.NoError(t, err)
			assert.Equal(t, `[]`, v)

			require.NoError(t, kv.RemoveItem(ctx, "offline_queue"))
			_, ok, err = kv.GetItem(ctx, "offline_queue")
			require.NoError(t, err)
			assert.False(t, ok)

			// removing twice is fine
			require.NoError(t, kv.RemoveItem(ctx, "offline_queue"))
		})
	}
}

func TestKVRejectsInvalidKey(t *testing.T) {
	ctx := context.Background()
	for name, kv := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"../escape", ""} {
				assert.ErrorIs(t, kv.SetItem(ctx, key, "x"), ErrInvalidKey)
				_, _, err := kv.GetItem(ctx, key)
				assert.ErrorIs(t, err, ErrInvalidKey)
				assert.ErrorIs(t, kv.RemoveItem(ctx, key), ErrInvalidKey)
			}
		})
	}
}

func TestFileSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	f1, err := NewFile(dir)
	require.NoError(t, err)
	require.NoError(t, f1.SetItem(ctx, "offline_queue", "payload"))
	require.NoError(t, f1.Close())

	f2, err := NewFile(dir)
	require.NoError(t, err)
	v, ok, err := f2.GetItem(ctx, "offline_queue")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "payload", v)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	s1, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s1.SetItem(ctx, "offline_queue", "payload"))
	require.NoError(t, s1.Close())

	s2, err := NewSQLite(path)
	require.NoError(t, err)
	defer s2.Close()
	v, ok, err := s2.GetItem(ctx, "offline_queue")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "payload", v)
}

func TestClosedMemoryStore(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	_, _, err := m.GetItem(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.SetItem(context.Background(), "k", "v"), ErrClosed)
}

func TestOpenDrivers(t *testing.T) {
	dir := t.TempDir()

	kv, err := Open(DriverMemory, "")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, kv)

	kv, err = Open(DriverFile, filepath.Join(dir, "files"))
	require.NoError(t, err)
	assert.IsType(t, &File{}, kv)

	kv, err = Open(DriverSQLite, filepath.Join(dir, "kv.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, kv)
	kv.Close()

	_, err = Open("redis", "")
	assert.Error(t, err)
}

func TestSealedRoundTrip(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	s, err := NewSealed(inner, "correct horse battery staple")
	require.NoError(t, err)

	require.NoError(t, s.SetItem(ctx, "offline_queue", `{"secret":true}`))

	raw, ok, err := inner.GetItem(ctx, "offline_queue")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, raw, "secret", "plaintext must not reach the inner store")

	v, ok, err := s.GetItem(ctx, "offline_queue")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"secret":true}`, v)
}

func TestSealedRejectsWrongKeyAndTamper(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	s1, err := NewSealed(inner, "key-one")
	require.NoError(t, err)
	require.NoError(t, s1.SetItem(ctx, "offline_queue", "value"))

	s2, err := NewSealed(inner, "key-two")
	require.NoError(t, err)
	_, _, err = s2.GetItem(ctx, "offline_queue")
	assert.ErrorIs(t, err, ErrSealed)

	require.NoError(t, inner.SetItem(ctx, "offline_queue", "not-base64!"))
	_, _, err = s1.GetItem(ctx, "offline_queue")
	assert.ErrorIs(t, err, ErrSealed)

	_, err = NewSealed(inner, "")
	assert.Error(t, err)
}
