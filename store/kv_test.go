package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKVRoundTrip(t *testing.T) {
	kv, err := NewFileKV(t.TempDir())
	require.NoError(t, err)

	_, err = kv.Load("absent")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Save("greeting", []byte("hello")))
	got, err := kv.Load("greeting")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, kv.Save("greeting", []byte("replaced")))
	got, err = kv.Load("greeting")
	require.NoError(t, err)
	assert.Equal(t, []byte("replaced"), got)

	require.NoError(t, kv.Delete("greeting"))
	_, err = kv.Load("greeting")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting twice is fine.
	assert.NoError(t, kv.Delete("greeting"))
}

func TestSQLiteKVRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	kv, err := OpenSQLitePath(dbPath)
	require.NoError(t, err)
	defer kv.Close()

	_, err = kv.Load("absent")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Save("greeting", []byte("hello")))
	got, err := kv.Load("greeting")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, kv.Save("greeting", []byte("replaced")))
	got, err = kv.Load("greeting")
	require.NoError(t, err)
	assert.Equal(t, []byte("replaced"), got)

	require.NoError(t, kv.Delete("greeting"))
	_, err = kv.Load("greeting")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteMigrationsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	kv, err := OpenSQLitePath(dbPath)
	require.NoError(t, err)
	require.NoError(t, kv.Save("k", []byte("v")))
	require.NoError(t, kv.Close())

	// Reopening must not re-run migrations or lose data.
	kv, err = OpenSQLitePath(dbPath)
	require.NoError(t, err)
	defer kv.Close()
	got, err := kv.Load("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}
