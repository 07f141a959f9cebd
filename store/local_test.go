package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/aircard/card"
)

func newTestLocal(t *testing.T) (*LocalCard, KV) {
	t.Helper()
	kv, err := NewFileKV(t.TempDir())
	require.NoError(t, err)
	return NewLocalCard(kv), kv
}

func TestLoadOrCreateFirstRun(t *testing.T) {
	l, _ := newTestLocal(t)
	c, err := l.LoadOrCreate("Bobby")
	require.NoError(t, err)

	assert.NotEmpty(t, c.ID)
	assert.NotEmpty(t, c.OwnerID)
	assert.Equal(t, "Bobby", c.DisplayName)
	assert.Equal(t, card.CurrentSchemaVersion, c.SchemaVersion)
	assert.False(t, c.LastUpdated.IsZero())
}

func TestLoadOrCreateRestores(t *testing.T) {
	l, kv := newTestLocal(t)
	created, err := l.LoadOrCreate("Bobby")
	require.NoError(t, err)

	restored, err := NewLocalCard(kv).LoadOrCreate("ignored-on-restore")
	require.NoError(t, err)
	assert.Equal(t, created.ID, restored.ID)
	assert.Equal(t, created.OwnerID, restored.OwnerID)
	assert.Equal(t, "Bobby", restored.DisplayName)
}

func TestSaveRotatesIDOnContentChange(t *testing.T) {
	l, _ := newTestLocal(t)
	orig, err := l.LoadOrCreate("Bobby")
	require.NoError(t, err)

	next := orig
	next.StatusMessage = "new status"
	saved, err := l.Save(next)
	require.NoError(t, err)

	assert.NotEqual(t, orig.ID, saved.ID, "content change must rotate the id")
	assert.Equal(t, orig.OwnerID, saved.OwnerID)
	assert.True(t, saved.LastUpdated.After(orig.LastUpdated))
}

func TestSaveKeepsIDOnTimestampOnlySave(t *testing.T) {
	l, _ := newTestLocal(t)
	orig, err := l.LoadOrCreate("Bobby")
	require.NoError(t, err)

	// Save repeatedly with identical content, faster than the clock ticks.
	prev := orig
	for i := 0; i < 3; i++ {
		saved, err := l.Save(prev)
		require.NoError(t, err)
		assert.Equal(t, orig.ID, saved.ID, "timestamp-only save must keep the id")
		assert.True(t, saved.LastUpdated.After(prev.LastUpdated),
			"lastUpdated must strictly advance on every save")
		prev = saved
	}
}

func TestSaveSchemaBumpRotatesID(t *testing.T) {
	l, _ := newTestLocal(t)
	orig, err := l.LoadOrCreate("Bobby")
	require.NoError(t, err)

	next := orig
	next.SchemaVersion = orig.SchemaVersion + 1
	saved, err := l.Save(next)
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, saved.ID, "schema version is content; a bump rotates the id")
}

func TestSaveRejectsForeignOwner(t *testing.T) {
	l, _ := newTestLocal(t)
	orig, err := l.LoadOrCreate("Bobby")
	require.NoError(t, err)

	next := orig
	next.OwnerID = card.NewOwnerID()
	_, err = l.Save(next)
	assert.ErrorIs(t, err, ErrOwnerMismatch)

	// The stored card is untouched.
	assert.Equal(t, orig.ID, l.Current().ID)
}

func TestSaveTruncatesExtraFlairs(t *testing.T) {
	l, _ := newTestLocal(t)
	orig, err := l.LoadOrCreate("Bobby")
	require.NoError(t, err)

	next := orig
	next.Flairs = []card.Flair{
		{Title: "a", Value: "1"},
		{Title: "b", Value: "2"},
		{Title: "c", Value: "3"},
	}
	saved, err := l.Save(next)
	require.NoError(t, err)
	assert.Len(t, saved.Flairs, card.MaxFlairs)
}
