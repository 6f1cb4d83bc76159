package idmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertLookup(t *testing.T) {
	m := New()
	assert.True(t, m.Empty())

	m.Insert(101, "ev-a", false)
	id, ok := m.LookupDeviceID("ev-a")
	require.True(t, ok)
	assert.Equal(t, uint32(101), id)

	ev, ok := m.LookupEventID(101)
	require.True(t, ok)
	assert.Equal(t, "ev-a", ev)

	// A second insert for the same event overwrites.
	m.Insert(202, "ev-a", false)
	assert.Equal(t, 1, m.Len())
	id, _ = m.LookupDeviceID("ev-a")
	assert.Equal(t, uint32(202), id)
	_, ok = m.LookupEventID(101)
	assert.False(t, ok, "stale device id must be unindexed")
}

func TestUnassignedDeviceID(t *testing.T) {
	m := New()
	m.Insert(0, "ev-new", false)

	id, ok := m.LookupDeviceID("ev-new")
	require.True(t, ok)
	assert.Zero(t, id)

	_, ok = m.LookupEventID(0)
	assert.False(t, ok)
}

func TestArchived(t *testing.T) {
	m := New()
	m.Insert(7, "ev-a", false)
	assert.False(t, m.IsArchived("ev-a"))

	require.True(t, m.SetArchived("ev-a", true))
	assert.True(t, m.IsArchived("ev-a"))
	id, _ := m.LookupDeviceID("ev-a")
	assert.Equal(t, uint32(7), id, "archiving keeps the device id")

	assert.False(t, m.SetArchived("missing", true))
}

func TestDeviceIDReassignArchivesPrevious(t *testing.T) {
	m := New()
	m.Insert(9, "ev-old", false)
	m.Insert(9, "ev-new", false)

	assert.Equal(t, 2, m.Len(), "previous entry is retained")
	assert.True(t, m.IsArchived("ev-old"))

	ev, ok := m.LookupEventID(9)
	require.True(t, ok)
	assert.Equal(t, "ev-new", ev)

	// Removing the active holder hands the id back to the archived entry.
	m.RemoveByEventID("ev-new")
	ev, ok = m.LookupEventID(9)
	require.True(t, ok)
	assert.Equal(t, "ev-old", ev)
}

func TestArchivedInsertDoesNotStealActive(t *testing.T) {
	m := New()
	m.Insert(3, "ev-active", false)
	m.Insert(3, "ev-archived", true)

	ev, _ := m.LookupEventID(3)
	assert.Equal(t, "ev-active", ev)
	assert.False(t, m.IsArchived("ev-active"))
}

func TestRemove(t *testing.T) {
	m := New()
	m.Insert(5, "ev-a", false)
	m.RemoveByEventID("ev-a")

	_, ok := m.LookupDeviceID("ev-a")
	assert.False(t, ok)
	_, ok = m.LookupEventID(5)
	assert.False(t, ok)
	assert.True(t, m.Empty())

	m.RemoveByEventID("never-there")
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "idmap-42.cbor")

	m, err := Open(path)
	require.NoError(t, err)
	assert.True(t, m.Empty())

	m.Insert(1, "ev-1", false)
	m.Insert(2, "ev-2", true)
	m.Insert(0, "ev-3", false)
	require.NoError(t, m.Save())
	require.NoError(t, m.Close())

	loaded, err := Open(path)
	require.NoError(t, err)
	defer loaded.Close()

	assert.Equal(t, m.Entries(), loaded.Entries())
	assert.True(t, loaded.IsArchived("ev-2"))

	// No temp files are left behind.
	files, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, f := range files {
		assert.NotContains(t, f.Name(), ".tmp")
	}
}

func TestOpenLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idmap-1.cbor")

	first, err := Open(path)
	require.NoError(t, err)

	_, err = Open(path)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestOpenIndependentDevices(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "idmap-1.cbor"))
	require.NoError(t, err)
	defer a.Close()

	b, err := Open(filepath.Join(dir, "idmap-2.cbor"))
	require.NoError(t, err)
	defer b.Close()
}

func TestOpenCorruptStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idmap-1.cbor")
	require.NoError(t, os.WriteFile(path, []byte("not cbor at all"), 0o600))

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()
	assert.True(t, m.Empty())
}

func TestSaveWithoutFile(t *testing.T) {
	assert.Error(t, New().Save())
}
