package syncinfo

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "syncinfo.json"))
	require.NoError(t, err)
	return m
}

func TestManagerSaveLoad(t *testing.T) {
	file := filepath.Join(t.TempDir(), "syncinfo.json")

	m, err := NewManager(file)
	require.NoError(t, err)

	last := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m.SetLastSync(last)
	m.Set("/data/ph_20240101.jpg", last.Add(time.Minute))
	require.NoError(t, m.Save())

	// A second manager over the same file sees the persisted state.
	m2, err := NewManager(file)
	require.NoError(t, err)

	assert.True(t, m2.LastSync().Equal(last))
	mark, ok := m2.Get("/data/ph_20240101.jpg")
	require.True(t, ok)
	assert.True(t, mark.Equal(last.Add(time.Minute)))
}

func TestManagerEmptyFile(t *testing.T) {
	m := newTestManager(t)

	assert.True(t, m.LastSync().IsZero())
	_, ok := m.Get("/nowhere")
	assert.False(t, ok)
}

func TestManagerEvict(t *testing.T) {
	m := newTestManager(t)

	m.Set("/keep", time.Now())
	m.Set("/drop", time.Now())

	m.Evict(func(path string) bool { return path == "/keep" })

	_, ok := m.Get("/keep")
	assert.True(t, ok)
	_, ok = m.Get("/drop")
	assert.False(t, ok)
}

func TestManagerStoresUTC(t *testing.T) {
	m := newTestManager(t)

	local := time.Date(2024, 6, 1, 10, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	m.Set("/file", local)

	mark, ok := m.Get("/file")
	require.True(t, ok)
	assert.Equal(t, time.UTC, mark.Location())
	assert.True(t, mark.Equal(local))
}

func TestManagerMissingDirectory(t *testing.T) {
	_, err := NewManager(filepath.Join(t.TempDir(), "missing", "syncinfo.json"))
	assert.Error(t, err)
}

func TestNowIsUTC(t *testing.T) {
	if Now().Location() != time.UTC {
		t.Error("Now should return UTC time")
	}
}
