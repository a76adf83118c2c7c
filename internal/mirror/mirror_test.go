package mirror

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/timesync/internal/cache"
	"github.com/alexjbarnes/timesync/internal/errors"
	"github.com/alexjbarnes/timesync/internal/tables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const settingsJSON = `{"user_id":"u1","start_hour":7}`

func newMirror(t *testing.T) *Mirror {
	t.Helper()

	m, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	return m
}

func writeFile(t *testing.T, m *Mirror, rel, content string) {
	t.Helper()

	abs := filepath.Join(m.Root(), filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o700))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o600))
}

func settingsRef(user string) tables.EntityRef {
	return tables.EntityRef{Table: tables.Settings, Key: tables.Key{user}}
}

func TestNew_EmptyPath(t *testing.T) {
	_, err := New("", nil)
	assert.Error(t, err)
}

func TestScan_FindsEntitiesByContent(t *testing.T) {
	m := newMirror(t)

	writeFile(t, m, "settings/mine.json", settingsJSON)
	writeFile(t, m, "time_blocks/week.json", `{"user_id":"u1","year":2026,"week_number":3,"blocks":[]}`)

	entities, err := m.Scan()
	require.NoError(t, err)
	require.Len(t, entities, 2)

	assert.Equal(t, settingsRef("u1"), entities[0].Ref)
	assert.Equal(t, "settings/mine.json", entities[0].Path)
	assert.JSONEq(t, settingsJSON, string(entities[0].Data))
	assert.False(t, entities[0].ModTime.IsZero())

	assert.Equal(t, tables.Key{"u1", "2026", "3"}, entities[1].Ref.Key)
}

func TestScan_SkipsUnusableFiles(t *testing.T) {
	m := newMirror(t)

	writeFile(t, m, "settings/.hidden.json", settingsJSON)
	writeFile(t, m, "settings/notes.txt", "hello")
	writeFile(t, m, "settings/broken.json", `{"user_id":`)
	writeFile(t, m, "settings/nokey.json", `{"start_hour":7}`)
	writeFile(t, m, "settings/backup.json~", settingsJSON)
	writeFile(t, m, "invoices/a.json", settingsJSON)
	writeFile(t, m, "settings/ok.json", settingsJSON)

	entities, err := m.Scan()
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "settings/ok.json", entities[0].Path)
}

func TestRead_RejectsPaths(t *testing.T) {
	m := newMirror(t)

	tests := []struct {
		name string
		path string
		want error
	}{
		{name: "traversal", path: "settings/../../etc.json", want: errors.ErrNotEntityFile},
		{name: "dotdot in name", path: "settings/..json", want: errors.ErrNotEntityFile},
		{name: "nested", path: "settings/a/b.json", want: errors.ErrNotEntityFile},
		{name: "unknown table", path: "invoices/a.json", want: errors.ErrUnknownTable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Read(tt.path)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRead_RejectsDotDotInsideTable(t *testing.T) {
	m := newMirror(t)

	_, err := m.Read("settings/a..b.json")
	assert.ErrorIs(t, err, errors.ErrPathNotAllowed)
}

func TestRead_RejectsSymlinkEscape(t *testing.T) {
	m := newMirror(t)

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.json"), []byte(settingsJSON), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(m.Root(), "settings")))

	_, err := m.Read("settings/secret.json")
	assert.ErrorIs(t, err, errors.ErrPathNotAllowed)
}

func TestRead_RejectsSymlinkedFile(t *testing.T) {
	m := newMirror(t)

	writeFile(t, m, "settings/real.json", settingsJSON)
	require.NoError(t, os.Symlink(
		filepath.Join(m.Root(), "settings", "real.json"),
		filepath.Join(m.Root(), "settings", "link.json"),
	))

	_, err := m.Read("settings/link.json")
	assert.ErrorIs(t, err, errors.ErrNotEntityFile)
}

func TestWrite_CreatesFileNamedFromKey(t *testing.T) {
	m := newMirror(t)
	ref := tables.EntityRef{Table: tables.TimeBlocks, Key: tables.Key{"u/1", "2026", "3"}}

	changed, err := m.Write(ref, json.RawMessage(`{"user_id":"u/1","year":2026,"week_number":3}`))
	require.NoError(t, err)
	assert.True(t, changed)

	abs := filepath.Join(m.Root(), "time_blocks", "u-1_2026_3.json")
	data, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":"u/1","year":2026,"week_number":3}`, string(data))

	info, err := os.Stat(abs)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWrite_ReusesScannedPath(t *testing.T) {
	m := newMirror(t)
	writeFile(t, m, "settings/mine.json", settingsJSON)

	_, err := m.Scan()
	require.NoError(t, err)

	changed, err := m.Write(settingsRef("u1"), json.RawMessage(`{"user_id":"u1","start_hour":9}`))
	require.NoError(t, err)
	assert.True(t, changed)

	data, err := os.ReadFile(filepath.Join(m.Root(), "settings", "mine.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":"u1","start_hour":9}`, string(data))

	_, err = os.Stat(filepath.Join(m.Root(), "settings", "u1.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestWrite_EquivalentJSONKeepsUserFormatting(t *testing.T) {
	m := newMirror(t)
	original := "{ \"start_hour\": 7,\n  \"user_id\": \"u1\" }"
	writeFile(t, m, "settings/u1.json", original)

	changed, err := m.Write(settingsRef("u1"), json.RawMessage(settingsJSON))
	require.NoError(t, err)
	assert.False(t, changed)

	data, err := os.ReadFile(filepath.Join(m.Root(), "settings", "u1.json"))
	require.NoError(t, err)
	assert.Equal(t, original, string(data))
}

func TestChanged_SuppressesOwnWrites(t *testing.T) {
	m := newMirror(t)

	_, err := m.Write(settingsRef("u1"), json.RawMessage(settingsJSON))
	require.NoError(t, err)

	e, err := m.Read("settings/u1.json")
	require.NoError(t, err)
	assert.False(t, m.Changed(e.Path, e.Data), "our own write is not an edit")

	writeFile(t, m, "settings/u1.json", `{"user_id":"u1","start_hour":8}`)

	e, err = m.Read("settings/u1.json")
	require.NoError(t, err)
	assert.True(t, m.Changed(e.Path, e.Data))
	assert.False(t, m.Changed(e.Path, e.Data), "same content twice is one edit")
}

func TestForget_FallsBackToKeyName(t *testing.T) {
	m := newMirror(t)
	writeFile(t, m, "settings/mine.json", settingsJSON)

	_, err := m.Read("settings/mine.json")
	require.NoError(t, err)
	assert.Equal(t, "settings/mine.json", m.PathOf(settingsRef("u1")))

	m.Forget("settings/mine.json")
	assert.Equal(t, "settings/u1.json", m.PathOf(settingsRef("u1")))
}

func TestFollow_WritesCachedVersions(t *testing.T) {
	m := newMirror(t)

	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ref := settingsRef("u1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- m.Follow(ctx, store, ref) }()

	// Let the subscription register before writing.
	time.Sleep(20 * time.Millisecond)

	_, err = store.Set(ref, json.RawMessage(settingsJSON))
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(filepath.Join(m.Root(), "settings", "u1.json"))
		return err == nil
	})

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
