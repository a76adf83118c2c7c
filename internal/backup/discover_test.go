package backup

import (
	"testing"
	"time"

	"github.com/alexjbarnes/timesync/internal/errors"
	"github.com/alexjbarnes/timesync/internal/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func obj(name string) Object {
	return Object{Name: name, ModTime: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
}

func TestParseName(t *testing.T) {
	tests := []struct {
		name     string
		wantKind snapshot.Kind
		wantTime time.Time
		wantOK   bool
	}{
		{name: "backup-full-2026-01-01.json", wantKind: snapshot.KindFull, wantTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), wantOK: true},
		{name: "backup-inc-2026-01-03.json", wantKind: snapshot.KindIncremental, wantTime: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC), wantOK: true},
		{name: "backup-incremental-2026-01-03T04-05-06Z.json", wantKind: snapshot.KindIncremental, wantTime: time.Date(2026, 1, 3, 4, 5, 6, 0, time.UTC), wantOK: true},
		{name: "backup-full-2026-01-03T04-05-06-789Z.json", wantKind: snapshot.KindFull, wantTime: time.Date(2026, 1, 3, 4, 5, 6, 789e6, time.UTC), wantOK: true},
		{name: "backup-inc-2026-01-03T04-05-06.250Z.json", wantKind: snapshot.KindIncremental, wantTime: time.Date(2026, 1, 3, 4, 5, 6, 250e6, time.UTC), wantOK: true},
		{name: "backup-full-latest.json", wantKind: snapshot.KindFull, wantOK: true},
		{name: "backup-partial-2026-01-01.json"},
		{name: "notes.txt"},
		{name: "backup-full-2026-01-01.json.bak"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ts, ok := ParseName(tt.name)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantKind, kind)
			assert.True(t, tt.wantTime.Equal(ts), "got %s want %s", ts, tt.wantTime)
		})
	}
}

func TestName_RoundTrips(t *testing.T) {
	ts := time.Date(2026, 5, 17, 22, 4, 9, 250e6, time.UTC)
	assert.Equal(t, "backup-full-2026-05-17T22-04-09.250Z.json", Name(snapshot.KindFull, ts))

	for _, kind := range []snapshot.Kind{snapshot.KindFull, snapshot.KindIncremental} {
		gotKind, gotTS, ok := ParseName(Name(kind, ts))
		require.True(t, ok)
		assert.Equal(t, kind, gotKind)
		assert.True(t, ts.Equal(gotTS))
	}
}

func TestDiscover_RestoreScenario(t *testing.T) {
	chain, err := Discover([]Object{
		obj("backup-inc-2026-01-10.json"),
		obj("backup-full-2026-01-01.json"),
		obj("backup-inc-2026-01-03.json"),
		obj("README.md"),
	})
	require.NoError(t, err)

	assert.Equal(t, "backup-full-2026-01-01.json", chain.Full.Name)
	assert.Equal(t, []string{
		"backup-full-2026-01-01.json",
		"backup-inc-2026-01-03.json",
		"backup-inc-2026-01-10.json",
	}, chain.Names())
}

func TestDiscover_NewestFullWins(t *testing.T) {
	chain, err := Discover([]Object{
		obj("backup-full-2026-01-01.json"),
		obj("backup-inc-2026-01-03.json"),
		obj("backup-full-2026-01-05.json"),
		obj("backup-inc-2026-01-05.json"),
		obj("backup-inc-2026-01-07.json"),
	})
	require.NoError(t, err)

	assert.Equal(t, "backup-full-2026-01-05.json", chain.Full.Name)
	assert.Equal(t, []string{
		"backup-full-2026-01-05.json",
		"backup-inc-2026-01-07.json",
	}, chain.Names(), "incrementals at or before the full are excluded")
}

func TestDiscover_TiesBrokenByName(t *testing.T) {
	chain, err := Discover([]Object{
		obj("backup-full-2026-01-01.json"),
		obj("backup-incremental-2026-01-02.json"),
		obj("backup-inc-2026-01-02.json"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"backup-full-2026-01-01.json",
		"backup-inc-2026-01-02.json",
		"backup-incremental-2026-01-02.json",
	}, chain.Names())
}

func TestDiscover_ModTimeFallback(t *testing.T) {
	chain, err := Discover([]Object{
		{Name: "backup-full-2026-01-01.json"},
		{Name: "backup-inc-manual.json", ModTime: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
		{Name: "backup-inc-old.json", ModTime: time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"backup-full-2026-01-01.json", "backup-inc-manual.json"}, chain.Names())
}

func TestDiscover_NoFull(t *testing.T) {
	_, err := Discover([]Object{obj("backup-inc-2026-01-03.json")})
	assert.ErrorIs(t, err, errors.ErrNoFullSnapshot)

	_, err = Discover(nil)
	assert.ErrorIs(t, err, errors.ErrNoFullSnapshot)
}
