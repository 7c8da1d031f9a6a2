package settings

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listentogether/relay/pkg/session"
)

func TestSessionSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	prefs := Settings{Username: "ana", AutoApproval: true}
	require.NoError(t, NewStore(path).Save(prefs))

	want := session.SavedSession{
		Endpoint: "ws://localhost:8080/api/v1/ws",
		RoomCode: "AB12C",
		UserID:   "u1",
		Username: "ana",
		Token:    "token",
		IsHost:   true,
		SavedAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, NewStore(path).SaveSession(want))

	store := NewStore(path)
	got, ok, err := store.LoadSession()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	// saving one part of the file keeps the other
	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, prefs, loaded)
	require.NoError(t, store.Save(Settings{Username: "bea"}))
	_, ok, err = NewStore(path).LoadSession()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClearSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	store := NewStore(path)

	_, ok, err := store.LoadSession()
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, store.ClearSession())

	require.NoError(t, store.SaveSession(session.SavedSession{Token: "token", SavedAt: time.Now()}))
	require.NoError(t, store.ClearSession())

	_, ok, err = NewStore(path).LoadSession()
	require.NoError(t, err)
	assert.False(t, ok)
}
