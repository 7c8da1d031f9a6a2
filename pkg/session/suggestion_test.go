package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listentogether/relay/pkg/protocol"
)

var suggested = protocol.TrackInfo{ID: "T2", Title: "Half a Second Late", DurationMs: 187_000}

func TestSuggestionApproved(t *testing.T) {
	endpoint := startRelay(t)
	host, state := hostRoom(t, endpoint, WithAutoApproval(true))
	guest := joinAsGuest(t, endpoint, state.RoomCode, "guest", nil)
	hostEvents := subscribeEvents(t, host)
	guestEvents := subscribeEvents(t, guest)

	require.NoError(t, guest.SuggestTrack(suggested))

	ev := waitEvent(t, hostEvents, EventSuggestionReceived)
	assert.Equal(t, "guest", ev.Username)
	require.NotNil(t, ev.Track)
	assert.Equal(t, "T2", ev.Track.ID)
	pending := waitValue(t, host.PendingSuggestions(), func(s []protocol.TrackSuggestion) bool { return len(s) == 1 })
	assert.Equal(t, ev.SuggestionID, pending[0].SuggestionID)
	assert.Empty(t, guest.PendingSuggestions().Get())

	track, err := host.ApproveSuggestion(ev.SuggestionID)
	require.NoError(t, err)
	assert.Equal(t, suggested, track)
	assert.Empty(t, host.PendingSuggestions().Get())

	approved := waitEvent(t, guestEvents, EventSuggestionApproved)
	assert.Equal(t, ev.SuggestionID, approved.SuggestionID)
	require.NotNil(t, approved.Track)
	assert.Equal(t, "T2", approved.Track.ID)
}

func TestSuggestionRejected(t *testing.T) {
	endpoint := startRelay(t)
	host, state := hostRoom(t, endpoint, WithAutoApproval(true))
	guest := joinAsGuest(t, endpoint, state.RoomCode, "guest", nil)
	hostEvents := subscribeEvents(t, host)
	guestEvents := subscribeEvents(t, guest)

	require.NoError(t, guest.SuggestTrack(suggested))
	id := waitEvent(t, hostEvents, EventSuggestionReceived).SuggestionID

	assert.ErrorIs(t, guest.RejectSuggestion(id, ""), ErrNotHost)
	require.NoError(t, host.RejectSuggestion(id, "not this one"))
	assert.ErrorIs(t, host.RejectSuggestion(id, ""), ErrUnknownSuggestion)

	ev := waitEvent(t, guestEvents, EventSuggestionRejected)
	assert.Equal(t, id, ev.SuggestionID)
	assert.Equal(t, "not this one", ev.Reason)
}

func TestSuggestionErrors(t *testing.T) {
	endpoint := startRelay(t)
	host, state := hostRoom(t, endpoint, WithAutoApproval(true))
	guest := joinAsGuest(t, endpoint, state.RoomCode, "guest", nil)
	idle := newManager(t, endpoint, nil)

	assert.ErrorIs(t, idle.SuggestTrack(suggested), ErrNotInRoom)
	assert.ErrorIs(t, host.SuggestTrack(suggested), ErrNotGuest)
	assert.ErrorIs(t, guest.SuggestTrack(protocol.TrackInfo{ID: " "}), ErrBlankTrack)

	_, err := host.ApproveSuggestion("nope")
	assert.ErrorIs(t, err, ErrUnknownSuggestion)
	_, err = guest.ApproveSuggestion("nope")
	assert.ErrorIs(t, err, ErrNotHost)
}

func TestSuggestionCancelledWhenGuestLeaves(t *testing.T) {
	endpoint := startRelay(t)
	host, state := hostRoom(t, endpoint, WithAutoApproval(true))
	guest := joinAsGuest(t, endpoint, state.RoomCode, "guest", nil)
	hostEvents := subscribeEvents(t, host)

	require.NoError(t, guest.SuggestTrack(suggested))
	id := waitEvent(t, hostEvents, EventSuggestionReceived).SuggestionID

	guest.LeaveRoom()

	ev := waitEvent(t, hostEvents, EventSuggestionCancelled)
	assert.Equal(t, id, ev.SuggestionID)
	assert.Equal(t, "guest", ev.Username)
	assert.Empty(t, host.PendingSuggestions().Get())
}

func TestRoomBuffersNewTrack(t *testing.T) {
	endpoint := startRelay(t)
	host, state := hostRoom(t, endpoint, WithAutoApproval(true))
	guest := joinAsGuest(t, endpoint, state.RoomCode, "guest", nil)
	hostEvents := subscribeEvents(t, host)
	guestEvents := subscribeEvents(t, guest)
	completions, cancel := guest.BufferCompletions().Subscribe()
	defer cancel()

	assert.ErrorIs(t, host.SendBufferReady("T2"), ErrNotGuest)

	require.NoError(t, host.SendPlayback(protocol.PlaybackUpdate{
		SequenceNumber: host.NextSequenceNumber(),
		Action:         protocol.ActionChangeTrack,
		Track:          &suggested,
		IsPlaying:      true,
		Volume:         100,
	}))

	wait := waitEvent(t, guestEvents, EventBufferWait)
	assert.Equal(t, "T2", wait.TrackID)
	assert.Equal(t, []string{guest.UserID()}, wait.Waiting)
	waitValue(t, host.BufferingUsers(), func(u []string) bool { return len(u) == 1 })

	require.NoError(t, guest.SendBufferReady("T2"))

	assert.Equal(t, "T2", waitEvent(t, hostEvents, EventBufferComplete).TrackID)
	waitValue(t, host.BufferingUsers(), func(u []string) bool { return len(u) == 0 })
	select {
	case id := <-completions:
		assert.Equal(t, "T2", id)
	case <-time.After(waitTimeout):
		t.Fatal("no buffer completion")
	}
}
