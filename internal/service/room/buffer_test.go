package room

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listentogether/relay/pkg/protocol"
)

func changeTrack(t *testing.T, s *service, host *testPeer, seq uint64, trackID string) {
	t.Helper()
	require.NoError(t, s.UpdatePlayback(context.Background(), &UpdatePlaybackParams{Peer: host, Update: protocol.PlaybackUpdate{
		SequenceNumber: seq,
		Action:         protocol.ActionChangeTrack,
		Track:          &protocol.TrackInfo{ID: trackID, Title: "Track", DurationMs: 180_000},
		IsPlaying:      true,
		Volume:         100,
	}}))
}

func TestBufferWaitsForEveryGuest(t *testing.T) {
	s, _ := newTestService(t, testConfig())
	host, created := createRoom(t, s, true)
	first, firstJoined := joinRoom(t, s, created.RoomState.RoomCode, "first")
	second, secondJoined := joinRoom(t, s, created.RoomState.RoomCode, "second")

	changeTrack(t, s, host, 100, "T1")

	wait := expect[protocol.BufferWait](t, host, protocol.TypeBufferWait)
	assert.Equal(t, "T1", wait.TrackID)
	assert.ElementsMatch(t, []string{firstJoined.UserID, secondJoined.UserID}, wait.WaitingFor)
	expect[protocol.BufferWait](t, first, protocol.TypeBufferWait)

	require.NoError(t, s.BufferReady(context.Background(), &BufferReadyParams{Peer: first, TrackID: "T1"}))
	expect[protocol.BufferWait](t, second, protocol.TypeBufferWait)
	wait = expect[protocol.BufferWait](t, second, protocol.TypeBufferWait)
	assert.Equal(t, []string{secondJoined.UserID}, wait.WaitingFor)

	// readiness for another track does not count
	require.NoError(t, s.BufferReady(context.Background(), &BufferReadyParams{Peer: second, TrackID: "T9"}))
	expectNone(t, host, protocol.TypeBufferComplete)

	require.NoError(t, s.BufferReady(context.Background(), &BufferReadyParams{Peer: second, TrackID: "T1"}))
	for _, p := range []*testPeer{host, first, second} {
		complete := expect[protocol.BufferComplete](t, p, protocol.TypeBufferComplete)
		assert.Equal(t, "T1", complete.TrackID)
	}
}

func TestBufferTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.BufferTimeout = 2 * time.Second
	s, mock := newTestService(t, cfg)
	host, created := createRoom(t, s, true)
	guest, _ := joinRoom(t, s, created.RoomState.RoomCode, "guest")

	changeTrack(t, s, host, 100, "T1")
	expect[protocol.BufferWait](t, guest, protocol.TypeBufferWait)

	mock.Add(time.Second)
	expectNone(t, host, protocol.TypeBufferComplete)

	mock.Add(time.Second)
	complete := expect[protocol.BufferComplete](t, host, protocol.TypeBufferComplete)
	assert.Equal(t, "T1", complete.TrackID)
}

func TestBufferStopsWaitingForDisconnectedGuest(t *testing.T) {
	s, _ := newTestService(t, testConfig())
	host, created := createRoom(t, s, true)
	guest, _ := joinRoom(t, s, created.RoomState.RoomCode, "guest")

	changeTrack(t, s, host, 100, "T1")
	expect[protocol.BufferWait](t, guest, protocol.TypeBufferWait)

	require.NoError(t, s.DisconnectPeer(context.Background(), &DisconnectPeerParams{Peer: guest}))
	complete := expect[protocol.BufferComplete](t, host, protocol.TypeBufferComplete)
	assert.Equal(t, "T1", complete.TrackID)
}

func TestBufferOnlyOnTrackChange(t *testing.T) {
	s, _ := newTestService(t, testConfig())
	host, created := createRoom(t, s, true)
	guest, _ := joinRoom(t, s, created.RoomState.RoomCode, "guest")

	changeTrack(t, s, host, 100, "T1")
	expect[protocol.BufferWait](t, guest, protocol.TypeBufferWait)
	require.NoError(t, s.BufferReady(context.Background(), &BufferReadyParams{Peer: guest, TrackID: "T1"}))
	expect[protocol.BufferComplete](t, guest, protocol.TypeBufferComplete)

	require.NoError(t, s.UpdatePlayback(context.Background(), &UpdatePlaybackParams{Peer: host, Update: protocol.PlaybackUpdate{
		SequenceNumber: 101,
		Action:         protocol.ActionPause,
		Track:          &protocol.TrackInfo{ID: "T1", Title: "Track", DurationMs: 180_000},
		PositionMs:     3000,
		Volume:         100,
	}}))
	expect[protocol.PlaybackUpdate](t, guest, protocol.TypePlaybackUpdate)
	expectNone(t, guest, protocol.TypeBufferWait)
}

func TestBufferSkippedWithoutGuests(t *testing.T) {
	s, _ := newTestService(t, testConfig())
	host, _ := createRoom(t, s, true)

	changeTrack(t, s, host, 100, "T1")
	expect[protocol.PlaybackUpdate](t, host, protocol.TypePlaybackUpdate)
	expectNone(t, host, protocol.TypeBufferWait)
}
