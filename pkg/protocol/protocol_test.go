package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndDecode(t *testing.T) {
	msg, err := New(TypeJoinRoom, JoinRoom{RoomCode: "AB12C", Username: "alice"})
	require.NoError(t, err)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"JOIN_ROOM","payload":{"room_code":"AB12C","username":"alice"}}`, string(raw))

	var decoded Message
	require.NoError(t, json.Unmarshal(raw, &decoded))

	var payload JoinRoom
	require.NoError(t, decoded.Decode(&payload))
	assert.Equal(t, "AB12C", payload.RoomCode)
	assert.Equal(t, "alice", payload.Username)
}

func TestNewNilPayload(t *testing.T) {
	msg, err := New(TypeLeaveRoom, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(msg.Payload))

	_, err = New("", nil)
	assert.ErrorIs(t, err, ErrEmptyType)
}

func TestIsCritical(t *testing.T) {
	for _, typ := range []string{TypeCreateRoom, TypeJoinRoom, TypeLeaveRoom, TypeReconnect} {
		assert.True(t, Message{Type: typ}.IsCritical(), typ)
	}
	for _, typ := range []string{TypePlaybackUpdate, TypeChat, TypeHeartbeat, TypeSyncRequest} {
		assert.False(t, Message{Type: typ}.IsCritical(), typ)
	}
}

func TestIsNewer(t *testing.T) {
	assert.True(t, IsNewer(1, 0))
	assert.True(t, IsNewer(10, 9))
	assert.False(t, IsNewer(9, 9))
	assert.False(t, IsNewer(3, 9))
}

func TestRoomStateCloneIsDeep(t *testing.T) {
	s := RoomState{
		RoomCode:     "AB12C",
		Users:        []UserInfo{{UserID: "u1", Username: "host", IsHost: true}},
		CurrentTrack: &TrackInfo{ID: "t1"},
	}

	c := s.Clone()
	c.Users[0].Username = "changed"
	c.CurrentTrack.ID = "t2"

	assert.Equal(t, "host", s.Users[0].Username)
	assert.Equal(t, "t1", s.CurrentTrack.ID)
}

func TestWithPlayback(t *testing.T) {
	s := RoomState{RoomCode: "AB12C", SequenceNumber: 3, CurrentTrack: &TrackInfo{ID: "t1"}}

	next := s.WithPlayback(PlaybackUpdate{
		SequenceNumber: 4,
		Action:         ActionSeek,
		PositionMs:     5000,
		IsPlaying:      true,
		Volume:         70,
	})

	assert.Equal(t, uint64(4), next.SequenceNumber)
	assert.Equal(t, int64(5000), next.PositionMs)
	assert.True(t, next.IsPlaying)
	assert.Equal(t, "t1", next.CurrentTrack.ID, "track is kept when the update carries none")
	assert.Equal(t, uint64(3), s.SequenceNumber, "original snapshot must not change")
}

func TestRoomCodes(t *testing.T) {
	assert.Equal(t, "AB12C", NormalizeRoomCode("  ab12c "))
	assert.True(t, ValidRoomCode("AB12C"))
	assert.True(t, ValidRoomCode("AB12CD"))
	assert.False(t, ValidRoomCode("AB12"))
	assert.False(t, ValidRoomCode("ab12c"))
	assert.False(t, ValidRoomCode("AB-2C"))
}

func TestUserLookup(t *testing.T) {
	s := RoomState{Users: []UserInfo{{UserID: "u1"}, {UserID: "u2", IsConnected: true}}}

	u, ok := s.User("u2")
	require.True(t, ok)
	assert.True(t, u.IsConnected)

	_, ok = s.User("u3")
	assert.False(t, ok)
}
