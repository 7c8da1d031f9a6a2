package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listentogether/relay/internal/repository/connection/inmemory"
	sessionRedis "github.com/listentogether/relay/internal/repository/session/redis"
	"github.com/listentogether/relay/internal/service/room"
	"github.com/listentogether/relay/pkg/protocol"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	s := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rc.Close() })

	roomService, err := room.NewService(
		inmemory.NewRepo(slog.Default()),
		sessionRedis.NewRepo(rc, slog.Default()),
		&room.Config{
			MembersLimit:   4,
			RoomCodeLength: 6,
			MemberGrace:    time.Minute,
			RoomGrace:      time.Minute,
			SessionTTL:     time.Hour,
			Secret:         "0123456789abcdef",
		},
		slog.Default(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { roomService.Shutdown(context.Background()) })

	server := httptest.NewServer(NewController(roomService, slog.Default(), time.Second).GetMux())
	t.Cleanup(server.Close)

	return server
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, server *httptest.Server) *testClient {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(msgType string, payload any) {
	c.t.Helper()

	msg, err := protocol.New(msgType, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

// read returns the next message of type msgType, skipping others.
func (c *testClient) read(msgType string) protocol.Message {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg protocol.Message
		require.NoError(c.t, c.conn.ReadJSON(&msg), "waiting for %s", msgType)
		if msg.Type == msgType {
			return msg
		}
	}
}

func decode[T any](t *testing.T, msg protocol.Message) T {
	t.Helper()

	var v T
	require.NoError(t, msg.Decode(&v))
	return v
}

func TestHealthz(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/v1/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHeartbeatAck(t *testing.T) {
	server := newTestServer(t)
	client := dial(t, server)

	client.send(protocol.TypeHeartbeat, protocol.Heartbeat{SentAt: 1234})

	ack := decode[protocol.HeartbeatAck](t, client.read(protocol.TypeHeartbeatAck))
	assert.Equal(t, int64(1234), ack.SentAt)
	assert.NotZero(t, ack.ServerTime)
}

func TestInvalidMessages(t *testing.T) {
	server := newTestServer(t)
	client := dial(t, server)

	client.send("NOT_A_TYPE", nil)
	e := decode[protocol.Error](t, client.read(protocol.TypeError))
	assert.Equal(t, protocol.CodeInvalidMessage, e.Code)

	client.send(protocol.TypeCreateRoom, protocol.CreateRoom{Username: ""})
	e = decode[protocol.Error](t, client.read(protocol.TypeError))
	assert.Equal(t, protocol.CodeInvalidMessage, e.Code)
	assert.Contains(t, e.Message, "username")

	client.send(protocol.TypeSyncRequest, nil)
	e = decode[protocol.Error](t, client.read(protocol.TypeError))
	assert.Equal(t, protocol.CodeNotInRoom, e.Code)
}

func TestJoinUnknownRoomIsRejected(t *testing.T) {
	server := newTestServer(t)
	client := dial(t, server)

	client.send(protocol.TypeJoinRoom, protocol.JoinRoom{RoomCode: "ZZZZZZ", Username: "guest"})

	rejected := decode[protocol.JoinRejected](t, client.read(protocol.TypeJoinRejected))
	assert.Equal(t, protocol.ReasonRoomNotFound, rejected.Reason)
}

func TestApprovalFlowOverWebsocket(t *testing.T) {
	server := newTestServer(t)
	host := dial(t, server)
	guest := dial(t, server)

	host.send(protocol.TypeCreateRoom, protocol.CreateRoom{Username: "host"})
	created := decode[protocol.JoinApproved](t, host.read(protocol.TypeJoinApproved))

	guest.send(protocol.TypeJoinRoom, protocol.JoinRoom{RoomCode: strings.ToLower(created.RoomState.RoomCode), Username: "guest"})
	guest.read(protocol.TypeJoinRequestPending)

	req := decode[protocol.JoinRequestReceived](t, host.read(protocol.TypeJoinRequestReceived))
	assert.Equal(t, "guest", req.Username)

	host.send(protocol.TypeApproveJoin, protocol.ApproveJoin{UserID: req.UserID})

	joined := decode[protocol.JoinApproved](t, guest.read(protocol.TypeJoinApproved))
	assert.Equal(t, req.UserID, joined.UserID)
	assert.Len(t, joined.RoomState.Users, 2)
}

func TestKickClosesWithKickedCode(t *testing.T) {
	server := newTestServer(t)
	host := dial(t, server)
	guest := dial(t, server)

	host.send(protocol.TypeCreateRoom, protocol.CreateRoom{Username: "host", AutoApproval: true})
	created := decode[protocol.JoinApproved](t, host.read(protocol.TypeJoinApproved))

	guest.send(protocol.TypeJoinRoom, protocol.JoinRoom{RoomCode: created.RoomState.RoomCode, Username: "guest"})
	joined := decode[protocol.JoinApproved](t, guest.read(protocol.TypeJoinApproved))

	host.send(protocol.TypeKick, protocol.Kick{UserID: joined.UserID})

	guest.read(protocol.TypeKicked)
	_, _, err := guest.conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, protocol.CloseKicked), "unexpected close: %v", err)

	state := decode[protocol.RoomState](t, host.read(protocol.TypeRoomState))
	assert.Len(t, state.Users, 1)
}

func TestPlaybackRelayedToGuests(t *testing.T) {
	server := newTestServer(t)
	host := dial(t, server)
	guest := dial(t, server)

	host.send(protocol.TypeCreateRoom, protocol.CreateRoom{Username: "host", AutoApproval: true})
	created := decode[protocol.JoinApproved](t, host.read(protocol.TypeJoinApproved))

	guest.send(protocol.TypeJoinRoom, protocol.JoinRoom{RoomCode: created.RoomState.RoomCode, Username: "guest"})
	guest.read(protocol.TypeJoinApproved)

	host.send(protocol.TypePlaybackUpdate, protocol.PlaybackUpdate{
		Action:     protocol.ActionChangeTrack,
		Track:      &protocol.TrackInfo{ID: "T1", Title: "Song", DurationMs: 200_000},
		PositionMs: 0,
		IsPlaying:  true,
		Volume:     50,
	})

	update := decode[protocol.PlaybackUpdate](t, guest.read(protocol.TypePlaybackUpdate))
	assert.Equal(t, protocol.ActionChangeTrack, update.Action)
	assert.Equal(t, "T1", update.Track.ID)
	assert.True(t, update.IsPlaying)
	assert.NotZero(t, update.ServerTimestamp)

	host.send(protocol.TypePlaybackUpdate, protocol.PlaybackUpdate{Action: "REWIND"})
	e := decode[protocol.Error](t, host.read(protocol.TypeError))
	assert.Equal(t, protocol.CodeInvalidMessage, e.Code)
}

func TestReconnectAfterDrop(t *testing.T) {
	server := newTestServer(t)
	host := dial(t, server)
	guest := dial(t, server)

	host.send(protocol.TypeCreateRoom, protocol.CreateRoom{Username: "host", AutoApproval: true})
	created := decode[protocol.JoinApproved](t, host.read(protocol.TypeJoinApproved))

	guest.send(protocol.TypeJoinRoom, protocol.JoinRoom{RoomCode: created.RoomState.RoomCode, Username: "guest"})
	joined := decode[protocol.JoinApproved](t, guest.read(protocol.TypeJoinApproved))
	host.read(protocol.TypeRoomState)

	guest.conn.Close()
	state := decode[protocol.RoomState](t, host.read(protocol.TypeRoomState))
	require.Len(t, state.Users, 2)
	assert.False(t, state.Users[1].IsConnected)

	resumed := dial(t, server)
	resumed.send(protocol.TypeReconnect, protocol.Reconnect{SessionToken: joined.SessionToken})

	reconnected := decode[protocol.Reconnected](t, resumed.read(protocol.TypeReconnected))
	assert.Equal(t, joined.UserID, reconnected.UserID)
	assert.True(t, reconnected.RoomState.Users[1].IsConnected)

	stale := dial(t, server)
	stale.send(protocol.TypeReconnect, protocol.Reconnect{SessionToken: "bogus"})
	e := decode[protocol.Error](t, stale.read(protocol.TypeError))
	assert.Equal(t, protocol.CodeSessionExpired, e.Code)
}

func TestHostLeaveClosesRoom(t *testing.T) {
	server := newTestServer(t)
	host := dial(t, server)
	guest := dial(t, server)

	host.send(protocol.TypeCreateRoom, protocol.CreateRoom{Username: "host", AutoApproval: true})
	created := decode[protocol.JoinApproved](t, host.read(protocol.TypeJoinApproved))

	guest.send(protocol.TypeJoinRoom, protocol.JoinRoom{RoomCode: created.RoomState.RoomCode, Username: "guest"})
	guest.read(protocol.TypeJoinApproved)

	host.send(protocol.TypeLeaveRoom, nil)

	closed := decode[protocol.RoomClosed](t, guest.read(protocol.TypeRoomClosed))
	assert.Equal(t, protocol.ReasonHostLeft, closed.Reason)

	_, _, err := guest.conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, protocol.CloseRoomClosed), "unexpected close: %v", err)
}

func TestRequestIDHeader(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/v1/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	req, err := http.NewRequest(http.MethodGet, server.URL+"/api/v1/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "edge-42")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "edge-42", resp.Header.Get("X-Request-Id"))
}

func TestRoomPreview(t *testing.T) {
	server := newTestServer(t)
	host := dial(t, server)
	guest := dial(t, server)

	host.send(protocol.TypeCreateRoom, protocol.CreateRoom{Username: "host"})
	created := decode[protocol.JoinApproved](t, host.read(protocol.TypeJoinApproved))
	code := created.RoomState.RoomCode

	guest.send(protocol.TypeJoinRoom, protocol.JoinRoom{RoomCode: code, Username: "guest"})
	guest.read(protocol.TypeJoinRequestPending)

	resp, err := http.Get(server.URL + "/api/v1/rooms/" + strings.ToLower(code))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var preview map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&preview))
	assert.Equal(t, code, preview["room_code"])
	assert.Equal(t, "host", preview["host_username"])
	assert.EqualValues(t, 1, preview["members"])
	assert.EqualValues(t, 1, preview["connected"])
	assert.EqualValues(t, 1, preview["pending_requests"])
	assert.EqualValues(t, 0, preview["suggestions"])
	assert.NotContains(t, preview, "host_user_id")
	assert.NotContains(t, preview, "users")

	for path, status := range map[string]int{
		"/api/v1/rooms/ZZZZZZ": http.StatusNotFound,
		"/api/v1/rooms/a":      http.StatusBadRequest,
	} {
		resp, err := http.Get(server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, status, resp.StatusCode, path)
	}
}

func TestSuggestionsAndBufferingOverWebsocket(t *testing.T) {
	server := newTestServer(t)
	host := dial(t, server)
	guest := dial(t, server)

	host.send(protocol.TypeCreateRoom, protocol.CreateRoom{Username: "host", AutoApproval: true})
	created := decode[protocol.JoinApproved](t, host.read(protocol.TypeJoinApproved))

	guest.send(protocol.TypeJoinRoom, protocol.JoinRoom{RoomCode: created.RoomState.RoomCode, Username: "guest"})
	joined := decode[protocol.JoinApproved](t, guest.read(protocol.TypeJoinApproved))

	track := protocol.TrackInfo{ID: "T2", Title: "Song", DurationMs: 200_000}
	guest.send(protocol.TypeSuggestTrack, protocol.SuggestTrack{Track: track})
	received := decode[protocol.SuggestionReceived](t, host.read(protocol.TypeSuggestionReceived))
	assert.Equal(t, "guest", received.FromUsername)

	host.send(protocol.TypeApproveSuggestion, protocol.ApproveSuggestion{SuggestionID: received.SuggestionID})
	approved := decode[protocol.SuggestionApproved](t, guest.read(protocol.TypeSuggestionApproved))
	assert.Equal(t, track, approved.Track)

	host.send(protocol.TypePlaybackUpdate, protocol.PlaybackUpdate{
		SequenceNumber: 1,
		Action:         protocol.ActionChangeTrack,
		Track:          &approved.Track,
		IsPlaying:      true,
		Volume:         50,
	})
	wait := decode[protocol.BufferWait](t, guest.read(protocol.TypeBufferWait))
	assert.Equal(t, []string{joined.UserID}, wait.WaitingFor)

	guest.send(protocol.TypeBufferReady, protocol.BufferReady{TrackID: "T2"})
	complete := decode[protocol.BufferComplete](t, host.read(protocol.TypeBufferComplete))
	assert.Equal(t, "T2", complete.TrackID)

	guest.send(protocol.TypeBufferReady, protocol.BufferReady{})
	e := decode[protocol.Error](t, guest.read(protocol.TypeError))
	assert.Equal(t, protocol.CodeInvalidMessage, e.Code)
}
