package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listentogether/relay/pkg/protocol"
)

const waitTimeout = 2 * time.Second

type fakeRelay struct {
	server *httptest.Server
	conns  chan *websocket.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()

	r := &fakeRelay{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.conns <- conn
	}))
	t.Cleanup(r.server.Close)

	return r
}

func (r *fakeRelay) endpoint() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *fakeRelay) accept(t *testing.T) *websocket.Conn {
	t.Helper()

	select {
	case conn := <-r.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(waitTimeout):
		t.Fatal("no connection accepted")
		return nil
	}
}

// readFrame returns the next frame that is not a heartbeat.
func readFrame(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(waitTimeout))
	for {
		var msg protocol.Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type != protocol.TypeHeartbeat {
			return msg
		}
	}
}

func nextDelivery(t *testing.T, tr *Transport) Delivery {
	t.Helper()

	select {
	case d, ok := <-tr.Deliveries():
		require.True(t, ok, "deliveries closed")
		return d
	case <-time.After(waitTimeout):
		t.Fatal("no delivery")
		return Delivery{}
	}
}

func nextLink(t *testing.T, tr *Transport) LinkEvent {
	t.Helper()

	for {
		d := nextDelivery(t, tr)
		if d.Link != nil {
			return *d.Link
		}
	}
}

func newTransport(t *testing.T, cfg Config) *Transport {
	t.Helper()

	tr, err := New(cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	return tr
}

func chat(t *testing.T, text string) protocol.Message {
	t.Helper()

	msg, err := protocol.New(protocol.TypeChat, protocol.Chat{Text: text})
	require.NoError(t, err)
	return msg
}

func message(t *testing.T, msgType string) protocol.Message {
	t.Helper()

	msg, err := protocol.New(msgType, nil)
	require.NoError(t, err)
	return msg
}

func TestConfigValidate(t *testing.T) {
	for name, endpoint := range map[string]string{
		"empty":       "",
		"http scheme": "http://localhost:8080/api/v1/ws",
		"no host":     "ws:///api/v1/ws",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(Config{Endpoint: endpoint}, slog.Default())
			assert.Error(t, err)
		})
	}

	_, err := New(Config{Endpoint: "wss://relay.example.com/api/v1/ws"}, slog.Default())
	assert.NoError(t, err)
}

func TestBackoff(t *testing.T) {
	cfg := Config{InitialBackoff: time.Second, MaxBackoff: 30 * time.Second}

	for range 50 {
		d := cfg.Backoff(1)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)

		d = cfg.Backoff(3)
		assert.GreaterOrEqual(t, d, 3200*time.Millisecond)
		assert.LessOrEqual(t, d, 4800*time.Millisecond)

		d = cfg.Backoff(10)
		assert.GreaterOrEqual(t, d, 24*time.Second)
		assert.LessOrEqual(t, d, 30*time.Second)
	}
}

func TestConnectFailure(t *testing.T) {
	tr := newTransport(t, Config{
		Endpoint:         "ws://127.0.0.1:1/api/v1/ws",
		HandshakeTimeout: 500 * time.Millisecond,
	})

	err := tr.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnection)

	// A failed connect leaves the transport ready for another attempt.
	err = tr.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
}

func TestSendAndReceive(t *testing.T) {
	relay := newFakeRelay(t)
	tr := newTransport(t, Config{Endpoint: relay.endpoint()})

	require.NoError(t, tr.Connect(context.Background()))
	assert.ErrorIs(t, tr.Connect(context.Background()), ErrAlreadyConnected)
	conn := relay.accept(t)

	require.NoError(t, tr.Send(chat(t, "hello")))
	got := readFrame(t, conn)
	assert.Equal(t, protocol.TypeChat, got.Type)

	require.NoError(t, conn.WriteJSON(got))
	d := nextDelivery(t, tr)
	require.Nil(t, d.Link)
	var payload protocol.Chat
	require.NoError(t, d.Message.Decode(&payload))
	assert.Equal(t, "hello", payload.Text)
}

func TestQueuedBeforeConnectIsFlushed(t *testing.T) {
	relay := newFakeRelay(t)
	tr := newTransport(t, Config{Endpoint: relay.endpoint()})

	require.NoError(t, tr.Send(message(t, protocol.TypeCreateRoom)))
	require.NoError(t, tr.Send(chat(t, "queued")))
	require.NoError(t, tr.Connect(context.Background()))
	conn := relay.accept(t)

	assert.Equal(t, protocol.TypeCreateRoom, readFrame(t, conn).Type)
	assert.Equal(t, protocol.TypeChat, readFrame(t, conn).Type)
}

func TestHeartbeatAckUpdatesRTT(t *testing.T) {
	relay := newFakeRelay(t)
	tr := newTransport(t, Config{Endpoint: relay.endpoint(), HeartbeatInterval: 20 * time.Millisecond})

	require.NoError(t, tr.Connect(context.Background()))
	conn := relay.accept(t)

	conn.SetReadDeadline(time.Now().Add(waitTimeout))
	var hb protocol.Message
	require.NoError(t, conn.ReadJSON(&hb))
	require.Equal(t, protocol.TypeHeartbeat, hb.Type)
	var beat protocol.Heartbeat
	require.NoError(t, hb.Decode(&beat))

	time.Sleep(10 * time.Millisecond)
	ack, err := protocol.New(protocol.TypeHeartbeatAck, protocol.HeartbeatAck{SentAt: beat.SentAt, ServerTime: beat.SentAt})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ack))
	require.NoError(t, conn.WriteJSON(chat(t, "after ack")))

	// The ack is consumed by the transport and never delivered.
	d := nextDelivery(t, tr)
	assert.Equal(t, protocol.TypeChat, d.Message.Type)
	assert.GreaterOrEqual(t, tr.RTT(), 10*time.Millisecond)
}

func TestOutboxDropPolicy(t *testing.T) {
	tr := newTransport(t, Config{Endpoint: "ws://localhost:8080/api/v1/ws", OutboxSize: 3})

	require.NoError(t, tr.Send(chat(t, "1")))
	require.NoError(t, tr.Send(chat(t, "2")))
	require.NoError(t, tr.Send(message(t, protocol.TypeJoinRoom)))

	// Full: the oldest non-critical message makes room.
	require.NoError(t, tr.Send(message(t, protocol.TypeCreateRoom)))
	require.NoError(t, tr.Send(message(t, protocol.TypeLeaveRoom)))

	types := func() []string {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		out := make([]string, 0, len(tr.outbox))
		for _, m := range tr.outbox {
			out = append(out, m.Type)
		}
		return out
	}
	assert.Equal(t, []string{protocol.TypeJoinRoom, protocol.TypeCreateRoom, protocol.TypeLeaveRoom}, types())

	// Only critical messages left: a non-critical one is refused, a critical
	// one is still kept.
	assert.ErrorIs(t, tr.Send(chat(t, "3")), ErrOutboxFull)
	require.NoError(t, tr.Send(message(t, protocol.TypeReconnect)))
	assert.Equal(t, []string{
		protocol.TypeJoinRoom, protocol.TypeCreateRoom, protocol.TypeLeaveRoom, protocol.TypeReconnect,
	}, types())
}

func TestReconnectWritesResumeFirst(t *testing.T) {
	relay := newFakeRelay(t)
	tr := newTransport(t, Config{
		Endpoint:       relay.endpoint(),
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	})

	require.NoError(t, tr.Connect(context.Background()))
	first := relay.accept(t)

	reconnect, err := protocol.New(protocol.TypeReconnect, protocol.Reconnect{SessionToken: "token"})
	require.NoError(t, err)
	tr.SetResume(reconnect, message(t, protocol.TypeSyncRequest))

	first.Close()

	link := nextLink(t, tr)
	assert.Equal(t, LinkReconnecting, link.Kind)
	assert.Equal(t, 1, link.Attempt)
	assert.Equal(t, DefaultMaxAttempts, link.MaxAttempts)
	require.NoError(t, tr.Send(chat(t, "while away")))

	second := relay.accept(t)
	assert.Equal(t, LinkReconnected, nextLink(t, tr).Kind)

	assert.Equal(t, protocol.TypeReconnect, readFrame(t, second).Type)
	assert.Equal(t, protocol.TypeSyncRequest, readFrame(t, second).Type)
	assert.Equal(t, protocol.TypeChat, readFrame(t, second).Type)
}

func TestSilentLinkIsReconnected(t *testing.T) {
	relay := newFakeRelay(t)
	tr := newTransport(t, Config{
		Endpoint:          relay.endpoint(),
		HeartbeatInterval: 20 * time.Millisecond,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        20 * time.Millisecond,
	})

	require.NoError(t, tr.Connect(context.Background()))
	conn := relay.accept(t)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	assert.Equal(t, LinkReconnecting, nextLink(t, tr).Kind)
	relay.accept(t)
	assert.Equal(t, LinkReconnected, nextLink(t, tr).Kind)
}

func TestRelayCloseCodesAreTerminal(t *testing.T) {
	for name, code := range map[string]int{
		"kicked":      protocol.CloseKicked,
		"room closed": protocol.CloseRoomClosed,
	} {
		t.Run(name, func(t *testing.T) {
			relay := newFakeRelay(t)
			tr := newTransport(t, Config{Endpoint: relay.endpoint(), InitialBackoff: 10 * time.Millisecond})

			require.NoError(t, tr.Connect(context.Background()))
			conn := relay.accept(t)
			closeMsg := websocket.FormatCloseMessage(code, "bye")
			require.NoError(t, conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second)))

			link := nextLink(t, tr)
			assert.Equal(t, LinkDown, link.Kind)
			assert.ErrorIs(t, link.Err, ErrClosedByRelay)

			select {
			case <-relay.conns:
				t.Fatal("transport reconnected after a terminal close")
			case <-time.After(50 * time.Millisecond):
			}
		})
	}
}

type flakyDialer struct {
	dials atomic.Int32
	real  websocket.Dialer
}

func (d *flakyDialer) DialContext(ctx context.Context, url string, h http.Header) (*websocket.Conn, *http.Response, error) {
	if d.dials.Add(1) > 1 {
		return nil, nil, errors.New("relay unreachable")
	}
	return d.real.DialContext(ctx, url, h)
}

func TestReconnectExhausted(t *testing.T) {
	relay := newFakeRelay(t)
	dialer := &flakyDialer{}
	tr := newTransport(t, Config{
		Endpoint:       relay.endpoint(),
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		MaxAttempts:    2,
		Dialer:         dialer,
	})

	require.NoError(t, tr.Connect(context.Background()))
	relay.accept(t).Close()

	for attempt := 1; attempt <= 2; attempt++ {
		link := nextLink(t, tr)
		assert.Equal(t, LinkReconnecting, link.Kind)
		assert.Equal(t, attempt, link.Attempt)
		assert.Equal(t, 2, link.MaxAttempts)
	}

	link := nextLink(t, tr)
	assert.Equal(t, LinkDown, link.Kind)
	assert.ErrorIs(t, link.Err, ErrReconnectExhausted)
	assert.EqualValues(t, 3, dialer.dials.Load())
}

func TestCloseClosesDeliveries(t *testing.T) {
	relay := newFakeRelay(t)
	tr := newTransport(t, Config{Endpoint: relay.endpoint()})

	require.NoError(t, tr.Connect(context.Background()))
	conn := relay.accept(t)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	select {
	case _, ok := <-tr.Deliveries():
		assert.False(t, ok)
	case <-time.After(waitTimeout):
		t.Fatal("deliveries not closed")
	}

	conn.SetReadDeadline(time.Now().Add(waitTimeout))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	assert.ErrorIs(t, tr.Send(chat(t, "late")), ErrTransportClosed)
	assert.ErrorIs(t, tr.Connect(context.Background()), ErrTransportClosed)
}
