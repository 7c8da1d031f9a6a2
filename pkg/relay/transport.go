// Package relay is the client side of the relay connection: a websocket link
// that buffers outgoing messages, keeps itself alive with heartbeats and
// reconnects with exponential backoff.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/listentogether/relay/pkg/protocol"
)

var (
	ErrConnection         = errors.New("failed to connect to relay")
	ErrTransportClosed    = errors.New("transport closed")
	ErrAlreadyConnected   = errors.New("transport already connected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrClosedByRelay      = errors.New("connection closed by relay")
	ErrOutboxFull         = errors.New("outbox full")
)

const (
	writeWait       = 10 * time.Second
	deliveryBuffer  = 256
	readDeadFactor  = 3
	closeFrameDelay = time.Second
)

type LinkKind int

const (
	LinkReconnecting LinkKind = iota + 1
	LinkReconnected
	LinkDown
)

func (k LinkKind) String() string {
	switch k {
	case LinkReconnecting:
		return "reconnecting"
	case LinkReconnected:
		return "reconnected"
	case LinkDown:
		return "down"
	}

	return "unknown"
}

// LinkEvent reports a change of the underlying connection.
type LinkEvent struct {
	Kind        LinkKind
	Attempt     int
	MaxAttempts int
	Err         error
}

// Delivery is either a message from the relay or a link event, never both.
type Delivery struct {
	Message protocol.Message
	Link    *LinkEvent
}

type Transport struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	outbox  []protocol.Message
	resume  []protocol.Message
	wake    chan struct{}

	rtt        atomic.Int64
	deliveries chan Delivery
	closeOnce  sync.Once
}

func New(cfg Config, logger *slog.Logger) (*Transport, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:        cfg,
		logger:     logger.With("endpoint", cfg.Endpoint),
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		deliveries: make(chan Delivery, deliveryBuffer),
	}, nil
}

// Connect opens the link. It fails with ErrConnection when the relay cannot
// be reached within the handshake timeout; Connect may then be retried.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.started = true
	t.mu.Unlock()

	conn, err := t.dial(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.started = false
		return err
	}
	if t.ctx.Err() != nil {
		conn.Close()
		return ErrTransportClosed
	}

	t.wg.Add(1)
	go t.run(conn)

	t.logger.Info("connected to relay")
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := t.cfg.Dialer.DialContext(ctx, t.cfg.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	return conn, nil
}

// Deliveries is the ordered stream of incoming messages and link events. It
// is closed by Close.
func (t *Transport) Deliveries() <-chan Delivery {
	return t.deliveries
}

// RTT is the round trip time measured by the last heartbeat.
func (t *Transport) RTT() time.Duration {
	return time.Duration(t.rtt.Load())
}

// Send queues msg without blocking. When the outbox is full the oldest
// non-critical message is dropped; critical messages are always kept.
func (t *Transport) Send(msg protocol.Message) error {
	if t.ctx.Err() != nil {
		return ErrTransportClosed
	}

	t.mu.Lock()
	if len(t.outbox) >= t.cfg.OutboxSize {
		i := slices.IndexFunc(t.outbox, func(m protocol.Message) bool { return !m.IsCritical() })
		switch {
		case i >= 0:
			t.logger.Warn("outbox full, dropping message", "type", t.outbox[i].Type)
			t.outbox = slices.Delete(t.outbox, i, i+1)
		case !msg.IsCritical():
			t.mu.Unlock()
			t.logger.Warn("outbox full, dropping message", "type", msg.Type)
			return ErrOutboxFull
		}
	}
	t.outbox = append(t.outbox, msg)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}

	return nil
}

// SetResume sets the messages written first on every link, including one
// re-established after a drop, before anything queued in the outbox.
func (t *Transport) SetResume(msgs ...protocol.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.resume = slices.Clone(msgs)
}

// Close stops the link and any reconnect in progress, then closes
// Deliveries. Messages already queued are written to a live link before the
// close frame. It is safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.cancel()
		t.mu.Unlock()

		t.wg.Wait()
		close(t.deliveries)
		t.logger.Info("transport closed")
	})

	return nil
}

func (t *Transport) deliver(d Delivery) bool {
	select {
	case t.deliveries <- d:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func (t *Transport) run(conn *websocket.Conn) {
	defer t.wg.Done()

	for {
		err := t.serve(conn)
		if t.ctx.Err() != nil {
			return
		}

		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) &&
			(closeErr.Code == protocol.CloseKicked || closeErr.Code == protocol.CloseRoomClosed) {
			t.logger.Info("relay ended the connection", "code", closeErr.Code, "reason", closeErr.Text)
			t.deliver(Delivery{Link: &LinkEvent{
				Kind: LinkDown,
				Err:  fmt.Errorf("%w: code %d", ErrClosedByRelay, closeErr.Code),
			}})
			return
		}

		t.logger.Warn("relay link lost", "error", err)
		if conn = t.reconnect(); conn == nil {
			return
		}
	}
}

func (t *Transport) reconnect() *websocket.Conn {
	for attempt := 1; attempt <= t.cfg.MaxAttempts; attempt++ {
		if !t.deliver(Delivery{Link: &LinkEvent{
			Kind:        LinkReconnecting,
			Attempt:     attempt,
			MaxAttempts: t.cfg.MaxAttempts,
		}}) {
			return nil
		}

		select {
		case <-t.cfg.Clock.After(t.cfg.Backoff(attempt)):
		case <-t.ctx.Done():
			return nil
		}

		conn, err := t.dial(t.ctx)
		if err != nil {
			t.logger.Info("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		t.logger.Info("reconnected to relay", "attempt", attempt)
		t.deliver(Delivery{Link: &LinkEvent{Kind: LinkReconnected, Attempt: attempt, MaxAttempts: t.cfg.MaxAttempts}})
		return conn
	}

	t.deliver(Delivery{Link: &LinkEvent{Kind: LinkDown, Err: ErrReconnectExhausted}})
	return nil
}

// serve runs one connection until it fails or the transport is closed. It is
// the only writer of conn.
func (t *Transport) serve(conn *websocket.Conn) error {
	defer conn.Close()

	readErr := make(chan error, 1)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		readErr <- t.readLoop(conn)
	}()

	t.mu.Lock()
	resume := slices.Clone(t.resume)
	t.mu.Unlock()
	for _, msg := range resume {
		if err := t.write(conn, msg); err != nil {
			return err
		}
	}
	if err := t.flush(conn); err != nil {
		return err
	}

	ticker := t.cfg.Clock.Ticker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			t.flush(conn)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeFrameDelay))
			return t.ctx.Err()
		case err := <-readErr:
			return err
		case <-t.wake:
			if err := t.flush(conn); err != nil {
				return err
			}
		case <-ticker.C:
			hb, err := protocol.New(protocol.TypeHeartbeat, protocol.Heartbeat{SentAt: protocol.Millis(t.cfg.Clock.Now())})
			if err != nil {
				return err
			}
			if err := t.write(conn, hb); err != nil {
				return err
			}
		}
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) error {
	for {
		conn.SetReadDeadline(time.Now().Add(readDeadFactor * t.cfg.HeartbeatInterval))

		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.logger.Warn("failed to decode relay message", "error", err)
			continue
		}

		if msg.Type == protocol.TypeHeartbeatAck {
			var ack protocol.HeartbeatAck
			if err := msg.Decode(&ack); err == nil && ack.SentAt > 0 {
				rtt := t.cfg.Clock.Now().Sub(protocol.Time(ack.SentAt))
				t.rtt.Store(int64(max(rtt, 0)))
			}
			continue
		}

		if !t.deliver(Delivery{Message: msg}) {
			return ErrTransportClosed
		}
	}
}

func (t *Transport) flush(conn *websocket.Conn) error {
	t.mu.Lock()
	pending := t.outbox
	t.outbox = nil
	t.mu.Unlock()

	for i, msg := range pending {
		if err := t.write(conn, msg); err != nil {
			t.mu.Lock()
			t.outbox = append(slices.Clone(pending[i:]), t.outbox...)
			t.mu.Unlock()
			return err
		}
	}

	return nil
}

func (t *Transport) write(conn *websocket.Conn, msg protocol.Message) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write %s: %w", msg.Type, err)
	}

	return nil
}
