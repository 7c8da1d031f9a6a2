package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/listentogether/relay/internal/metrics"
	"github.com/listentogether/relay/pkg/protocol"
)

const (
	writeWait    = 10 * time.Second
	sendBuffer   = 64
	maxFrameSize = 64 << 10
)

// peer is one websocket connection. Writes go through a single pump goroutine
// so that room actors never block on the network.
type peer struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *slog.Logger

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newPeer(id string, conn *websocket.Conn, logger *slog.Logger) *peer {
	return &peer{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (p *peer) ID() string {
	return p.id
}

// Send queues msg for writing. A peer whose queue is full is too slow to keep
// up with its room and gets disconnected.
func (p *peer) Send(msg protocol.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("failed to marshal message", "peer_id", p.id, "type", msg.Type, "error", err)
		return false
	}

	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.send <- data:
		return true
	default:
		p.logger.Warn("peer send queue is full", "peer_id", p.id)
		p.Close(websocket.CloseTryAgainLater, "too slow")
		return false
	}
}

// Close asks the write pump to flush queued messages, send a close frame and
// drop the connection. Only the first call has an effect.
func (p *peer) Close(code int, reason string) {
	p.closeOnce.Do(func() {
		p.closeCode = code
		p.closeReason = reason
		close(p.done)
	})
}

func (p *peer) writeFrame(data []byte) error {
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *peer) writePump(ctx context.Context, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer p.conn.Close()

	metrics.PeersConnected.Inc()
	defer metrics.PeersConnected.Dec()

	for {
		select {
		case data := <-p.send:
			if err := p.writeFrame(data); err != nil {
				p.logger.DebugContext(ctx, "failed to write message", "error", err)
				p.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.logger.DebugContext(ctx, "failed to write ping", "error", err)
				p.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-p.done:
			p.flush(ctx)
			return
		}
	}
}

// flush writes whatever is still queued, then the close frame.
func (p *peer) flush(ctx context.Context) {
	for {
		select {
		case data := <-p.send:
			if err := p.writeFrame(data); err != nil {
				return
			}
		default:
			if p.closeCode == websocket.CloseAbnormalClosure {
				return
			}
			msg := websocket.FormatCloseMessage(p.closeCode, p.closeReason)
			if err := p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
				p.logger.DebugContext(ctx, "failed to write close frame", "error", err)
			}
			return
		}
	}
}
