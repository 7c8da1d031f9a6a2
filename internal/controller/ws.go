package controller

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/listentogether/relay/internal/service/room"
	"github.com/listentogether/relay/pkg/ctxlogger"
	"github.com/listentogether/relay/pkg/protocol"
	"github.com/listentogether/relay/pkg/validator"
	"github.com/listentogether/relay/pkg/wsrouter"
)

func (c controller) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.WarnContext(r.Context(), "failed to upgrade to websocket", "error", err)
		return
	}

	p := newPeer(c.generateTimeBasedID(), conn, c.logger)
	ctx := ctxlogger.AppendCtx(r.Context(), slog.String("peer_id", p.id))

	conn.SetReadLimit(maxFrameSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.readTimeout()))
	})
	go p.writePump(ctx, c.heartbeatInterval)

	c.logger.InfoContext(ctx, "peer connected")
	if err := c.wsRouter.ServeConn(ctx, conn, p, c.readTimeout()); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.logger.InfoContext(ctx, "peer connection lost", "error", err)
		}
	}
	p.Close(websocket.CloseNormalClosure, "")

	if err := c.roomService.DisconnectPeer(context.WithoutCancel(ctx), &room.DisconnectPeerParams{Peer: p}); err != nil {
		c.logger.WarnContext(ctx, "failed to disconnect peer", "error", err)
	}
	c.logger.InfoContext(ctx, "peer disconnected")
}

func (c controller) validatePayload(payload any) error {
	if errs, ok := c.validate.Validate(payload); !ok {
		return errors.New(validator.Summary(errs))
	}

	return nil
}

// handleError reports a failed message back to its sender.
func (c controller) handleError(ctx context.Context, p *peer, err error) {
	c.logger.InfoContext(ctx, "failed to handle message", "error", err)

	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		c.writeToPeer(ctx, p, protocol.TypeJoinRejected, protocol.JoinRejected{Reason: protocol.ReasonRoomNotFound})
	case errors.Is(err, wsrouter.ErrInvalidPayload), errors.Is(err, wsrouter.ErrUnknownType):
		c.writeError(ctx, p, protocol.CodeInvalidMessage, err)
	case errors.Is(err, room.ErrNotInRoom):
		c.writeError(ctx, p, protocol.CodeNotInRoom, err)
	case errors.Is(err, room.ErrAlreadyInRoom):
		c.writeError(ctx, p, protocol.CodeAlreadyInRoom, err)
	case errors.Is(err, room.ErrSessionExpired):
		c.writeError(ctx, p, protocol.CodeSessionExpired, room.ErrSessionExpired)
	default:
		c.writeError(ctx, p, protocol.CodeUnavailable, err)
	}
}

func (c controller) writeError(ctx context.Context, p *peer, code string, err error) {
	c.writeToPeer(ctx, p, protocol.TypeError, protocol.Error{Code: code, Message: err.Error()})
}

func (c controller) writeToPeer(ctx context.Context, p *peer, msgType string, payload any) {
	msg, err := protocol.New(msgType, payload)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to encode message", "type", msgType, "error", err)
		return
	}

	if !p.Send(msg) {
		c.logger.DebugContext(ctx, "failed to write to peer", "type", msgType)
	}
}
