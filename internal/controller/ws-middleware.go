package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/listentogether/relay/internal/metrics"
	"github.com/listentogether/relay/pkg/ctxlogger"
	"github.com/listentogether/relay/pkg/protocol"
	"github.com/listentogether/relay/pkg/wsrouter"
)

func (c controller) wsRequestIDMw() wsrouter.Middleware[*peer] {
	return func(next wsrouter.HandlerFunc[*peer, any]) wsrouter.HandlerFunc[*peer, any] {
		return func(ctx context.Context, p *peer, payload any) error {
			ctx = ctxlogger.AppendCtx(ctx, slog.String("ws_request_id", c.generateTimeBasedID()))
			return next(ctx, p, payload)
		}
	}
}

func (c controller) loggerWSMw() wsrouter.Middleware[*peer] {
	return func(next wsrouter.HandlerFunc[*peer, any]) wsrouter.HandlerFunc[*peer, any] {
		return func(ctx context.Context, p *peer, payload any) error {
			frame, _ := wsrouter.FrameFromCtx(ctx)
			msgType := frame.Type
			metrics.MessagesReceived.WithLabelValues(msgType).Inc()
			metrics.MessageBytes.WithLabelValues(msgType).Observe(float64(frame.Size))

			// heartbeats are too chatty for info level
			if msgType == protocol.TypeHeartbeat {
				return next(ctx, p, payload)
			}

			ctx = ctxlogger.AppendCtx(ctx, slog.String("message_type", msgType))
			c.logger.DebugContext(ctx, "websocket message received", "payload", payload, "size_bytes", frame.Size)

			start := time.Now()
			err := next(ctx, p, payload)
			c.logger.InfoContext(ctx, "websocket message handled",
				"processing_time_us", time.Since(start).Microseconds(),
			)

			return err
		}
	}
}
