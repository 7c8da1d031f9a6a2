package wsrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidPayload = errors.New("invalid payload")
)

type message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// HandlerFunc handles one decoded message received on conn.
type HandlerFunc[C, T any] func(ctx context.Context, conn C, payload T) error

type Middleware[C any] func(next HandlerFunc[C, any]) HandlerFunc[C, any]

// ErrorHandler is called for every failed message. The read loop continues
// afterwards.
type ErrorHandler[C any] func(ctx context.Context, conn C, err error)

// Reader is the read half of a websocket connection.
type Reader interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
}

type route[C any] struct {
	decode  func(json.RawMessage) (any, error)
	handler HandlerFunc[C, any]
}

type WSRouter[C any] struct {
	routes      map[string]route[C]
	middlewares []Middleware[C]
	validate    func(any) error
	onError     ErrorHandler[C]
}

func New[C any]() *WSRouter[C] {
	return &WSRouter[C]{routes: make(map[string]route[C])}
}

// Use appends middlewares. They wrap handlers registered afterwards too, since
// the chain is built per dispatch.
func (r *WSRouter[C]) Use(mws ...Middleware[C]) {
	r.middlewares = append(r.middlewares, mws...)
}

// SetValidator sets the function applied to every decoded payload.
func (r *WSRouter[C]) SetValidator(validate func(any) error) {
	r.validate = validate
}

func (r *WSRouter[C]) SetErrorHandler(h ErrorHandler[C]) {
	r.onError = h
}

// Handle registers handler for messageType. The payload is decoded into T and
// validated before the handler runs.
func Handle[C, T any](r *WSRouter[C], messageType string, handler HandlerFunc[C, T]) {
	r.routes[messageType] = route[C]{
		decode: func(raw json.RawMessage) (any, error) {
			var payload T
			if len(raw) > 0 && string(raw) != "null" {
				if err := json.Unmarshal(raw, &payload); err != nil {
					return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
				}
			}

			if r.validate != nil {
				if err := r.validate(&payload); err != nil {
					return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
				}
			}

			return payload, nil
		},
		handler: func(ctx context.Context, conn C, payload any) error {
			return handler(ctx, conn, payload.(T))
		},
	}
}

// Dispatch routes one raw frame.
func (r *WSRouter[C]) Dispatch(ctx context.Context, conn C, data []byte) error {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	rt, ok := r.routes[msg.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}

	ctx = withFrame(ctx, Frame{Type: msg.Type, Size: len(data), ReceivedAt: time.Now()})

	payload, err := rt.decode(msg.Payload)
	if err != nil {
		return err
	}

	h := rt.handler
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		h = r.middlewares[i](h)
	}

	return h(ctx, conn, payload)
}

// ServeConn reads frames until the connection fails or ctx is done. Every
// successful read pushes the read deadline readTimeout into the future.
func (r *WSRouter[C]) ServeConn(ctx context.Context, reader Reader, conn C, readTimeout time.Duration) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if readTimeout > 0 {
			if err := reader.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
				return err
			}
		}

		_, data, err := reader.ReadMessage()
		if err != nil {
			return err
		}

		if err := r.Dispatch(ctx, conn, data); err != nil && r.onError != nil {
			r.onError(ctx, conn, err)
		}
	}
}
