package wsrouter

import (
	"context"
	"time"
)

// Frame describes the message being dispatched.
type Frame struct {
	Type string
	// Size is the length of the raw frame in bytes.
	Size       int
	ReceivedAt time.Time
}

type frameKey struct{}

func withFrame(ctx context.Context, f Frame) context.Context {
	return context.WithValue(ctx, frameKey{}, f)
}

// FrameFromCtx returns the frame a handler or middleware is running for. ok
// is false outside Dispatch.
func FrameFromCtx(ctx context.Context) (Frame, bool) {
	f, ok := ctx.Value(frameKey{}).(Frame)
	return f, ok
}

// MessageTypeFromCtx is the type of the frame being dispatched, empty outside
// Dispatch.
func MessageTypeFromCtx(ctx context.Context) string {
	f, _ := FrameFromCtx(ctx)
	return f.Type
}
