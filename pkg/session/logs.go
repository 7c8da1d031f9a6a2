package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/listentogether/relay/pkg/ringbuf"
)

const recentLogsSize = 500

type LogEntry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Details string
}

func (e LogEntry) String() string {
	s := fmt.Sprintf("%s %-5s %s", e.Time.Format("15:04:05.000"), e.Level, e.Message)
	if e.Details != "" {
		s += " " + e.Details
	}

	return s
}

// logMirror copies every record at or above level into the diagnostic log
// stream before passing it on to the wrapped handler.
type logMirror struct {
	next   slog.Handler
	level  slog.Level
	recent *ringbuf.Buffer[LogEntry]
	feed   *Feed[LogEntry]
	attrs  []slog.Attr
	group  string
}

func (h *logMirror) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level || h.next.Enabled(ctx, level)
}

func (h *logMirror) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level {
		var details []string
		for _, a := range h.attrs {
			details = append(details, a.String())
		}
		r.Attrs(func(a slog.Attr) bool {
			if h.group != "" {
				a.Key = h.group + "." + a.Key
			}
			details = append(details, a.String())
			return true
		})

		entry := LogEntry{
			Time:    r.Time,
			Level:   r.Level,
			Message: r.Message,
			Details: strings.Join(details, " "),
		}
		h.recent.Add(entry)
		h.feed.Publish(entry)
	}

	if h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}

	return nil
}

func (h *logMirror) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.next = h.next.WithAttrs(attrs)
	c.attrs = append(c.attrs[:len(c.attrs):len(c.attrs)], attrs...)
	if h.group != "" {
		for i := len(h.attrs); i < len(c.attrs); i++ {
			c.attrs[i].Key = h.group + "." + c.attrs[i].Key
		}
	}

	return &c
}

func (h *logMirror) WithGroup(name string) slog.Handler {
	c := *h
	c.next = h.next.WithGroup(name)
	if h.group != "" {
		name = h.group + "." + name
	}
	c.group = name

	return &c
}
