package obslog

import (
	"context"
	"log/slog"
)

// Handler is a slog.Handler that forwards warn-or-worse records to a
// Recorder in addition to the wrapped handler. Attribute values the event
// schema knows about (did, site, host, path, error) are lifted into their
// columns.
type Handler struct {
	inner slog.Handler
	rec   *Recorder
	attrs []slog.Attr
}

func NewHandler(inner slog.Handler, rec *Recorder) *Handler {
	return &Handler{inner: inner, rec: rec}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if h.rec != nil && r.Level >= slog.LevelWarn {
		e := Event{
			Timestamp: r.Time,
			Source:    "log",
			Message:   r.Message,
			Level:     "warn",
		}
		if r.Level >= slog.LevelError {
			e.Level = "error"
		}
		for _, a := range h.attrs {
			applyAttr(&e, a)
		}
		r.Attrs(func(a slog.Attr) bool {
			applyAttr(&e, a)
			return true
		})
		h.rec.Record(e)
	}
	return h.inner.Handle(ctx, r)
}

func applyAttr(e *Event, a slog.Attr) {
	switch a.Key {
	case "did":
		e.DID = a.Value.String()
	case "site":
		e.Site = a.Value.String()
	case "host":
		e.Host = a.Value.String()
	case "path":
		e.Path = a.Value.String()
	case "error":
		e.Error = a.Value.String()
	case "source":
		e.Source = a.Value.String()
	}
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &Handler{inner: h.inner.WithAttrs(attrs), rec: h.rec, attrs: merged}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name), rec: h.rec, attrs: h.attrs}
}
