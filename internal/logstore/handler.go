package logstore

import (
	"context"
	"log/slog"
)

// ModuleKey is the attribute key that routes a slog record to a module.
const ModuleKey = "module"

// HandlerOptions configures the store-backed slog handler.
type HandlerOptions struct {
	// Level is the minimum record level handled. Defaults to slog.LevelInfo.
	Level slog.Leveler
	// DefaultModule receives records that carry no "module" attribute.
	DefaultModule string
}

// Handler is a slog.Handler that writes every record into a Store, so the
// ambient logs of all components are observable through the log APIs.
// Usually combined with a text handler via a tee in the serve command.
type Handler struct {
	store  *Store
	opts   HandlerOptions
	attrs  []slog.Attr
	groups []string
}

// NewHandler creates a store-backed slog handler.
func NewHandler(store *Store, opts *HandlerOptions) *Handler {
	h := &Handler{store: store}
	if opts != nil {
		h.opts = *opts
	}
	if h.opts.DefaultModule == "" {
		h.opts.DefaultModule = "bridge"
	}
	return h
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

func (h *Handler) Handle(_ context.Context, rec slog.Record) error {
	module := h.opts.DefaultModule
	data := make(map[string]any)

	collect := func(a slog.Attr, groups []string) {
		if a.Key == ModuleKey && len(groups) == 0 {
			if m := a.Value.String(); m != "" {
				module = m
			}
			return
		}
		key := a.Key
		for i := len(groups) - 1; i >= 0; i-- {
			key = groups[i] + "." + key
		}
		data[key] = a.Value.Resolve().Any()
	}

	for _, a := range h.attrs {
		collect(a, nil)
	}
	rec.Attrs(func(a slog.Attr) bool {
		collect(a, h.groups)
		return true
	})

	if len(data) == 0 {
		data = nil
	}

	h.store.Add(module, Entry{
		Time:    rec.Time,
		Level:   levelFor(rec.Level),
		Message: rec.Message,
		Data:    data,
	})
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}

func levelFor(l slog.Level) Level {
	switch {
	case l < slog.LevelInfo:
		return LevelDebug
	case l < slog.LevelWarn:
		return LevelInfo
	case l < slog.LevelError:
		return LevelWarn
	default:
		return LevelError
	}
}

// TeeHandler fans records out to several handlers (typically a text handler
// on stderr plus the store handler).
type TeeHandler struct {
	handlers []slog.Handler
}

// NewTeeHandler combines handlers into one.
func NewTeeHandler(handlers ...slog.Handler) *TeeHandler {
	return &TeeHandler{handlers: handlers}
}

func (t *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t *TeeHandler) Handle(ctx context.Context, rec slog.Record) error {
	var firstErr error
	for _, h := range t.handlers {
		if !h.Enabled(ctx, rec.Level) {
			continue
		}
		if err := h.Handle(ctx, rec.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &TeeHandler{handlers: handlers}
}

func (t *TeeHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &TeeHandler{handlers: handlers}
}
