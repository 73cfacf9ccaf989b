package opctx

import (
	"context"
	"log/slog"
	"slices"
	"strings"
)

// HiddenPrefix marks scoped variables that must not be logged, e.g.
// WithVar(ctx, "_password", pw).
const HiddenPrefix = "_"

// LogFields is the flat view of a context read by the log handler.
type LogFields struct {
	ContextID          string
	Entrypoint         string
	Mode               Mode
	Properties         map[string]any
	IdentityID         string
	IdentityName       string
	IdentityProperties map[string]any
}

// Fields returns the loggable view of ctx, without hidden vars.
func Fields(ctx context.Context) LogFields {
	f := current(ctx)
	props := make(map[string]any, len(f.vars.values))
	for k, v := range f.vars.values {
		if strings.HasPrefix(k, HiddenPrefix) {
			continue
		}
		props[k] = v
	}
	return LogFields{
		ContextID:          f.id,
		Entrypoint:         f.entrypoint,
		Mode:               f.global,
		Properties:         props,
		IdentityID:         f.identity.ID,
		IdentityName:       f.identity.DisplayName,
		IdentityProperties: f.identity.Properties,
	}
}

// Attrs renders the fields as two slog groups, "context" and "user".
func (lf LogFields) Attrs() []slog.Attr {
	var mutation any
	switch lf.Mode {
	case ModeQuery:
		mutation = false
	case ModeMutate:
		mutation = true
	}
	return []slog.Attr{
		slog.Group("context",
			slog.String("id", lf.ContextID),
			slog.String("entrypoint", lf.Entrypoint),
			slog.Any("mutation", mutation),
			slog.Any("properties", lf.Properties),
		),
		slog.Group("user",
			slog.String("id", lf.IdentityID),
			slog.String("display_name", lf.IdentityName),
			slog.Any("properties", lf.IdentityProperties),
		),
	}
}

// LogHandler decorates every record logged with a context (the
// slog.*Context methods) with the operational fields of that context. The
// "context" and "user" groups are always written at the top level, even
// when the logger has open groups.
type LogHandler struct {
	inner slog.Handler
	// base is inner before the first WithGroup; after holds what was
	// applied since, in order.
	base  slog.Handler
	after []handlerOp
}

// handlerOp is one WithGroup (group set) or WithAttrs call.
type handlerOp struct {
	group string
	attrs []slog.Attr
}

// NewLogHandler wraps inner.
func NewLogHandler(inner slog.Handler) *LogHandler {
	return &LogHandler{inner: inner, base: inner}
}

// Enabled implements slog.Handler.
func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if _, ok := lookup(ctx); !ok {
		return h.inner.Handle(ctx, r)
	}
	attrs := Fields(ctx).Attrs()
	if len(h.after) == 0 {
		r = r.Clone()
		r.AddAttrs(attrs...)
		return h.inner.Handle(ctx, r)
	}
	out := h.base.WithAttrs(attrs)
	for _, op := range h.after {
		if op.group != "" {
			out = out.WithGroup(op.group)
		} else {
			out = out.WithAttrs(op.attrs)
		}
	}
	return out.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	if len(h.after) == 0 {
		next := h.inner.WithAttrs(attrs)
		return &LogHandler{inner: next, base: next}
	}
	return &LogHandler{
		inner: h.inner.WithAttrs(attrs),
		base:  h.base,
		after: append(slices.Clip(h.after), handlerOp{attrs: attrs}),
	}
}

// WithGroup implements slog.Handler.
func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &LogHandler{
		inner: h.inner.WithGroup(name),
		base:  h.base,
		after: append(slices.Clip(h.after), handlerOp{group: name}),
	}
}

var _ slog.Handler = (*LogHandler)(nil)
