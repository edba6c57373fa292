package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with session store attributes carried by the
// context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if od, ok := ctx.Value(opDataKey{}).(*OpData); ok {
		attrs := []any{slog.String("op", od.Op)}
		if od.SessionID != "" {
			attrs = append(attrs, slog.String("id", od.SessionID))
		}
		if od.SID != "" {
			attrs = append(attrs, slog.String("sid", od.SID))
		}
		if od.Sub != "" {
			attrs = append(attrs, slog.String("sub", od.Sub))
		}
		r.AddAttrs(slog.Group("sess", attrs...))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type opDataKey struct{}

// OpData identifies the store operation and the session it concerns.
type OpData struct {
	Op        string
	SessionID string
	SID       string
	Sub       string
}

func WithOpData(ctx context.Context, data *OpData) context.Context {
	return context.WithValue(ctx, opDataKey{}, data)
}

// Wrap returns a logger whose handler is decorated by Handler. Wrapping an
// already wrapped logger is a no-op.
func Wrap(l *slog.Logger) *slog.Logger {
	if _, ok := l.Handler().(Handler); ok {
		return l
	}
	return slog.New(Handler{Handler: l.Handler()})
}
