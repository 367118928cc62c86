package utils

import (
	"context"

	"github.com/projecteru2/core/log"
)

type sessionKey struct{}

// WithSession tags ctx with an invocation id that Logger attaches to every line.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// Session returns the invocation id carried by ctx, or "".
func Session(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// Logger is log.WithFunc plus the session field when ctx carries one.
func Logger(ctx context.Context, fname string) *log.Fields {
	l := log.WithFunc(fname)
	if id := Session(ctx); id != "" {
		l = l.WithField("session", id)
	}
	return l
}
