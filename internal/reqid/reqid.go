package reqid

import (
	"context"
	"strings"

	"github.com/lithammer/shortuuid/v3"
)

const Header = "X-Request-Id"

type contextKey struct{}

// New returns a fresh correlation id.
func New() string {
	return shortuuid.New()
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, strings.TrimSpace(id))
}

// FromContext returns the request id stored in ctx, or "".
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
