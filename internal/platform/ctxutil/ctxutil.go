package ctxutil

import "context"

// Default guards API clients and tool runners against nil contexts from
// background callers.
func Default(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
