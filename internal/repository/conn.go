package repository

import "context"

type connKey struct{}

// WithConn returns a copy of ctx bound to q. Registry, namespace and
// migration calls made with the returned context run on q instead of
// checking out another pool connection, so a request never holds more than
// the one connection it pinned.
func WithConn(ctx context.Context, q Querier) context.Context {
	return context.WithValue(ctx, connKey{}, q)
}

// WithLiveConn drops the binding of ctx when the bound connection has been
// closed. pgx closes a connection whose query is interrupted by cancellation;
// work that must still run afterwards, like compensation, then falls back to
// the pool.
func WithLiveConn(ctx context.Context) context.Context {
	if c, ok := ctx.Value(connKey{}).(interface{ IsClosed() bool }); ok && c.IsClosed() {
		return context.WithValue(ctx, connKey{}, nil)
	}
	return ctx
}

func connFrom(ctx context.Context, fallback Querier) Querier {
	if q, ok := ctx.Value(connKey{}).(Querier); ok && q != nil {
		return q
	}
	return fallback
}
