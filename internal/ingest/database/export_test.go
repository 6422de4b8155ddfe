package database

import "context"

// DBPool exposes the pool seam for tests.
type DBPool = dbPool

// WithNewPool overrides how the underlying connection pool is created.
func WithNewPool(newPool func(ctx context.Context, dsn string) (DBPool, error)) Options {
	return func(o *options) {
		o.newPool = newPool
	}
}
