package storage

import "context"

// Ping reports whether the database is reachable; used by the health check.
func (r *Repository) Ping(ctx context.Context) error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.PingContext(ctx)
}
