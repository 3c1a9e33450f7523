package store

import (
	"context"
	"time"
)

// HealthCheck verifies database connectivity with a bounded probe. Used by
// the health aggregator; the store is a required dependency, so a failure
// here marks the whole service unhealthy.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.db.PingContext(ctx)
}
