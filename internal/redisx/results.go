package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-order-pipeline/internal/orders"
)

// ResultChannel holds one TTL-bounded result per job.
type ResultChannel struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewResultChannel(rdb *redis.Client, ttl time.Duration) *ResultChannel {
	if ttl <= 0 {
		ttl = TTLResult
	}
	return &ResultChannel{rdb: rdb, ttl: ttl}
}

func (c *ResultChannel) Put(ctx context.Context, jobID string, r orders.Result) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, ResultKey(jobID), b, c.ttl).Err()
}

// Get returns found=false while no result exists; that means "not ready yet",
// never "failed".
func (c *ResultChannel) Get(ctx context.Context, jobID string) (r orders.Result, found bool, err error) {
	b, err := c.rdb.Get(ctx, ResultKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return orders.Result{}, false, nil
	}
	if err != nil {
		return orders.Result{}, false, err
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return orders.Result{}, false, err
	}
	return r, true, nil
}
