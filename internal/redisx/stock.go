package redisx

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-order-pipeline/internal/orders"
)

// restoreScript adds ARGV[i] to KEYS[i] only when the key still exists, so a
// compensation never recreates an evicted entry with a partial value. Returns
// the number of keys restored.
var restoreScript = redis.NewScript(`
local restored = 0
for i, key in ipairs(KEYS) do
    if redis.call('exists', key) == 1 then
        redis.call('incrby', key, ARGV[i])
        restored = restored + 1
    end
end
return restored
`)

// StockCache is the advisory per-SKU availability mirror used for admission.
// It is allowed to drift from the ledger and may go transiently negative.
type StockCache struct {
	rdb *redis.Client
}

func NewStockCache(rdb *redis.Client) *StockCache {
	return &StockCache{rdb: rdb}
}

// Missing returns the skus that have no cache entry.
func (c *StockCache) Missing(ctx context.Context, skus []orders.SKU) ([]orders.SKU, error) {
	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(skus))
	for i, s := range skus {
		cmds[i] = pipe.Exists(ctx, StockKey(s))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	var out []orders.SKU
	for i, cmd := range cmds {
		if cmd.Val() == 0 {
			out = append(out, skus[i])
		}
	}
	return out, nil
}

// Seed writes ledger quantities for skus that are still absent (SETNX), so a
// concurrent seeder never overwrites a decrement.
func (c *StockCache) Seed(ctx context.Context, qty map[orders.SKU]int) error {
	if len(qty) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for s, q := range qty {
		pipe.SetNX(ctx, StockKey(s), q, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Check reads every cached value and verifies the demand fits. It never
// mutates. Absent or non-numeric entries yield ErrInventoryData; shortfalls a
// *orders.StockError.
func (c *StockCache) Check(ctx context.Context, demand orders.Demand) error {
	skus := demand.SKUs()
	keys := make([]string, len(skus))
	for i, s := range skus {
		keys[i] = StockKey(s)
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return err
	}

	avail := make([]int, len(skus))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: no cache entry for sku %s", orders.ErrInventoryData, skus[i])
		}
		n, err := strconv.Atoi(str)
		if err != nil {
			return fmt.Errorf("%w: non-numeric cache entry for sku %s", orders.ErrInventoryData, skus[i])
		}
		avail[i] = n
	}
	for i, s := range skus {
		if demand[s] > avail[i] {
			return &orders.StockError{SKU: s, Requested: demand[s], Available: avail[i]}
		}
	}
	return nil
}

// Decrement applies the whole demand in one MULTI.
func (c *StockCache) Decrement(ctx context.Context, demand orders.Demand) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, s := range demand.SKUs() {
			pipe.DecrBy(ctx, StockKey(s), int64(demand[s]))
		}
		return nil
	})
	return err
}

// Reserve is the fast reservation: Check, then Decrement. The two steps are
// not atomic with each other; concurrent admissions can both pass the check
// and push the entry below zero, and the ledger transaction settles which wins.
func (c *StockCache) Reserve(ctx context.Context, demand orders.Demand) error {
	if err := c.Check(ctx, demand); err != nil {
		return err
	}
	return c.Decrement(ctx, demand)
}

// Release adds demand back to entries that still exist.
func (c *StockCache) Release(ctx context.Context, demand orders.Demand) error {
	if len(demand) == 0 {
		return nil
	}
	skus := demand.SKUs()
	keys := make([]string, len(skus))
	args := make([]any, len(skus))
	for i, s := range skus {
		keys[i] = StockKey(s)
		args[i] = demand[s]
	}
	return restoreScript.Run(ctx, c.rdb, keys, args...).Err()
}

// Get returns the cached value for one sku; ok is false when absent.
func (c *StockCache) Get(ctx context.Context, s orders.SKU) (n int, ok bool, err error) {
	n, err = c.rdb.Get(ctx, StockKey(s)).Int()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}
