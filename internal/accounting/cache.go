package accounting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	cacheVersionKey = "ledger:balance:version"
	bumpChannel     = "ledger.bump"
)

// BalanceCache stores computed balances in Redis under versioned keys. Every
// post or reversal bumps the version, orphaning earlier keys. A nil cache
// computes balances directly.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewBalanceCache instantiates the cache helper.
func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	return &BalanceCache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *BalanceCache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, cacheVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Bump invalidates all cached balances and publishes the new version.
func (c *BalanceCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, cacheVersionKey).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, bumpChannel, strconv.FormatInt(ver, 10)).Err()
}

// FetchBalance returns the cached detail for key or computes it with loader.
// Concurrent misses for the same key share one computation.
func (c *BalanceCache) FetchBalance(ctx context.Context, key string, loader func(context.Context) (BalanceDetail, error)) (BalanceDetail, error) {
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return BalanceDetail{}, err
	}
	versioned := fmt.Sprintf("%s:%d", key, ver)
	payload, err := c.client.Get(ctx, versioned).Bytes()
	if err == nil {
		var detail BalanceDetail
		if err := json.Unmarshal(payload, &detail); err != nil {
			return BalanceDetail{}, err
		}
		return detail, nil
	}
	if !errors.Is(err, redis.Nil) {
		return BalanceDetail{}, err
	}
	ch := c.group.DoChan(versioned, func() (interface{}, error) {
		detail, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(detail)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, versioned, raw, c.ttl).Err(); err != nil {
			return nil, err
		}
		return detail, nil
	})
	select {
	case <-ctx.Done():
		return BalanceDetail{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return BalanceDetail{}, res.Err
		}
		return res.Val.(BalanceDetail), nil
	}
}

func balanceKey(accountID int64, asOf *time.Time) string {
	date := "latest"
	if asOf != nil {
		date = asOf.UTC().Format(time.RFC3339)
	}
	return strings.Join([]string{"ledger", "balance", strconv.FormatInt(accountID, 10), date}, ":")
}
