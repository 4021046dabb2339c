package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inflationmarket/risk-engine/internal/model"
)

// CachedMarketData wraps a primary MarketData with a Redis read-through
// cache. Snapshots change roughly every 10 seconds upstream, so a short TTL
// keeps multiple pollers (and horizontally scaled instances) from hammering
// the indexer while still observing every update.
type CachedMarketData struct {
	primary MarketData
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedMarketData creates a cached wrapper around a primary source.
func NewCachedMarketData(primary MarketData, rdb *redis.Client, ttl time.Duration) *CachedMarketData {
	return &CachedMarketData{primary: primary, rdb: rdb, ttl: ttl}
}

func (c *CachedMarketData) GetSnapshot(ctx context.Context, instrument string) (model.MarketSnapshot, error) {
	// Try cache.
	data, err := c.rdb.Get(ctx, snapshotKey(instrument)).Bytes()
	if err == nil {
		var snap model.MarketSnapshot
		if json.Unmarshal(data, &snap) == nil {
			return snap, nil
		}
	}

	// Cache miss: read from primary.
	snap, err := c.primary.GetSnapshot(ctx, instrument)
	if err != nil {
		return model.MarketSnapshot{}, err
	}

	if data, err := json.Marshal(snap); err == nil {
		c.rdb.Set(ctx, snapshotKey(instrument), data, c.ttl)
	}
	return snap, nil
}

func snapshotKey(instrument string) string {
	return fmt.Sprintf("snapshot:%s", instrument)
}
