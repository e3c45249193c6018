package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/canopy-network/pnlticks/pkg/db/models/indexer"
	"github.com/canopy-network/pnlticks/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// DefaultTicksKey is the hash holding the latest tick of every subaccount.
	DefaultTicksKey = "pnlticks:latest"

	// maxFieldsPerHSet bounds a single HSET so large runs don't produce one huge command.
	maxFieldsPerHSet = 1000
)

// cachedTick is the JSON value stored per hash field. Amounts keep the
// persisted six-decimal string form.
type cachedTick struct {
	ID           string    `json:"id"`
	SubaccountID string    `json:"subaccountId"`
	CreatedAt    time.Time `json:"createdAt"`
	BlockHeight  uint64    `json:"blockHeight"`
	BlockTime    time.Time `json:"blockTime"`
	BucketStart  time.Time `json:"bucketStart"`
	Equity       string    `json:"equity"`
	TotalPnl     string    `json:"totalPnl"`
	NetTransfers string    `json:"netTransfers"`
}

func toCached(t indexer.PnlTick) cachedTick {
	return cachedTick{
		ID:           t.ID,
		SubaccountID: string(t.SubaccountID),
		CreatedAt:    t.CreatedAt.UTC(),
		BlockHeight:  t.BlockHeight,
		BlockTime:    t.BlockTime.UTC(),
		BucketStart:  t.BucketStart.UTC(),
		Equity:       indexer.Fixed(t.Equity),
		TotalPnl:     indexer.Fixed(t.TotalPnl),
		NetTransfers: indexer.Fixed(t.NetTransfers),
	}
}

func (c cachedTick) toTick() (indexer.PnlTick, error) {
	t := indexer.PnlTick{
		ID:           c.ID,
		SubaccountID: indexer.SubaccountID(c.SubaccountID),
		CreatedAt:    c.CreatedAt,
		BlockHeight:  c.BlockHeight,
		BlockTime:    c.BlockTime,
		BucketStart:  c.BucketStart,
	}
	var err error
	if t.Equity, err = decimal.NewFromString(c.Equity); err != nil {
		return indexer.PnlTick{}, fmt.Errorf("equity: %w", err)
	}
	if t.TotalPnl, err = decimal.NewFromString(c.TotalPnl); err != nil {
		return indexer.PnlTick{}, fmt.Errorf("totalPnl: %w", err)
	}
	if t.NetTransfers, err = decimal.NewFromString(c.NetTransfers); err != nil {
		return indexer.PnlTick{}, fmt.Errorf("netTransfers: %w", err)
	}
	return t, nil
}

// TickCache keeps the latest tick of each subaccount in one Redis hash
// (field = subaccount id, value = JSON tick).
type TickCache struct {
	client *Client
	key    string
}

// NewTickCache returns a cache stored under key (DefaultTicksKey when empty).
func NewTickCache(client *Client, key string) *TickCache {
	if key == "" {
		key = DefaultTicksKey
	}
	return &TickCache{client: client, key: key}
}

// GetAll returns every cached tick. An empty hash yields an empty map.
func (c *TickCache) GetAll(ctx context.Context) (indexer.LatestTicks, error) {
	fields, err := c.client.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", c.key, err)
	}

	out := make(indexer.LatestTicks, len(fields))
	for field, raw := range fields {
		var cached cachedTick
		if err := json.Unmarshal([]byte(raw), &cached); err != nil {
			return nil, fmt.Errorf("failed to decode cached tick %s: %w", field, err)
		}
		tick, err := cached.toTick()
		if err != nil {
			return nil, fmt.Errorf("invalid cached tick %s: %w", field, err)
		}
		out[indexer.SubaccountID(field)] = tick
	}
	return out, nil
}

// Set writes ticks into the hash, overwriting the fields of the given
// subaccounts and leaving every other field untouched.
func (c *TickCache) Set(ctx context.Context, ticks indexer.LatestTicks) error {
	if len(ticks) == 0 {
		return nil
	}

	values := make([]any, 0, 2*len(ticks))
	for id, t := range ticks {
		raw, err := json.Marshal(toCached(t))
		if err != nil {
			return fmt.Errorf("failed to encode tick of %s: %w", id, err)
		}
		values = append(values, string(id), string(raw))
	}

	pipe := c.client.client.TxPipeline()
	for _, chunk := range utils.Chunk(values, 2*maxFieldsPerHSet) {
		pipe.HSet(ctx, c.key, chunk...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write %s: %w", c.key, err)
	}

	c.client.logger.Debug("Tick cache updated",
		zap.String("key", c.key),
		zap.Int("subaccounts", len(ticks)))
	return nil
}
