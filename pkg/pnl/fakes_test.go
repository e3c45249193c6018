package pnl

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/canopy-network/pnlticks/pkg/db"
	"github.com/canopy-network/pnlticks/pkg/db/models/indexer"
	"github.com/canopy-network/pnlticks/pkg/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zaptest"
)

type heightValue struct {
	height uint64
	value  decimal.Decimal
}

// fakeLedger is an in-memory db.LedgerStore whose snapshot reader is itself.
type fakeLedger struct {
	mu sync.Mutex

	blocks      []indexer.Block
	subaccounts map[indexer.SubaccountID]indexer.Subaccount
	positions   map[indexer.SubaccountID][]indexer.Position
	balances    map[indexer.SubaccountID]decimal.Decimal
	funding     map[indexer.MarketID][]heightValue
	prices      map[indexer.MarketID][]heightValue
	transfers   []indexer.Transfer
	ticks       []indexer.PnlTick

	fundingCalls map[uint64]int
	netErrs      map[indexer.SubaccountID]error
	insertErr    func(chunk []indexer.PnlTick) error
}

var (
	_ db.LedgerStore    = (*fakeLedger)(nil)
	_ db.SnapshotReader = (*fakeLedger)(nil)
)

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		subaccounts:  map[indexer.SubaccountID]indexer.Subaccount{},
		positions:    map[indexer.SubaccountID][]indexer.Position{},
		balances:     map[indexer.SubaccountID]decimal.Decimal{},
		funding:      map[indexer.MarketID][]heightValue{},
		prices:       map[indexer.MarketID][]heightValue{},
		fundingCalls: map[uint64]int{},
		netErrs:      map[indexer.SubaccountID]error{},
	}
}

func (f *fakeLedger) addBlock(height uint64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, indexer.Block{Height: height, Time: at.UTC()})
}

func (f *fakeLedger) addSubaccount(address string, updatedAtHeight uint64) indexer.SubaccountID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := indexer.NewSubaccountID(address, 0)
	f.subaccounts[id] = indexer.Subaccount{ID: id, Address: address, UpdatedAtHeight: updatedAtHeight}
	return id
}

func (f *fakeLedger) addTransfer(sender, recipient *indexer.SubaccountID, size string, height uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, indexer.Transfer{
		SenderSubaccountID:    sender,
		RecipientSubaccountID: recipient,
		AssetID:               indexer.SettlementAssetID,
		Size:                  decimal.RequireFromString(size),
		CreatedAtHeight:       height,
	})
}

func (f *fakeLedger) setBalance(id indexer.SubaccountID, size string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[id] = decimal.RequireFromString(size)
}

func (f *fakeLedger) addPosition(id indexer.SubaccountID, market indexer.MarketID, size string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	side := indexer.PositionSideLong
	if decimal.RequireFromString(size).IsNegative() {
		side = indexer.PositionSideShort
	}
	f.positions[id] = append(f.positions[id], indexer.Position{
		SubaccountID: id,
		MarketID:     market,
		Side:         side,
		Status:       indexer.PositionStatusOpen,
		Size:         decimal.RequireFromString(size),
	})
}

func (f *fakeLedger) setFunding(market indexer.MarketID, height uint64, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funding[market] = append(f.funding[market], heightValue{height, decimal.RequireFromString(value)})
}

func (f *fakeLedger) setPrice(market indexer.MarketID, height uint64, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[market] = append(f.prices[market], heightValue{height, decimal.RequireFromString(value)})
}

func (f *fakeLedger) storedTicks() []indexer.PnlTick {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.ticks)
}

func (f *fakeLedger) ticksOf(id indexer.SubaccountID) []indexer.PnlTick {
	var out []indexer.PnlTick
	for _, t := range f.storedTicks() {
		if t.SubaccountID == id {
			out = append(out, t)
		}
	}
	return out
}

// LedgerStore

func (f *fakeLedger) LatestBlock(context.Context) (indexer.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.blocks) == 0 {
		return indexer.Block{}, db.ErrNoBlocks
	}
	latest := f.blocks[0]
	for _, b := range f.blocks[1:] {
		if b.Height > latest.Height {
			latest = b
		}
	}
	return latest, nil
}

func (f *fakeLedger) LatestProcessedBlockTime(context.Context) (time.Time, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var (
		latest time.Time
		count  int64
	)
	for _, t := range f.ticks {
		switch {
		case t.BlockTime.After(latest):
			latest, count = t.BlockTime, 1
		case t.BlockTime.Equal(latest):
			count++
		}
	}
	return latest, count, nil
}

func (f *fakeLedger) MostRecentTicks(_ context.Context, fromHeight uint64) (indexer.LatestTicks, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var eligible []indexer.PnlTick
	for _, t := range f.ticks {
		if t.BlockHeight >= fromHeight {
			eligible = append(eligible, t)
		}
	}
	return indexer.Newest(eligible), nil
}

func (f *fakeLedger) ReadSnapshot(ctx context.Context, fn func(ctx context.Context, r db.SnapshotReader) error) error {
	return fn(ctx, f)
}

// InsertTicks applies the same uniqueness rules as the pnl_ticks table.
func (f *fakeLedger) InsertTicks(_ context.Context, ticks []indexer.PnlTick) ([]indexer.PnlTick, error) {
	if f.insertErr != nil {
		if err := f.insertErr(ticks); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var inserted []indexer.PnlTick
	for _, t := range ticks {
		duplicate := slices.ContainsFunc(f.ticks, func(existing indexer.PnlTick) bool {
			return existing.ID == t.ID ||
				(existing.SubaccountID == t.SubaccountID && existing.CreatedAt.Equal(t.CreatedAt)) ||
				(existing.SubaccountID == t.SubaccountID && existing.BucketStart.Equal(t.BucketStart))
		})
		if !duplicate {
			f.ticks = append(f.ticks, t)
			inserted = append(inserted, t)
		}
	}
	return inserted, nil
}

// SnapshotReader

func (f *fakeLedger) SubaccountsWithTransfers(_ context.Context, height uint64) ([]indexer.Subaccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[indexer.SubaccountID]bool{}
	for _, t := range f.transfers {
		if t.CreatedAtHeight > height {
			continue
		}
		for _, side := range []*indexer.SubaccountID{t.SenderSubaccountID, t.RecipientSubaccountID} {
			if side != nil {
				seen[*side] = true
			}
		}
	}
	var out []indexer.Subaccount
	for id := range seen {
		if s, ok := f.subaccounts[id]; ok {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b indexer.Subaccount) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func seriesAt(series map[indexer.MarketID][]heightValue, height uint64) map[indexer.MarketID]decimal.Decimal {
	out := map[indexer.MarketID]decimal.Decimal{}
	for market, values := range series {
		var best *heightValue
		for i := range values {
			v := &values[i]
			if v.height <= height && (best == nil || v.height > best.height) {
				best = v
			}
		}
		if best != nil {
			out[market] = best.value
		}
	}
	return out
}

func (f *fakeLedger) FundingIndexMap(_ context.Context, height uint64) (indexer.FundingIndexMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fundingCalls[height]++
	return seriesAt(f.funding, height), nil
}

func (f *fakeLedger) LatestPrices(_ context.Context, height uint64) (indexer.PriceMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return seriesAt(f.prices, height), nil
}

func (f *fakeLedger) OpenPositions(_ context.Context, ids []indexer.SubaccountID) (map[indexer.SubaccountID][]indexer.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[indexer.SubaccountID][]indexer.Position{}
	for _, id := range ids {
		for _, p := range f.positions[id] {
			if p.Status == indexer.PositionStatusOpen {
				out[id] = append(out[id], p)
			}
		}
	}
	return out, nil
}

func (f *fakeLedger) SettlementBalances(_ context.Context, ids []indexer.SubaccountID) (map[indexer.SubaccountID]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[indexer.SubaccountID]decimal.Decimal{}
	for _, id := range ids {
		if b, ok := f.balances[id]; ok {
			out[id] = b
		}
	}
	return out, nil
}

// signedAmount is the effect of t on id's settlement balance.
func signedAmount(t indexer.Transfer, id indexer.SubaccountID) decimal.Decimal {
	amount := decimal.Zero
	if t.RecipientSubaccountID != nil && *t.RecipientSubaccountID == id {
		amount = amount.Add(t.Size)
	}
	if t.SenderSubaccountID != nil && *t.SenderSubaccountID == id {
		amount = amount.Sub(t.Size)
	}
	return amount
}

func involves(t indexer.Transfer, id indexer.SubaccountID) bool {
	return (t.SenderSubaccountID != nil && *t.SenderSubaccountID == id) ||
		(t.RecipientSubaccountID != nil && *t.RecipientSubaccountID == id)
}

func (f *fakeLedger) NetTransfersBetween(_ context.Context, id indexer.SubaccountID, after, atOrBefore uint64) (decimal.Decimal, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.netErrs[id]; ok {
		return decimal.Zero, false, err
	}
	net, found := decimal.Zero, false
	for _, t := range f.transfers {
		if involves(t, id) && t.CreatedAtHeight > after && t.CreatedAtHeight <= atOrBefore {
			net = net.Add(signedAmount(t, id))
			found = true
		}
	}
	return net, found, nil
}

func (f *fakeLedger) CumulativeTransfers(_ context.Context, ids []indexer.SubaccountID, height uint64) (map[indexer.SubaccountID]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[indexer.SubaccountID]decimal.Decimal{}
	for _, id := range ids {
		for _, t := range f.transfers {
			if involves(t, id) && t.CreatedAtHeight <= height {
				out[id] = out[id].Add(signedAmount(t, id))
			}
		}
	}
	return out, nil
}

// memCache is an in-memory TickCache.
type memCache struct {
	mu    sync.Mutex
	ticks indexer.LatestTicks
}

func newMemCache() *memCache { return &memCache{ticks: indexer.LatestTicks{}} }

func (c *memCache) GetAll(context.Context) (indexer.LatestTicks, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(indexer.LatestTicks, len(c.ticks))
	for k, v := range c.ticks {
		out[k] = v
	}
	return out, nil
}

func (c *memCache) Set(_ context.Context, ticks indexer.LatestTicks) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range ticks {
		c.ticks[k] = v
	}
	return nil
}

// MockTickCache is a mock implementation of TickCache for testing
type MockTickCache struct {
	mock.Mock
}

func (m *MockTickCache) GetAll(ctx context.Context) (indexer.LatestTicks, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(indexer.LatestTicks), args.Error(1)
}

func (m *MockTickCache) Set(ctx context.Context, ticks indexer.LatestTicks) error {
	args := m.Called(ctx, ticks)
	return args.Error(0)
}

// fastRetry keeps chunk retries out of test wall time.
var fastRetry = retry.Config{
	MaxRetries:   2,
	InitialDelay: time.Millisecond,
	MaxDelay:     time.Millisecond,
	Multiplier:   1,
}

func newTestEngine(t testing.TB, store db.LedgerStore, cache TickCache, cfg Config, clock func() time.Time) (*Engine, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	e := NewEngine(zaptest.NewLogger(t), store, cache, metrics, cfg, WithClock(clock))
	e.persister.retry = fastRetry
	t.Cleanup(e.Close)
	return e, metrics
}

func ptr[T any](v T) *T { return &v }
