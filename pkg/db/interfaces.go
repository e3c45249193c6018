package db

import (
	"context"
	"errors"
	"time"

	"github.com/canopy-network/pnlticks/pkg/db/models/indexer"
	"github.com/shopspring/decimal"
)

// ErrNoBlocks is returned when the ingestion pipeline has not written a block yet.
var ErrNoBlocks = errors.New("no blocks indexed yet")

// SnapshotReader exposes ingestion-owned state as of one consistent snapshot.
// Implementations must be safe for concurrent use.
type SnapshotReader interface {
	LatestBlock(ctx context.Context) (indexer.Block, error)
	// SubaccountsWithTransfers lists subaccounts that sent or received any
	// transfer at or before height.
	SubaccountsWithTransfers(ctx context.Context, height uint64) ([]indexer.Subaccount, error)
	// FundingIndexMap returns the latest funding index of every market effective at or before height.
	FundingIndexMap(ctx context.Context, height uint64) (indexer.FundingIndexMap, error)
	// LatestPrices returns the latest oracle price of every market effective at or before height.
	LatestPrices(ctx context.Context, height uint64) (indexer.PriceMap, error)
	OpenPositions(ctx context.Context, ids []indexer.SubaccountID) (map[indexer.SubaccountID][]indexer.Position, error)
	// SettlementBalances returns the signed settlement-asset position of each
	// subaccount; subaccounts without one are absent.
	SettlementBalances(ctx context.Context, ids []indexer.SubaccountID) (map[indexer.SubaccountID]decimal.Decimal, error)
	// NetTransfersBetween sums settlement-asset transfers of one subaccount over
	// (afterHeight, atOrBeforeHeight]. found is false when there were none.
	NetTransfersBetween(ctx context.Context, id indexer.SubaccountID, afterHeight, atOrBeforeHeight uint64) (net decimal.Decimal, found bool, err error)
	// CumulativeTransfers sums settlement-asset transfers over (0, height].
	CumulativeTransfers(ctx context.Context, ids []indexer.SubaccountID, height uint64) (map[indexer.SubaccountID]decimal.Decimal, error)
}

// LedgerStore is the durable side of the tick engine.
type LedgerStore interface {
	LatestBlock(ctx context.Context) (indexer.Block, error)
	// LatestProcessedBlockTime returns the newest block time among all ticks
	// and how many ticks carry it. Zero time when no tick exists.
	LatestProcessedBlockTime(ctx context.Context) (time.Time, int64, error)
	// MostRecentTicks returns the newest tick of every subaccount among ticks
	// at or above fromHeight.
	MostRecentTicks(ctx context.Context, fromHeight uint64) (indexer.LatestTicks, error)
	// ReadSnapshot runs fn against a read-only snapshot that is rolled back afterwards.
	ReadSnapshot(ctx context.Context, fn func(ctx context.Context, r SnapshotReader) error) error
	// InsertTicks writes ticks in a single transaction and returns those it
	// inserted. Ticks whose id exists, or whose subaccount already has a tick
	// for the same BucketStart, are skipped.
	InsertTicks(ctx context.Context, ticks []indexer.PnlTick) ([]indexer.PnlTick, error)
}
