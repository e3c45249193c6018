package ledger

import (
	"context"
	"sync"

	"github.com/canopy-network/pnlticks/pkg/db"
	"github.com/canopy-network/pnlticks/pkg/db/models/indexer"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// snapshot serves reads from one REPEATABLE READ transaction. A pgx.Tx owns
// a single connection, so concurrent callers take turns on mu; each query
// fully drains its rows before releasing it.
type snapshot struct {
	mu sync.Mutex
	tx pgx.Tx
}

var _ db.SnapshotReader = (*snapshot)(nil)

// ReadSnapshot runs fn against a consistent read-only view of the ledger.
func (db *DB) ReadSnapshot(ctx context.Context, fn func(ctx context.Context, r db.SnapshotReader) error) error {
	return db.ReadOnlyFunc(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &snapshot{tx: tx})
	})
}

func (s *snapshot) LatestBlock(ctx context.Context) (indexer.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queryLatestBlock(ctx, s.tx)
}

func (s *snapshot) SubaccountsWithTransfers(ctx context.Context, height uint64) ([]indexer.Subaccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return querySubaccountsWithTransfers(ctx, s.tx, height)
}

func (s *snapshot) FundingIndexMap(ctx context.Context, height uint64) (indexer.FundingIndexMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := queryMarketSeries(ctx, s.tx, "funding_index_updates", "funding_index", height)
	return indexer.FundingIndexMap(m), err
}

func (s *snapshot) LatestPrices(ctx context.Context, height uint64) (indexer.PriceMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := queryMarketSeries(ctx, s.tx, "oracle_prices", "price", height)
	return indexer.PriceMap(m), err
}

func (s *snapshot) OpenPositions(ctx context.Context, ids []indexer.SubaccountID) (map[indexer.SubaccountID][]indexer.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queryOpenPositions(ctx, s.tx, ids)
}

func (s *snapshot) SettlementBalances(ctx context.Context, ids []indexer.SubaccountID) (map[indexer.SubaccountID]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return querySettlementBalances(ctx, s.tx, ids)
}

// NetTransfersBetween runs inside a savepoint: it is issued once per
// subaccount and its failure must leave the snapshot usable for the others.
func (s *snapshot) NetTransfersBetween(ctx context.Context, id indexer.SubaccountID, afterHeight, atOrBeforeHeight uint64) (decimal.Decimal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		net   decimal.Decimal
		found bool
	)
	err := withSavepoint(ctx, s.tx, func(sp pgx.Tx) error {
		var err error
		net, found, err = queryNetTransfersBetween(ctx, sp, id, afterHeight, atOrBeforeHeight)
		return err
	})
	return net, found, err
}

func (s *snapshot) CumulativeTransfers(ctx context.Context, ids []indexer.SubaccountID, height uint64) (map[indexer.SubaccountID]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queryCumulativeTransfers(ctx, s.tx, ids, height)
}

// withSavepoint runs fn in a nested transaction of tx. An error rolls back to
// the savepoint so tx is not left aborted.
func withSavepoint(ctx context.Context, tx pgx.Tx, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, tx, fn)
}
