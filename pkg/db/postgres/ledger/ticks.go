package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/pnlticks/pkg/db/models/indexer"
	"github.com/canopy-network/pnlticks/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// LatestBlock reads the chain head outside of any snapshot.
func (db *DB) LatestBlock(ctx context.Context) (indexer.Block, error) {
	return queryLatestBlock(ctx, db.GetExecutor(ctx))
}

// LatestProcessedBlockTime returns the newest tick block time and the number
// of ticks written for it.
func (db *DB) LatestProcessedBlockTime(ctx context.Context) (time.Time, int64, error) {
	query := `
		SELECT block_time, COUNT(*)
		FROM pnl_ticks
		WHERE block_time = (SELECT MAX(block_time) FROM pnl_ticks)
		GROUP BY block_time
	`

	var (
		blockTime time.Time
		count     int64
	)
	err := db.GetExecutor(ctx).QueryRow(ctx, query).Scan(&blockTime, &count)
	if err != nil {
		if postgres.IsNoRows(err) {
			return time.Time{}, 0, nil
		}
		return time.Time{}, 0, fmt.Errorf("failed to get latest processed block time: %w", err)
	}
	return blockTime.UTC(), count, nil
}

// MostRecentTicks returns the newest tick of every subaccount among ticks at
// or above fromHeight.
func (db *DB) MostRecentTicks(ctx context.Context, fromHeight uint64) (indexer.LatestTicks, error) {
	query := `
		SELECT DISTINCT ON (subaccount_id)
		       id, subaccount_id, created_at, block_height, block_time, bucket_start,
		       equity::text, total_pnl::text, net_transfers::text
		FROM pnl_ticks
		WHERE block_height >= $1
		ORDER BY subaccount_id, block_height DESC, created_at DESC
	`

	rows, err := db.GetExecutor(ctx).Query(ctx, query, fromHeight)
	if err != nil {
		return nil, fmt.Errorf("failed to query most recent ticks: %w", err)
	}
	defer rows.Close()

	out := make(indexer.LatestTicks)
	for rows.Next() {
		tick, err := scanTick(rows)
		if err != nil {
			return nil, err
		}
		out[tick.SubaccountID] = tick
	}
	return out, rows.Err()
}

// InsertTicks writes ticks in one transaction and returns the ones it
// inserted. A tick is skipped when its id exists or when the subaccount
// already has a tick for the same interval, so replaying a chunk or racing
// another run never adds a second tick.
func (db *DB) InsertTicks(ctx context.Context, ticks []indexer.PnlTick) ([]indexer.PnlTick, error) {
	if len(ticks) == 0 {
		return nil, nil
	}

	query := `
		INSERT INTO pnl_ticks (
			id, subaccount_id, created_at, block_height, block_time, bucket_start,
			equity, total_pnl, net_transfers
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING
		RETURNING id
	`

	var inserted []indexer.PnlTick
	err := db.BeginFunc(ctx, func(tx pgx.Tx) error {
		inserted = inserted[:0]

		batch := &pgx.Batch{}
		for _, t := range ticks {
			batch.Queue(query,
				t.ID, string(t.SubaccountID), t.CreatedAt, t.BlockHeight, t.BlockTime, t.BucketStart,
				indexer.Fixed(t.Equity), indexer.Fixed(t.TotalPnl), indexer.Fixed(t.NetTransfers),
			)
		}

		br := tx.SendBatch(ctx, batch)
		defer br.Close()

		for i, t := range ticks {
			var id string
			err := br.QueryRow().Scan(&id)
			switch {
			case err == nil:
				inserted = append(inserted, t)
			case postgres.IsNoRows(err):
				// conflict: the row was skipped
			default:
				return fmt.Errorf("batch statement %d failed: %w", i, err)
			}
		}
		return br.Close()
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func scanTick(rows pgx.Rows) (indexer.PnlTick, error) {
	var (
		t                           indexer.PnlTick
		id                          string
		equity, totalPnl, transfers string
	)
	if err := rows.Scan(&t.ID, &id, &t.CreatedAt, &t.BlockHeight, &t.BlockTime, &t.BucketStart, &equity, &totalPnl, &transfers); err != nil {
		return indexer.PnlTick{}, fmt.Errorf("failed to scan pnl tick: %w", err)
	}

	var err error
	if t.Equity, err = decimal.NewFromString(equity); err != nil {
		return indexer.PnlTick{}, fmt.Errorf("invalid equity on tick %s: %w", t.ID, err)
	}
	if t.TotalPnl, err = decimal.NewFromString(totalPnl); err != nil {
		return indexer.PnlTick{}, fmt.Errorf("invalid total_pnl on tick %s: %w", t.ID, err)
	}
	if t.NetTransfers, err = decimal.NewFromString(transfers); err != nil {
		return indexer.PnlTick{}, fmt.Errorf("invalid net_transfers on tick %s: %w", t.ID, err)
	}
	t.SubaccountID = indexer.SubaccountID(id)
	t.CreatedAt = t.CreatedAt.UTC()
	t.BlockTime = t.BlockTime.UTC()
	t.BucketStart = t.BucketStart.UTC()
	return t, nil
}
