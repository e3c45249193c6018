package ledger

import (
	"context"
	"fmt"

	"github.com/canopy-network/pnlticks/pkg/db"
	"github.com/canopy-network/pnlticks/pkg/db/models/indexer"
	"github.com/canopy-network/pnlticks/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// NUMERIC columns are read as text and parsed with decimal.NewFromString so
// no precision is lost in a float round trip.

func queryLatestBlock(ctx context.Context, exec postgres.Executor) (indexer.Block, error) {
	query := `SELECT block_height, time FROM blocks ORDER BY block_height DESC LIMIT 1`

	var block indexer.Block
	err := exec.QueryRow(ctx, query).Scan(&block.Height, &block.Time)
	if err != nil {
		if postgres.IsNoRows(err) {
			return indexer.Block{}, db.ErrNoBlocks
		}
		return indexer.Block{}, fmt.Errorf("failed to get latest block: %w", err)
	}
	block.Time = block.Time.UTC()
	return block, nil
}

func querySubaccountsWithTransfers(ctx context.Context, exec postgres.Executor, height uint64) ([]indexer.Subaccount, error) {
	query := `
		SELECT s.id, s.address, s.subaccount_number, s.updated_at_height, s.updated_at
		FROM subaccounts s
		WHERE EXISTS (
			SELECT 1 FROM transfers t
			WHERE (t.sender_subaccount_id = s.id OR t.recipient_subaccount_id = s.id)
			  AND t.asset_id = $2
			  AND t.created_at_height <= $1
		)
		ORDER BY s.id
	`

	rows, err := exec.Query(ctx, query, height, indexer.SettlementAssetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subaccounts with transfers: %w", err)
	}
	defer rows.Close()

	var out []indexer.Subaccount
	for rows.Next() {
		var (
			s  indexer.Subaccount
			id string
		)
		if err := rows.Scan(&id, &s.Address, &s.Number, &s.UpdatedAtHeight, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subaccount: %w", err)
		}
		s.ID = indexer.SubaccountID(id)
		s.UpdatedAt = s.UpdatedAt.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// queryMarketSeries returns the newest value of every market in table
// effective at or before height. table and column are constants of this package.
func queryMarketSeries(ctx context.Context, exec postgres.Executor, table, column string, height uint64) (map[indexer.MarketID]decimal.Decimal, error) {
	query := fmt.Sprintf(`
		SELECT DISTINCT ON (market_id) market_id, %s::text
		FROM %s
		WHERE effective_at_height <= $1
		ORDER BY market_id, effective_at_height DESC
	`, column, table)

	rows, err := exec.Query(ctx, query, height)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s at height %d: %w", table, height, err)
	}
	defer rows.Close()

	out := make(map[indexer.MarketID]decimal.Decimal)
	for rows.Next() {
		var (
			market uint32
			raw    string
		)
		if err := rows.Scan(&market, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s for market %d: %w", column, market, err)
		}
		out[indexer.MarketID(market)] = value
	}
	return out, rows.Err()
}

func queryOpenPositions(ctx context.Context, exec postgres.Executor, ids []indexer.SubaccountID) (map[indexer.SubaccountID][]indexer.Position, error) {
	out := make(map[indexer.SubaccountID][]indexer.Position)
	if len(ids) == 0 {
		return out, nil
	}

	query := `
		SELECT subaccount_id, market_id, side, status, size::text, entry_price::text,
		       created_at_height, closed_at_height
		FROM perpetual_positions
		WHERE subaccount_id = ANY($1) AND status = $2
		ORDER BY subaccount_id, market_id
	`

	rows, err := exec.Query(ctx, query, idStrings(ids), string(indexer.PositionStatusOpen))
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p                 indexer.Position
			id, side, status  string
			market            uint32
			rawSize, rawEntry string
		)
		if err := rows.Scan(&id, &market, &side, &status, &rawSize, &rawEntry, &p.CreatedAtHeight, &p.ClosedAtHeight); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		if p.Size, err = decimal.NewFromString(rawSize); err != nil {
			return nil, fmt.Errorf("invalid position size for %s: %w", id, err)
		}
		if p.EntryPrice, err = decimal.NewFromString(rawEntry); err != nil {
			return nil, fmt.Errorf("invalid entry price for %s: %w", id, err)
		}
		p.SubaccountID = indexer.SubaccountID(id)
		p.MarketID = indexer.MarketID(market)
		p.Side = indexer.PositionSide(side)
		p.Status = indexer.PositionStatus(status)
		out[p.SubaccountID] = append(out[p.SubaccountID], p)
	}
	return out, rows.Err()
}

func querySettlementBalances(ctx context.Context, exec postgres.Executor, ids []indexer.SubaccountID) (map[indexer.SubaccountID]decimal.Decimal, error) {
	if len(ids) == 0 {
		return map[indexer.SubaccountID]decimal.Decimal{}, nil
	}

	query := `
		SELECT subaccount_id, size::text
		FROM asset_positions
		WHERE subaccount_id = ANY($1) AND asset_id = $2
	`

	rows, err := exec.Query(ctx, query, idStrings(ids), indexer.SettlementAssetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlement balances: %w", err)
	}
	return collectAmounts(rows, "settlement balance")
}

func queryNetTransfersBetween(ctx context.Context, exec postgres.Executor, id indexer.SubaccountID, afterHeight, atOrBeforeHeight uint64) (decimal.Decimal, bool, error) {
	query := `
		SELECT (COALESCE(SUM(CASE WHEN recipient_subaccount_id = $1 THEN size ELSE 0 END), 0)
		      - COALESCE(SUM(CASE WHEN sender_subaccount_id = $1 THEN size ELSE 0 END), 0))::text,
		       COUNT(*)
		FROM transfers
		WHERE (sender_subaccount_id = $1 OR recipient_subaccount_id = $1)
		  AND asset_id = $4
		  AND created_at_height > $2
		  AND created_at_height <= $3
	`

	var (
		raw   string
		count int64
	)
	err := exec.QueryRow(ctx, query, string(id), afterHeight, atOrBeforeHeight, indexer.SettlementAssetID).Scan(&raw, &count)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to sum transfers of %s: %w", id, err)
	}
	if count == 0 {
		return decimal.Zero, false, nil
	}
	net, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("invalid transfer sum for %s: %w", id, err)
	}
	return net, true, nil
}

func queryCumulativeTransfers(ctx context.Context, exec postgres.Executor, ids []indexer.SubaccountID, height uint64) (map[indexer.SubaccountID]decimal.Decimal, error) {
	if len(ids) == 0 {
		return map[indexer.SubaccountID]decimal.Decimal{}, nil
	}

	query := `
		SELECT subaccount_id, SUM(amount)::text
		FROM (
			SELECT recipient_subaccount_id AS subaccount_id, size AS amount
			FROM transfers
			WHERE recipient_subaccount_id = ANY($1) AND asset_id = $3 AND created_at_height <= $2
			UNION ALL
			SELECT sender_subaccount_id AS subaccount_id, -size AS amount
			FROM transfers
			WHERE sender_subaccount_id = ANY($1) AND asset_id = $3 AND created_at_height <= $2
		) moves
		GROUP BY subaccount_id
	`

	rows, err := exec.Query(ctx, query, idStrings(ids), height, indexer.SettlementAssetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cumulative transfers: %w", err)
	}
	return collectAmounts(rows, "cumulative transfers")
}

// collectAmounts reads (subaccount_id, amount text) rows and closes them.
func collectAmounts(rows pgx.Rows, what string) (map[indexer.SubaccountID]decimal.Decimal, error) {
	defer rows.Close()

	out := make(map[indexer.SubaccountID]decimal.Decimal)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", what, err)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s for %s: %w", what, id, err)
		}
		out[indexer.SubaccountID(id)] = amount
	}
	return out, rows.Err()
}

func idStrings(ids []indexer.SubaccountID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
