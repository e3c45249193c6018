//go:build integration

package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/canopy-network/pnlticks/pkg/db/models/indexer"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// truncateAll empties every ledger table between tests.
func truncateAll(t *testing.T) {
	t.Helper()
	err := testDB.Exec(context.Background(), `
		TRUNCATE blocks, subaccounts, perpetual_positions, asset_positions,
		         funding_index_updates, oracle_prices, transfers, pnl_ticks
	`)
	require.NoError(t, err)
}

func seedBlock(t *testing.T, height uint64, at time.Time) {
	t.Helper()
	err := testDB.Exec(context.Background(),
		`INSERT INTO blocks (block_height, time) VALUES ($1, $2)`, height, at)
	require.NoError(t, err)
}

func seedSubaccount(t *testing.T, address string, updatedAtHeight uint64) indexer.SubaccountID {
	t.Helper()
	id := indexer.NewSubaccountID(address, 0)
	err := testDB.Exec(context.Background(), `
		INSERT INTO subaccounts (id, address, subaccount_number, updated_at_height, updated_at)
		VALUES ($1, $2, 0, $3, $4)
	`, string(id), address, updatedAtHeight, time.Now().UTC())
	require.NoError(t, err)
	return id
}

// seedTransfer records a settlement transfer; a nil side is outside the exchange.
func seedTransfer(t *testing.T, sender, recipient *indexer.SubaccountID, size string, height uint64) {
	t.Helper()
	err := testDB.Exec(context.Background(), `
		INSERT INTO transfers (id, sender_subaccount_id, recipient_subaccount_id, asset_id, size, created_at_height)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), idOrNil(sender), idOrNil(recipient), indexer.SettlementAssetID, size, height)
	require.NoError(t, err)
}

func seedBalance(t *testing.T, id indexer.SubaccountID, size string) {
	t.Helper()
	err := testDB.Exec(context.Background(), `
		INSERT INTO asset_positions (subaccount_id, asset_id, size) VALUES ($1, $2, $3)
	`, string(id), indexer.SettlementAssetID, size)
	require.NoError(t, err)
}

func seedPosition(t *testing.T, id indexer.SubaccountID, market uint32, status indexer.PositionStatus, size string) {
	t.Helper()
	err := testDB.Exec(context.Background(), `
		INSERT INTO perpetual_positions (id, subaccount_id, market_id, side, status, size, entry_price, created_at_height)
		VALUES ($1, $2, $3, 'LONG', $4, $5, '1', 1)
	`, uuid.NewString(), string(id), market, string(status), size)
	require.NoError(t, err)
}

func seedMarketValue(t *testing.T, table string, market uint32, height uint64, value string) {
	t.Helper()
	column := "price"
	if table == "funding_index_updates" {
		column = "funding_index"
	}
	err := testDB.Exec(context.Background(),
		`INSERT INTO `+table+` (market_id, effective_at_height, `+column+`) VALUES ($1, $2, $3)`,
		market, height, value)
	require.NoError(t, err)
}

func idOrNil(id *indexer.SubaccountID) any {
	if id == nil {
		return nil
	}
	return string(*id)
}
