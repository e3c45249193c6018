package ledger

import "context"

func (db *DB) initBlocks(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS blocks (
			block_height BIGINT PRIMARY KEY,
			time TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_blocks_time ON blocks(time);
	`
	return db.Exec(ctx, query)
}

func (db *DB) initSubaccounts(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS subaccounts (
			id TEXT PRIMARY KEY,
			address TEXT NOT NULL,
			subaccount_number INTEGER NOT NULL,
			updated_at_height BIGINT NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
			UNIQUE (address, subaccount_number)
		);
	`
	return db.Exec(ctx, query)
}

// initPerpetualPositions creates the positions table. size is signed
// (negative for shorts).
func (db *DB) initPerpetualPositions(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS perpetual_positions (
			id TEXT PRIMARY KEY,
			subaccount_id TEXT NOT NULL,
			market_id INTEGER NOT NULL,
			side TEXT NOT NULL,
			status TEXT NOT NULL,
			size NUMERIC NOT NULL,
			entry_price NUMERIC NOT NULL,
			created_at_height BIGINT NOT NULL,
			closed_at_height BIGINT
		);

		CREATE INDEX IF NOT EXISTS idx_perpetual_positions_subaccount_status
			ON perpetual_positions(subaccount_id, status);
	`
	return db.Exec(ctx, query)
}

func (db *DB) initAssetPositions(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS asset_positions (
			subaccount_id TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			size NUMERIC NOT NULL,
			PRIMARY KEY (subaccount_id, asset_id)
		);
	`
	return db.Exec(ctx, query)
}

func (db *DB) initFundingIndexUpdates(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS funding_index_updates (
			market_id INTEGER NOT NULL,
			effective_at_height BIGINT NOT NULL,
			funding_index NUMERIC NOT NULL,
			PRIMARY KEY (market_id, effective_at_height)
		);
	`
	return db.Exec(ctx, query)
}

func (db *DB) initOraclePrices(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS oracle_prices (
			market_id INTEGER NOT NULL,
			effective_at_height BIGINT NOT NULL,
			price NUMERIC NOT NULL,
			PRIMARY KEY (market_id, effective_at_height)
		);
	`
	return db.Exec(ctx, query)
}

// initTransfers creates the transfers table. A NULL side is a deposit into
// or withdrawal out of the exchange.
func (db *DB) initTransfers(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS transfers (
			id TEXT PRIMARY KEY,
			sender_subaccount_id TEXT,
			recipient_subaccount_id TEXT,
			asset_id TEXT NOT NULL,
			size NUMERIC NOT NULL,
			created_at_height BIGINT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transfers_sender ON transfers(sender_subaccount_id, created_at_height);
		CREATE INDEX IF NOT EXISTS idx_transfers_recipient ON transfers(recipient_subaccount_id, created_at_height);
	`
	return db.Exec(ctx, query)
}

// initPnlTicks creates the tick table. (subaccount_id, bucket_start) is the
// one-tick-per-interval key; (subaccount_id, created_at) backs the id.
func (db *DB) initPnlTicks(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS pnl_ticks (
			id TEXT PRIMARY KEY,
			subaccount_id TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			block_height BIGINT NOT NULL,
			block_time TIMESTAMP WITH TIME ZONE NOT NULL,
			bucket_start TIMESTAMP WITH TIME ZONE NOT NULL,
			equity NUMERIC(36, 6) NOT NULL,
			total_pnl NUMERIC(36, 6) NOT NULL,
			net_transfers NUMERIC(36, 6) NOT NULL,
			UNIQUE (subaccount_id, created_at),
			UNIQUE (subaccount_id, bucket_start)
		);

		CREATE INDEX IF NOT EXISTS idx_pnl_ticks_subaccount_height
			ON pnl_ticks(subaccount_id, block_height DESC, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_pnl_ticks_block_time ON pnl_ticks(block_time);
	`
	return db.Exec(ctx, query)
}
