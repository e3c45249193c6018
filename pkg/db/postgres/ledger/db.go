package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/pnlticks/pkg/db"
	"github.com/canopy-network/pnlticks/pkg/db/postgres"
	"go.uber.org/zap"
)

var _ db.LedgerStore = (*DB)(nil)

// DB is the PostgreSQL ledger: ingestion-owned tables read through
// snapshots plus the pnl_ticks table owned by the tick engine.
type DB struct {
	postgres.Client
}

// New connects to the ledger database.
func New(ctx context.Context, logger *zap.Logger, poolConfig postgres.PoolConfig) (*DB, error) {
	client, err := postgres.New(ctx, logger.With(
		zap.String("component", poolConfig.Component),
	), poolConfig)
	if err != nil {
		return nil, err
	}
	return &DB{Client: client}, nil
}

// Close terminates the underlying PostgreSQL connection
func (db *DB) Close() error {
	db.Pool.Close()
	return nil
}

// InitializeDB creates every table the engine touches when missing.
// Ingestion owns all of them except pnl_ticks; this exists for development
// databases and tests.
func (db *DB) InitializeDB(ctx context.Context) error {
	initStart := time.Now()
	db.Logger.Info("Initializing ledger schema")

	initOps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"blocks", db.initBlocks},
		{"subaccounts", db.initSubaccounts},
		{"perpetual_positions", db.initPerpetualPositions},
		{"asset_positions", db.initAssetPositions},
		{"funding_index_updates", db.initFundingIndexUpdates},
		{"oracle_prices", db.initOraclePrices},
		{"transfers", db.initTransfers},
		{"pnl_ticks", db.initPnlTicks},
	}

	for _, op := range initOps {
		db.Logger.Debug("Initializing table", zap.String("table", op.name))
		if err := op.fn(ctx); err != nil {
			return fmt.Errorf("init %s: %w", op.name, err)
		}
	}

	db.Logger.Info("Ledger schema initialized successfully",
		zap.Int("tables", len(initOps)),
		zap.Duration("duration", time.Since(initStart)))
	return nil
}
