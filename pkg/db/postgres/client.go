package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/pnlticks/pkg/retry"
	"github.com/canopy-network/pnlticks/pkg/utils"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Executor is the query surface shared by *pgxpool.Pool and pgx.Tx, so
// store methods run unchanged inside or outside a transaction.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Client is a pgx pool with transaction helpers.
type Client struct {
	Logger *zap.Logger
	Pool   *pgxpool.Pool
}

// PoolConfig sizes the pool of one component.
type PoolConfig struct {
	MinConns        int32
	MaxConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// Component is reported as application_name and in logs.
	Component string
}

// DefaultPoolConfig sizes the pool for one read snapshot plus sequential
// chunk writes and the gating queries.
func DefaultPoolConfig(component string) PoolConfig {
	return PoolConfig{
		MinConns:        1,
		MaxConns:        int32(utils.EnvInt("POSTGRES_MAX_CONNS", 8)),
		ConnMaxLifetime: utils.EnvDuration("POSTGRES_CONN_MAX_LIFETIME", time.Hour),
		ConnMaxIdleTime: 30 * time.Minute,
		Component:       component,
	}
}

// New connects to POSTGRES_URL, retrying with backoff until the database
// answers a ping or ctx expires. Authentication failures and a missing
// database are returned without retrying.
func New(ctx context.Context, logger *zap.Logger, poolConf PoolConfig) (client Client, err error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	client.Logger = logger

	dbURL := utils.Env("POSTGRES_URL", "postgres://localhost:5432/postgres")

	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return Client{}, fmt.Errorf("failed to parse POSTGRES_URL: %w", err)
	}

	config.MinConns = poolConf.MinConns
	config.MaxConns = poolConf.MaxConns
	config.MaxConnLifetime = poolConf.ConnMaxLifetime
	config.MaxConnIdleTime = poolConf.ConnMaxIdleTime
	if poolConf.Component != "" {
		config.ConnConfig.RuntimeParams["application_name"] = poolConf.Component
	}

	retryErr := retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "postgres_connection", func() error {
		pool, openErr := pgxpool.NewWithConfig(connCtx, config)
		if openErr != nil {
			return fmt.Errorf("failed to create postgres connection pool: %w", openErr)
		}

		if pingErr := pool.Ping(connCtx); pingErr != nil {
			pool.Close()
			pingErr = fmt.Errorf("failed to ping postgres: %w", pingErr)
			if IsFatalConnectError(pingErr) {
				return retry.Permanent(pingErr)
			}
			return pingErr
		}

		client.Pool = pool

		logger.Info("PostgreSQL connection pool configured",
			zap.String("database", config.ConnConfig.Database),
			zap.String("component", poolConf.Component),
			zap.Int32("min_conns", poolConf.MinConns),
			zap.Int32("max_conns", poolConf.MaxConns),
			zap.Duration("conn_max_lifetime", poolConf.ConnMaxLifetime),
			zap.Duration("conn_max_idle_time", poolConf.ConnMaxIdleTime),
		)
		return nil
	})
	if retryErr != nil {
		return Client{}, retryErr
	}

	return client, nil
}

// Exec runs a statement on the executor carried by ctx.
func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	_, err := c.GetExecutor(ctx).Exec(ctx, query, args...)
	return err
}

// BeginFunc runs fn in a read-write transaction, committing when fn
// returns nil and rolling back otherwise.
func (c *Client) BeginFunc(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, c.Pool, fn)
}

// ReadOnlyFunc runs fn inside a read-only REPEATABLE READ transaction, so
// every query fn issues sees the same point in time. The transaction is
// always rolled back.
func (c *Client) ReadOnlyFunc(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := c.Pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("begin read snapshot: %w", err)
	}
	defer func() {
		// rollback on a fresh context so a cancelled run still releases the connection
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rbErr := tx.Rollback(rbCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			c.Logger.Warn("Read snapshot rollback failed", zap.Error(rbErr))
		}
	}()

	return fn(c.WithTx(ctx, tx), tx)
}

// Close releases every pooled connection.
func (c *Client) Close() {
	c.Pool.Close()
}

type ctxKey string

const txKey ctxKey = "pgx_tx"

// WithTx returns ctx carrying tx; GetExecutor on it yields tx.
func (c *Client) WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

// GetExecutor returns the transaction carried by ctx, or the pool.
func (c *Client) GetExecutor(ctx context.Context) Executor {
	if tx, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return tx
	}
	return c.Pool
}

// Health pings the pool.
func (c *Client) Health(ctx context.Context) error {
	return c.Pool.Ping(ctx)
}

// IsNoRows reports pgx.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsFatalConnectError reports a server rejection that retrying cannot fix:
// bad credentials (28000, 28P01) or a missing database (3D000).
func IsFatalConnectError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "28000", "28P01", "3D000":
		return true
	default:
		return false
	}
}
