package pnl

import (
	"context"
	"errors"
	"fmt"

	"github.com/canopy-network/pnlticks/pkg/db"
	"github.com/canopy-network/pnlticks/pkg/db/models/indexer"
	"github.com/canopy-network/pnlticks/pkg/retry"
	"github.com/canopy-network/pnlticks/pkg/utils"
	"go.uber.org/zap"
)

// DefaultMaxRowsPerUpsert bounds the rows written by one transaction.
const DefaultMaxRowsPerUpsert = 1000

// Persister writes ticks in bounded chunks, one transaction per chunk.
type Persister struct {
	store     db.LedgerStore
	logger    *zap.Logger
	metrics   *Metrics
	chunkSize int
	retry     retry.Config
}

func NewPersister(store db.LedgerStore, logger *zap.Logger, metrics *Metrics, chunkSize int) *Persister {
	if chunkSize < 1 {
		chunkSize = DefaultMaxRowsPerUpsert
	}
	return &Persister{
		store:     store,
		logger:    logger,
		metrics:   metrics,
		chunkSize: chunkSize,
		retry:     retry.WriteConfig(),
	}
}

// PersistResult is the outcome of Persist.
type PersistResult struct {
	// Inserted ticks were written by this call.
	Inserted []indexer.PnlTick
	// Failed counts ticks of chunks that could not be written.
	Failed int
}

// Duplicates counts ticks skipped because they, or another tick of the same
// subaccount and interval, were already stored.
func (r PersistResult) Duplicates(total int) int {
	return total - len(r.Inserted) - r.Failed
}

// Persist writes ticks. A chunk that still fails after retries is skipped and
// the remaining chunks are attempted; the returned error joins every chunk
// failure.
func (p *Persister) Persist(ctx context.Context, ticks []indexer.PnlTick) (PersistResult, error) {
	chunks := utils.Chunk(ticks, p.chunkSize)
	result := PersistResult{Inserted: make([]indexer.PnlTick, 0, len(ticks))}
	var errs []error

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("chunk %d/%d not written: %w", i+1, len(chunks), err))
			p.metrics.ChunkFailures.Add(float64(len(chunks) - i))
			for _, rest := range chunks[i:] {
				result.Failed += len(rest)
			}
			break
		}

		var inserted []indexer.PnlTick
		err := retry.WithBackoff(ctx, p.retry, p.logger, "insert_pnl_ticks", func() error {
			var insertErr error
			inserted, insertErr = p.store.InsertTicks(ctx, chunk)
			return insertErr
		})
		if err != nil {
			p.metrics.ChunkFailures.Inc()
			p.logger.Error("Failed to persist tick chunk",
				zap.Int("chunk", i+1),
				zap.Int("chunks", len(chunks)),
				zap.Int("rows", len(chunk)),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err))
			result.Failed += len(chunk)
			continue
		}
		if skipped := len(chunk) - len(inserted); skipped > 0 {
			p.metrics.DuplicateTicks.Add(float64(skipped))
			p.logger.Warn("Skipped ticks already stored for this interval",
				zap.Int("chunk", i+1),
				zap.Int("skipped", skipped))
		}
		result.Inserted = append(result.Inserted, inserted...)
	}

	return result, errors.Join(errs...)
}
