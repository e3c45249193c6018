package pnl

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/canopy-network/pnlticks/pkg/db/models/indexer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func makeTicks(n int, createdAt time.Time) []indexer.PnlTick {
	ticks := make([]indexer.PnlTick, n)
	for i := range ticks {
		id := indexer.NewSubaccountID("holder", uint32(i))
		ticks[i] = BuildTick(TickInput{SubaccountID: id, CreatedAt: createdAt, Block: indexer.Block{Height: 1}})
	}
	return ticks
}

func newTestPersister(t *testing.T, ledger *fakeLedger, chunkSize int) (*Persister, *Metrics) {
	metrics := NewMetrics(prometheus.NewRegistry())
	p := NewPersister(ledger, zaptest.NewLogger(t), metrics, chunkSize)
	p.retry = fastRetry
	return p, metrics
}

func TestPersistChunks(t *testing.T) {
	ledger := newFakeLedger()
	var chunkSizes []int
	ledger.insertErr = func(chunk []indexer.PnlTick) error {
		chunkSizes = append(chunkSizes, len(chunk))
		return nil
	}

	p, _ := newTestPersister(t, ledger, 2)
	ticks := makeTicks(5, time.Now())

	res, err := p.Persist(context.Background(), ticks)
	require.NoError(t, err)
	assert.Len(t, res.Inserted, 5)
	assert.Zero(t, res.Failed)
	assert.Equal(t, []int{2, 2, 1}, chunkSizes)
	assert.Len(t, ledger.storedTicks(), 5)
}

func TestPersistContinuesAfterFailedChunk(t *testing.T) {
	ledger := newFakeLedger()
	ticks := makeTicks(5, time.Now())
	poisoned := ticks[2].SubaccountID

	attempts := 0
	ledger.insertErr = func(chunk []indexer.PnlTick) error {
		if slices.ContainsFunc(chunk, func(t indexer.PnlTick) bool { return t.SubaccountID == poisoned }) {
			attempts++
			return errors.New("deadlock detected")
		}
		return nil
	}

	p, metrics := newTestPersister(t, ledger, 2)
	res, err := p.Persist(context.Background(), ticks)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk 2/3")
	assert.Equal(t, fastRetry.MaxRetries, attempts)
	assert.Len(t, res.Inserted, 3)
	assert.Equal(t, 2, res.Failed)
	assert.Zero(t, res.Duplicates(len(ticks)))
	assert.Len(t, ledger.storedTicks(), 3)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ChunkFailures))
	for _, tick := range res.Inserted {
		assert.NotEqual(t, poisoned, tick.SubaccountID)
	}
}

func TestPersistRetriesTransientFailure(t *testing.T) {
	ledger := newFakeLedger()
	failures := 1
	ledger.insertErr = func([]indexer.PnlTick) error {
		if failures > 0 {
			failures--
			return errors.New("connection reset")
		}
		return nil
	}

	p, metrics := newTestPersister(t, ledger, 10)
	res, err := p.Persist(context.Background(), makeTicks(3, time.Now()))
	require.NoError(t, err)
	assert.Len(t, res.Inserted, 3)
	assert.Zero(t, testutil.ToFloat64(metrics.ChunkFailures))
}

func TestPersistIsIdempotent(t *testing.T) {
	ledger := newFakeLedger()
	p, metrics := newTestPersister(t, ledger, 2)
	ticks := makeTicks(3, time.Now())

	first, err := p.Persist(context.Background(), ticks)
	require.NoError(t, err)
	assert.Len(t, first.Inserted, 3)

	second, err := p.Persist(context.Background(), ticks)
	require.NoError(t, err)
	assert.Empty(t, second.Inserted)
	assert.Equal(t, 3, second.Duplicates(len(ticks)))
	assert.Len(t, ledger.storedTicks(), 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.DuplicateTicks))
}

func TestPersistSkipsSecondTickInSameInterval(t *testing.T) {
	ledger := newFakeLedger()
	p, _ := newTestPersister(t, ledger, 10)

	bucket := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	id := indexer.NewSubaccountID("holder", 0)
	tickAt := func(createdAt time.Time) indexer.PnlTick {
		return BuildTick(TickInput{
			SubaccountID: id,
			CreatedAt:    createdAt,
			BucketStart:  bucket,
			Block:        indexer.Block{Height: 7, Time: bucket.Add(30 * time.Minute)},
		})
	}

	first, err := p.Persist(context.Background(), []indexer.PnlTick{tickAt(bucket.Add(31 * time.Minute))})
	require.NoError(t, err)
	require.Len(t, first.Inserted, 1)

	second, err := p.Persist(context.Background(), []indexer.PnlTick{tickAt(bucket.Add(31*time.Minute + time.Second))})
	require.NoError(t, err)
	assert.Empty(t, second.Inserted)
	assert.Equal(t, 1, second.Duplicates(1))

	stored := ledger.storedTicks()
	require.Len(t, stored, 1)
	assert.Equal(t, first.Inserted[0].ID, stored[0].ID)
}

func TestPersistStopsOnCancelledContext(t *testing.T) {
	ledger := newFakeLedger()
	p, metrics := newTestPersister(t, ledger, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := p.Persist(ctx, makeTicks(3, time.Now()))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Inserted)
	assert.Equal(t, 3, res.Failed)
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.ChunkFailures))
}
