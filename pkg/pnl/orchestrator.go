package pnl

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/pnlticks/pkg/db"
	"github.com/canopy-network/pnlticks/pkg/db/models/indexer"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TickCache holds the latest tick of each subaccount between runs.
type TickCache interface {
	GetAll(ctx context.Context) (indexer.LatestTicks, error)
	Set(ctx context.Context, ticks indexer.LatestTicks) error
}

// State is the phase an Engine is currently in.
type State int32

const (
	StateIdle State = iota
	StateGating
	StateSelecting
	StateResolving
	StateComputing
	StatePersisting
	StateCaching
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGating:
		return "gating"
	case StateSelecting:
		return "selecting"
	case StateResolving:
		return "resolving"
	case StateComputing:
		return "computing"
	case StatePersisting:
		return "persisting"
	case StateCaching:
		return "caching"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config tunes an Engine.
type Config struct {
	// Interval is the tick bucket width; one tick per subaccount per bucket.
	Interval          time.Duration
	MaxRowsPerUpsert  int
	MaxAccountsPerRun int
	// Workers overrides the per-account parallelism (0 = four per CPU).
	Workers int
	Anomaly AnomalyThresholds
}

func DefaultConfig() Config {
	return Config{
		Interval:          time.Hour,
		MaxRowsPerUpsert:  DefaultMaxRowsPerUpsert,
		MaxAccountsPerRun: 65000,
		Anomaly:           DefaultAnomalyThresholds(),
	}
}

// RunResult summarizes one Run.
type RunResult struct {
	Skipped bool
	// Selected subaccounts were due for a tick.
	Selected int
	// Created ticks were computed.
	Created int
	// Persisted ticks are durably stored.
	Persisted int
	// Failed subaccounts got no durable tick: compute failures plus ticks of
	// chunks that could not be written.
	Failed int
	// Duplicates were already stored for this interval by another run.
	Duplicates int
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces time.Now as the source of tick creation times.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine computes one tick per due subaccount per interval.
type Engine struct {
	logger    *zap.Logger
	store     db.LedgerStore
	cache     TickCache
	metrics   *Metrics
	persister *Persister
	cfg       Config
	now       func() time.Time
	pool      pond.Pool

	state atomic.Int32
	runs  atomic.Uint64
}

// NewEngine wires an engine. cache may be nil, in which case latest ticks
// are always read from the store.
func NewEngine(logger *zap.Logger, store db.LedgerStore, cache TickCache, metrics *Metrics, cfg Config, opts ...Option) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	workers := Parallelism(cfg.Workers)

	e := &Engine{
		logger:    logger,
		store:     store,
		cache:     cache,
		metrics:   metrics,
		persister: NewPersister(store, logger, metrics, cfg.MaxRowsPerUpsert),
		cfg:       cfg,
		now:       time.Now,
		pool:      pond.NewPool(workers, pond.WithQueueSize(QueueSize(workers, cfg.MaxAccountsPerRun))),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the phase the engine is in.
func (e *Engine) State() State { return State(e.state.Load()) }

// Runs returns how many times Run was invoked on this engine.
func (e *Engine) Runs() uint64 { return e.runs.Load() }

// Close stops the worker pool after queued work finishes.
func (e *Engine) Close() {
	e.pool.StopAndWait()
}

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

// computation is what a run derives from its read snapshot.
type computation struct {
	block     indexer.Block
	bucket    time.Time
	latest    indexer.LatestTicks
	fromStore bool
	selected  int
	ticks     []indexer.PnlTick
	failed    int
}

// Run performs one invocation: gate on the interval, compute ticks from one
// read snapshot, persist them, then refresh the cache with what was stored.
// Per-subaccount and per-chunk failures are logged and counted in the
// result; an error means the run as a whole did not happen.
func (e *Engine) Run(ctx context.Context) (RunResult, error) {
	run := e.runs.Add(1)
	logger := e.logger.With(zap.Uint64("run", run))
	runStart := time.Now()
	defer e.setState(StateIdle)

	e.setState(StateGating)
	skip, err := e.gate(ctx, logger)
	if err != nil {
		return RunResult{}, err
	}
	if skip {
		e.metrics.RunsSkipped.Inc()
		return RunResult{Skipped: true}, nil
	}

	createdAt := e.now().UTC().Truncate(time.Microsecond)

	var comp computation
	err = e.store.ReadSnapshot(ctx, func(ctx context.Context, r db.SnapshotReader) error {
		var compErr error
		comp, compErr = e.compute(ctx, logger, r, createdAt)
		return compErr
	})
	if err != nil {
		return RunResult{}, fmt.Errorf("compute pnl ticks: %w", err)
	}

	result := RunResult{
		Selected: comp.selected,
		Created:  len(comp.ticks),
		Failed:   comp.failed,
	}
	e.metrics.AccountsSelected.Set(float64(comp.selected))
	e.metrics.TicksCreated.Set(float64(len(comp.ticks)))

	e.setState(StatePersisting)
	persistStart := time.Now()
	persisted, persistErr := e.persister.Persist(ctx, comp.ticks)
	e.metrics.ObservePhase(PhasePersist, persistStart)
	result.Persisted = len(persisted.Inserted)
	result.Failed += persisted.Failed
	result.Duplicates = persisted.Duplicates(len(comp.ticks))
	if persistErr != nil {
		logger.Error("Some ticks were not persisted",
			zap.Int("persisted", len(persisted.Inserted)),
			zap.Int("created", len(comp.ticks)),
			zap.Error(persistErr))
	}

	e.setState(StateCaching)
	e.refreshCache(ctx, logger, comp, persisted.Inserted)

	logger.Info("PnL tick run completed",
		zap.Uint64("block_height", comp.block.Height),
		zap.Time("block_time", comp.block.Time),
		zap.Int("selected", result.Selected),
		zap.Int("created", result.Created),
		zap.Int("persisted", result.Persisted),
		zap.Int("failed", result.Failed),
		zap.Int("duplicates", result.Duplicates),
		zap.Duration("duration", time.Since(runStart)))

	return result, nil
}

// gate reports whether the bucket of the chain head already has ticks.
func (e *Engine) gate(ctx context.Context, logger *zap.Logger) (bool, error) {
	head, err := e.store.LatestBlock(ctx)
	if errors.Is(err, db.ErrNoBlocks) {
		logger.Info("No blocks indexed yet, skipping run")
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read chain head: %w", err)
	}

	lastTime, lastCount, err := e.store.LatestProcessedBlockTime(ctx)
	if err != nil {
		return false, fmt.Errorf("read latest processed block time: %w", err)
	}

	if !lastTime.IsZero() && SameBucket(lastTime, head.Time, e.cfg.Interval) {
		logger.Info("Interval already processed, skipping run",
			zap.Uint64("block_height", head.Height),
			zap.Time("block_time", head.Time),
			zap.Time("last_processed_block_time", lastTime),
			zap.Int64("last_processed_ticks", lastCount),
			zap.Duration("interval", e.cfg.Interval))
		return true, nil
	}
	return false, nil
}

func (e *Engine) compute(ctx context.Context, logger *zap.Logger, r db.SnapshotReader, createdAt time.Time) (computation, error) {
	var comp computation

	// Selecting
	e.setState(StateSelecting)
	start := time.Now()

	block, err := r.LatestBlock(ctx)
	if err != nil {
		return comp, fmt.Errorf("read snapshot block: %w", err)
	}
	comp.block = block

	comp.latest, comp.fromStore, err = e.latestTicks(ctx, logger)
	if err != nil {
		return comp, err
	}

	withTransfers, err := r.SubaccountsWithTransfers(ctx, block.Height)
	if err != nil {
		return comp, fmt.Errorf("read subaccounts: %w", err)
	}
	selected := SelectAccounts(comp.latest, withTransfers, block.Time, e.cfg.Interval, e.cfg.MaxAccountsPerRun)
	comp.bucket = NormalizeTime(block.Time, e.cfg.Interval)
	comp.selected = len(selected)
	e.metrics.ObservePhase(PhaseAccountSelection, start)

	logger.Debug("Selected subaccounts",
		zap.Int("selected", len(selected)),
		zap.Int("with_transfers", len(withTransfers)),
		zap.Int("latest_ticks", len(comp.latest)),
		zap.Bool("latest_from_store", comp.fromStore))

	if len(selected) == 0 {
		return comp, nil
	}

	// Resolving
	e.setState(StateResolving)
	start = time.Now()
	funding, err := ResolveFundingIndices(ctx, e.pool, r, FundingHeights(selected, block.Height))
	if err != nil {
		return comp, fmt.Errorf("resolve funding indices: %w", err)
	}
	prices, err := r.LatestPrices(ctx, block.Height)
	if err != nil {
		return comp, fmt.Errorf("read prices: %w", err)
	}
	e.metrics.ObservePhase(PhaseFundingIndices, start)

	// Computing
	e.setState(StateComputing)
	start = time.Now()
	ids := indexer.SubaccountIDs(selected)

	positions, err := r.OpenPositions(ctx, ids)
	if err != nil {
		return comp, fmt.Errorf("read positions: %w", err)
	}
	balances, err := r.SettlementBalances(ctx, ids)
	if err != nil {
		return comp, fmt.Errorf("read balances: %w", err)
	}
	cumulative, err := r.CumulativeTransfers(ctx, ids, block.Height)
	if err != nil {
		return comp, fmt.Errorf("read cumulative transfers: %w", err)
	}
	nets := NetTransfersSinceLastTick(ctx, e.pool, r, ids, comp.latest, block.Height)
	e.metrics.ObservePhase(PhaseAccountInfo, start)

	start = time.Now()
	ticks := xsync.NewMap[indexer.SubaccountID, indexer.PnlTick]()
	failures := xsync.NewMap[indexer.SubaccountID, error]()

	group := e.pool.NewGroupContext(ctx)
	for _, s := range selected {
		group.Submit(func() {
			tick, err := e.computeTick(s, block, comp.bucket, createdAt, computeInputs{
				positions:  positions[s.ID],
				balance:    balances[s.ID],
				cumulative: cumulative[s.ID],
				net:        nets,
				funding:    funding,
				prices:     prices,
			})
			if err != nil {
				failures.Store(s.ID, err)
				return
			}
			ticks.Store(s.ID, tick)

			if prior, ok := comp.latest[s.ID]; ok && e.cfg.Anomaly.IsAnomalous(tick, &prior) {
				e.metrics.Anomalies.Inc()
				logger.Warn("Anomalous pnl tick",
					zap.String("subaccountId", s.ID.String()),
					zap.String("equity", indexer.Fixed(tick.Equity)),
					zap.String("total_pnl", indexer.Fixed(tick.TotalPnl)),
					zap.String("prior_equity", indexer.Fixed(prior.Equity)),
					zap.String("prior_total_pnl", indexer.Fixed(prior.TotalPnl)),
					zap.Uint64("prior_block_height", prior.BlockHeight))
			}
		})
	}
	if err := group.Wait(); err != nil {
		return comp, fmt.Errorf("compute ticks: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return comp, fmt.Errorf("compute ticks: %w", err)
	}

	failures.Range(func(id indexer.SubaccountID, err error) bool {
		e.metrics.AccountErrors.Inc()
		logger.Error("Failed to compute pnl tick",
			zap.String("subaccountId", id.String()),
			zap.Error(err))
		return true
	})
	comp.failed = failures.Size()

	comp.ticks = make([]indexer.PnlTick, 0, ticks.Size())
	ticks.Range(func(_ indexer.SubaccountID, t indexer.PnlTick) bool {
		comp.ticks = append(comp.ticks, t)
		return true
	})
	slices.SortFunc(comp.ticks, func(a, b indexer.PnlTick) int {
		return cmp.Compare(a.SubaccountID, b.SubaccountID)
	})
	e.metrics.ObservePhase(PhaseComputePnl, start)

	return comp, nil
}

type computeInputs struct {
	positions  []indexer.Position
	balance    decimal.Decimal
	cumulative decimal.Decimal
	net        NetTransfers
	funding    map[uint64]indexer.FundingIndexMap
	prices     indexer.PriceMap
}

func (e *Engine) computeTick(s indexer.Subaccount, block indexer.Block, bucket, createdAt time.Time, in computeInputs) (indexer.PnlTick, error) {
	if err, ok := in.net.Failed[s.ID]; ok {
		return indexer.PnlTick{}, fmt.Errorf("net transfers: %w", err)
	}

	equity, err := CalculateEquity(EquityInput{
		Balance:        in.balance,
		Positions:      in.positions,
		Prices:         in.prices,
		LastFunding:    in.funding[s.UpdatedAtHeight],
		CurrentFunding: in.funding[block.Height],
	})
	if err != nil {
		return indexer.PnlTick{}, err
	}

	return BuildTick(TickInput{
		SubaccountID:        s.ID,
		Block:               block,
		CreatedAt:           createdAt,
		BucketStart:         bucket,
		Equity:              equity,
		CumulativeTransfers: in.cumulative,
		NetTransfers:        in.net.Get(s.ID),
	}), nil
}

// latestTicks reads the latest tick per subaccount from the cache, falling
// back to the store when the cache is unavailable or empty.
func (e *Engine) latestTicks(ctx context.Context, logger *zap.Logger) (indexer.LatestTicks, bool, error) {
	if e.cache != nil {
		cached, err := e.cache.GetAll(ctx)
		switch {
		case err != nil:
			logger.Warn("Tick cache unavailable, reading latest ticks from store", zap.Error(err))
		case len(cached) > 0:
			return cached, false, nil
		}
	}

	latest, err := e.store.MostRecentTicks(ctx, 1)
	if err != nil {
		return nil, false, fmt.Errorf("read latest ticks: %w", err)
	}
	return latest, true, nil
}

// refreshCache stores the newest inserted tick of each subaccount. A run that
// started from the store reseeds the cache from the store instead, so ticks
// written by any other run are picked up as well.
func (e *Engine) refreshCache(ctx context.Context, logger *zap.Logger, comp computation, inserted []indexer.PnlTick) {
	if e.cache == nil {
		return
	}
	start := time.Now()
	defer e.metrics.ObservePhase(PhaseCache, start)

	update := indexer.Newest(inserted)
	if comp.fromStore {
		stored, err := e.store.MostRecentTicks(ctx, 1)
		if err != nil {
			logger.Warn("Failed to reread latest ticks, caching this run's ticks only", zap.Error(err))
		} else {
			update = stored
		}
	}
	if len(update) == 0 {
		return
	}

	if err := e.cache.Set(ctx, update); err != nil {
		logger.Warn("Failed to update tick cache", zap.Int("subaccounts", len(update)), zap.Error(err))
	}
}
