package pnl

import (
	"time"

	"github.com/canopy-network/pnlticks/pkg/db/models/indexer"
	"github.com/shopspring/decimal"
)

// AnomalyThresholds configure the heuristic that flags a suspicious jump from
// a loss to a large profit without any transfer in between.
type AnomalyThresholds struct {
	// EquityRatio: equity must exceed prior equity times this.
	EquityRatio decimal.Decimal
	// TotalPnlFloor: totalPnl must be at least this.
	TotalPnlFloor decimal.Decimal
	// PriorTotalPnlCeiling: prior totalPnl must be below this.
	PriorTotalPnlCeiling decimal.Decimal
}

func DefaultAnomalyThresholds() AnomalyThresholds {
	return AnomalyThresholds{
		EquityRatio:          decimal.NewFromInt(2),
		TotalPnlFloor:        decimal.NewFromInt(10000),
		PriorTotalPnlCeiling: decimal.NewFromInt(-1000),
	}
}

// IsAnomalous reports whether tick is a suspicious jump relative to prior.
// A subaccount without a prior tick, or whose prior equity is not positive,
// is never anomalous.
func (a AnomalyThresholds) IsAnomalous(tick indexer.PnlTick, prior *indexer.PnlTick) bool {
	if prior == nil || !prior.Equity.IsPositive() {
		return false
	}
	return tick.Equity.Div(prior.Equity).GreaterThan(a.EquityRatio) &&
		tick.TotalPnl.GreaterThanOrEqual(a.TotalPnlFloor) &&
		prior.TotalPnl.LessThan(a.PriorTotalPnlCeiling) &&
		tick.NetTransfers.IsZero()
}

// TickInput carries the computed values of one subaccount for one run.
type TickInput struct {
	SubaccountID indexer.SubaccountID
	Block        indexer.Block
	CreatedAt    time.Time
	// BucketStart is the interval the tick stands for.
	BucketStart time.Time
	Equity      decimal.Decimal
	// CumulativeTransfers is the net settlement transfer total over (0, Block.Height].
	CumulativeTransfers decimal.Decimal
	// NetTransfers is the net settlement transfer total since the prior tick.
	NetTransfers decimal.Decimal
}

// BuildTick assembles the tick of in, rounded to the persisted scale.
func BuildTick(in TickInput) indexer.PnlTick {
	createdAt := in.CreatedAt.UTC()
	return indexer.PnlTick{
		ID:           indexer.PnlTickID(in.SubaccountID, createdAt),
		SubaccountID: in.SubaccountID,
		CreatedAt:    createdAt,
		BlockHeight:  in.Block.Height,
		BlockTime:    in.Block.Time.UTC(),
		BucketStart:  in.BucketStart.UTC(),
		Equity:       in.Equity,
		TotalPnl:     CalculateTotalPnl(in.Equity, in.CumulativeTransfers),
		NetTransfers: in.NetTransfers,
	}.Rounded()
}
