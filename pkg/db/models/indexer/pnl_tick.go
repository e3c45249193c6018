package indexer

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PnlTickScale is the number of decimal places equity, totalPnl and
// netTransfers are persisted with.
const PnlTickScale = 6

var pnlTickNamespace = uuid.MustParse("6c1d3c4e-2f0b-4a4f-a3a5-5b8e7d1c9e21")

// PnlTick is one immutable equity/PnL snapshot of a subaccount.
// (SubaccountID, BucketStart) is unique, so a subaccount gets at most one
// tick per interval however many runs compute one. ID is derived from
// (SubaccountID, CreatedAt) so re-inserting the same tick is a no-op.
type PnlTick struct {
	ID           string       `db:"id" json:"id"`
	SubaccountID SubaccountID `db:"subaccount_id" json:"subaccountId"`
	CreatedAt    time.Time    `db:"created_at" json:"createdAt"`
	BlockHeight  uint64       `db:"block_height" json:"blockHeight"`
	BlockTime    time.Time    `db:"block_time" json:"blockTime"`
	// BucketStart is BlockTime floored to the tick interval.
	BucketStart  time.Time       `db:"bucket_start" json:"bucketStart"`
	Equity       decimal.Decimal `db:"equity" json:"equity"`
	TotalPnl     decimal.Decimal `db:"total_pnl" json:"totalPnl"`
	NetTransfers decimal.Decimal `db:"net_transfers" json:"netTransfers"`
}

// PnlTickID returns the deterministic id of the tick of subaccount created at createdAt.
func PnlTickID(subaccountID SubaccountID, createdAt time.Time) string {
	key := fmt.Sprintf("%s-%s", subaccountID, createdAt.UTC().Format(time.RFC3339Nano))
	return uuid.NewSHA1(pnlTickNamespace, []byte(key)).String()
}

// Fixed returns the persisted string form of a tick amount.
func Fixed(d decimal.Decimal) string {
	return d.StringFixed(PnlTickScale)
}

// Rounded returns a copy of the tick with every amount rounded to PnlTickScale.
func (t PnlTick) Rounded() PnlTick {
	t.Equity = t.Equity.Round(PnlTickScale)
	t.TotalPnl = t.TotalPnl.Round(PnlTickScale)
	t.NetTransfers = t.NetTransfers.Round(PnlTickScale)
	return t
}

// LatestTicks keys the most recent tick of each subaccount.
type LatestTicks map[SubaccountID]PnlTick

// Newest keeps, per subaccount, the tick with the highest block height
// (ties broken by CreatedAt).
func Newest(ticks []PnlTick) LatestTicks {
	out := make(LatestTicks, len(ticks))
	for _, t := range ticks {
		prev, ok := out[t.SubaccountID]
		if !ok || t.BlockHeight > prev.BlockHeight ||
			(t.BlockHeight == prev.BlockHeight && t.CreatedAt.After(prev.CreatedAt)) {
			out[t.SubaccountID] = t
		}
	}
	return out
}
