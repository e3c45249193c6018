package indexer

import "github.com/shopspring/decimal"

type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

type PositionStatus string

const (
	PositionStatusOpen       PositionStatus = "OPEN"
	PositionStatusClosed     PositionStatus = "CLOSED"
	PositionStatusLiquidated PositionStatus = "LIQUIDATED"
)

// Position is a perpetual position of one subaccount in one market.
// Size is signed: negative for shorts.
type Position struct {
	SubaccountID    SubaccountID    `db:"subaccount_id" json:"subaccount_id"`
	MarketID        MarketID        `db:"market_id" json:"market_id"`
	Side            PositionSide    `db:"side" json:"side"`
	Status          PositionStatus  `db:"status" json:"status"`
	Size            decimal.Decimal `db:"size" json:"size"`
	EntryPrice      decimal.Decimal `db:"entry_price" json:"entry_price"`
	CreatedAtHeight uint64          `db:"created_at_height" json:"created_at_height"`
	ClosedAtHeight  *uint64         `db:"closed_at_height" json:"closed_at_height,omitempty"`
}

// IsOpen reports whether the position contributes to equity.
func (p Position) IsOpen() bool {
	return p.Status == PositionStatusOpen && !p.Size.IsZero()
}
