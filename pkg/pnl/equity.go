package pnl

import (
	"errors"
	"fmt"

	"github.com/canopy-network/pnlticks/pkg/db/models/indexer"
	"github.com/shopspring/decimal"
)

// ErrMissingMarketData is returned when a position references a market with
// no mark price or no funding index at a required height.
var ErrMissingMarketData = errors.New("missing market data")

// EquityInput is everything needed to value one subaccount at one height.
type EquityInput struct {
	// Balance is the signed settlement-asset position.
	Balance   decimal.Decimal
	Positions []indexer.Position
	Prices    indexer.PriceMap
	// LastFunding is the funding index map at the subaccount's UpdatedAtHeight,
	// when unsettled funding was last zeroed.
	LastFunding indexer.FundingIndexMap
	// CurrentFunding is the funding index map at the tick height.
	CurrentFunding indexer.FundingIndexMap
}

// CalculateEquity returns
//
//	balance + Σ size×price + Σ size×(lastIndex − currentIndex)
//
// over open positions. A rising index charges longs and pays shorts.
func CalculateEquity(in EquityInput) (decimal.Decimal, error) {
	equity := in.Balance

	for _, p := range in.Positions {
		if !p.IsOpen() {
			continue
		}

		price, ok := in.Prices.Get(p.MarketID)
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: no price for market %s", ErrMissingMarketData, p.MarketID)
		}
		last, ok := in.LastFunding.Get(p.MarketID)
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: no funding index for market %s at last update", ErrMissingMarketData, p.MarketID)
		}
		current, ok := in.CurrentFunding.Get(p.MarketID)
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: no current funding index for market %s", ErrMissingMarketData, p.MarketID)
		}

		equity = equity.
			Add(p.Size.Mul(price)).
			Add(p.Size.Mul(last.Sub(current)))
	}

	return equity, nil
}

// CalculateTotalPnl is equity minus every settlement transfer the subaccount
// has ever made or received.
func CalculateTotalPnl(equity, cumulativeTransfers decimal.Decimal) decimal.Decimal {
	return equity.Sub(cumulativeTransfers)
}
