package indexer

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MarketID keys every per-market value (prices, funding indices, positions).
type MarketID uint32

func (m MarketID) String() string { return fmt.Sprintf("%d", m) }

// FundingIndexMap is the cumulative funding index of every market as of one height.
type FundingIndexMap map[MarketID]decimal.Decimal

// Get returns the index for market and whether one was recorded.
func (f FundingIndexMap) Get(market MarketID) (decimal.Decimal, bool) {
	v, ok := f[market]
	return v, ok
}

// PriceMap holds one mark (oracle) price per market.
type PriceMap map[MarketID]decimal.Decimal

// Get returns the price for market and whether one was recorded.
func (p PriceMap) Get(market MarketID) (decimal.Decimal, bool) {
	v, ok := p[market]
	return v, ok
}
