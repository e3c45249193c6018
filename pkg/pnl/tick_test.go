package pnl

import (
	"testing"
	"time"

	"github.com/canopy-network/pnlticks/pkg/db/models/indexer"
	"github.com/stretchr/testify/assert"
)

func TestBuildTick(t *testing.T) {
	id := indexer.NewSubaccountID("alice", 0)
	createdAt := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)
	block := indexer.Block{Height: 42, Time: time.Date(2024, 3, 1, 12, 4, 58, 0, time.UTC)}

	tick := BuildTick(TickInput{
		SubaccountID:        id,
		Block:               block,
		CreatedAt:           createdAt,
		BucketStart:         time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Equity:              dec("190600"),
		CumulativeTransfers: dec("-20.5"),
		NetTransfers:        dec("-5.5"),
	})

	assert.Equal(t, indexer.PnlTickID(id, createdAt), tick.ID)
	assert.Equal(t, id, tick.SubaccountID)
	assert.Equal(t, uint64(42), tick.BlockHeight)
	assert.True(t, tick.BlockTime.Equal(block.Time))
	assert.True(t, tick.BucketStart.Equal(NormalizeTime(block.Time, time.Hour)))
	assert.Equal(t, "190600.000000", indexer.Fixed(tick.Equity))
	assert.Equal(t, "190620.500000", indexer.Fixed(tick.TotalPnl))
	assert.Equal(t, "-5.500000", indexer.Fixed(tick.NetTransfers))
}

func TestBuildTickRoundsToSixDecimals(t *testing.T) {
	tick := BuildTick(TickInput{
		SubaccountID: indexer.NewSubaccountID("alice", 0),
		Equity:       dec("1.23456789"),
		NetTransfers: dec("0.0000004"),
	})
	assert.Equal(t, "1.234568", indexer.Fixed(tick.Equity))
	assert.Equal(t, "1.234568", indexer.Fixed(tick.TotalPnl))
	assert.Equal(t, "0.000000", indexer.Fixed(tick.NetTransfers))
}

func TestIsAnomalous(t *testing.T) {
	thresholds := DefaultAnomalyThresholds()
	prior := indexer.PnlTick{Equity: dec("1000"), TotalPnl: dec("-2000")}
	jump := indexer.PnlTick{Equity: dec("12000"), TotalPnl: dec("10000"), NetTransfers: dec("0")}

	tests := []struct {
		name  string
		tick  indexer.PnlTick
		prior *indexer.PnlTick
		want  bool
	}{
		{"loss to large profit without transfers", jump, &prior, true},
		{"no prior tick", jump, nil, false},
		{"prior equity not positive", jump, &indexer.PnlTick{Equity: dec("0"), TotalPnl: dec("-2000")}, false},
		{"equity at most doubled", indexer.PnlTick{Equity: dec("2000"), TotalPnl: dec("10000")}, &prior, false},
		{"total pnl below floor", indexer.PnlTick{Equity: dec("12000"), TotalPnl: dec("9999.99")}, &prior, false},
		{"prior loss too small", jump, &indexer.PnlTick{Equity: dec("1000"), TotalPnl: dec("-1000")}, false},
		{"transfers explain the jump", indexer.PnlTick{Equity: dec("12000"), TotalPnl: dec("10000"), NetTransfers: dec("11000")}, &prior, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, thresholds.IsAnomalous(tt.tick, tt.prior))
		})
	}
}
