package pnl

import (
	"context"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/pnlticks/pkg/db"
	"github.com/canopy-network/pnlticks/pkg/db/models/indexer"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"
)

// NetTransfers holds the per-subaccount outcome of NetTransfersSinceLastTick.
// Subaccounts without transfers in the window are absent from Net.
type NetTransfers struct {
	Net    map[indexer.SubaccountID]decimal.Decimal
	Failed map[indexer.SubaccountID]error
}

// Get returns the net amount of id, zero when it had no transfers.
func (n NetTransfers) Get(id indexer.SubaccountID) decimal.Decimal {
	if v, ok := n.Net[id]; ok {
		return v
	}
	return decimal.Zero
}

// NetTransfersSinceLastTick sums, for every subaccount in parallel, the
// settlement transfers over (last tick height, height]. Subaccounts without a
// tick start from height 0. A failed lookup only affects its own subaccount.
func NetTransfersSinceLastTick(
	ctx context.Context,
	pool pond.Pool,
	r db.SnapshotReader,
	ids []indexer.SubaccountID,
	latest indexer.LatestTicks,
	height uint64,
) NetTransfers {
	net := xsync.NewMap[indexer.SubaccountID, decimal.Decimal]()
	failed := xsync.NewMap[indexer.SubaccountID, error]()
	done := xsync.NewMap[indexer.SubaccountID, struct{}]()

	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, id := range ids {
		var after uint64
		if prior, ok := latest[id]; ok {
			after = prior.BlockHeight
		}

		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				failed.Store(id, err)
				return
			}
			amount, found, err := r.NetTransfersBetween(groupCtx, id, after, height)
			if err != nil {
				failed.Store(id, err)
				return
			}
			if found {
				net.Store(id, amount)
			}
			done.Store(id, struct{}{})
		})
	}

	if err := group.Wait(); err != nil {
		// a panicking or cancelled group leaves some subaccounts without an outcome
		for _, id := range ids {
			if _, ok := done.Load(id); !ok {
				failed.LoadOrStore(id, err)
			}
		}
	}

	out := NetTransfers{
		Net:    make(map[indexer.SubaccountID]decimal.Decimal, net.Size()),
		Failed: make(map[indexer.SubaccountID]error, failed.Size()),
	}
	net.Range(func(id indexer.SubaccountID, v decimal.Decimal) bool {
		out.Net[id] = v
		return true
	})
	failed.Range(func(id indexer.SubaccountID, err error) bool {
		out.Failed[id] = err
		return true
	})
	return out
}
