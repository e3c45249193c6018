package pnl

import (
	"context"
	"errors"
	"fmt"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/pnlticks/pkg/db"
	"github.com/canopy-network/pnlticks/pkg/db/models/indexer"
	"github.com/canopy-network/pnlticks/pkg/utils"
	"github.com/puzpuzpuz/xsync/v4"
)

// FundingHeights returns the distinct heights whose funding index maps a run
// needs: every selected subaccount's UpdatedAtHeight plus the tick height.
func FundingHeights(subaccounts []indexer.Subaccount, tickHeight uint64) []uint64 {
	heights := make([]uint64, 0, len(subaccounts)+1)
	for _, s := range subaccounts {
		heights = append(heights, s.UpdatedAtHeight)
	}
	heights = append(heights, tickHeight)
	return utils.Dedup(heights)
}

// ResolveFundingIndices looks up the funding index map of every height, one
// query per distinct height. Any failure fails the whole resolution.
func ResolveFundingIndices(ctx context.Context, pool pond.Pool, r db.SnapshotReader, heights []uint64) (map[uint64]indexer.FundingIndexMap, error) {
	heights = utils.Dedup(heights)
	results := xsync.NewMap[uint64, indexer.FundingIndexMap]()

	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, height := range heights {
		group.SubmitErr(func() error {
			m, err := r.FundingIndexMap(groupCtx, height)
			if err != nil {
				return fmt.Errorf("funding indices at height %d: %w", height, err)
			}
			results.Store(height, m)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		if errors.Is(err, pond.ErrGroupStopped) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if results.Size() != len(heights) {
		return nil, fmt.Errorf("resolved %d of %d funding heights", results.Size(), len(heights))
	}

	out := make(map[uint64]indexer.FundingIndexMap, results.Size())
	results.Range(func(height uint64, m indexer.FundingIndexMap) bool {
		out[height] = m
		return true
	})
	return out, nil
}
