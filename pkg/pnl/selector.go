package pnl

import (
	"cmp"
	"slices"
	"time"

	"github.com/canopy-network/pnlticks/pkg/db/models/indexer"
)

// NormalizeTime floors t to a multiple of interval counted from the Unix
// epoch, in UTC. Two times share a tick bucket iff they normalize equally.
func NormalizeTime(t time.Time, interval time.Duration) time.Time {
	ms := interval.Milliseconds()
	if ms <= 0 {
		return t.UTC()
	}
	n := t.UnixMilli()
	floor := n - ((n%ms)+ms)%ms
	return time.UnixMilli(floor).UTC()
}

// SameBucket reports whether a and b fall in the same interval bucket.
func SameBucket(a, b time.Time, interval time.Duration) bool {
	return NormalizeTime(a, interval).Equal(NormalizeTime(b, interval))
}

// AccountsToUpdate returns, sorted, the subaccounts whose latest tick lies in
// an earlier bucket than blockTime.
func AccountsToUpdate(latest indexer.LatestTicks, blockTime time.Time, interval time.Duration) []indexer.SubaccountID {
	due := make([]indexer.SubaccountID, 0, len(latest))
	for id, tick := range latest {
		if !SameBucket(tick.BlockTime, blockTime, interval) {
			due = append(due, id)
		}
	}
	slices.Sort(due)
	return due
}

// SelectAccounts picks the subaccounts of a run out of those with at least
// one transfer: subaccounts whose latest tick is in an earlier bucket come
// first, then subaccounts that never had a tick. At most maxAccounts are
// returned (no limit when maxAccounts < 1).
func SelectAccounts(
	latest indexer.LatestTicks,
	withTransfers []indexer.Subaccount,
	blockTime time.Time,
	interval time.Duration,
	maxAccounts int,
) []indexer.Subaccount {
	byID := make(map[indexer.SubaccountID]indexer.Subaccount, len(withTransfers))
	for _, s := range withTransfers {
		byID[s.ID] = s
	}

	selected := make([]indexer.Subaccount, 0, len(withTransfers))
	for _, id := range AccountsToUpdate(latest, blockTime, interval) {
		if s, ok := byID[id]; ok {
			selected = append(selected, s)
		}
	}

	fresh := make([]indexer.Subaccount, 0)
	for _, s := range withTransfers {
		if _, ok := latest[s.ID]; !ok {
			fresh = append(fresh, s)
		}
	}
	slices.SortFunc(fresh, func(a, b indexer.Subaccount) int {
		return cmp.Compare(a.ID, b.ID)
	})
	selected = append(selected, fresh...)

	if maxAccounts > 0 && len(selected) > maxAccounts {
		selected = selected[:maxAccounts]
	}
	return selected
}
