package pnl

import (
	"context"
	"errors"
	"testing"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/pnlticks/pkg/db/models/indexer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetTransfersSinceLastTick(t *testing.T) {
	ledger := newFakeLedger()
	alice := ledger.addSubaccount("alice", 1)
	bob := ledger.addSubaccount("bob", 1)
	carol := ledger.addSubaccount("carol", 1)
	dave := ledger.addSubaccount("dave", 1)

	ledger.addTransfer(nil, &alice, "100", 1)
	ledger.addTransfer(&alice, &bob, "40", 5)
	ledger.addTransfer(&bob, nil, "15", 8)
	ledger.addTransfer(nil, &carol, "1", 2)
	ledger.addTransfer(nil, &alice, "999", 11) // beyond the tick height
	ledger.netErrs[dave] = errors.New("boom")

	latest := indexer.LatestTicks{
		alice: {SubaccountID: alice, BlockHeight: 5}, // transfer at 5 already counted
		carol: {SubaccountID: carol, BlockHeight: 2},
	}

	pool := pond.NewPool(4)
	defer pool.StopAndWait()

	got := NetTransfersSinceLastTick(context.Background(), pool, ledger,
		[]indexer.SubaccountID{alice, bob, carol, dave}, latest, 10)

	_, ok := got.Net[alice]
	assert.False(t, ok, "no transfers after the last tick")
	assert.True(t, got.Get(alice).IsZero())

	require.Contains(t, got.Net, bob)
	assert.Equal(t, "25", got.Net[bob].String())

	assert.True(t, got.Get(carol).IsZero())

	require.Len(t, got.Failed, 1)
	assert.Error(t, got.Failed[dave])
}
