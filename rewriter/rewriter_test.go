package rewriter_test

import (
	"context"
	"testing"

	"github.com/flowcore/fct/rewriter"
	"github.com/stretchr/testify/require"
)

func id(n byte) rewriter.FlowID {
	return rewriter.FlowID{Src: [4]byte{n, 0, 0, 0}, SrcPort: uint16(n)}
}

func TestAddFlowAndGetEntry(t *testing.T) {
	tb := rewriter.NewTable(0, 4)
	f := &rewriter.Flow{ID: id(1), Kind: rewriter.BestEffort, Expiry: 1000}
	require.True(t, tb.AddFlow(f, 0))

	got, ok := tb.GetEntry(id(1), 0)
	require.True(t, ok)
	require.Equal(t, f, got)
}

func TestAddFlowEvictsBestEffortWhenFull(t *testing.T) {
	tb := rewriter.NewTable(0, 2)
	require.True(t, tb.AddFlow(&rewriter.Flow{ID: id(1), Kind: rewriter.BestEffort, Expiry: 100}, 0))
	require.True(t, tb.AddFlow(&rewriter.Flow{ID: id(2), Kind: rewriter.BestEffort, Expiry: 200}, 0))
	require.True(t, tb.AddFlow(&rewriter.Flow{ID: id(3), Kind: rewriter.BestEffort, Expiry: 300}, 0))
	require.Equal(t, 2, tb.Size())

	_, ok := tb.GetEntry(id(1), 0)
	require.False(t, ok, "flow 1 had the soonest expiry and should have been evicted")
}

func TestSweepExpiredBestEffortReleasesExpired(t *testing.T) {
	tb := rewriter.NewTable(0, 8)
	tb.AddFlow(&rewriter.Flow{ID: id(1), Kind: rewriter.BestEffort, Expiry: 100}, 0)
	tb.AddFlow(&rewriter.Flow{ID: id(2), Kind: rewriter.BestEffort, Expiry: 500}, 0)

	expired := tb.SweepExpiredBestEffort(200)
	require.Len(t, expired, 1)
	require.Equal(t, id(1), expired[0].ID)
	require.Equal(t, 1, tb.Size())
}

func TestShiftHeapBestEffortDemotesExpiredGuarantee(t *testing.T) {
	tb := rewriter.NewTable(0, 8)
	f := &rewriter.Flow{ID: id(1), Kind: rewriter.Guaranteed, Expiry: 100}
	tb.AddFlow(f, 0)

	tb.ShiftHeapBestEffort(200)
	require.Equal(t, rewriter.BestEffort, f.Kind, "an expired guarantee must demote into the best-effort heap")
	require.Equal(t, int64(100)+rewriter.DefaultBestEffortTimeout.Milliseconds()-rewriter.DefaultGuaranteeTimeout.Milliseconds(), f.Expiry)
	require.Equal(t, 1, tb.Size())

	_, ok := tb.GetEntry(id(1), 200)
	require.True(t, ok, "demotion must not drop the flow")
}

func TestAddFlowMirrorsReplyDirection(t *testing.T) {
	tb := rewriter.NewTable(0, 8)
	f := &rewriter.Flow{ID: id(1), Kind: rewriter.BestEffort, Expiry: 1000}
	require.True(t, tb.AddFlow(f, 0))

	got, ok := tb.GetEntry(rewriter.ReverseFlowID(id(1)), 0)
	require.True(t, ok)
	require.Same(t, f, got)
	require.Equal(t, 1, tb.Size(), "the reply mirror must not count as a second flow")
}

func TestAddFlowInstallsOnReplyPeer(t *testing.T) {
	owner := rewriter.NewTable(0, 8)
	peer := rewriter.NewTable(1, 8)
	owner.SetReplyPeer(peer)

	f := &rewriter.Flow{ID: id(1), Kind: rewriter.BestEffort, Expiry: 1000}
	require.True(t, owner.AddFlow(f, 0))

	got, ok := peer.GetEntry(rewriter.ReverseFlowID(id(1)), 0)
	require.True(t, ok)
	require.Same(t, f, got)
}

func TestEvictionRemovesReplySideEntryToo(t *testing.T) {
	tb := rewriter.NewTable(0, 2)
	f1 := &rewriter.Flow{ID: id(1), Kind: rewriter.BestEffort, Expiry: 100}
	require.True(t, tb.AddFlow(f1, 0))
	require.True(t, tb.AddFlow(&rewriter.Flow{ID: id(2), Kind: rewriter.BestEffort, Expiry: 200}, 0))
	require.True(t, tb.AddFlow(&rewriter.Flow{ID: id(3), Kind: rewriter.BestEffort, Expiry: 300}, 0))

	_, ok := tb.GetEntry(rewriter.ReverseFlowID(id(1)), 0)
	require.False(t, ok, "flow 1's reply-side entry must be gone alongside its forward entry")
}

func TestGetEntryFallsBackToNeighbourDuringMigration(t *testing.T) {
	a := rewriter.NewTable(0, 8)
	b := rewriter.NewTable(1, 8)
	a.SetNeighbours([]*rewriter.Table{b})
	b.SetNeighbours([]*rewriter.Table{a})

	b.AddFlow(&rewriter.Flow{ID: id(9), Kind: rewriter.Guaranteed, Expiry: 99999}, 0)
	a.MarkRebalanced(0)

	got, ok := a.GetEntry(id(9), 500)
	require.True(t, ok)
	require.Equal(t, id(9), got.ID)
}

func TestSetMigrationTimeoutShrinksWindow(t *testing.T) {
	a := rewriter.NewTable(0, 8)
	b := rewriter.NewTable(1, 8)
	a.SetNeighbours([]*rewriter.Table{b})
	a.SetMigrationTimeout(0)
	b.AddFlow(&rewriter.Flow{ID: id(9), Kind: rewriter.Guaranteed, Expiry: 99999}, 0)
	a.MarkRebalanced(0)

	_, ok := a.GetEntry(id(9), 1)
	require.False(t, ok, "a zero migration timeout should close the window immediately")
}

func TestGetEntryDoesNotFallBackOutsideMigrationWindow(t *testing.T) {
	a := rewriter.NewTable(0, 8)
	b := rewriter.NewTable(1, 8)
	a.SetNeighbours([]*rewriter.Table{b})
	b.AddFlow(&rewriter.Flow{ID: id(9), Kind: rewriter.Guaranteed, Expiry: 99999}, 0)

	_, ok := a.GetEntry(id(9), 0)
	require.False(t, ok, "no rebalance happened, so no migration window is open")
}

func TestMigratePreCopyMovesOwnedFlows(t *testing.T) {
	a := rewriter.NewTable(0, 8)
	b := rewriter.NewTable(1, 8)
	f := &rewriter.Flow{ID: id(3), Kind: rewriter.BestEffort, Expiry: 1000}
	a.AddFlow(f, 0)

	owner := func(rewriter.FlowID) int { return 1 } // every flow now belongs to thread 1
	err := rewriter.Migrate(context.Background(), []*rewriter.Table{a, b}, true, rewriter.PreCopy, 0, owner)
	require.NoError(t, err)

	require.Equal(t, 0, a.Size())
	require.Equal(t, 1, b.Size())
}

func TestMigratePostCopyLeavesFlowsInPlace(t *testing.T) {
	a := rewriter.NewTable(0, 8)
	b := rewriter.NewTable(1, 8)
	a.AddFlow(&rewriter.Flow{ID: id(3), Kind: rewriter.BestEffort, Expiry: 1000}, 0)

	owner := func(rewriter.FlowID) int { return 1 }
	err := rewriter.Migrate(context.Background(), []*rewriter.Table{a, b}, true, rewriter.PostCopy, 0, owner)
	require.NoError(t, err)
	require.Equal(t, 1, a.Size(), "post-copy must not move data synchronously")
}
