package tracker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koushiro/substrate-archive-go/chain"
	"github.com/koushiro/substrate-archive-go/chain/chaintest"
	"github.com/koushiro/substrate-archive-go/store/storetest"
	"github.com/koushiro/substrate-archive-go/tracker"
)

func TestTracker_RecordsBestAndFinalizedChanges(t *testing.T) {
	backend := chaintest.New()
	backend.Extend(1, chain.StorageDelta{})
	backend.Extend(1, chain.StorageDelta{})
	backend.Finalize(1)

	sink := storetest.New()
	tr := tracker.New(backend, sink, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Start(ctx))

	require.Eventually(t, func() bool {
		n, _, ok, err := sink.Best(ctx)
		return err == nil && ok && n == 2
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		n, _, ok, err := sink.Finalized(ctx)
		return err == nil && ok && n == 1
	}, time.Second, time.Millisecond)

	_, _, ok, err := sink.Finalized(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTracker_SameHeightHashChangeIsRecorded(t *testing.T) {
	backend := chaintest.New()
	backend.Extend(1, chain.StorageDelta{})

	sink := storetest.New()
	tr := tracker.New(backend, sink, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Start(ctx))

	require.Eventually(t, func() bool {
		n, _, ok, _ := sink.Best(ctx)
		return ok && n == 1
	}, time.Second, time.Millisecond)

	firstBest, firstHash, _, _ := sink.Best(ctx)
	backend.Fork(1, chain.Hash{}, 1, chain.StorageDelta{})

	require.Eventually(t, func() bool {
		n, h, ok, _ := sink.Best(ctx)
		return ok && n == firstBest && h != firstHash
	}, time.Second, time.Millisecond)
}
