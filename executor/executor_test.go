package executor_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/koushiro/substrate-archive-go/chain"
	"github.com/koushiro/substrate-archive-go/chain/chaintest"
	"github.com/koushiro/substrate-archive-go/executor"
)

func TestExecute_SealedDigestReturnsDelta(t *testing.T) {
	backend := chaintest.New()
	want := chain.StorageDelta{Main: []chain.KeyValue{{Key: []byte("k"), Value: []byte("v")}}}
	blk := backend.Extend(1, want)

	signed, ok, err := backend.Block(context.Background(), chain.ByNumber(blk.Header.Number))
	require.NoError(t, err)
	require.True(t, ok)
	signed.Header.Digest.Logs = []chain.DigestItem{
		{Kind: chain.DigestItemSeal, Data: []byte("seal")},
		{Kind: chain.DigestItemConsensus, Data: []byte("c")},
	}

	got, err := executor.Execute(context.Background(), backend, signed)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestExecute_FailurePropagates(t *testing.T) {
	backend := chaintest.New()
	blk := backend.Extend(1, chain.StorageDelta{})
	backend.FailExecutionAt(blk.Header.Number)

	signed, ok, err := backend.Block(context.Background(), chain.ByNumber(blk.Header.Number))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = executor.Execute(context.Background(), backend, signed)
	require.Error(t, err)
	var execErr *executor.Error
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, blk.Header.Number, execErr.Height)
}

func TestPool_ExecuteBatch_OrderedResults(t *testing.T) {
	backend := chaintest.New()
	var blocks []chain.SignedBlock
	for i := 0; i < 5; i++ {
		blk := backend.Extend(1, chain.StorageDelta{Main: []chain.KeyValue{{Key: []byte{byte(i)}, Value: []byte{byte(i)}}}})
		signed, _, err := backend.Block(context.Background(), chain.ByNumber(blk.Header.Number))
		require.NoError(t, err)
		blocks = append(blocks, signed)
	}

	pool := executor.NewPool(backend, 3)
	results, err := pool.ExecuteBatch(context.Background(), blocks)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, r := range results {
		require.Equal(t, blocks[i].Header.Number, r.Block.Header.Number)
		require.Equal(t, byte(i), r.Delta.Main[0].Key[0])
	}
}

func TestPool_ExecuteBatch_AbortsOnFirstError(t *testing.T) {
	backend := chaintest.New()
	var blocks []chain.SignedBlock
	for i := 0; i < 4; i++ {
		blk := backend.Extend(1, chain.StorageDelta{})
		if i == 2 {
			backend.FailExecutionAt(blk.Header.Number)
		}
		signed, _, err := backend.Block(context.Background(), chain.ByNumber(blk.Header.Number))
		require.NoError(t, err)
		blocks = append(blocks, signed)
	}

	pool := executor.NewPool(backend, 2)
	_, err := pool.ExecuteBatch(context.Background(), blocks)
	require.Error(t, err)
}
