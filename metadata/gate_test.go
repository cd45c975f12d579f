package metadata_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koushiro/substrate-archive-go/chain"
	"github.com/koushiro/substrate-archive-go/chain/chaintest"
	"github.com/koushiro/substrate-archive-go/message"
	"github.com/koushiro/substrate-archive-go/metadata"
	"github.com/koushiro/substrate-archive-go/store"
	"github.com/koushiro/substrate-archive-go/store/storetest"
)

func TestGate_SingleBlock_FetchesMissingMetadataThenForwardsBlock(t *testing.T) {
	backend := chaintest.New()
	backend.Extend(7, chain.StorageDelta{})
	blk, ok, err := backend.Block(context.Background(), chain.ByNumber(1))
	require.NoError(t, err)
	require.True(t, ok)

	sink := storetest.New()
	down := make(chan message.Msg, 4)
	g := metadata.New(backend, sink, down)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)

	rec := store.BlockRecord{SpecVersion: 7, BlockNum: 1, BlockHash: blk.Hash}
	g.Mailbox() <- message.NewBlock(rec, chain.StorageDelta{})

	var metaMsg, blockMsg message.Msg
	select {
	case metaMsg = <-down:
	case <-time.After(time.Second):
		t.Fatal("expected a Metadata message first")
	}
	require.Equal(t, message.KindMetadata, metaMsg.Kind)
	require.Equal(t, uint32(7), metaMsg.Metadata.SpecVersion)

	select {
	case blockMsg = <-down:
	case <-time.After(time.Second):
		t.Fatal("expected the Block message to follow")
	}
	require.Equal(t, message.KindBlock, blockMsg.Kind)
	require.Equal(t, chain.BlockNumber(1), blockMsg.Block.Record.BlockNum)
}

func TestGate_SingleBlock_SkipsFetchWhenMetadataAlreadyExists(t *testing.T) {
	backend := chaintest.New()
	backend.Extend(3, chain.StorageDelta{})
	blk, _, err := backend.Block(context.Background(), chain.ByNumber(1))
	require.NoError(t, err)

	sink := storetest.New()
	_, err = sink.InsertMetadata(context.Background(), store.MetadataRecord{SpecVersion: 3})
	require.NoError(t, err)

	down := make(chan message.Msg, 4)
	g := metadata.New(backend, sink, down)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)

	g.Mailbox() <- message.NewBlock(store.BlockRecord{SpecVersion: 3, BlockNum: 1, BlockHash: blk.Hash}, chain.StorageDelta{})

	select {
	case msg := <-down:
		require.Equal(t, message.KindBlock, msg.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected block message to be forwarded directly")
	}

	select {
	case msg := <-down:
		t.Fatalf("unexpected extra message forwarded: %v", msg.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGate_Batch_OneMetadataFetchPerDistinctSpecVersionInOrder(t *testing.T) {
	backend := chaintest.New()
	backend.Extend(1, chain.StorageDelta{})
	backend.Extend(1, chain.StorageDelta{})
	backend.Extend(2, chain.StorageDelta{})

	b1, _, _ := backend.Block(context.Background(), chain.ByNumber(1))
	b2, _, _ := backend.Block(context.Background(), chain.ByNumber(2))
	b3, _, _ := backend.Block(context.Background(), chain.ByNumber(3))

	sink := storetest.New()
	down := make(chan message.Msg, 8)
	g := metadata.New(backend, sink, down)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)

	batch := []message.BlockPayload{
		{Record: store.BlockRecord{SpecVersion: 1, BlockNum: 1, BlockHash: b1.Hash}},
		{Record: store.BlockRecord{SpecVersion: 1, BlockNum: 2, BlockHash: b2.Hash}},
		{Record: store.BlockRecord{SpecVersion: 2, BlockNum: 3, BlockHash: b3.Hash}},
	}
	g.Mailbox() <- message.NewBatchBlock(batch)

	var kinds []message.Kind
	var specs []uint32
	for i := 0; i < 3; i++ {
		select {
		case msg := <-down:
			kinds = append(kinds, msg.Kind)
			if msg.Kind == message.KindMetadata {
				specs = append(specs, msg.Metadata.SpecVersion)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}

	require.Equal(t, []message.Kind{message.KindMetadata, message.KindMetadata, message.KindBatchBlock}, kinds)
	require.Equal(t, []uint32{1, 2}, specs)
}
