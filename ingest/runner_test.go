package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koushiro/substrate-archive-go/chain"
	"github.com/koushiro/substrate-archive-go/ingest"
	"github.com/koushiro/substrate-archive-go/message"
	"github.com/koushiro/substrate-archive-go/store"
	"github.com/koushiro/substrate-archive-go/store/storetest"
)

func TestRunner_PersistsThenForwardsBlock(t *testing.T) {
	sink := storetest.New()
	down := make(chan message.Msg, 4)
	r := ingest.NewRunner(sink, down)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	_, err := sink.InsertMetadata(ctx, store.MetadataRecord{SpecVersion: 1})
	require.NoError(t, err)

	rec := store.BlockRecord{SpecVersion: 1, BlockNum: 10}
	delta := chain.StorageDelta{Main: []chain.KeyValue{{Key: []byte("k"), Value: []byte("v")}}}
	r.Mailbox() <- message.NewBlock(rec, delta)

	require.Eventually(t, func() bool {
		_, ok := sink.Blocks()[10]
		return ok
	}, time.Second, time.Millisecond)

	select {
	case msg := <-down:
		require.Equal(t, message.KindBlock, msg.Kind)
		require.Equal(t, chain.BlockNumber(10), msg.Block.Record.BlockNum)
	case <-time.After(time.Second):
		t.Fatal("expected forwarded message")
	}

	require.Len(t, sink.MainStorageFor(10), 1)
}

func TestRunner_FinalizedNotForwardedBeforeCatchup(t *testing.T) {
	sink := storetest.New()
	down := make(chan message.Msg, 4)
	r := ingest.NewRunner(sink, down)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	r.Mailbox() <- message.NewFinalized(store.FinalizedBlock{BlockNum: 3})

	select {
	case <-down:
		t.Fatal("finalized message must not be forwarded before catch-up")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, r.SetCatchupFinalized(ctx))

	r.Mailbox() <- message.NewFinalized(store.FinalizedBlock{BlockNum: 4})
	select {
	case msg := <-down:
		require.Equal(t, message.KindFinalized, msg.Kind)
		require.Equal(t, chain.BlockNumber(4), msg.Finalized.BlockNum)
	case <-time.After(time.Second):
		t.Fatal("expected forwarded finalized message after catch-up")
	}
}

func TestRunner_MissingMetadataDoesNotForward(t *testing.T) {
	sink := storetest.New()
	down := make(chan message.Msg, 4)
	r := ingest.NewRunner(sink, down)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	r.Mailbox() <- message.NewBlock(store.BlockRecord{SpecVersion: 99, BlockNum: 1}, chain.StorageDelta{})

	select {
	case <-down:
		t.Fatal("block without matching metadata must not be forwarded")
	case <-time.After(50 * time.Millisecond):
	}
}
