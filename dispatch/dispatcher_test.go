package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koushiro/substrate-archive-go/chain"
	"github.com/koushiro/substrate-archive-go/dispatch"
	"github.com/koushiro/substrate-archive-go/dispatch/dispatchtest"
	"github.com/koushiro/substrate-archive-go/message"
	"github.com/koushiro/substrate-archive-go/store"
)

func TestDispatcher_FanOutToAllSubscribers(t *testing.T) {
	d := dispatch.New()
	a := dispatchtest.New("a")
	b := dispatchtest.New("b")
	d.Add(a, 0, 0)
	d.Add(b, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	msg := message.NewBlock(store.BlockRecord{BlockNum: 5}, chain.StorageDelta{})
	d.Mailbox() <- msg

	require.Eventually(t, func() bool { return a.Count() == 1 && b.Count() == 1 }, time.Second, time.Millisecond)
}

func TestDispatcher_FailingSubscriberDoesNotBlockOthers(t *testing.T) {
	d := dispatch.New()
	bad := dispatchtest.New("bad")
	bad.AlwaysFail = true
	good := dispatchtest.New("good")
	d.Add(bad, 0, 0)
	d.Add(good, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	for i := 0; i < 10; i++ {
		d.Mailbox() <- message.NewBlock(store.BlockRecord{BlockNum: chain.BlockNumber(i)}, chain.StorageDelta{})
	}

	require.Eventually(t, func() bool { return good.Count() == 10 }, time.Second, time.Millisecond)
	require.Equal(t, 0, bad.Count())
}

func TestDispatcher_DieStopsDispatchLoop(t *testing.T) {
	d := dispatch.New()
	sub := dispatchtest.New("only")
	d.Add(sub, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	d.Mailbox() <- message.NewBlock(store.BlockRecord{BlockNum: 1}, chain.StorageDelta{})
	require.Eventually(t, func() bool { return sub.Count() == 1 }, time.Second, time.Millisecond)

	// Die is itself fanned out to subscribers before the loop exits.
	d.Mailbox() <- message.Die
	require.Eventually(t, func() bool { return sub.Count() == 2 }, time.Second, time.Millisecond)

	// Once the loop has stopped, later messages are never delivered.
	d.Mailbox() <- message.NewBlock(store.BlockRecord{BlockNum: 2}, chain.StorageDelta{})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, sub.Count())
}
