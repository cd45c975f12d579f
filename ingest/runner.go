// Package ingest hosts the durable-sink actor: the pipeline stage that
// sits between the metadata gate and the dispatcher, persisting every
// message through a store.Sink before forwarding it on (spec §4.2,
// §4.3). It is a separate package from store so that store stays a
// pure persistence contract with no dependency on the message
// tagged-union (message itself imports store for its row types, so
// store importing message back would cycle).
package ingest

import (
	"context"
	"fmt"

	"github.com/koushiro/substrate-archive-go/chain"
	"github.com/koushiro/substrate-archive-go/log"
	"github.com/koushiro/substrate-archive-go/message"
	"github.com/koushiro/substrate-archive-go/store"
)

// Downstream is the subset of dispatch.Dispatcher the Runner needs: a
// channel to forward durably-written messages into.
type Downstream chan<- message.Msg

// Runner is the durable-sink actor: it owns a mailbox, persists every
// message it receives via a store.Sink, and — strictly after a
// successful write — forwards the message to an optional Downstream
// for fan-out. Finalized messages are persisted unconditionally but
// only forwarded once the one-way catch-up signal has been raised
// (spec §4.2).
type Runner struct {
	sink       store.Sink
	downstream Downstream
	mailbox    chan message.Msg
	catchupCh  chan chan struct{}
	log        log.Logger

	// catchup is owned exclusively by run's goroutine; it is only ever
	// flipped from inside that goroutine, via the catchupCh handshake in
	// SetCatchupFinalized, so no synchronization primitive guards it.
	catchup bool
}

// NewRunner wraps sink as an actor. downstream may be nil, in which case
// the sink silently skips fan-out (spec §4.3: "The dispatcher is
// optional").
func NewRunner(sink store.Sink, downstream Downstream) *Runner {
	return &Runner{
		sink:       sink,
		downstream: downstream,
		mailbox:    make(chan message.Msg, 256),
		catchupCh:  make(chan chan struct{}),
		log:        log.New("component", "sink"),
	}
}

// Mailbox returns the channel upstream actors (the metadata gate) send
// messages into.
func (r *Runner) Mailbox() chan<- message.Msg { return r.mailbox }

// Start runs the receive loop until a Die message arrives or ctx is
// cancelled.
func (r *Runner) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *Runner) run(ctx context.Context) {
	defer r.forward(ctx, message.Die)
	for {
		select {
		case <-ctx.Done():
			return
		case done := <-r.catchupCh:
			r.catchup = true
			close(done)
		case msg := <-r.mailbox:
			if msg.Kind == message.KindDie {
				return
			}
			if err := r.handle(ctx, msg); err != nil {
				r.log.Error("sink: failed to persist message", "kind", msg.Kind.String(), "err", err)
			}
		}
	}
}

func (r *Runner) handle(ctx context.Context, msg message.Msg) error {
	switch msg.Kind {
	case message.KindMetadata:
		if _, err := r.sink.InsertMetadata(ctx, msg.Metadata); err != nil {
			return fmt.Errorf("insert metadata: %w", err)
		}
		r.forward(ctx, msg)
		return nil

	case message.KindBlock:
		if err := r.persistBlock(ctx, msg.Block); err != nil {
			return err
		}
		r.forward(ctx, msg)
		return nil

	case message.KindBatchBlock:
		if err := r.persistBatch(ctx, msg.BatchBlock); err != nil {
			return err
		}
		r.forward(ctx, msg)
		return nil

	case message.KindFinalized:
		if _, err := r.sink.InsertFinalized(ctx, msg.Finalized); err != nil {
			return fmt.Errorf("insert finalized: %w", err)
		}
		if r.catchup {
			r.forward(ctx, msg)
		}
		return nil

	default:
		return fmt.Errorf("sink: unknown message kind %v", msg.Kind)
	}
}

func (r *Runner) persistBlock(ctx context.Context, b message.BlockPayload) error {
	if _, err := r.sink.InsertBlock(ctx, b.Record); err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return r.persistDelta(ctx, b.Record, b.Delta)
}

func (r *Runner) persistBatch(ctx context.Context, blocks []message.BlockPayload) error {
	recs := make([]store.BlockRecord, len(blocks))
	for i, b := range blocks {
		recs[i] = b.Record
	}
	if _, err := r.sink.InsertBlocks(ctx, recs); err != nil {
		return fmt.Errorf("insert blocks: %w", err)
	}
	for _, b := range blocks {
		if err := r.persistDelta(ctx, b.Record, b.Delta); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) persistDelta(ctx context.Context, rec store.BlockRecord, delta chain.StorageDelta) error {
	if len(delta.Main) > 0 {
		changes := make([]store.MainStorageChange, len(delta.Main))
		for i, kv := range delta.Main {
			changes[i] = store.MainStorageChange{
				BlockNum:  rec.BlockNum,
				BlockHash: rec.BlockHash,
				Prefix:    prefixOf(kv.Key),
				Key:       kv.Key,
				Data:      kv.Value,
			}
		}
		if _, err := r.sink.InsertMainStorage(ctx, changes); err != nil {
			return fmt.Errorf("insert main storage: %w", err)
		}
	}
	for _, child := range delta.Child {
		if len(child.Changes) == 0 {
			continue
		}
		changes := make([]store.ChildStorageChange, len(child.Changes))
		for i, kv := range child.Changes {
			changes[i] = store.ChildStorageChange{
				BlockNum:  rec.BlockNum,
				BlockHash: rec.BlockHash,
				PrefixKey: child.PrefixedKey,
				Key:       kv.Key,
				Data:      kv.Value,
			}
		}
		if _, err := r.sink.InsertChildStorage(ctx, changes); err != nil {
			return fmt.Errorf("insert child storage: %w", err)
		}
	}
	return nil
}

// forward pushes msg to the downstream dispatcher, if any. It never
// blocks indefinitely: the downstream mailbox is expected to be
// buffered and consumed promptly by the dispatcher's own actor loop.
func (r *Runner) forward(ctx context.Context, msg message.Msg) {
	if r.downstream == nil {
		return
	}
	select {
	case r.downstream <- msg:
	case <-ctx.Done():
	}
}

// SetCatchupFinalized raises the one-way catch-up signal in the sink,
// then hands a control message to run's goroutine over catchupCh and
// blocks until that goroutine has flipped r.catchup itself — r.catchup
// is run's exclusive state, never written from the caller's goroutine
// (spec §4.2; SPEC_FULL §5 "each actor owns its state exclusively").
// Blocking until the handshake completes also guarantees the ordering
// spec §5 requires: no Finalized message sent to the mailbox after this
// call returns can be read by run before catchup is set.
func (r *Runner) SetCatchupFinalized(ctx context.Context) error {
	if err := r.sink.SetCatchupFinalized(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	select {
	case r.catchupCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wellKnownPrefixes are keys whose prefix equals the key itself rather
// than the key's first 16 bytes (spec §9 "Storage prefix
// derivation").
var wellKnownPrefixes = map[string]struct{}{
	":code":                  {},
	":heappages":             {},
	":extrinsic_index":       {},
	":childstorage:default:": {},
	":grandpa_authorities":   {},
}

const prefixLen = 16

func prefixOf(key []byte) []byte {
	if _, ok := wellKnownPrefixes[string(key)]; ok {
		return key
	}
	for wk := range wellKnownPrefixes {
		if len(wk) > 0 && wk[len(wk)-1] == ':' && len(key) >= len(wk) && string(key[:len(wk)]) == wk {
			return key
		}
	}
	if len(key) <= prefixLen {
		return key
	}
	return key[:prefixLen]
}
