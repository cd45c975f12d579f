// Package metadata implements the metadata gate: the pipeline stage
// that guarantees a Metadata row exists for a block's spec-version
// before the block itself reaches the durable sink (spec §4.4).
package metadata

import (
	"context"
	"fmt"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/koushiro/substrate-archive-go/chain"
	"github.com/koushiro/substrate-archive-go/log"
	"github.com/koushiro/substrate-archive-go/message"
	"github.com/koushiro/substrate-archive-go/metrics"
	"github.com/koushiro/substrate-archive-go/store"
)

// Downstream is the durable sink's mailbox.
type Downstream chan<- message.Msg

// cacheSizeBytes sizes the fastcache bucket; spec-version cardinality
// is tiny (dozens, not millions) over the life of a chain, so this is
// generously oversized rather than tuned.
const cacheSizeBytes = 4 << 20

// Gate is the metadata-gate actor. It owns a mailbox fed by the
// scheduler, and forwards onward to the durable sink only after the
// block's spec-version metadata is known to exist (or has been
// fetched and queued ahead of it).
type Gate struct {
	backend    chain.Backend
	existsIn   store.Sink
	downstream Downstream
	cache      *fastcache.Cache
	mailbox    chan message.Msg
	log        log.Logger
}

// New builds a Gate. existsIn is used only for its read-only
// MetadataExists check — the gate never writes through it; all writes
// flow downstream as Metadata messages so the durable sink remains the
// single writer.
func New(backend chain.Backend, existsIn store.Sink, downstream Downstream) *Gate {
	return &Gate{
		backend:    backend,
		existsIn:   existsIn,
		downstream: downstream,
		cache:      fastcache.New(cacheSizeBytes),
		mailbox:    make(chan message.Msg, 256),
		log:        log.New("component", "metadata-gate"),
	}
}

// Mailbox returns the channel the scheduler sends Block/BatchBlock
// messages into.
func (g *Gate) Mailbox() chan<- message.Msg { return g.mailbox }

// ResetCache drops every cached "metadata exists" entry. The scheduler
// calls this after a rollback (DeleteWhereBlockGt) that may have
// deleted a metadata row the cache still remembers as present — without
// this, a reorged-away spec-version introduced only in the discarded
// tail would stay cached as existing forever, and ensure would never
// re-fetch or re-forward it for the new fork, leaving the sink's
// metadata-precedes-block invariant broken for that height (spec §4.4,
// §8.1). Spec-version cardinality is tiny and rollbacks are rare, so a
// full reset rather than a per-key invalidation is the simpler correct
// choice here. fastcache.Cache is safe for concurrent use, so this may
// be called from the scheduler's goroutine while the gate's own
// goroutine is concurrently calling Has/Set in ensure.
func (g *Gate) ResetCache() {
	g.cache.Reset()
}

// Start runs the gate's receive loop until a Die message arrives or ctx
// is cancelled.
func (g *Gate) Start(ctx context.Context) {
	go g.run(ctx)
}

func (g *Gate) run(ctx context.Context) {
	defer g.forward(ctx, message.Die)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-g.mailbox:
			if msg.Kind == message.KindDie {
				return
			}
			if err := g.handle(ctx, msg); err != nil {
				g.log.Error("metadata gate: failed to admit message", "kind", msg.Kind.String(), "err", err)
				continue
			}
		}
	}
}

func (g *Gate) handle(ctx context.Context, msg message.Msg) error {
	switch msg.Kind {
	case message.KindBlock:
		if err := g.ensure(ctx, msg.Block.Record.SpecVersion, msg.Block.Record.BlockNum, msg.Block.Record.BlockHash); err != nil {
			return err
		}
		g.forward(ctx, msg)
		return nil

	case message.KindBatchBlock:
		// Distinct spec-versions in order of first appearance (spec
		// §4.4 "Batch path").
		seen := make(map[uint32]struct{})
		for _, b := range msg.BatchBlock {
			v := b.Record.SpecVersion
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			if err := g.ensure(ctx, v, b.Record.BlockNum, b.Record.BlockHash); err != nil {
				return err
			}
		}
		g.forward(ctx, msg)
		return nil

	default:
		// Finalized and Metadata messages pass through untouched; the
		// gate only mediates block admission.
		g.forward(ctx, msg)
		return nil
	}
}

// ensure guarantees a Metadata row exists for specVersion, fetching and
// forwarding one if necessary. blockNum/blockHash are the witnessing
// block used to construct a freshly-fetched record.
func (g *Gate) ensure(ctx context.Context, specVersion uint32, blockNum chain.BlockNumber, blockHash chain.Hash) error {
	key := cacheKey(specVersion)
	if g.cache.Has(key) {
		return nil
	}

	exists, err := g.existsIn.MetadataExists(ctx, specVersion)
	if err != nil {
		return fmt.Errorf("metadata gate: exists check: %w", err)
	}
	if exists {
		g.cache.Set(key, nil)
		return nil
	}

	meta, err := g.backend.RuntimeAPI().Metadata(ctx, chain.ByHash(blockHash))
	if err != nil {
		return fmt.Errorf("metadata gate: fetch metadata for spec %d: %w", specVersion, err)
	}
	metrics.MetadataFetches.Inc()

	rec := store.MetadataRecord{
		SpecVersion: specVersion,
		BlockNum:    blockNum,
		BlockHash:   blockHash,
		Meta:        meta,
	}
	g.forward(ctx, message.NewMetadata(rec))
	g.cache.Set(key, nil)
	return nil
}

func (g *Gate) forward(ctx context.Context, msg message.Msg) {
	select {
	case g.downstream <- msg:
	case <-ctx.Done():
	}
}

func cacheKey(specVersion uint32) []byte {
	return []byte{
		byte(specVersion >> 24), byte(specVersion >> 16),
		byte(specVersion >> 8), byte(specVersion),
	}
}
