// Package tracker implements the best/finalized tracker: a periodic
// poller that mirrors the backend's chain tips into the durable sink
// (spec §4.5).
package tracker

import (
	"context"
	"time"

	"github.com/koushiro/substrate-archive-go/chain"
	"github.com/koushiro/substrate-archive-go/log"
	"github.com/koushiro/substrate-archive-go/metrics"
	"github.com/koushiro/substrate-archive-go/store"
)

// DefaultInterval is the poll period used when configuration doesn't
// override it.
const DefaultInterval = 1000 * time.Millisecond

// Tracker polls backend.Info on a fixed interval and records any
// change in the best or finalized tip to sink.
type Tracker struct {
	backend  chain.Backend
	sink     store.Sink
	interval time.Duration
	log      log.Logger

	bestNum   chain.BlockNumber
	bestHash  chain.Hash
	finalNum  chain.BlockNumber
	finalHash chain.Hash
}

// New builds a Tracker. interval <= 0 falls back to DefaultInterval.
func New(backend chain.Backend, sink store.Sink, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Tracker{
		backend:  backend,
		sink:     sink,
		interval: interval,
		log:      log.New("component", "tracker"),
	}
}

// Start seeds the tracker from the sink's current singletons and runs
// the poll loop until ctx is cancelled.
func (t *Tracker) Start(ctx context.Context) error {
	if err := t.seed(ctx); err != nil {
		return err
	}
	go t.run(ctx)
	return nil
}

func (t *Tracker) seed(ctx context.Context) error {
	if n, h, ok, err := t.sink.Best(ctx); err != nil {
		return err
	} else if ok {
		t.bestNum, t.bestHash = n, h
	}
	if n, h, ok, err := t.sink.Finalized(ctx); err != nil {
		return err
	} else if ok {
		t.finalNum, t.finalHash = n, h
	}
	return nil
}

func (t *Tracker) run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.poll(ctx); err != nil {
				t.log.Error("tracker: poll failed", "err", err)
			}
		}
	}
}

// poll queries the backend once and persists any changed tip. A change
// is num > stored_num, or equal num with a different hash — the latter
// catches a same-height reorg at the tip (spec §4.5).
func (t *Tracker) poll(ctx context.Context) error {
	info, err := t.backend.Info(ctx)
	if err != nil {
		return err
	}

	if changed(t.bestNum, t.bestHash, info.BestNumber, info.BestHash) {
		if _, err := t.sink.InsertBest(ctx, store.BestBlock{BlockNum: info.BestNumber, BlockHash: info.BestHash}); err != nil {
			return err
		}
		t.bestNum, t.bestHash = info.BestNumber, info.BestHash
		metrics.BestBlockNumber.Set(float64(info.BestNumber))
	}

	if changed(t.finalNum, t.finalHash, info.FinalizedNumber, info.FinalizedHash) {
		f := store.FinalizedBlock{
			BlockNum:    info.FinalizedNumber,
			BlockHash:   info.FinalizedHash,
			TimestampMs: time.Now().UnixMilli(),
		}
		if _, err := t.sink.InsertFinalized(ctx, f); err != nil {
			return err
		}
		t.finalNum, t.finalHash = info.FinalizedNumber, info.FinalizedHash
		metrics.FinalizedBlockNumber.Set(float64(info.FinalizedNumber))
	}

	return nil
}

func changed(storedNum chain.BlockNumber, storedHash chain.Hash, num chain.BlockNumber, hash chain.Hash) bool {
	return num > storedNum || (num == storedNum && hash != storedHash)
}
