// Package scheduler drives the whole indexing pipeline: it chooses the
// next block(s) to index, invokes the executor, detects forks on the
// live tip, rolls back on reorg, and switches between batch-catch-up,
// single-step-catching-up, and single-step-live modes (spec §4.6).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/koushiro/substrate-archive-go/chain"
	"github.com/koushiro/substrate-archive-go/executor"
	"github.com/koushiro/substrate-archive-go/log"
	"github.com/koushiro/substrate-archive-go/message"
	"github.com/koushiro/substrate-archive-go/metrics"
	"github.com/koushiro/substrate-archive-go/store"
	"github.com/koushiro/substrate-archive-go/supervisor"
)

// Downstream is the metadata gate's mailbox.
type Downstream chan<- message.Msg

// CatchupSignaler lets the scheduler raise the durable sink's one-way
// catch-up flag once curr_block overtakes the finalized tip, without
// scheduler depending on the ingest package directly (ingest already
// depends on message and store; scheduler would otherwise need to know
// about ingest.Runner's concrete type for no other reason).
type CatchupSignaler interface {
	SetCatchupFinalized(ctx context.Context) error
}

// MetadataCache lets the scheduler invalidate the metadata gate's
// existence cache after a rollback deletes metadata rows, so a
// spec-version the gate has already cached as present isn't trusted
// forever once a reorg removes its witnessing block (spec §4.4).
type MetadataCache interface {
	ResetCache()
}

// Config holds the scheduler's tunables (spec §4.6, §6 "external
// interfaces").
type Config struct {
	MaxBlockLoad int
	Interval     time.Duration
	StartBlock   *chain.BlockNumber
}

// Scheduler is the pipeline driver actor.
type Scheduler struct {
	backend    chain.Backend
	sink       store.Sink
	pool       *executor.Pool
	downstream Downstream
	catchup    CatchupSignaler
	metaCache  MetadataCache
	cfg        Config
	log        log.Logger

	currBlock        chain.BlockNumber
	catchupFinalized bool
	queue            headerQueue
}

// New builds a Scheduler. Call Init before Start.
func New(backend chain.Backend, sink store.Sink, downstream Downstream, catchup CatchupSignaler, metaCache MetadataCache, cfg Config) *Scheduler {
	if cfg.MaxBlockLoad < 1 {
		cfg.MaxBlockLoad = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	return &Scheduler{
		backend:    backend,
		sink:       sink,
		pool:       executor.NewPool(backend, cfg.MaxBlockLoad),
		downstream: downstream,
		catchup:    catchup,
		metaCache:  metaCache,
		cfg:        cfg,
		log:        log.New("component", "scheduler"),
	}
}

// Init runs the initialization sequence: resume from the sink's stored
// tip, or bootstrap genesis if the sink is empty (spec §4.6
// "Initialization").
func (s *Scheduler) Init(ctx context.Context) error {
	finalizedNum, _, _, err := s.sink.Finalized(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: init: read finalized: %w", err)
	}

	maxBlock, ok, err := s.sink.MaxBlockNum(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: init: read max block: %w", err)
	}

	if !ok {
		if err := s.bootstrapGenesis(ctx); err != nil {
			return err
		}
		s.currBlock = 0
	} else {
		resume := minBlock(maxBlock, finalizedNum)
		if s.cfg.StartBlock != nil && *s.cfg.StartBlock < resume {
			resume = *s.cfg.StartBlock
		}
		if _, err := s.sink.DeleteWhereBlockGt(ctx, resume); err != nil {
			return fmt.Errorf("scheduler: init: discard ahead of resume point: %w", err)
		}
		s.metaCache.ResetCache()
		s.currBlock = resume
	}

	header, ok, err := s.backend.Header(ctx, chain.ByNumber(s.currBlock))
	if err != nil {
		return fmt.Errorf("scheduler: init: fetch resume header: %w", err)
	}
	if !ok {
		return fmt.Errorf("scheduler: init: backend has no header at resume height %d", s.currBlock)
	}
	blk, _, err := s.backend.Block(ctx, chain.ByNumber(s.currBlock))
	if err != nil {
		return fmt.Errorf("scheduler: init: fetch resume block: %w", err)
	}
	s.queue.reset(queueEntry{Number: s.currBlock, Header: header, Hash: blk.Hash})
	s.catchupFinalized = false
	metrics.CurrentBlockNumber.Set(float64(s.currBlock))
	return nil
}

func (s *Scheduler) bootstrapGenesis(ctx context.Context) error {
	delta, err := s.backend.GenesisStorage(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: init: genesis storage: %w", err)
	}
	version, err := s.backend.RuntimeAPI().Version(ctx, chain.ByNumber(0))
	if err != nil {
		return fmt.Errorf("scheduler: init: genesis runtime version: %w", err)
	}
	blk, ok, err := s.backend.Block(ctx, chain.ByNumber(0))
	if err != nil {
		return fmt.Errorf("scheduler: init: genesis block: %w", err)
	}
	if !ok {
		return fmt.Errorf("scheduler: init: backend has no genesis block")
	}

	rec := store.BlockRecord{
		SpecVersion:    version.SpecVersion,
		BlockNum:       0,
		BlockHash:      blk.Hash,
		ParentHash:     blk.Header.ParentHash,
		StateRoot:      blk.Header.StateRoot,
		ExtrinsicsRoot: blk.Header.ExtrinsicsRoot,
		Digest:         blk.Header.Digest.Encode(),
	}
	s.forward(ctx, message.NewBlock(rec, delta))
	return nil
}

// Start runs the tick loop until ctx is cancelled, sleeping cfg.Interval
// after any tick that finds no new live block.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.forward(context.Background(), message.Die)
			return
		default:
		}
		sleep := s.tick(ctx)
		if sleep {
			select {
			case <-ctx.Done():
				s.forward(context.Background(), message.Die)
				return
			case <-time.After(s.cfg.Interval):
			}
		}
	}
}

// tick runs one scheduling decision. It returns true when the caller
// should sleep cfg.Interval before the next tick (the live tip has no
// new block yet).
func (s *Scheduler) tick(ctx context.Context) bool {
	finalizedNum, _, _, err := s.sink.Finalized(ctx)
	if err != nil {
		s.log.Error("scheduler: read finalized failed", "err", err)
		return true
	}

	if s.queue.front().Number != finalizedNum {
		if err := s.advanceFinalizedFrontier(ctx, finalizedNum); err != nil {
			s.log.Error("scheduler: advance finalized frontier failed", "err", err)
			return true
		}
	}

	if !s.catchupFinalized && s.currBlock > finalizedNum {
		s.catchupFinalized = true
		if err := s.catchup.SetCatchupFinalized(ctx); err != nil {
			s.log.Error("scheduler: signal catch-up finalized failed", "err", err)
		}
		metrics.CatchupFinalized.Set(1)
	}

	switch {
	case s.currBlock+chain.BlockNumber(s.cfg.MaxBlockLoad) <= finalizedNum:
		if err := s.batchCatchUp(ctx); err != nil {
			s.log.Error("scheduler: batch catch-up tick failed", "err", err)
		}
		return false
	case s.currBlock < finalizedNum:
		if err := s.singleStepCatchingUp(ctx); err != nil {
			s.log.Error("scheduler: single-step-catching-up tick failed", "err", err)
		}
		return false
	default:
		return s.singleStepLive(ctx)
	}
}

func (s *Scheduler) advanceFinalizedFrontier(ctx context.Context, finalizedNum chain.BlockNumber) error {
	header, ok, err := s.backend.Header(ctx, chain.ByNumber(finalizedNum))
	if err != nil || !ok {
		return fmt.Errorf("fetch header at finalized height %d: %w", finalizedNum, err)
	}
	blk, _, err := s.backend.Block(ctx, chain.ByNumber(finalizedNum))
	if err != nil {
		return err
	}
	s.queue.upsertFront(finalizedNum, header, blk.Hash)
	s.queue.retainFrom(finalizedNum)
	return nil
}

// batchCatchUp submits cfg.MaxBlockLoad block-execution requests in
// parallel and forwards them as a single BatchBlock message (spec §4.6
// "Batch-catch-up").
func (s *Scheduler) batchCatchUp(ctx context.Context) error {
	n := chain.BlockNumber(s.cfg.MaxBlockLoad)
	blocks := make([]chain.SignedBlock, 0, n)
	for h := s.currBlock + 1; h <= s.currBlock+n; h++ {
		blk, ok, err := s.backend.Block(ctx, chain.ByNumber(h))
		if err != nil {
			return fmt.Errorf("batch catch-up: fetch block %d: %w", h, err)
		}
		if !ok {
			return fmt.Errorf("batch catch-up: block %d must exist but backend has none", h)
		}
		blocks = append(blocks, blk)
	}

	results, err := s.pool.ExecuteBatch(ctx, blocks)
	if err != nil {
		s.log.Error("scheduler: batch execution aborted", "from", s.currBlock+1, "count", len(blocks), "err", err)
		return err
	}

	// Batch heights are all at or below the finalized tip, trusted not
	// to fork; they are not tracked in the fork-detection queue, which
	// only anchors the finalized frontier (step 2 of each tick) until
	// curr_block reaches live territory.
	payloads := make([]message.BlockPayload, len(results))
	for i, r := range results {
		rec, err := s.buildBlockRecord(ctx, r.Block)
		if err != nil {
			return err
		}
		payloads[i] = message.BlockPayload{Record: rec, Delta: r.Delta}
	}

	s.forward(ctx, message.NewBatchBlock(payloads))
	s.currBlock += n
	metrics.CurrentBlockNumber.Set(float64(s.currBlock))
	metrics.BlocksIndexed.Add(float64(len(payloads)))
	return nil
}

// singleStepCatchingUp executes just the next height, which is known
// to be at or below the finalized tip (spec §4.6
// "Single-step-catching-up").
func (s *Scheduler) singleStepCatchingUp(ctx context.Context) error {
	h := s.currBlock + 1
	blk, ok, err := s.backend.Block(ctx, chain.ByNumber(h))
	if err != nil {
		return fmt.Errorf("single-step-catching-up: fetch block %d: %w", h, err)
	}
	if !ok {
		return fmt.Errorf("single-step-catching-up: block %d must exist but backend has none", h)
	}
	delta, err := executor.Execute(ctx, s.backend, blk)
	if err != nil {
		return err
	}
	rec, err := s.buildBlockRecord(ctx, blk)
	if err != nil {
		return err
	}
	s.forward(ctx, message.NewBlock(rec, delta))
	// Not tracked in the fork-detection queue: see batchCatchUp.
	s.currBlock = blk.Header.Number
	metrics.CurrentBlockNumber.Set(float64(s.currBlock))
	metrics.BlocksIndexed.Inc()
	return nil
}

// singleStepLive executes the live tip's next block, detecting and
// resolving a reorg if the backend's next block no longer extends the
// queue's tracked tip (spec §4.6 "Single-step-live"). It returns true
// when the caller should sleep because no new block is available yet.
func (s *Scheduler) singleStepLive(ctx context.Context) bool {
	h := s.currBlock + 1
	blk, ok, err := s.backend.Block(ctx, chain.ByNumber(h))
	if err != nil {
		s.log.Error("scheduler: fetch live block failed", "height", h, "err", err)
		return true
	}
	if !ok {
		return true
	}

	if blk.Header.ParentHash == s.queue.back().Hash {
		if err := s.executeAndAdvance(ctx, blk); err != nil {
			s.log.Error("scheduler: live execution failed", "height", h, "err", err)
		}
		return false
	}

	s.resolveReorg(ctx)
	return false
}

// resolveReorg walks the queue back one block at a time, deleting the
// discarded tail from the sink, until the backend's tip at curr_block+1
// once again extends the queue's back entry (spec §4.6 "Reorg
// handling").
func (s *Scheduler) resolveReorg(ctx context.Context) {
	metrics.ReorgsHandled.Inc()
	for {
		finalized := s.queue.front().Number

		if s.currBlock <= finalized {
			s.rebuildAtFinalized(ctx, finalized)
			return
		}

		for s.queue.len() > 1 && s.queue.back().Number >= s.currBlock {
			s.queue.popBack()
		}
		s.currBlock--
		if _, err := s.sink.DeleteWhereBlockGt(ctx, s.currBlock); err != nil {
			s.log.Error("scheduler: reorg rollback failed", "rollback_to", s.currBlock, "err", err)
			return
		}
		s.metaCache.ResetCache()
		metrics.CurrentBlockNumber.Set(float64(s.currBlock))

		blk, ok, err := s.backend.Block(ctx, chain.ByNumber(s.currBlock+1))
		if err != nil {
			s.log.Error("scheduler: reorg re-check failed", "height", s.currBlock+1, "err", err)
			return
		}
		if !ok {
			return
		}
		if blk.Header.ParentHash == s.queue.back().Hash {
			return
		}
		s.log.Warn("scheduler: reorg walking back further", "curr_block", s.currBlock)
	}
}

// rebuildAtFinalized is reached only when a reorg has eaten into what
// was believed to be the finalized frontier — a condition the backend
// is never supposed to produce, since finality is meant to be
// irreversible. The indexer cannot tell how far the inconsistency
// extends, so it exits rather than silently rebuilding the queue from
// a single, possibly still-wrong, header.
func (s *Scheduler) rebuildAtFinalized(ctx context.Context, finalized chain.BlockNumber) {
	supervisor.Fatal("scheduler: reorg reached the finalized frontier, refusing to proceed", "finalized", finalized, "curr_block", s.currBlock)
}

func (s *Scheduler) executeAndAdvance(ctx context.Context, blk chain.SignedBlock) error {
	delta, err := executor.Execute(ctx, s.backend, blk)
	if err != nil {
		return err
	}
	rec, err := s.buildBlockRecord(ctx, blk)
	if err != nil {
		return err
	}
	s.forward(ctx, message.NewBlock(rec, delta))
	s.queue.pushBack(queueEntry{Number: blk.Header.Number, Header: blk.Header, Hash: blk.Hash})
	s.currBlock = blk.Header.Number
	metrics.CurrentBlockNumber.Set(float64(s.currBlock))
	metrics.BlocksIndexed.Inc()
	return nil
}

func (s *Scheduler) buildBlockRecord(ctx context.Context, blk chain.SignedBlock) (store.BlockRecord, error) {
	version, err := s.backend.RuntimeAPI().Version(ctx, chain.ByHash(blk.Hash))
	if err != nil {
		return store.BlockRecord{}, fmt.Errorf("runtime version at block %d: %w", blk.Header.Number, err)
	}
	return store.BlockRecord{
		SpecVersion:      version.SpecVersion,
		BlockNum:         blk.Header.Number,
		BlockHash:        blk.Hash,
		ParentHash:       blk.Header.ParentHash,
		StateRoot:        blk.Header.StateRoot,
		ExtrinsicsRoot:   blk.Header.ExtrinsicsRoot,
		Digest:           blk.Header.Digest.Encode(),
		Extrinsics:       blk.Extrinsics,
		Justifications:   blk.Justifications,
		HasJustification: blk.HasJustification,
	}, nil
}

func (s *Scheduler) forward(ctx context.Context, msg message.Msg) {
	select {
	case s.downstream <- msg:
	case <-ctx.Done():
	}
}

func minBlock(a, b chain.BlockNumber) chain.BlockNumber {
	if a < b {
		return a
	}
	return b
}
