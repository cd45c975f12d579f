// Package storetest provides an in-memory store.Sink fake used by the
// scheduler, metadata gate, ingest, and tracker tests.
package storetest

import (
	"context"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/koushiro/substrate-archive-go/chain"
	"github.com/koushiro/substrate-archive-go/store"
)

// Sink is a goroutine-safe, in-memory store.Sink.
type Sink struct {
	mu sync.Mutex

	metadata  map[uint32]store.MetadataRecord
	blocks    map[chain.BlockNumber]store.BlockRecord
	main      map[chain.BlockNumber]map[string]store.MainStorageChange
	child     map[chain.BlockNumber]map[string]store.ChildStorageChange
	best      *store.BestBlock
	finalized *store.FinalizedBlock
	catchup   bool

	// DeleteCalls records every DeleteWhereBlockGt argument, in order,
	// for assertions in reorg tests.
	DeleteCalls []chain.BlockNumber
}

// New returns an empty fake sink.
func New() *Sink {
	return &Sink{
		metadata: make(map[uint32]store.MetadataRecord),
		blocks:   make(map[chain.BlockNumber]store.BlockRecord),
		main:     make(map[chain.BlockNumber]map[string]store.MainStorageChange),
		child:    make(map[chain.BlockNumber]map[string]store.ChildStorageChange),
	}
}

func (s *Sink) InsertMetadata(ctx context.Context, rec store.MetadataRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[rec.SpecVersion] = rec
	return 1, nil
}

func (s *Sink) InsertBlock(ctx context.Context, rec store.BlockRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.metadata[rec.SpecVersion]; !ok {
		return 0, store.ErrMetadataMissing
	}
	s.blocks[rec.BlockNum] = rec
	return 1, nil
}

func (s *Sink) InsertBlocks(ctx context.Context, recs []store.BlockRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		if _, ok := s.metadata[rec.SpecVersion]; !ok {
			return 0, store.ErrMetadataMissing
		}
	}
	for _, rec := range recs {
		s.blocks[rec.BlockNum] = rec
	}
	return int64(len(recs)), nil
}

func (s *Sink) InsertMainStorage(ctx context.Context, changes []store.MainStorageChange) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range changes {
		m, ok := s.main[c.BlockNum]
		if !ok {
			m = make(map[string]store.MainStorageChange)
			s.main[c.BlockNum] = m
		}
		m[string(c.Key)] = c
	}
	return int64(len(changes)), nil
}

func (s *Sink) InsertChildStorage(ctx context.Context, changes []store.ChildStorageChange) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range changes {
		m, ok := s.child[c.BlockNum]
		if !ok {
			m = make(map[string]store.ChildStorageChange)
			s.child[c.BlockNum] = m
		}
		m[string(c.PrefixKey)+"|"+string(c.Key)] = c
	}
	return int64(len(changes)), nil
}

func (s *Sink) InsertBest(ctx context.Context, b store.BestBlock) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.best = &b
	return 1, nil
}

func (s *Sink) InsertFinalized(ctx context.Context, f store.FinalizedBlock) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = &f
	return 1, nil
}

func (s *Sink) MaxBlockNum(ctx context.Context) (chain.BlockNumber, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.blocks) == 0 {
		return 0, false, nil
	}
	var max chain.BlockNumber
	first := true
	for n := range s.blocks {
		if first || n > max {
			max = n
			first = false
		}
	}
	return max, true, nil
}

func (s *Sink) Best(ctx context.Context) (chain.BlockNumber, chain.Hash, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.best == nil {
		return 0, chain.Hash{}, false, nil
	}
	return s.best.BlockNum, s.best.BlockHash, true, nil
}

func (s *Sink) Finalized(ctx context.Context) (chain.BlockNumber, chain.Hash, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized == nil {
		return 0, chain.Hash{}, false, nil
	}
	return s.finalized.BlockNum, s.finalized.BlockHash, true, nil
}

func (s *Sink) MetadataExists(ctx context.Context, specVersion uint32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.metadata[specVersion]
	return ok, nil
}

func (s *Sink) AllMetadataVersions(ctx context.Context) (mapset.Set[uint32], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := mapset.NewThreadUnsafeSet[uint32]()
	for v := range s.metadata {
		set.Add(v)
	}
	return set, nil
}

func (s *Sink) DeleteWhereBlockGt(ctx context.Context, n chain.BlockNumber) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeleteCalls = append(s.DeleteCalls, n)
	var affected int64
	for height := range s.blocks {
		if height > n {
			delete(s.blocks, height)
			delete(s.main, height)
			delete(s.child, height)
			affected++
		}
	}
	for version, rec := range s.metadata {
		if rec.BlockNum > n {
			delete(s.metadata, version)
			affected++
		}
	}
	return affected, nil
}

func (s *Sink) SetCatchupFinalized(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catchup = true
	return nil
}

func (s *Sink) CatchupFinalized(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catchup, nil
}

func (s *Sink) Bootstrap(ctx context.Context) error { return nil }

func (s *Sink) Close() {}

// Blocks returns a snapshot copy of stored blocks, for test assertions.
func (s *Sink) Blocks() map[chain.BlockNumber]store.BlockRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[chain.BlockNumber]store.BlockRecord, len(s.blocks))
	for k, v := range s.blocks {
		out[k] = v
	}
	return out
}

// MainStorageFor returns a snapshot of main-storage rows at a height.
func (s *Sink) MainStorageFor(n chain.BlockNumber) []store.MainStorageChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.MainStorageChange
	for _, c := range s.main[n] {
		out = append(out, c)
	}
	return out
}
