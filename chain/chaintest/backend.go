// Package chaintest provides an in-memory fake chain.Backend for tests of
// the indexing pipeline, standing in for the real (out-of-scope)
// Substrate node backend.
package chaintest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/koushiro/substrate-archive-go/chain"
)

// Block is one fake chain block: a header/hash pair plus the storage
// delta the fake runtime "produces" when executing it.
type Block struct {
	Header chain.Header
	Hash   chain.Hash
	Delta  chain.StorageDelta
	Spec   uint32
}

// Backend is a deterministic, in-memory chain.Backend. Blocks are keyed
// by height; forks are modelled by overwriting a height with a new Block
// whose ParentHash differs from the previous occupant's Hash.
type Backend struct {
	mu          sync.Mutex
	blocks      map[chain.BlockNumber]Block
	best        chain.BlockNumber
	finalized   chain.BlockNumber
	genesis     chain.StorageDelta
	metaByHash  map[chain.Hash][]byte
	execFailAt  map[chain.BlockNumber]bool
}

// New creates an empty fake backend seeded with a genesis block at
// height 0.
func New() *Backend {
	b := &Backend{
		blocks:     make(map[chain.BlockNumber]Block),
		metaByHash: make(map[chain.Hash][]byte),
		execFailAt: make(map[chain.BlockNumber]bool),
	}
	genesisHash := heightHash(0, nil)
	b.blocks[0] = Block{
		Header: chain.Header{Number: 0, StateRoot: genesisHash},
		Hash:   genesisHash,
		Spec:   1,
	}
	b.genesis = chain.StorageDelta{
		Main: []chain.KeyValue{{Key: []byte(":code"), Value: []byte("genesis-wasm")}},
	}
	b.metaByHash[genesisHash] = []byte("meta-v1")
	return b
}

// heightHash derives a deterministic fake hash from a height and an
// optional seed, so reorg scenarios can produce a distinct hash for the
// "same" height.
func heightHash(n chain.BlockNumber, seed []byte) chain.Hash {
	h := sha256.New()
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(n))
	h.Write(buf[:])
	h.Write(seed)
	sum := h.Sum(nil)
	return chain.BytesToHash(sum)
}

// Extend appends a new canonical block on top of the current best,
// executing to the given spec version and storage delta.
func (b *Backend) Extend(spec uint32, delta chain.StorageDelta) Block {
	b.mu.Lock()
	defer b.mu.Unlock()

	parent := b.blocks[b.best]
	num := b.best + 1
	hash := heightHash(num, nil)
	blk := Block{
		Header: chain.Header{ParentHash: parent.Hash, Number: num, StateRoot: hash},
		Hash:   hash,
		Delta:  delta,
		Spec:   spec,
	}
	b.blocks[num] = blk
	b.best = num
	b.metaByHash[hash] = []byte(fmt.Sprintf("meta-v%d", spec))
	return blk
}

// Fork replaces the block at height num with a new one carrying a
// different hash and the given parentHash as its parent, simulating a
// non-finalized reorg.
func (b *Backend) Fork(num chain.BlockNumber, parentHash chain.Hash, spec uint32, delta chain.StorageDelta) Block {
	b.mu.Lock()
	defer b.mu.Unlock()

	hash := heightHash(num, []byte("fork"))
	blk := Block{
		Header: chain.Header{ParentHash: parentHash, Number: num, StateRoot: hash},
		Hash:   hash,
		Delta:  delta,
		Spec:   spec,
	}
	b.blocks[num] = blk
	if num > b.best {
		b.best = num
	} else {
		// Truncate anything above the fork point that referenced the
		// old fork; callers re-Extend from here.
		for h := num + 1; h <= b.best; h++ {
			delete(b.blocks, h)
		}
		b.best = num
	}
	b.metaByHash[hash] = []byte(fmt.Sprintf("meta-v%d", spec))
	return blk
}

// Finalize advances the finalized height to num. num must already exist.
func (b *Backend) Finalize(num chain.BlockNumber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalized = num
}

// FailExecutionAt marks a height so RuntimeAPI.ExecuteBlock fails for it.
func (b *Backend) FailExecutionAt(num chain.BlockNumber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.execFailAt[num] = true
}

func (b *Backend) Info(ctx context.Context) (chain.ChainInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return chain.ChainInfo{
		BestNumber:      b.best,
		BestHash:        b.blocks[b.best].Hash,
		FinalizedNumber: b.finalized,
		FinalizedHash:   b.blocks[b.finalized].Hash,
	}, nil
}

func (b *Backend) Block(ctx context.Context, id chain.BlockID) (chain.SignedBlock, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blk, ok := b.lookup(id)
	if !ok {
		return chain.SignedBlock{}, false, nil
	}
	return chain.SignedBlock{Header: blk.Header, Hash: blk.Hash}, true, nil
}

func (b *Backend) Header(ctx context.Context, id chain.BlockID) (chain.Header, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blk, ok := b.lookup(id)
	if !ok {
		return chain.Header{}, false, nil
	}
	return blk.Header, true, nil
}

func (b *Backend) lookup(id chain.BlockID) (Block, bool) {
	if id.IsByHash() {
		for _, blk := range b.blocks {
			if blk.Hash == id.Hash {
				return blk, true
			}
		}
		return Block{}, false
	}
	blk, ok := b.blocks[id.Number]
	return blk, ok
}

func (b *Backend) StateAt(ctx context.Context, parentHash chain.Hash) (chain.StateView, error) {
	return fakeState{parent: parentHash}, nil
}

func (b *Backend) GenesisStorage(ctx context.Context) (chain.StorageDelta, error) {
	return b.genesis, nil
}

func (b *Backend) RuntimeAPI() chain.RuntimeAPI {
	return &fakeRuntimeAPI{backend: b}
}

type fakeState struct{ parent chain.Hash }

func (s fakeState) ParentHash() chain.Hash { return s.parent }

type fakeRuntimeAPI struct {
	backend *Backend
	last    chain.StorageDelta
}

func (r *fakeRuntimeAPI) ExecuteBlock(ctx context.Context, state chain.StateView, block chain.SignedBlock) error {
	r.backend.mu.Lock()
	fail := r.backend.execFailAt[block.Header.Number]
	blk, ok := r.backend.blocks[block.Header.Number]
	r.backend.mu.Unlock()
	if fail {
		return fmt.Errorf("fake runtime: execution failed at height %d", block.Header.Number)
	}
	if !ok {
		return fmt.Errorf("fake runtime: no such block %d", block.Header.Number)
	}
	r.last = blk.Delta
	return nil
}

func (r *fakeRuntimeAPI) IntoStorageChanges(ctx context.Context, state chain.StateView, parentHash chain.Hash) (chain.StorageDelta, error) {
	return r.last, nil
}

func (r *fakeRuntimeAPI) Version(ctx context.Context, id chain.BlockID) (chain.RuntimeVersion, error) {
	r.backend.mu.Lock()
	defer r.backend.mu.Unlock()
	blk, ok := r.backend.lookup(id)
	if !ok {
		return chain.RuntimeVersion{}, fmt.Errorf("fake runtime: no such block")
	}
	return chain.RuntimeVersion{SpecVersion: blk.Spec}, nil
}

func (r *fakeRuntimeAPI) Metadata(ctx context.Context, id chain.BlockID) ([]byte, error) {
	r.backend.mu.Lock()
	defer r.backend.mu.Unlock()
	blk, ok := r.backend.lookup(id)
	if !ok {
		return nil, fmt.Errorf("fake runtime: no such block")
	}
	meta, ok := r.backend.metaByHash[blk.Hash]
	if !ok {
		return nil, fmt.Errorf("fake runtime: no metadata for hash %s", blk.Hash)
	}
	return meta, nil
}
