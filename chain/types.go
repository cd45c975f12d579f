// Package chain defines the chain-agnostic contract the indexing pipeline
// is built against: block numbers, hashes, headers, storage deltas, and
// the Backend interface that wraps a Substrate-compatible node's local
// database and runtime.
package chain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// BlockNumber is a block height. Substrate block numbers are commonly
// 32-bit; genesis is 0.
type BlockNumber uint32

// HashLength is the width of a Substrate block/state hash in bytes.
const HashLength = 32

// Hash is an opaque, fixed-width chain hash.
type Hash [HashLength]byte

// ZeroHash is the all-zero hash used as the tracker's initial stored
// value before any best/finalized block has been observed.
var ZeroHash Hash

// String renders the hash as a 0x-prefixed hex string.
func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// Bytes returns a copy of the hash's bytes.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashLength)
	copy(b, h[:])
	return b
}

// BytesToHash left-pads or truncates b to HashLength and returns the
// resulting Hash.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) >= HashLength {
		copy(h[:], b[len(b)-HashLength:])
	} else {
		copy(h[HashLength-len(b):], b)
	}
	return h
}

// DigestItemKind identifies the kind of a header digest log entry.
type DigestItemKind uint8

const (
	DigestItemOther DigestItemKind = iota
	DigestItemConsensus
	DigestItemPreRuntime
	DigestItemSeal
)

// DigestItem is one log entry in a header's digest.
type DigestItem struct {
	Kind DigestItemKind
	Data []byte
}

// Digest is the ordered list of log entries attached to a header.
type Digest struct {
	Logs []DigestItem
}

// WithoutSeals returns a copy of the digest with all Seal entries
// removed. Consensus engines append seal items to the header after the
// runtime originally executed the block; re-invoking execute_block with
// seals present changes the recomputed state root and execution fails.
func (d Digest) WithoutSeals() Digest {
	out := Digest{Logs: make([]DigestItem, 0, len(d.Logs))}
	for _, item := range d.Logs {
		if item.Kind == DigestItemSeal {
			continue
		}
		out.Logs = append(out.Logs, item)
	}
	return out
}

// Encode renders the digest as its on-the-wire storage form (spec §3
// "digest: bytes"). JSON rather than a chain-specific codec, since the
// archive treats digest contents as opaque and never decodes them
// again once persisted.
func (d Digest) Encode() []byte {
	b, _ := json.Marshal(d)
	return b
}

// Header is a block header.
type Header struct {
	ParentHash     Hash
	Number         BlockNumber
	StateRoot      Hash
	ExtrinsicsRoot Hash
	Digest         Digest
}

// String renders a short debug form. The archive never computes a
// header's hash locally; it is always supplied by the backend alongside
// the header itself (see SignedBlock.Hash).
func (h Header) String() string {
	return fmt.Sprintf("Header{number=%d parent=%s state_root=%s}", h.Number, h.ParentHash, h.StateRoot)
}

// SignedBlock is a full block: header plus body.
type SignedBlock struct {
	Header           Header
	Hash             Hash
	Extrinsics       [][]byte
	Justifications   [][]byte
	HasJustification bool
}

// RuntimeVersion identifies the runtime binary executing at a given
// block; SpecVersion is the field the metadata gate and sink key on.
type RuntimeVersion struct {
	SpecVersion uint32
}

// KeyValue is one storage mutation. A nil Value means the key was
// deleted.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// ChildDelta is the set of mutations for one child-storage trie.
type ChildDelta struct {
	PrefixedKey []byte
	Changes     []KeyValue
}

// StorageDelta is the full set of storage mutations produced by
// executing one block against its parent state.
type StorageDelta struct {
	Main  []KeyValue
	Child []ChildDelta
}

// ChainInfo is the backend's non-blocking snapshot of chain tips.
type ChainInfo struct {
	BestNumber      BlockNumber
	BestHash        Hash
	FinalizedNumber BlockNumber
	FinalizedHash   Hash
}
