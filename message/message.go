// Package message defines the tagged-union messages that flow down the
// pipeline's actor chain: Scheduler -> Metadata Gate -> Durable Sink ->
// Dispatcher (spec §2 data flow, §4.3 "Kinds").
package message

import (
	"github.com/koushiro/substrate-archive-go/chain"
	"github.com/koushiro/substrate-archive-go/store"
)

// Kind identifies which field of a Msg is populated.
type Kind int

const (
	KindMetadata Kind = iota
	KindBlock
	KindBatchBlock
	KindFinalized
	KindDie
)

func (k Kind) String() string {
	switch k {
	case KindMetadata:
		return "Metadata"
	case KindBlock:
		return "Block"
	case KindBatchBlock:
		return "BatchBlock"
	case KindFinalized:
		return "Finalized"
	case KindDie:
		return "Die"
	default:
		return "Unknown"
	}
}

// BlockPayload pairs a block row with the storage delta it produced; the
// gate, sink and dispatcher all receive both together.
type BlockPayload struct {
	Record store.BlockRecord
	Delta  chain.StorageDelta
}

// Msg is a single tagged-union pipeline message. Exactly one of the
// payload fields is populated, selected by Kind.
type Msg struct {
	Kind Kind

	Metadata   store.MetadataRecord
	Block      BlockPayload
	BatchBlock []BlockPayload
	Finalized  store.FinalizedBlock
}

// NewMetadata builds a Metadata message.
func NewMetadata(rec store.MetadataRecord) Msg { return Msg{Kind: KindMetadata, Metadata: rec} }

// NewBlock builds a Block message.
func NewBlock(rec store.BlockRecord, delta chain.StorageDelta) Msg {
	return Msg{Kind: KindBlock, Block: BlockPayload{Record: rec, Delta: delta}}
}

// NewBatchBlock builds a BatchBlock message.
func NewBatchBlock(blocks []BlockPayload) Msg {
	return Msg{Kind: KindBatchBlock, BatchBlock: blocks}
}

// NewFinalized builds a Finalized message.
func NewFinalized(rec store.FinalizedBlock) Msg { return Msg{Kind: KindFinalized, Finalized: rec} }

// Die is the uniform shutdown sentinel propagated supervisor -> scheduler
// -> gate -> sink -> dispatcher -> subscribers (spec §5 "Cancellation").
var Die = Msg{Kind: KindDie}

// SpecVersions returns the distinct spec versions referenced by a
// BatchBlock message, in order of first appearance (spec §4.4 "Batch
// path: take the distinct spec-versions in the batch in order of first
// appearance").
func (m Msg) SpecVersions() []uint32 {
	if m.Kind != KindBatchBlock {
		if m.Kind == KindBlock {
			return []uint32{m.Block.Record.SpecVersion}
		}
		return nil
	}
	seen := make(map[uint32]struct{})
	var out []uint32
	for _, b := range m.BatchBlock {
		if _, ok := seen[b.Record.SpecVersion]; ok {
			continue
		}
		seen[b.Record.SpecVersion] = struct{}{}
		out = append(out, b.Record.SpecVersion)
	}
	return out
}
