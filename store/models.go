// Package store defines the durable-sink contract: the records the
// pipeline writes, and the Sink interface any relational backend must
// implement. The concrete PostgreSQL implementation lives in
// store/postgres.
package store

import (
	"github.com/koushiro/substrate-archive-go/chain"
)

// MetadataRecord is one runtime-metadata row, unique by SpecVersion.
type MetadataRecord struct {
	SpecVersion uint32
	BlockNum    chain.BlockNumber
	BlockHash   chain.Hash
	Meta        []byte
}

// BlockRecord is one block row, unique by BlockNum.
type BlockRecord struct {
	SpecVersion      uint32
	BlockNum         chain.BlockNumber
	BlockHash        chain.Hash
	ParentHash       chain.Hash
	StateRoot        chain.Hash
	ExtrinsicsRoot   chain.Hash
	Digest           []byte
	Extrinsics       [][]byte
	Justifications   [][]byte
	HasJustification bool
}

// MainStorageChange is one main-trie storage-change row, unique by
// (BlockNum, Key). Data == nil means deletion.
type MainStorageChange struct {
	BlockNum  chain.BlockNumber
	BlockHash chain.Hash
	Prefix    []byte
	Key       []byte
	Data      []byte
}

// ChildStorageChange is one child-trie storage-change row, unique by
// (BlockNum, PrefixKey, Key). Data == nil means deletion.
type ChildStorageChange struct {
	BlockNum  chain.BlockNumber
	BlockHash chain.Hash
	PrefixKey []byte
	Key       []byte
	Data      []byte
}

// BestBlock is the best-block singleton.
type BestBlock struct {
	BlockNum  chain.BlockNumber
	BlockHash chain.Hash
}

// FinalizedBlock is the finalized-block singleton, additionally carrying
// the wall-clock millisecond timestamp of the write.
type FinalizedBlock struct {
	BlockNum    chain.BlockNumber
	BlockHash   chain.Hash
	TimestampMs int64
}
