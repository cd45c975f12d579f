package store

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/koushiro/substrate-archive-go/chain"
)

// Sink is the durable-sink contract (spec §4.2). All operations are
// idempotent: every insert is an upsert on the record's natural key.
type Sink interface {
	InsertMetadata(ctx context.Context, rec MetadataRecord) (rowsAffected int64, err error)

	// InsertBlock upserts a single block. The metadata row for
	// rec.SpecVersion must already exist; implementations that cannot
	// serialise the insert with the metadata gate's write should poll
	// MetadataExists briefly rather than fail (see spec §4.4 "sink
	// race").
	InsertBlock(ctx context.Context, rec BlockRecord) (rowsAffected int64, err error)

	// InsertBlocks upserts a batch as a single logical operation, per
	// element subject to the same metadata precondition as InsertBlock.
	InsertBlocks(ctx context.Context, recs []BlockRecord) (rowsAffected int64, err error)

	InsertMainStorage(ctx context.Context, changes []MainStorageChange) (rowsAffected int64, err error)
	InsertChildStorage(ctx context.Context, changes []ChildStorageChange) (rowsAffected int64, err error)

	InsertBest(ctx context.Context, b BestBlock) (rowsAffected int64, err error)
	InsertFinalized(ctx context.Context, f FinalizedBlock) (rowsAffected int64, err error)

	MaxBlockNum(ctx context.Context) (n chain.BlockNumber, ok bool, err error)
	Best(ctx context.Context) (n chain.BlockNumber, h chain.Hash, ok bool, err error)
	Finalized(ctx context.Context) (n chain.BlockNumber, h chain.Hash, ok bool, err error)

	MetadataExists(ctx context.Context, specVersion uint32) (bool, error)
	AllMetadataVersions(ctx context.Context) (mapset.Set[uint32], error)

	// DeleteWhereBlockGt cascades the delete across storage, blocks,
	// and metadata (in that order) for every record with BlockNum > n.
	DeleteWhereBlockGt(ctx context.Context, n chain.BlockNumber) (rowsAffected int64, err error)

	// SetCatchupFinalized raises the one-way catch-up signal (spec
	// §4.2 "Catch-up flag"). Before it is raised, finalized-block
	// writes are persisted but the caller must not dispatch them.
	SetCatchupFinalized(ctx context.Context) error
	CatchupFinalized(ctx context.Context) (bool, error)

	// Bootstrap creates the six tables if they do not already exist
	// (spec §6, "one-shot bootstrap migration").
	Bootstrap(ctx context.Context) error

	Close()
}
