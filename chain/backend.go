package chain

import "context"

// BlockID selects a block either by number or by hash.
type BlockID struct {
	Number   BlockNumber
	Hash     Hash
	byHash   bool
	byNumber bool
}

// ByNumber builds a BlockID selecting by height.
func ByNumber(n BlockNumber) BlockID { return BlockID{Number: n, byNumber: true} }

// ByHash builds a BlockID selecting by hash.
func ByHash(h Hash) BlockID { return BlockID{Hash: h, byHash: true} }

// IsByHash reports whether the id selects by hash rather than number.
func (id BlockID) IsByHash() bool { return id.byHash }

// StateView is a read-only view of chain state at a particular block,
// used as the base for re-execution.
type StateView interface {
	// ParentHash is the hash of the block this state view was taken at.
	ParentHash() Hash
}

// RuntimeAPI is the subset of the backend's runtime-API surface the
// executor and metadata gate consume.
type RuntimeAPI interface {
	// ExecuteBlock re-invokes the runtime against state for the given
	// block, whose header digest has already had seal items stripped.
	ExecuteBlock(ctx context.Context, state StateView, block SignedBlock) error

	// IntoStorageChanges extracts the storage delta produced by the
	// most recent ExecuteBlock call against state.
	IntoStorageChanges(ctx context.Context, state StateView, parentHash Hash) (StorageDelta, error)

	// Version returns the runtime version active at id.
	Version(ctx context.Context, id BlockID) (RuntimeVersion, error)

	// Metadata returns the runtime metadata bytes active at id.
	Metadata(ctx context.Context, id BlockID) ([]byte, error)
}

// Backend is the opaque, synchronous oracle the pipeline consumes: a
// read-only view of a Substrate-compatible node's local database plus
// its runtime API and block executor. Implementations are an external
// collaborator (see spec §1, "Out of scope") — the pipeline never
// mutates the backend.
type Backend interface {
	// Info returns a non-blocking snapshot of the chain's best and
	// finalized tips.
	Info(ctx context.Context) (ChainInfo, error)

	// Block returns the full block identified by id, or ok=false if not
	// yet available.
	Block(ctx context.Context, id BlockID) (block SignedBlock, ok bool, err error)

	// Header returns the header identified by id, or ok=false if not
	// yet available.
	Header(ctx context.Context, id BlockID) (header Header, ok bool, err error)

	// StateAt returns a state view rooted at parentHash.
	StateAt(ctx context.Context, parentHash Hash) (StateView, error)

	// RuntimeAPI returns the runtime-API handle.
	RuntimeAPI() RuntimeAPI

	// GenesisStorage returns the full genesis state (top-level and
	// child tries) expressed as insertions, used to seed block 0 when
	// the sink is empty.
	GenesisStorage(ctx context.Context) (StorageDelta, error)
}
