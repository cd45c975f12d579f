package store

import "errors"

// ErrMetadataMissing is returned by InsertBlock/InsertBlocks when the
// metadata row for the block's spec version does not yet exist. Per
// spec §4.4, the metadata gate is responsible for maintaining this
// invariant on the producer side; a sink returning this error indicates
// either a race with an in-flight metadata insert (the caller should
// poll MetadataExists briefly) or a gate bug.
var ErrMetadataMissing = errors.New("store: metadata row missing for block's spec version")
