package scheduler

import "github.com/koushiro/substrate-archive-go/chain"

// queueEntry is one header the scheduler is tracking for fork
// detection, along with the hash the backend assigned it.
type queueEntry struct {
	Number chain.BlockNumber
	Header chain.Header
	Hash   chain.Hash
}

// headerQueue is the scheduler's small in-memory fork-detection window:
// an ascending-by-height slice whose front tracks the current-finalized
// height. Heights indexed in the catch-up modes are not pushed, so the
// back tracks the current-indexed height only once the scheduler is in
// single-step-live mode; until then the back is the finalized entry.
// Consecutive entries satisfy entry(n+1).Header.ParentHash == entry(n).Hash.
//
// Never shared outside the scheduler goroutine that owns it.
type headerQueue struct {
	entries []queueEntry
}

// reset replaces the queue's contents with a single entry, used to seed
// the queue at startup.
func (q *headerQueue) reset(e queueEntry) {
	q.entries = []queueEntry{e}
}

// front is the lowest-height entry (the finalized frontier).
func (q *headerQueue) front() queueEntry { return q.entries[0] }

// back is the highest-height entry (the current-indexed tip).
func (q *headerQueue) back() queueEntry { return q.entries[len(q.entries)-1] }

func (q *headerQueue) len() int { return len(q.entries) }

// pushBack appends e, which must extend the current back entry.
func (q *headerQueue) pushBack(e queueEntry) {
	q.entries = append(q.entries, e)
}

// popBack drops the highest-height entry.
func (q *headerQueue) popBack() {
	q.entries = q.entries[:len(q.entries)-1]
}

// retainFrom drops every entry with Number < n.
func (q *headerQueue) retainFrom(n chain.BlockNumber) {
	out := q.entries[:0]
	for _, e := range q.entries {
		if e.Number >= n {
			out = append(out, e)
		}
	}
	q.entries = out
}

// upsertFront ensures an entry for n/header/hash exists at the front of
// the tracked window (the finalized frontier advancing), without
// disturbing any higher entries already present.
func (q *headerQueue) upsertFront(n chain.BlockNumber, header chain.Header, hash chain.Hash) {
	for i, e := range q.entries {
		if e.Number == n {
			q.entries[i] = queueEntry{Number: n, Header: header, Hash: hash}
			return
		}
	}
	q.entries = append([]queueEntry{{Number: n, Header: header, Hash: hash}}, q.entries...)
}
