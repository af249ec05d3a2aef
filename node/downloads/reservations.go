// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package downloads implements the block-download reservation queue: a
// priority-ordered work queue of (hash, height) pairs awaiting download.
// The full node seeds and reshapes the queue as the candidate chain moves;
// sessions claim slots from it and feed completed blocks to the chain.
package downloads

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"gitlab.com/bitnode/bitnoded/types"
)

// BlockSink receives completed block downloads. The chain facade implements
// it.
type BlockSink interface {
	OrganizeBlock(block *types.BlockRef) error
}

// entry is one block pending download. Two entries may transiently share a
// height during a reorganization; the (hash, height) pair is the identity.
type entry struct {
	hash   chainhash.Hash
	height uint64
}

// Config bundles the queue tuning inputs.
type Config struct {
	// MinimumConnections sizes the initial slot allocation.
	MinimumConnections uint32
	// MaximumDeviation is the allowed ratio by which a slot's rate may lag
	// the cohort mean before the slot is reclaimed.
	MaximumDeviation float64
	// BlockLatency is the nominal per-block download deadline.
	BlockLatency time.Duration
	// Sink receives completed downloads.
	Sink BlockSink
}

// Reservations is a thread-safe double-ended queue of pending downloads with
// O(1) membership on the (hash, height) identity and on height. All mutators
// and Get are serialized; observers see a total order of pushes, pops and
// gets.
type Reservations struct {
	mu       sync.Mutex
	entries  []entry
	members  map[entry]struct{}
	byHeight map[uint64]int

	active map[*Reservation]struct{}

	cfg Config
}

// New returns an empty queue.
func New(cfg Config) *Reservations {
	capacity := int(cfg.MinimumConnections)
	if capacity == 0 {
		capacity = 1
	}
	return &Reservations{
		entries:  make([]entry, 0, capacity),
		members:  make(map[entry]struct{}),
		byHeight: make(map[uint64]int),
		active:   make(map[*Reservation]struct{}, capacity),
		cfg:      cfg,
	}
}

// PushFront inserts at the high-priority end. Used when re-seeding the queue
// from the candidate chain top downward and when a stalled slot is returned.
// Duplicate (hash, height) pairs are dropped.
func (q *Reservations) PushFront(hash chainhash.Hash, height uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushFront(entry{hash: hash, height: height})
}

// PushBack inserts at the low-priority end. Used when a reorg appends new
// candidate headers. Duplicate (hash, height) pairs are dropped.
func (q *Reservations) PushBack(hash chainhash.Hash, height uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := entry{hash: hash, height: height}
	if _, ok := q.members[e]; ok {
		return
	}
	q.entries = append(q.entries, e)
	q.insertIndex(e)
}

// PopBack removes the tail entry iff it matches both the header's hash and
// the height. Any other combination is a no-op, so only tail entries are
// candidates for removal when outgoing headers are rolled back high-first.
func (q *Reservations) PopBack(header *types.HeaderRef, height uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return
	}
	tail := q.entries[len(q.entries)-1]
	if tail.height != height || tail.hash != header.Hash() {
		return
	}
	q.entries = q.entries[:len(q.entries)-1]
	q.removeIndex(tail)
}

// Get atomically pops the front entry and wraps it in a reservation handed
// to the calling session. Get never blocks: an empty queue yields nil and
// the caller retries on its own schedule.
func (q *Reservations) Get() *Reservation {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	q.removeIndex(e)

	r := &Reservation{
		hash:     e.hash,
		height:   e.height,
		deadline: time.Now().Add(q.cfg.BlockLatency),
		perf:     newPerformance(),
		queue:    q,
	}
	q.active[r] = struct{}{}
	return r
}

// Size returns the number of queued entries. Active reservations are not
// counted.
func (q *Reservations) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Contains reports whether the (hash, height) pair is queued.
func (q *Reservations) Contains(hash chainhash.Hash, height uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.members[entry{hash: hash, height: height}]
	return ok
}

// ContainsHeight reports whether any queued entry has the given height.
func (q *Reservations) ContainsHeight(height uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.byHeight[height] > 0
}

// Tail returns the low-priority end of the queue.
func (q *Reservations) Tail() (chainhash.Hash, uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return chainhash.Hash{}, 0, false
	}
	tail := q.entries[len(q.entries)-1]
	return tail.hash, tail.height, true
}

// requeue returns a claimed slot to the front of the queue so another
// session may claim it.
func (q *Reservations) requeue(r *Reservation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, r)
	q.pushFront(entry{hash: r.hash, height: r.height})
}

// retire drops a completed slot from the active set.
func (q *Reservations) retire(r *Reservation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, r)
}

// stalled compares a slot's rate against its cohort: a slot lagging below
// mean/MaximumDeviation must be released. A slot with no cohort is never
// stalled.
func (q *Reservations) stalled(r *Reservation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.MaximumDeviation <= 0 {
		return false
	}

	var sum float64
	var n int
	for other := range q.active {
		if other == r {
			continue
		}
		if rate, ok := other.perf.rate(); ok {
			sum += rate
			n++
		}
	}
	if n == 0 {
		return false
	}

	rate, ok := r.perf.rate()
	if !ok {
		// No bytes observed yet; the deadline covers this case.
		return false
	}
	return rate < sum/float64(n)/q.cfg.MaximumDeviation
}

func (q *Reservations) pushFront(e entry) {
	if _, ok := q.members[e]; ok {
		return
	}
	q.entries = append(q.entries, entry{})
	copy(q.entries[1:], q.entries)
	q.entries[0] = e
	q.insertIndex(e)
}

func (q *Reservations) insertIndex(e entry) {
	q.members[e] = struct{}{}
	q.byHeight[e.height]++
}

func (q *Reservations) removeIndex(e entry) {
	delete(q.members, e)
	if q.byHeight[e.height] <= 1 {
		delete(q.byHeight, e.height)
	} else {
		q.byHeight[e.height]--
	}
}
