// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package downloads

import (
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"gitlab.com/bitnode/bitnoded/types"
)

// Reservation assigns one (hash, height) download to one session. The
// issuing queue and the session share the handle; all methods are safe for
// concurrent use. A reservation ends in exactly one of Done or Requeue.
type Reservation struct {
	hash     chainhash.Hash
	height   uint64
	deadline time.Time
	perf     *performance
	queue    *Reservations
	settled  int32
}

// Hash returns the reserved block hash.
func (r *Reservation) Hash() chainhash.Hash { return r.hash }

// Height returns the reserved block height.
func (r *Reservation) Height() uint64 { return r.height }

// Deadline returns the absolute download deadline.
func (r *Reservation) Deadline() time.Time { return r.deadline }

// Expired reports whether the deadline has passed.
func (r *Reservation) Expired(now time.Time) bool {
	return now.After(r.deadline)
}

// RecordBytes feeds the performance tracker as block data arrives.
func (r *Reservation) RecordBytes(n int) {
	r.perf.record(n)
}

// Stalled reports whether this slot's measured rate has fallen below the
// cohort mean divided by the configured maximum deviation.
func (r *Reservation) Stalled() bool {
	return r.queue.stalled(r)
}

// Done forwards the downloaded block to the chain and retires the slot. The
// block hash must match the reservation.
func (r *Reservation) Done(block *types.BlockRef) error {
	if block.Hash() != r.hash {
		return types.ErrOperationFailed
	}
	if !atomic.CompareAndSwapInt32(&r.settled, 0, 1) {
		return types.ErrOperationFailed
	}
	r.queue.retire(r)
	return r.queue.cfg.Sink.OrganizeBlock(block)
}

// Requeue releases the slot back to the front of the queue so another
// session may claim it. Used when the owning peer times out or stalls.
func (r *Reservation) Requeue() {
	if !atomic.CompareAndSwapInt32(&r.settled, 0, 1) {
		return
	}
	r.queue.requeue(r)
}
