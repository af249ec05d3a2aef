// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package downloads

import (
	"math/rand"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/bitnode/bitnoded/types"
)

type sinkRecorder struct {
	blocks []*types.BlockRef
}

func (s *sinkRecorder) OrganizeBlock(block *types.BlockRef) error {
	s.blocks = append(s.blocks, block)
	return nil
}

func newTestQueue(sink BlockSink) *Reservations {
	if sink == nil {
		sink = &sinkRecorder{}
	}
	return New(Config{
		MinimumConnections: 4,
		MaximumDeviation:   1.5,
		BlockLatency:       time.Minute,
		Sink:               sink,
	})
}

// headerAt builds a header whose computed hash is unique per nonce.
func headerAt(nonce uint32) *types.HeaderRef {
	return types.NewHeaderRef(wire.BlockHeader{Nonce: nonce})
}

func hashAt(nonce uint32) chainhash.Hash {
	return headerAt(nonce).Hash()
}

func TestGetOnEmptyReturnsNil(t *testing.T) {
	q := newTestQueue(nil)
	require.Nil(t, q.Get())
	require.Zero(t, q.Size())
}

func TestPushOrdering(t *testing.T) {
	q := newTestQueue(nil)

	// Seeding pushes front in descending height order, so the lowest
	// height ends up at the front.
	for height := uint64(5); height >= 3; height-- {
		q.PushFront(hashAt(uint32(height)), height)
	}
	q.PushBack(hashAt(6), 6)

	for want := uint64(3); want <= 6; want++ {
		r := q.Get()
		require.NotNil(t, r)
		assert.Equal(t, want, r.Height())
		assert.Equal(t, hashAt(uint32(want)), r.Hash())
	}
	require.Nil(t, q.Get())
}

func TestDuplicatePushesDropped(t *testing.T) {
	q := newTestQueue(nil)

	q.PushFront(hashAt(1), 1)
	q.PushFront(hashAt(1), 1)
	q.PushBack(hashAt(1), 1)
	require.Equal(t, 1, q.Size())

	// Same height with a different hash is a distinct entry: two entries
	// may share a height transiently during a reorganization.
	q.PushBack(hashAt(2), 1)
	require.Equal(t, 2, q.Size())
	require.True(t, q.ContainsHeight(1))
}

func TestPopBackMatchesTailOnly(t *testing.T) {
	q := newTestQueue(nil)
	q.PushBack(hashAt(1), 1)
	q.PushBack(hashAt(2), 2)

	// Height mismatch at the tail is a no-op.
	q.PopBack(headerAt(2), 1)
	require.Equal(t, 2, q.Size())

	// Hash mismatch at the tail is a no-op.
	q.PopBack(headerAt(9), 2)
	require.Equal(t, 2, q.Size())

	// Matching both removes the tail.
	q.PopBack(headerAt(2), 2)
	require.Equal(t, 1, q.Size())
	_, tailHeight, ok := q.Tail()
	require.True(t, ok)
	require.Equal(t, uint64(1), tailHeight)

	// The former tail's predecessor is now removable, the rest is not.
	q.PopBack(headerAt(1), 1)
	require.Zero(t, q.Size())
	q.PopBack(headerAt(1), 1)
	require.Zero(t, q.Size())
}

// TestSizeInvariant exercises random interleavings of the four mutators and
// checks that size always equals inserts minus removals.
func TestSizeInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	q := newTestQueue(nil)

	inserted, removed := 0, 0
	live := make([]uint32, 0, 256)

	for op := 0; op < 2000; op++ {
		switch rng.Intn(4) {
		case 0:
			n := uint32(op)
			q.PushFront(hashAt(n), uint64(n))
			live = append(live, n)
			inserted++
		case 1:
			n := uint32(op)
			q.PushBack(hashAt(n), uint64(n))
			live = append(live, n)
			inserted++
		case 2:
			if len(live) == 0 {
				continue
			}
			// Pop the true tail half of the time, a random entry
			// otherwise; a random entry removes only when it is the tail.
			if rng.Intn(2) == 0 {
				if _, height, ok := q.Tail(); ok {
					before := q.Size()
					q.PopBack(headerAt(uint32(height)), height)
					if q.Size() == before-1 {
						removed++
						live = dropValue(live, uint32(height))
					}
				}
			} else {
				n := live[rng.Intn(len(live))]
				before := q.Size()
				q.PopBack(headerAt(n), uint64(n))
				if q.Size() == before-1 {
					removed++
					live = dropValue(live, n)
				}
			}
		case 3:
			if r := q.Get(); r != nil {
				removed++
				live = dropValue(live, uint32(r.Height()))
			}
		}

		require.Equal(t, inserted-removed, q.Size())
	}
}

func dropValue(values []uint32, v uint32) []uint32 {
	for i, value := range values {
		if value == v {
			return append(values[:i], values[i+1:]...)
		}
	}
	return values
}

func TestReservationDoneForwardsToSink(t *testing.T) {
	sink := &sinkRecorder{}
	q := newTestQueue(sink)

	block := types.NewBlockRef(&wire.MsgBlock{
		Header: wire.BlockHeader{Nonce: 7},
	})
	q.PushFront(block.Hash(), 7)

	r := q.Get()
	require.NotNil(t, r)
	require.NoError(t, r.Done(block))
	require.Len(t, sink.blocks, 1)
	assert.Equal(t, block.Hash(), sink.blocks[0].Hash())

	// A settled slot cannot be settled again.
	require.Error(t, r.Done(block))
	require.Zero(t, q.Size())
}

func TestReservationDoneRejectsWrongBlock(t *testing.T) {
	sink := &sinkRecorder{}
	q := newTestQueue(sink)

	q.PushFront(hashAt(1), 1)
	r := q.Get()
	require.NotNil(t, r)

	other := types.NewBlockRef(&wire.MsgBlock{Header: wire.BlockHeader{Nonce: 2}})
	require.Error(t, r.Done(other))
	require.Empty(t, sink.blocks)
}

func TestRequeueReturnsSlotToFront(t *testing.T) {
	q := newTestQueue(nil)
	q.PushBack(hashAt(1), 1)
	q.PushBack(hashAt(2), 2)

	r := q.Get()
	require.NotNil(t, r)
	require.Equal(t, uint64(1), r.Height())
	require.Equal(t, 1, q.Size())

	r.Requeue()
	require.Equal(t, 2, q.Size())

	// The released slot is claimable again, ahead of the rest.
	r2 := q.Get()
	require.NotNil(t, r2)
	require.Equal(t, uint64(1), r2.Height())

	// Requeue after settling is a no-op.
	r.Requeue()
	require.Equal(t, 1, q.Size())
}

func TestReservationDeadline(t *testing.T) {
	q := New(Config{
		MaximumDeviation: 1.5,
		BlockLatency:     50 * time.Millisecond,
		Sink:             &sinkRecorder{},
	})
	q.PushFront(hashAt(1), 1)

	r := q.Get()
	require.NotNil(t, r)
	assert.False(t, r.Expired(time.Now()))
	assert.True(t, r.Expired(time.Now().Add(time.Second)))
}

// TestStalledAgainstCohort covers the slow-peer policy: a slot whose rate
// falls below mean/maximum_deviation must be released.
func TestStalledAgainstCohort(t *testing.T) {
	q := newTestQueue(nil)
	for n := uint32(1); n <= 3; n++ {
		q.PushBack(hashAt(n), uint64(n))
	}

	slow := q.Get()
	fast1 := q.Get()
	fast2 := q.Get()
	require.NotNil(t, slow)
	require.NotNil(t, fast1)
	require.NotNil(t, fast2)

	slow.RecordBytes(10)
	fast1.RecordBytes(1_000_000)
	fast2.RecordBytes(1_000_000)
	time.Sleep(5 * time.Millisecond)

	assert.True(t, slow.Stalled())
	assert.False(t, fast1.Stalled())
}

func TestStalledNeedsCohortAndBytes(t *testing.T) {
	q := newTestQueue(nil)
	q.PushBack(hashAt(1), 1)
	q.PushBack(hashAt(2), 2)

	lone := q.Get()
	require.NotNil(t, lone)
	lone.RecordBytes(1)
	time.Sleep(time.Millisecond)

	// No cohort: never stalled.
	assert.False(t, lone.Stalled())

	// An idle slot is not stalled either; the deadline covers it.
	idle := q.Get()
	require.NotNil(t, idle)
	lone.RecordBytes(1_000_000)
	assert.False(t, idle.Stalled())
}
