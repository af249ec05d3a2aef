// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package node

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/bitnode/bitnoded/corelog"
	"gitlab.com/bitnode/bitnoded/node/blockchain"
	"gitlab.com/bitnode/bitnoded/node/downloads"
	"gitlab.com/bitnode/bitnoded/types"
)

// fakeChain implements the Chain facade with scripted state.
type fakeChain struct {
	candidate types.Checkpoint
	confirmed types.Checkpoint
	topValid  types.Checkpoint

	candidateHashes map[uint64]chainhash.Hash
	downloadable    map[uint64]chainhash.Hash
	corrupt         bool

	headerSubs []blockchain.HeaderHandler
	blockSubs  []blockchain.BlockHandler

	startErr    error
	stopCalled  bool
	closeCalled bool
	organized   []*types.BlockRef
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		candidateHashes: make(map[uint64]chainhash.Hash),
		downloadable:    make(map[uint64]chainhash.Hash),
	}
}

func (c *fakeChain) Start() error { return c.startErr }
func (c *fakeChain) Stop() bool   { c.stopCalled = true; return true }
func (c *fakeChain) Close() bool  { c.closeCalled = true; return true }

func (c *fakeChain) GetTop(candidate bool) (types.Checkpoint, bool) {
	if c.corrupt {
		return types.Checkpoint{}, false
	}
	if candidate {
		return c.candidate, true
	}
	return c.confirmed, true
}

func (c *fakeChain) TopValidCandidateState() types.Checkpoint {
	return c.topValid
}

func (c *fakeChain) GetDownloadable(height uint64) (chainhash.Hash, bool) {
	hash, ok := c.downloadable[height]
	return hash, ok
}

func (c *fakeChain) CandidateHash(height uint64) (chainhash.Hash, bool) {
	hash, ok := c.candidateHashes[height]
	return hash, ok
}

func (c *fakeChain) OrganizeBlock(block *types.BlockRef) error {
	c.organized = append(c.organized, block)
	return nil
}

func (c *fakeChain) SubscribeHeaders(handler blockchain.HeaderHandler) {
	c.headerSubs = append(c.headerSubs, handler)
}

func (c *fakeChain) SubscribeBlocks(handler blockchain.BlockHandler) {
	c.blockSubs = append(c.blockSubs, handler)
}

func (c *fakeChain) SubscribeTransactions(handler blockchain.TxHandler) {}

// fakeNetwork records facade calls.
type fakeNetwork struct {
	startErr    error
	startCalled bool
	runCalled   bool
	stopCalled  bool
	closeCalled bool
}

func (n *fakeNetwork) Start() error { n.startCalled = true; return n.startErr }
func (n *fakeNetwork) Run() error   { n.runCalled = true; return nil }
func (n *fakeNetwork) Stop() bool   { n.stopCalled = true; return true }
func (n *fakeNetwork) Close() bool  { n.closeCalled = true; return true }

func headerAt(nonce uint32) *types.HeaderRef {
	return types.NewHeaderRef(wire.BlockHeader{Nonce: nonce})
}

func blockAt(nonce uint32) *types.BlockRef {
	return types.NewBlockRef(&wire.MsgBlock{Header: wire.BlockHeader{Nonce: nonce}})
}

func newTestNode(chain Chain) (*FullNode, *downloads.Reservations) {
	reservations := downloads.New(downloads.Config{
		MinimumConnections: 4,
		MaximumDeviation:   1.5,
		BlockLatency:       time.Minute,
		Sink:               chain,
	})
	return New(chain, &fakeNetwork{}, reservations, corelog.Disabled), reservations
}

func TestLifecycle(t *testing.T) {
	chain := newFakeChain()
	chain.candidateHashes[1] = headerAt(1).Hash()

	net := &fakeNetwork{}
	n := New(chain, net, downloads.New(downloads.Config{Sink: chain}), corelog.Disabled)

	require.True(t, n.Stopped())
	require.NoError(t, n.Start())
	require.Equal(t, Started, n.Status())
	require.False(t, n.Stopped())

	require.NoError(t, n.Run())
	require.Equal(t, Running, n.Status())
	require.True(t, net.runCalled)

	require.True(t, n.Stop())
	require.Equal(t, Stopped, n.Status())
	require.True(t, n.Stopped())
	require.True(t, net.stopCalled)
	require.True(t, chain.stopCalled)

	// Stop is idempotent on the stopped side.
	require.True(t, n.Stop())

	require.True(t, n.Close())
	require.Equal(t, Closed, n.Status())
	require.True(t, net.closeCalled)
	require.True(t, chain.closeCalled)
}

func TestCloseWithoutStartSucceeds(t *testing.T) {
	chain := newFakeChain()
	net := &fakeNetwork{}
	n := New(chain, net, downloads.New(downloads.Config{Sink: chain}), corelog.Disabled)

	require.True(t, n.Close())
	require.Equal(t, Closed, n.Status())
}

func TestStartWhileStartedFails(t *testing.T) {
	chain := newFakeChain()
	n, _ := newTestNode(chain)

	require.NoError(t, n.Start())
	require.ErrorIs(t, n.Start(), types.ErrOperationFailed)
}

func TestStartChainFailure(t *testing.T) {
	chain := newFakeChain()
	chain.startErr = types.ErrChainCorrupt
	net := &fakeNetwork{}
	n := New(chain, net, downloads.New(downloads.Config{Sink: chain}), corelog.Disabled)

	require.ErrorIs(t, n.Start(), types.ErrOperationFailed)
	require.Equal(t, Unstarted, n.Status())
	require.False(t, net.startCalled)
}

func TestRunWithoutStartFails(t *testing.T) {
	chain := newFakeChain()
	n, _ := newTestNode(chain)

	require.ErrorIs(t, n.Run(), types.ErrServiceStopped)
}

// TestRunCorruptChain covers the cold corrupt database path: the error is
// surfaced, nothing subscribes and the network never runs.
func TestRunCorruptChain(t *testing.T) {
	chain := newFakeChain()
	chain.corrupt = true
	net := &fakeNetwork{}
	n := New(chain, net, downloads.New(downloads.Config{Sink: chain}), corelog.Disabled)

	require.NoError(t, n.Start())
	require.ErrorIs(t, n.Run(), types.ErrOperationFailed)
	require.False(t, net.runCalled)
	require.Empty(t, chain.headerSubs)
	require.Empty(t, chain.blockSubs)
}

// TestRunColdStart covers the fresh-database case: candidate, confirmed and
// top valid all at genesis seed zero reservations.
func TestRunColdStart(t *testing.T) {
	genesis := headerAt(0)
	chain := newFakeChain()
	chain.candidate = types.NewCheckpoint(genesis.Hash(), 0)
	chain.confirmed = types.NewCheckpoint(genesis.Hash(), 0)
	chain.topValid = types.NewCheckpoint(genesis.Hash(), 0)
	chain.candidateHashes[0] = genesis.Hash()

	n, reservations := newTestNode(chain)
	require.NoError(t, n.Start())
	require.NoError(t, n.Run())

	require.Zero(t, reservations.Size())
	require.Len(t, chain.headerSubs, 1)
	require.Len(t, chain.blockSubs, 1)
	assert.Equal(t, uint64(0), n.TopBlock().Height)
	assert.Equal(t, uint64(0), n.TopHeader().Height)
}

// TestRunSeedsReservations checks the re-seeding scan: every downloadable
// height between the candidate top and the last valid block queues up, and
// the height just above the last valid block is pushed even though its body
// is already present.
func TestRunSeedsReservations(t *testing.T) {
	chain := newFakeChain()
	for h := uint64(0); h <= 5; h++ {
		chain.candidateHashes[h] = headerAt(uint32(h)).Hash()
	}
	chain.candidate = types.NewCheckpoint(chain.candidateHashes[5], 5)
	chain.confirmed = types.NewCheckpoint(chain.candidateHashes[2], 2)
	chain.topValid = types.NewCheckpoint(chain.candidateHashes[2], 2)

	// Height 3 already has its body; heights 4 and 5 do not.
	chain.downloadable[4] = chain.candidateHashes[4]
	chain.downloadable[5] = chain.candidateHashes[5]

	n, reservations := newTestNode(chain)
	require.NoError(t, n.Start())
	require.NoError(t, n.Run())

	require.Equal(t, 3, reservations.Size())
	for want := uint64(3); want <= 5; want++ {
		r := reservations.Get()
		require.NotNil(t, r)
		assert.Equal(t, want, r.Height())
		assert.Equal(t, chain.candidateHashes[want], r.Hash())
	}
}

// runToRunning drives a node into the running state with the given tips.
func runToRunning(t *testing.T, chain *fakeChain) (*FullNode, *downloads.Reservations) {
	t.Helper()
	n, reservations := newTestNode(chain)
	require.NoError(t, n.Start())
	require.NoError(t, n.Run())
	return n, reservations
}

// TestHandleReindexedExtension covers the trivial single-header extension:
// the new header lands at the queue tail and the cached candidate top moves.
func TestHandleReindexedExtension(t *testing.T) {
	tip := headerAt(100)
	chain := newFakeChain()
	chain.candidate = types.NewCheckpoint(tip.Hash(), 100)
	chain.confirmed = types.NewCheckpoint(tip.Hash(), 100)
	chain.topValid = types.NewCheckpoint(tip.Hash(), 100)
	chain.candidateHashes[100] = tip.Hash()

	n, reservations := runToRunning(t, chain)
	require.Zero(t, reservations.Size())

	h101 := headerAt(101)
	keep := chain.headerSubs[0](nil, 100, []*types.HeaderRef{h101}, nil)
	require.True(t, keep)

	tailHash, tailHeight, ok := reservations.Tail()
	require.True(t, ok)
	assert.Equal(t, h101.Hash(), tailHash)
	assert.Equal(t, uint64(101), tailHeight)
	assert.Equal(t, types.NewCheckpoint(h101.Hash(), 101), n.TopHeader())
}

// TestHandleReindexedReorg covers a two-block reorganization: outgoing
// headers pop high-first, incoming push low-first, and the queue tail ends
// at fork height plus the incoming length.
func TestHandleReindexedReorg(t *testing.T) {
	chain := newFakeChain()
	for h := uint64(0); h <= 200; h++ {
		chain.candidateHashes[h] = headerAt(uint32(h)).Hash()
	}
	chain.candidate = types.NewCheckpoint(chain.candidateHashes[200], 200)
	chain.confirmed = types.NewCheckpoint(chain.candidateHashes[198], 198)
	chain.topValid = types.NewCheckpoint(chain.candidateHashes[198], 198)
	chain.downloadable[199] = chain.candidateHashes[199]
	chain.downloadable[200] = chain.candidateHashes[200]

	n, reservations := runToRunning(t, chain)
	require.Equal(t, 2, reservations.Size())

	incoming := []*types.HeaderRef{headerAt(1199), headerAt(1200), headerAt(1201)}
	outgoing := []*types.HeaderRef{headerAt(199), headerAt(200)}

	keep := chain.headerSubs[0](nil, 198, incoming, outgoing)
	require.True(t, keep)

	// H199 and H200 popped; H199', H200', H201' pushed.
	require.Equal(t, 3, reservations.Size())
	_, tailHeight, ok := reservations.Tail()
	require.True(t, ok)
	assert.Equal(t, uint64(201), tailHeight)
	assert.Equal(t, types.NewCheckpoint(incoming[2].Hash(), 201), n.TopHeader())

	for want := uint64(199); want <= 201; want++ {
		r := reservations.Get()
		require.NotNil(t, r)
		assert.Equal(t, want, r.Height())
	}
}

// TestHandleReindexedEmptyIncoming keeps the subscription with no state
// change.
func TestHandleReindexedEmptyIncoming(t *testing.T) {
	tip := headerAt(10)
	chain := newFakeChain()
	chain.candidate = types.NewCheckpoint(tip.Hash(), 10)
	chain.confirmed = types.NewCheckpoint(tip.Hash(), 10)
	chain.topValid = types.NewCheckpoint(tip.Hash(), 10)
	chain.candidateHashes[10] = tip.Hash()

	n, reservations := runToRunning(t, chain)

	keep := chain.headerSubs[0](nil, 10, nil, nil)
	require.True(t, keep)
	require.Zero(t, reservations.Size())
	assert.Equal(t, types.NewCheckpoint(tip.Hash(), 10), n.TopHeader())
}

// TestHandleReorganized covers the confirmed-cursor update: reservations
// are untouched, only the cached confirmed top moves.
func TestHandleReorganized(t *testing.T) {
	tip := headerAt(100)
	chain := newFakeChain()
	chain.candidate = types.NewCheckpoint(tip.Hash(), 100)
	chain.confirmed = types.NewCheckpoint(tip.Hash(), 100)
	chain.topValid = types.NewCheckpoint(tip.Hash(), 100)
	chain.candidateHashes[100] = tip.Hash()

	n, reservations := runToRunning(t, chain)

	b101 := blockAt(101)
	keep := chain.blockSubs[0](nil, 100, []*types.BlockRef{b101}, nil)
	require.True(t, keep)
	assert.Equal(t, types.NewCheckpoint(b101.Hash(), 101), n.TopBlock())
	require.Zero(t, reservations.Size())

	// Empty incoming leaves the cursor alone.
	keep = chain.blockSubs[0](nil, 100, nil, []*types.BlockRef{b101})
	require.True(t, keep)
	assert.Equal(t, types.NewCheckpoint(b101.Hash(), 101), n.TopBlock())
}

// TestHandlerErrorInitiatesStop covers the reorg error policy: log, stop,
// unsubscribe.
func TestHandlerErrorInitiatesStop(t *testing.T) {
	tip := headerAt(10)
	chain := newFakeChain()
	chain.candidate = types.NewCheckpoint(tip.Hash(), 10)
	chain.confirmed = types.NewCheckpoint(tip.Hash(), 10)
	chain.topValid = types.NewCheckpoint(tip.Hash(), 10)
	chain.candidateHashes[10] = tip.Hash()

	n, _ := runToRunning(t, chain)

	keep := chain.headerSubs[0](types.ErrChainCorrupt, 0, nil, nil)
	require.False(t, keep)
	require.True(t, n.Stopped())
	require.True(t, chain.stopCalled)
}

// TestHandlerServiceStopped unsubscribes quietly without initiating a stop.
func TestHandlerServiceStopped(t *testing.T) {
	tip := headerAt(10)
	chain := newFakeChain()
	chain.candidate = types.NewCheckpoint(tip.Hash(), 10)
	chain.confirmed = types.NewCheckpoint(tip.Hash(), 10)
	chain.topValid = types.NewCheckpoint(tip.Hash(), 10)
	chain.candidateHashes[10] = tip.Hash()

	n, _ := runToRunning(t, chain)

	keep := chain.blockSubs[0](types.ErrServiceStopped, 0, nil, nil)
	require.False(t, keep)
	require.False(t, chain.stopCalled)
	require.Equal(t, Running, n.Status())
}
