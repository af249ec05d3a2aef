// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package blockchain implements the chain facade behind the full node: a
// dual header/block index over goleveldb. The header index tracks the
// candidate chain (headers whose bodies may not yet be downloaded); the
// block index tracks the confirmed chain. The two views reorganize
// independently and publish commit-ordered events to subscribers.
//
// Script and signature validation is out of scope here; only chain linkage
// is checked when headers and bodies are organized.
package blockchain

import (
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"gitlab.com/bitnode/bitnoded/types"
)

// maxHeadersPerLocate bounds one getheaders response.
const maxHeadersPerLocate = 2000

// Config bundles the chain facade inputs.
type Config struct {
	// DBPath is the chain database directory.
	DBPath string
	// Params selects the network whose genesis anchors the database.
	Params *chaincfg.Params
	// FlushWrites forces synchronous database writes.
	FlushWrites bool
	Logger      zerolog.Logger
}

// Chain is the blockchain facade owned by the full node and shared
// immutably-by-reference with sessions. Writes are serialized internally.
type Chain struct {
	started int32
	stopped int32

	cfg   Config
	store *store

	// orgMu serializes all organizers so notifications are enqueued in
	// commit order.
	orgMu sync.Mutex

	// tipMu guards the cached cursors.
	tipMu        sync.RWMutex
	candidateTip uint64
	confirmedTip uint64
	topValid     uint64

	events *dispatcher
	logger zerolog.Logger
}

// New returns an unstarted chain facade.
func New(cfg Config) *Chain {
	return &Chain{cfg: cfg, logger: cfg.Logger}
}

// InitChain creates the chain database and writes the network genesis block.
// Initializing an existing database is an error.
func InitChain(dbPath string, params *chaincfg.Params) error {
	s, err := openStore(dbPath, true, true)
	if err != nil {
		return err
	}
	defer s.close()

	if s.initialized() {
		return errors.Errorf("chain database %s is already initialized", dbPath)
	}
	return s.writeGenesis(types.NewBlockRef(params.GenesisBlock))
}

// Remove deletes an existing chain database directory. The regression test
// network requires a clean database per run.
func Remove(dbPath string) error {
	return removeStore(dbPath)
}

// Start opens the database and begins event dispatch. A missing or
// genesis-less database fails: the directory must be initialized first.
func (c *Chain) Start() error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return types.ErrOperationFailed
	}

	s, err := openStore(c.cfg.DBPath, false, c.cfg.FlushWrites)
	if err != nil {
		atomic.StoreInt32(&c.started, 0)
		return errors.Wrap(types.ErrOperationFailed, err.Error())
	}
	if !s.initialized() {
		s.close()
		atomic.StoreInt32(&c.started, 0)
		return errors.Wrap(types.ErrChainCorrupt, "chain database has no genesis")
	}

	candidate, err := s.tip(metaCandidateTip)
	if err == nil {
		c.confirmedTip, err = s.tip(metaConfirmedTip)
	}
	if err == nil {
		c.topValid, err = s.tip(metaTopValid)
	}
	if err != nil {
		s.close()
		atomic.StoreInt32(&c.started, 0)
		return errors.Wrap(types.ErrChainCorrupt, err.Error())
	}
	c.candidateTip = candidate

	c.store = s
	c.events = newDispatcher(c.logger)
	c.logger.Info().
		Uint64("candidate", c.candidateTip).
		Uint64("confirmed", c.confirmedTip).
		Msg("Chain database opened")
	return nil
}

// Stop suspends organization and signals a final service-stopped
// notification to every subscriber. It does not wait for the delivery: a
// subscription handler's error path is allowed to call Stop. Idempotent.
func (c *Chain) Stop() bool {
	if atomic.LoadInt32(&c.started) == 0 {
		return true
	}
	if !atomic.CompareAndSwapInt32(&c.stopped, 0, 1) {
		return true
	}
	c.events.stop()
	return true
}

// Close stops the chain if needed, joins event dispatch and releases the
// database. Must be called from the owning goroutine, never from a handler.
func (c *Chain) Close() bool {
	if atomic.LoadInt32(&c.started) == 0 {
		return true
	}
	c.Stop()
	c.events.join()
	if err := c.store.close(); err != nil {
		c.logger.Error().Err(err).Msg("Failed to close chain database")
		return false
	}
	return true
}

// Stopped reports whether the chain has entered stopping.
func (c *Chain) Stopped() bool {
	return atomic.LoadInt32(&c.stopped) != 0 || atomic.LoadInt32(&c.started) == 0
}

// GetTop returns the highest confirmed block (candidate=false) or the
// highest candidate header (candidate=true). A false return means the
// database is corrupt.
func (c *Chain) GetTop(candidate bool) (types.Checkpoint, bool) {
	c.tipMu.RLock()
	height := c.confirmedTip
	prefix := byte(confirmedPrefix)
	if candidate {
		height = c.candidateTip
		prefix = candidatePrefix
	}
	c.tipMu.RUnlock()

	hash, err := c.store.indexHash(prefix, height)
	if err != nil {
		return types.Checkpoint{}, false
	}
	return types.NewCheckpoint(hash, height), true
}

// TopValidCandidateState returns the highest candidate block whose body has
// been stored and validated. Its height seeds the download queue.
func (c *Chain) TopValidCandidateState() types.Checkpoint {
	c.tipMu.RLock()
	height := c.topValid
	c.tipMu.RUnlock()

	hash, _ := c.store.candidateHash(height)
	return types.NewCheckpoint(hash, height)
}

// GetDownloadable returns the candidate header hash at height iff the header
// exists and its body has not yet been stored.
func (c *Chain) GetDownloadable(height uint64) (chainhash.Hash, bool) {
	hash, err := c.store.candidateHash(height)
	if err != nil {
		return chainhash.Hash{}, false
	}
	if c.store.hasBlock(&hash) {
		return chainhash.Hash{}, false
	}
	return hash, true
}

// CandidateHash returns the candidate header hash at the given height.
func (c *Chain) CandidateHash(height uint64) (chainhash.Hash, bool) {
	hash, err := c.store.candidateHash(height)
	if err != nil {
		return chainhash.Hash{}, false
	}
	return hash, true
}

// Params returns the network parameters anchoring this chain.
func (c *Chain) Params() *chaincfg.Params {
	return c.cfg.Params
}

// Header returns the header for the given hash with its height, if present.
func (c *Chain) Header(hash *chainhash.Hash) (*types.HeaderRef, uint64, bool) {
	header, height, err := c.store.header(hash)
	if err != nil {
		return nil, 0, false
	}
	return types.NewHeaderRef(header), height, true
}

// Block returns the stored block body for the given hash, if present.
func (c *Chain) Block(hash *chainhash.Hash) (*types.BlockRef, bool) {
	block, err := c.store.block(hash)
	if err != nil {
		return nil, false
	}
	return block, true
}

// LocateHeaders returns candidate headers after the first locator hash found
// on the candidate chain, up to the stop hash or the candidate tip, bounded
// by maxHeadersPerLocate. Used to serve getheaders.
func (c *Chain) LocateHeaders(locators []*chainhash.Hash, stop *chainhash.Hash) []*types.HeaderRef {
	c.tipMu.RLock()
	tip := c.candidateTip
	c.tipMu.RUnlock()

	// The fork point defaults to genesis when no locator matches.
	var start uint64
	for _, locator := range locators {
		_, height, err := c.store.header(locator)
		if err != nil {
			continue
		}
		onChain, err := c.store.candidateHash(height)
		if err == nil && onChain == *locator {
			start = height
			break
		}
	}

	headers := make([]*types.HeaderRef, 0, 16)
	for height := start + 1; height <= tip && len(headers) < maxHeadersPerLocate; height++ {
		hash, err := c.store.candidateHash(height)
		if err != nil {
			break
		}
		header, _, err := c.store.header(&hash)
		if err != nil {
			break
		}
		headers = append(headers, types.NewHeaderRef(header))
		if stop != nil && hash == *stop {
			break
		}
	}
	return headers
}

// SubscribeHeaders registers a handler for header-chain reorganizations.
func (c *Chain) SubscribeHeaders(handler HeaderHandler) {
	c.events.subscribeHeaders(handler)
}

// SubscribeBlocks registers a handler for block-chain reorganizations.
func (c *Chain) SubscribeBlocks(handler BlockHandler) {
	c.events.subscribeBlocks(handler)
}

// SubscribeTransactions registers a handler for mempool arrivals.
func (c *Chain) SubscribeTransactions(handler TxHandler) {
	c.events.subscribeTransactions(handler)
}

// OrganizeHeaders connects a contiguous run of headers to the candidate
// chain, reorganizing it when the run attaches below the tip. A header
// reindex event is published on success; a block reorg event follows when
// confirmed blocks were rolled back.
func (c *Chain) OrganizeHeaders(incoming []*types.HeaderRef) error {
	if c.Stopped() {
		return types.ErrServiceStopped
	}
	if len(incoming) == 0 {
		return nil
	}

	c.orgMu.Lock()
	defer c.orgMu.Unlock()

	// The run must be internally contiguous and attach to the candidate
	// index at its first parent.
	for i := 1; i < len(incoming); i++ {
		if incoming[i].PrevHash() != incoming[i-1].Hash() {
			return types.ErrOrphanHeader
		}
	}

	parent := incoming[0].PrevHash()
	_, forkHeight, err := c.store.header(&parent)
	if err != nil {
		return types.ErrOrphanHeader
	}
	onChain, err := c.store.candidateHash(forkHeight)
	if err != nil || onChain != parent {
		return types.ErrOrphanHeader
	}

	c.tipMu.RLock()
	oldTip := c.candidateTip
	oldConfirmed := c.confirmedTip
	oldValid := c.topValid
	c.tipMu.RUnlock()

	// Replays of the already-indexed branch are dropped quietly. Matching
	// the last incoming header is sufficient: hash linkage makes the rest
	// of the run identical.
	if last := forkHeight + uint64(len(incoming)); last <= oldTip {
		known, err := c.store.candidateHash(last)
		if err == nil && known == incoming[len(incoming)-1].Hash() {
			return nil
		}
	}

	// Outgoing candidate headers above the fork, ascending.
	var outgoing []*types.HeaderRef
	for height := forkHeight + 1; height <= oldTip; height++ {
		hash, err := c.store.candidateHash(height)
		if err != nil {
			return errors.Wrap(types.ErrChainCorrupt, err.Error())
		}
		header, _, err := c.store.header(&hash)
		if err != nil {
			return errors.Wrap(types.ErrChainCorrupt, err.Error())
		}
		outgoing = append(outgoing, types.NewHeaderRef(header))
	}

	// Confirmed blocks above the fork move back to the pool.
	var outBlocks []*types.BlockRef
	newConfirmed := oldConfirmed
	if forkHeight < oldConfirmed {
		for height := forkHeight + 1; height <= oldConfirmed; height++ {
			hash, err := c.store.confirmedHash(height)
			if err != nil {
				return errors.Wrap(types.ErrChainCorrupt, err.Error())
			}
			block, err := c.store.block(&hash)
			if err != nil {
				return errors.Wrap(types.ErrChainCorrupt, err.Error())
			}
			outBlocks = append(outBlocks, block)
		}
		newConfirmed = forkHeight
	}

	newValid := oldValid
	if forkHeight < oldValid {
		newValid = forkHeight
	}

	err = c.store.applyHeaderReorg(forkHeight, oldTip, incoming, newConfirmed,
		newValid, newConfirmed != oldConfirmed)
	if err != nil {
		return errors.Wrap(types.ErrChainCorrupt, err.Error())
	}

	newTip := forkHeight + uint64(len(incoming))
	c.tipMu.Lock()
	c.candidateTip = newTip
	c.confirmedTip = newConfirmed
	c.topValid = newValid
	c.tipMu.Unlock()

	c.logger.Debug().
		Uint64("fork", forkHeight).
		Int("incoming", len(incoming)).
		Int("outgoing", len(outgoing)).
		Uint64("tip", newTip).
		Msg("Candidate chain reindexed")
	if e := c.logger.Trace(); e.Enabled() {
		e.Msg(spew.Sdump(incoming))
	}

	c.events.notify(&notification{
		kind:       notifyReindex,
		forkHeight: forkHeight,
		inHeaders:  incoming,
		outHeaders: outgoing,
	})
	if len(outBlocks) > 0 {
		c.events.notify(&notification{
			kind:       notifyReorganize,
			forkHeight: forkHeight,
			outBlocks:  outBlocks,
		})
	}
	return nil
}

// OrganizeBlock stores a downloaded block body. When the body sits on the
// candidate chain, the top-valid cursor advances over the contiguous run of
// stored bodies and the confirmed chain follows it, publishing a block reorg
// event for the newly confirmed run.
func (c *Chain) OrganizeBlock(block *types.BlockRef) error {
	if c.Stopped() {
		return types.ErrServiceStopped
	}

	c.orgMu.Lock()
	defer c.orgMu.Unlock()

	hash := block.Hash()
	if !c.store.hasHeader(&hash) {
		return types.ErrOrphanBlock
	}
	if err := c.store.putBlock(block); err != nil {
		return errors.Wrap(types.ErrChainCorrupt, err.Error())
	}

	c.tipMu.RLock()
	candidateTip := c.candidateTip
	oldConfirmed := c.confirmedTip
	topValid := c.topValid
	c.tipMu.RUnlock()

	// Advance the top-valid cursor over contiguous stored bodies.
	newValid := topValid
	for newValid < candidateTip {
		next, err := c.store.candidateHash(newValid + 1)
		if err != nil || !c.store.hasBlock(&next) {
			break
		}
		newValid++
	}
	if newValid == topValid {
		return nil
	}

	// Content validation is the collaborator's concern, so every stored
	// candidate body confirms immediately.
	confirmed := make([]types.Checkpoint, 0, newValid-oldConfirmed)
	incoming := make([]*types.BlockRef, 0, newValid-oldConfirmed)
	for height := oldConfirmed + 1; height <= newValid; height++ {
		h, err := c.store.candidateHash(height)
		if err != nil {
			return errors.Wrap(types.ErrChainCorrupt, err.Error())
		}
		body, err := c.store.block(&h)
		if err != nil {
			return errors.Wrap(types.ErrChainCorrupt, err.Error())
		}
		confirmed = append(confirmed, types.NewCheckpoint(h, height))
		incoming = append(incoming, body)
	}

	if err := c.store.applyConfirmations(confirmed, newValid); err != nil {
		return errors.Wrap(types.ErrChainCorrupt, err.Error())
	}

	c.tipMu.Lock()
	c.confirmedTip = newValid
	c.topValid = newValid
	c.tipMu.Unlock()

	c.logger.Debug().
		Uint64("fork", oldConfirmed).
		Int("blocks", len(incoming)).
		Msg("Confirmed chain extended")

	c.events.notify(&notification{
		kind:       notifyReorganize,
		forkHeight: oldConfirmed,
		inBlocks:   incoming,
	})
	return nil
}

// AnnounceTransaction publishes a mempool arrival to subscribers.
func (c *Chain) AnnounceTransaction(tx *btcutil.Tx) {
	if c.Stopped() {
		return
	}
	c.events.notify(&notification{kind: notifyTransaction, tx: tx})
}
