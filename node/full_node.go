// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package node implements the full-node coordinator: the lifecycle state
// machine binding the chain facade to the P2P network facade, and the reorg
// handlers that keep the download reservation queue coherent as the
// candidate chain shifts.
package node

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"gitlab.com/bitnode/bitnoded/node/blockchain"
	"gitlab.com/bitnode/bitnoded/node/downloads"
	"gitlab.com/bitnode/bitnoded/types"
)

// Chain is the node's view of the blockchain facade.
type Chain interface {
	Start() error
	Stop() bool
	Close() bool

	GetTop(candidate bool) (types.Checkpoint, bool)
	TopValidCandidateState() types.Checkpoint
	GetDownloadable(height uint64) (chainhash.Hash, bool)
	CandidateHash(height uint64) (chainhash.Hash, bool)
	OrganizeBlock(block *types.BlockRef) error

	SubscribeHeaders(blockchain.HeaderHandler)
	SubscribeBlocks(blockchain.BlockHandler)
	SubscribeTransactions(blockchain.TxHandler)
}

// Network is the node's view of the P2P facade. Start completes on the
// calling goroutine; Run returns after spawning session workers.
type Network interface {
	Start() error
	Run() error
	Stop() bool
	Close() bool
}

// FullNode is the top-level coordinator. It exclusively owns the chain and
// network facades and the reservation queue for its lifetime.
type FullNode struct {
	// mu serializes the lifecycle state machine.
	mu     sync.Mutex
	status Status

	chain        Chain
	net          Network
	reservations *downloads.Reservations

	topMu     sync.RWMutex
	topBlock  types.Checkpoint
	topHeader types.Checkpoint

	logger zerolog.Logger
}

// New wires a full node from its collaborators. Sessions receive the
// reservation queue and a narrow chain view directly, never the node.
func New(chain Chain, net Network, reservations *downloads.Reservations,
	logger zerolog.Logger) *FullNode {

	return &FullNode{
		status:       Unstarted,
		chain:        chain,
		net:          net,
		reservations: reservations,
		logger:       logger,
	}
}

// Status returns the current lifecycle state.
func (n *FullNode) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// Stopped reports whether the node is outside the started/running band.
func (n *FullNode) Stopped() bool {
	return n.Status().stopped()
}

// Reservations exposes the download queue to session wiring.
func (n *FullNode) Reservations() *downloads.Reservations {
	return n.reservations
}

// TopBlock returns the cached confirmed top.
func (n *FullNode) TopBlock() types.Checkpoint {
	n.topMu.RLock()
	defer n.topMu.RUnlock()
	return n.topBlock
}

// TopHeader returns the cached candidate top.
func (n *FullNode) TopHeader() types.Checkpoint {
	n.topMu.RLock()
	defer n.topMu.RUnlock()
	return n.topHeader
}

func (n *FullNode) setTopBlock(cp types.Checkpoint) {
	n.topMu.Lock()
	n.topBlock = cp
	n.topMu.Unlock()
}

func (n *FullNode) setTopHeader(cp types.Checkpoint) {
	n.topMu.Lock()
	n.topHeader = cp
	n.topMu.Unlock()
}

// Start invokes the startup sequence: the chain first, then the network.
// It must be called from the constructing goroutine and returns exactly
// once. Starting a node that is not unstarted fails.
func (n *FullNode) Start() error {
	n.mu.Lock()
	if n.status != Unstarted {
		n.mu.Unlock()
		return types.ErrOperationFailed
	}
	n.status = Starting
	n.mu.Unlock()

	if err := n.chain.Start(); err != nil {
		n.logger.Error().Err(err).Msg("Failure starting blockchain.")
		n.setStatus(Unstarted)
		return types.ErrOperationFailed
	}

	if err := n.net.Start(); err != nil {
		n.logger.Error().Err(err).Msg("Failure starting network.")
		n.chain.Stop()
		n.setStatus(Unstarted)
		return types.ErrOperationFailed
	}

	n.setStatus(Started)
	return nil
}

// Run seeds the download queue from chain state, subscribes the reorg
// handlers and begins long-running sessions. Call after Start has returned
// successfully.
func (n *FullNode) Run() error {
	n.mu.Lock()
	if n.status != Started {
		n.mu.Unlock()
		return types.ErrServiceStopped
	}
	n.mu.Unlock()

	confirmed, ok := n.chain.GetTop(false)
	if !ok {
		n.logger.Error().Msg("The block chain is corrupt.")
		return types.ErrOperationFailed
	}
	n.setTopBlock(confirmed)
	n.logger.Info().Msgf("Top confirmed block height is (%d).", confirmed.Height)

	candidate, ok := n.chain.GetTop(true)
	if !ok {
		n.logger.Error().Msg("The candidate chain is corrupt.")
		return types.ErrOperationFailed
	}
	n.setTopHeader(candidate)
	n.logger.Info().Msgf("Top candidate block height is (%d).", candidate.Height)

	topValid := n.chain.TopValidCandidateState().Height
	startHeight := topValid + 1
	n.logger.Info().Msgf("Top valid candidate block height (%d).", topValid)

	// Scan the header index from the top down until just after the last
	// valid block. The start height is pushed even when its body is
	// already present, which prevents a stall when the next candidate
	// after the last valid block is non-empty. The top valid height, at
	// least genesis, bounds the scan from below.
	for height := candidate.Height; height > topValid; height-- {
		hash, downloadable := n.chain.GetDownloadable(height)
		if !downloadable {
			if height != startHeight {
				continue
			}
			if hash, ok = n.chain.CandidateHash(height); !ok {
				n.logger.Error().Msg("The candidate chain is corrupt.")
				return types.ErrOperationFailed
			}
		}
		n.reservations.PushFront(hash, height)
	}

	n.logger.Info().Msgf("Pending block downloads (%d).", n.reservations.Size())

	n.chain.SubscribeHeaders(n.handleReindexed)
	n.chain.SubscribeBlocks(n.handleReorganized)

	n.setStatus(Running)

	// Sessions spawn on network worker goroutines; this returns promptly.
	return n.net.Run()
}

// handleReindexed observes header-chain reorganizations and reshapes the
// download queue. A typical reorganization consists of one incoming and
// zero outgoing headers. Returning false unsubscribes.
func (n *FullNode) handleReindexed(err error, forkHeight uint64,
	incoming, outgoing []*types.HeaderRef) bool {

	if n.Stopped() || errors.Is(err, types.ErrServiceStopped) {
		return false
	}
	if err != nil {
		n.logger.Error().Err(err).Msg("Failure handling reindex.")
		n.Stop()
		return false
	}
	if len(incoming) == 0 {
		return true
	}

	// First pop height is the highest outgoing. Popping high-first means
	// only tail entries are candidates for removal.
	height := forkHeight + uint64(len(outgoing))
	for i := len(outgoing) - 1; i >= 0; i-- {
		n.reservations.PopBack(outgoing[i], height)
		height--
	}

	// Incoming push low-first so the queue tail always reflects the
	// newest candidate. Bodies can't be assumed present for any of them.
	for _, header := range incoming {
		height++
		n.reservations.PushBack(header.Hash(), height)
	}

	n.setTopHeader(types.NewCheckpoint(incoming[len(incoming)-1].Hash(), height))
	return true
}

// handleReorganized observes block-chain reorganizations. The header
// reindex is authoritative for the download queue, so only the confirmed
// cursor moves here.
func (n *FullNode) handleReorganized(err error, forkHeight uint64,
	incoming, outgoing []*types.BlockRef) bool {

	if n.Stopped() || errors.Is(err, types.ErrServiceStopped) {
		return false
	}
	if err != nil {
		n.logger.Error().Err(err).Msg("Failure handling reorganization.")
		n.Stop()
		return false
	}

	for _, block := range outgoing {
		n.logger.Debug().Msgf("Reorganization moved block to pool [%s]", block.Hash())
	}

	if len(incoming) == 0 {
		return true
	}

	last := incoming[len(incoming)-1]
	n.setTopBlock(types.NewCheckpoint(last.Hash(), forkHeight+uint64(len(incoming))))
	return true
}

// Stop signals work suspension on both subsystems and returns the
// conjunction of their results. Idempotent: stopping an already stopping or
// stopped node is a no-op success.
func (n *FullNode) Stop() bool {
	n.mu.Lock()
	switch n.status {
	case Stopping, Stopped, Closed:
		n.mu.Unlock()
		return true
	}
	n.status = Stopping
	n.mu.Unlock()

	// Suspend new network work first so sessions stop consuming
	// reservations before the chain stops accepting their results.
	netStopped := n.net.Stop()
	chainStopped := n.chain.Stop()

	if !netStopped {
		n.logger.Error().Msg("Failed to stop network.")
	}
	if !chainStopped {
		n.logger.Error().Msg("Failed to stop blockchain.")
	}

	n.setStatus(Stopped)
	return netStopped && chainStopped
}

// Close coalesces all work and releases both subsystems. It must be called
// from the goroutine that constructed the node. Close without a prior start
// succeeds.
func (n *FullNode) Close() bool {
	if !n.Stop() {
		return false
	}

	netClosed := n.net.Close()
	chainClosed := n.chain.Close()

	if !netClosed {
		n.logger.Error().Msg("Failed to close network.")
	}
	if !chainClosed {
		n.logger.Error().Msg("Failed to close blockchain.")
	}

	n.setStatus(Closed)
	return netClosed && chainClosed
}

func (n *FullNode) setStatus(status Status) {
	n.mu.Lock()
	n.status = status
	n.mu.Unlock()
}
