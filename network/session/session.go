// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package session implements the per-peer protocol drivers attached by the
// network facade. Outbound and manual sessions consume download
// reservations and feed completed blocks to the chain; inbound sessions
// primarily serve headers and blocks to peers. All sessions hold a narrow
// chain view, never the full node.
package session

import (
	"net"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/rs/zerolog"

	"gitlab.com/bitnode/bitnoded/network/p2p"
	"gitlab.com/bitnode/bitnoded/network/peer"
	"gitlab.com/bitnode/bitnoded/node/downloads"
	"gitlab.com/bitnode/bitnoded/types"
)

// Chain is the narrow chain view sessions operate against.
type Chain interface {
	GetTop(candidate bool) (types.Checkpoint, bool)
	OrganizeHeaders(incoming []*types.HeaderRef) error
	Block(hash *chainhash.Hash) (*types.BlockRef, bool)
	LocateHeaders(locators []*chainhash.Hash, stop *chainhash.Hash) []*types.HeaderRef
}

// Factory builds sessions for the network facade. It closes over the chain
// view and the reservation queue so sessions never see the node.
type Factory struct {
	chain        Chain
	reservations *downloads.Reservations
	logger       zerolog.Logger
}

// NewFactory returns a session factory.
func NewFactory(chain Chain, reservations *downloads.Reservations,
	logger zerolog.Logger) *Factory {

	return &Factory{chain: chain, reservations: reservations, logger: logger}
}

// AttachInboundSession creates a serving session for an accepted peer.
func (f *Factory) AttachInboundSession(conn net.Conn, base peer.Config) p2p.Session {
	return newInbound(conn, base, f.chain, f.logger)
}

// AttachOutboundSession creates a downloading session for a dialed peer.
func (f *Factory) AttachOutboundSession(conn net.Conn, addr string,
	base peer.Config) p2p.Session {

	return newOutbound("outbound", conn, addr, base, f.chain, f.reservations, f.logger)
}

// AttachManualSession creates a downloading session for an operator-pinned
// peer.
func (f *Factory) AttachManualSession(conn net.Conn, addr string,
	base peer.Config) p2p.Session {

	return newOutbound("manual", conn, addr, base, f.chain, f.reservations, f.logger)
}

// session carries the state common to all session kinds.
type session struct {
	kind  string
	chain Chain
	conn  net.Conn
	peer  *peer.Peer

	stopOnce sync.Once
	quit     chan struct{}

	logger zerolog.Logger
}

func newSession(kind string, conn net.Conn, chain Chain, logger zerolog.Logger) session {
	return session{
		kind:   kind,
		chain:  chain,
		conn:   conn,
		quit:   make(chan struct{}),
		logger: logger.With().Str("session", kind).Logger(),
	}
}

// Stop tears the session down asynchronously.
func (s *session) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.peer != nil {
			s.peer.Disconnect()
		}
	})
}

// organizeHeaders feeds announced headers into the chain. Outbound sessions
// answer orphan runs with a fresh locator request.
func (s *session) organizeHeaders(headers []*types.HeaderRef) error {
	err := s.chain.OrganizeHeaders(headers)
	switch err {
	case nil, types.ErrServiceStopped:
	case types.ErrOrphanHeader:
		s.logger.Debug().Msg("Orphan header run, re-requesting")
	default:
		s.logger.Warn().Err(err).Msg("Failed to organize headers")
	}
	return err
}
