// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"

	"gitlab.com/bitnode/bitnoded/network/peer"
	"gitlab.com/bitnode/bitnoded/node/downloads"
	"gitlab.com/bitnode/bitnoded/types"
)

// pollInterval is the cadence at which an idle outbound session checks the
// reservation queue and its current slot's health.
const pollInterval = time.Second

// Outbound drives a dialed or operator-pinned peer: it synchronizes the
// candidate header chain and consumes download reservations, issuing
// getdata for each reserved block.
type Outbound struct {
	session
	reservations *downloads.Reservations

	mu      sync.Mutex
	current *downloads.Reservation
}

func newOutbound(kind string, conn net.Conn, addr string, base peer.Config,
	chain Chain, reservations *downloads.Reservations,
	logger zerolog.Logger) *Outbound {

	o := &Outbound{
		session:      newSession(kind, conn, chain, logger),
		reservations: reservations,
	}
	base.Listeners = peer.MessageListeners{
		OnVerAck:  o.onVerAck,
		OnHeaders: o.onHeaders,
		OnBlock:   o.onBlock,
		OnInv:     o.onInv,
	}
	o.peer = peer.NewOutboundPeer(addr, base)
	return o
}

// Run blocks until the peer disconnects or the session is stopped. Any
// reservation still held on exit is released so another session may claim
// it.
func (o *Outbound) Run() {
	o.peer.AssociateConnection(o.conn)

	go func() {
		o.peer.WaitForDisconnect()
		o.Stop()
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.poll()
		case <-o.quit:
			o.release()
			return
		}
	}
}

// poll claims work when idle and enforces the deadline and cohort-relative
// rate bound on the held slot. A violating peer loses the slot and the
// connection. Bytes are recorded on a slot only when its block arrives, just
// before the slot settles, so the rate bound does not trip while a block is
// in flight; the deadline is what reclaims a slow slot.
func (o *Outbound) poll() {
	if !o.peer.VerAckReceived() {
		return
	}

	o.mu.Lock()
	current := o.current
	o.mu.Unlock()

	if current != nil {
		if current.Expired(time.Now()) || current.Stalled() {
			o.logger.Warn().
				Uint64("height", current.Height()).
				Msg("Block download too slow, dropping peer")
			o.setCurrent(nil)
			current.Requeue()
			o.Stop()
		}
		return
	}

	reservation := o.reservations.Get()
	if reservation == nil {
		return
	}
	o.setCurrent(reservation)

	hash := reservation.Hash()
	getData := wire.NewMsgGetData()
	_ = getData.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &hash))
	o.peer.QueueMessage(getData, nil)
}

func (o *Outbound) setCurrent(r *downloads.Reservation) {
	o.mu.Lock()
	o.current = r
	o.mu.Unlock()
}

// release returns a held slot to the queue front on session exit.
func (o *Outbound) release() {
	o.mu.Lock()
	current := o.current
	o.current = nil
	o.mu.Unlock()

	if current != nil {
		current.Requeue()
	}
}

// onVerAck requests headers as soon as the handshake completes.
func (o *Outbound) onVerAck(_ *peer.Peer, _ *wire.MsgVerAck) {
	o.requestHeaders()
}

func (o *Outbound) requestHeaders() {
	top, ok := o.chain.GetTop(true)
	if !ok {
		return
	}
	msg := wire.NewMsgGetHeaders()
	_ = msg.AddBlockLocatorHash(&top.Hash)
	o.peer.QueueMessage(msg, nil)
}

// onHeaders feeds announced headers to the chain and keeps pulling until
// the peer has nothing newer.
func (o *Outbound) onHeaders(_ *peer.Peer, msg *wire.MsgHeaders) {
	if len(msg.Headers) == 0 {
		return
	}
	refs := make([]*types.HeaderRef, 0, len(msg.Headers))
	for _, header := range msg.Headers {
		refs = append(refs, types.NewHeaderRef(*header))
	}
	if err := o.organizeHeaders(refs); err == nil || err == types.ErrOrphanHeader {
		o.requestHeaders()
	}
}

// onBlock settles the held reservation when the reserved block arrives.
func (o *Outbound) onBlock(_ *peer.Peer, msg *wire.MsgBlock, buf []byte) {
	hash := msg.BlockHash()

	o.mu.Lock()
	current := o.current
	o.mu.Unlock()

	if current == nil || current.Hash() != hash {
		o.logger.Trace().Str("hash", hash.String()).Msg("Ignoring unreserved block")
		return
	}

	current.RecordBytes(len(buf))
	o.setCurrent(nil)
	if err := current.Done(types.NewBlockRef(msg)); err != nil &&
		err != types.ErrServiceStopped {

		o.logger.Warn().Err(err).Str("hash", hash.String()).
			Msg("Failed to organize downloaded block")
	}
}

// onInv treats block announcements as a cue to refresh the header chain.
func (o *Outbound) onInv(_ *peer.Peer, msg *wire.MsgInv) {
	for _, inv := range msg.InvList {
		if inv.Type == wire.InvTypeBlock {
			o.requestHeaders()
			return
		}
	}
}
