// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"net"

	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"

	"gitlab.com/bitnode/bitnoded/network/peer"
	"gitlab.com/bitnode/bitnoded/types"
)

// Inbound serves headers and blocks to peers that connected to us. Header
// announcements from the peer still flow into the chain.
type Inbound struct {
	session
}

func newInbound(conn net.Conn, base peer.Config, chain Chain,
	logger zerolog.Logger) *Inbound {

	i := &Inbound{session: newSession("inbound", conn, chain, logger)}
	base.Listeners = peer.MessageListeners{
		OnHeaders:    i.onHeaders,
		OnGetHeaders: i.onGetHeaders,
		OnGetData:    i.onGetData,
	}
	i.peer = peer.NewInboundPeer(base)
	return i
}

// Run blocks until the peer disconnects or the session is stopped.
func (i *Inbound) Run() {
	i.peer.AssociateConnection(i.conn)

	go func() {
		i.peer.WaitForDisconnect()
		i.Stop()
	}()

	<-i.quit
}

func (i *Inbound) onHeaders(_ *peer.Peer, msg *wire.MsgHeaders) {
	if len(msg.Headers) == 0 {
		return
	}
	refs := make([]*types.HeaderRef, 0, len(msg.Headers))
	for _, header := range msg.Headers {
		refs = append(refs, types.NewHeaderRef(*header))
	}
	_ = i.organizeHeaders(refs)
}

// onGetHeaders serves the candidate chain after the peer's locator.
func (i *Inbound) onGetHeaders(p *peer.Peer, msg *wire.MsgGetHeaders) {
	headers := i.chain.LocateHeaders(msg.BlockLocatorHashes, &msg.HashStop)
	response := wire.NewMsgHeaders()
	for _, header := range headers {
		h := header.Header()
		if err := response.AddBlockHeader(&h); err != nil {
			break
		}
	}
	p.QueueMessage(response, nil)
}

// onGetData serves stored block bodies, answering misses with notfound.
func (i *Inbound) onGetData(p *peer.Peer, msg *wire.MsgGetData) {
	notFound := wire.NewMsgNotFound()

	for _, inv := range msg.InvList {
		if inv.Type != wire.InvTypeBlock {
			_ = notFound.AddInvVect(inv)
			continue
		}
		hash := inv.Hash
		block, ok := i.chain.Block(&hash)
		if !ok {
			_ = notFound.AddInvVect(inv)
			continue
		}
		p.QueueMessage(block.MsgBlock(), nil)
	}

	if len(notFound.InvList) > 0 {
		p.QueueMessage(notFound, nil)
	}
}
