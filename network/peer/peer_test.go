// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer_test

import (
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/bitnode/bitnoded/corelog"
	"gitlab.com/bitnode/bitnoded/network/peer"
)

func testConfig(listeners peer.MessageListeners) peer.Config {
	return peer.Config{
		NewestBlock: func() (chainhash.Hash, uint64) {
			return *chaincfg.RegressionNetParams.GenesisHash, 0
		},
		ChainParams:      &chaincfg.RegressionNetParams,
		Services:         wire.SFNodeNetwork | wire.SFNodeWitness,
		ProtocolVersion:  wire.ProtocolVersion,
		UserAgentName:    "bitnoded-test",
		UserAgentVersion: "0.0.1",
		Listeners:        listeners,
		Logger:           corelog.Disabled,
	}
}

// connectPair builds a negotiated inbound/outbound peer pair over loopback.
func connectPair(t *testing.T, inListeners, outListeners peer.MessageListeners) (*peer.Peer, *peer.Peer) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	outConn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)

	var inConn net.Conn
	select {
	case inConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}

	in := peer.NewInboundPeer(testConfig(inListeners))
	in.AssociateConnection(inConn)

	out := peer.NewOutboundPeer(listener.Addr().String(), testConfig(outListeners))
	out.AssociateConnection(outConn)

	t.Cleanup(func() {
		out.Disconnect()
		in.Disconnect()
	})
	return in, out
}

func TestVersionVerAckNegotiation(t *testing.T) {
	in, out := connectPair(t, peer.MessageListeners{}, peer.MessageListeners{})

	require.Eventually(t, func() bool {
		return in.VerAckReceived() && out.VerAckReceived()
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, uint32(wire.ProtocolVersion), in.ProtocolVersion())
	assert.Equal(t, uint32(wire.ProtocolVersion), out.ProtocolVersion())
	assert.Equal(t, wire.SFNodeNetwork|wire.SFNodeWitness, in.Services())
	assert.True(t, in.Inbound())
	assert.False(t, out.Inbound())
}

func TestMessageDispatch(t *testing.T) {
	headersSeen := make(chan int, 1)
	in, out := connectPair(t, peer.MessageListeners{
		OnHeaders: func(_ *peer.Peer, msg *wire.MsgHeaders) {
			headersSeen <- len(msg.Headers)
		},
	}, peer.MessageListeners{})

	require.Eventually(t, func() bool {
		return in.VerAckReceived() && out.VerAckReceived()
	}, 2*time.Second, 10*time.Millisecond)

	msg := wire.NewMsgHeaders()
	header := wire.BlockHeader{Nonce: 1, Timestamp: time.Unix(1700000000, 0)}
	require.NoError(t, msg.AddBlockHeader(&header))

	done := make(chan struct{}, 1)
	out.QueueMessage(msg, done)
	<-done

	select {
	case count := <-headersSeen:
		assert.Equal(t, 1, count)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for headers dispatch")
	}
}

func TestDisconnectPropagates(t *testing.T) {
	in, out := connectPair(t, peer.MessageListeners{}, peer.MessageListeners{})

	require.Eventually(t, func() bool {
		return in.VerAckReceived() && out.VerAckReceived()
	}, 2*time.Second, 10*time.Millisecond)

	out.Disconnect()
	out.WaitForDisconnect()

	// The read side observes the close and tears down.
	require.Eventually(t, func() bool {
		return !in.Connected()
	}, 2*time.Second, 10*time.Millisecond)
}
