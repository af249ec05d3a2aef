// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2018 The Decred developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package peer provides the per-connection bitcoin protocol driver used by
// all session kinds: version/verack negotiation, heartbeat, inactivity
// bounds and a serialized outbound queue. Wire framing is delegated to the
// btcd wire package.
package peer

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"

	"gitlab.com/bitnode/bitnoded/types"
)

const (
	// pingInterval is the heartbeat period.
	pingInterval = 2 * time.Minute

	// idleTimeout disconnects a peer with no traffic at all.
	idleTimeout = 5 * time.Minute

	// negotiateTimeout bounds the version/verack handshake.
	negotiateTimeout = 30 * time.Second

	// outputBufferSize is the number of elements the output channels use.
	outputBufferSize = 50
)

// nodeCount is the total peer count used to assign peer ids.
var nodeCount int32

// MessageListeners defines callback function pointers to invoke with
// message types. Callbacks run on the peer's input goroutine; expensive work
// belongs on the owning session's goroutines.
type MessageListeners struct {
	OnVersion    func(p *Peer, msg *wire.MsgVersion)
	OnVerAck     func(p *Peer, msg *wire.MsgVerAck)
	OnHeaders    func(p *Peer, msg *wire.MsgHeaders)
	OnBlock      func(p *Peer, msg *wire.MsgBlock, buf []byte)
	OnInv        func(p *Peer, msg *wire.MsgInv)
	OnGetData    func(p *Peer, msg *wire.MsgGetData)
	OnGetHeaders func(p *Peer, msg *wire.MsgGetHeaders)
	OnDisconnect func(p *Peer)
}

// Config supplies a peer's immutable wiring.
type Config struct {
	// NewestBlock reports the local confirmed top for version messages.
	NewestBlock func() (chainhash.Hash, uint64)

	ChainParams      *chaincfg.Params
	Services         wire.ServiceFlag
	ProtocolVersion  uint32
	UserAgentName    string
	UserAgentVersion string
	Listeners        MessageListeners
	Logger           zerolog.Logger
}

type outMsg struct {
	msg      wire.Message
	doneChan chan<- struct{}
}

// Peer is one remote node connection. All exported methods are safe for
// concurrent access.
type Peer struct {
	bytesReceived uint64
	bytesSent     uint64
	connected     int32
	disconnected  int32

	id      int32
	inbound bool
	addr    string
	cfg     Config

	conn net.Conn

	flagsMtx        sync.Mutex
	remoteServices  wire.ServiceFlag
	remoteVersion   uint32
	protocolVersion uint32
	startingHeight  int32
	versionKnown    bool
	verAckReceived  bool

	outputQueue chan outMsg
	quit        chan struct{}
	wg          sync.WaitGroup

	logger zerolog.Logger
}

func newPeer(addr string, inbound bool, cfg Config) *Peer {
	id := atomic.AddInt32(&nodeCount, 1)
	return &Peer{
		id:              id,
		inbound:         inbound,
		addr:            addr,
		cfg:             cfg,
		protocolVersion: cfg.ProtocolVersion,
		outputQueue:     make(chan outMsg, outputBufferSize),
		quit:            make(chan struct{}),
		logger: cfg.Logger.With().
			Int32("peer", id).Str("addr", addr).Bool("inbound", inbound).
			Logger(),
	}
}

// NewInboundPeer returns a peer for an accepted connection.
func NewInboundPeer(cfg Config) *Peer {
	return newPeer("", true, cfg)
}

// NewOutboundPeer returns a peer for the given dial address.
func NewOutboundPeer(addr string, cfg Config) *Peer {
	return newPeer(addr, false, cfg)
}

// ID returns the peer id assigned at construction.
func (p *Peer) ID() int32 { return p.id }

// Inbound reports the connection direction.
func (p *Peer) Inbound() bool { return p.inbound }

// Addr returns the peer address.
func (p *Peer) Addr() string { return p.addr }

// String returns the peer's address and direction.
func (p *Peer) String() string {
	direction := "outbound"
	if p.inbound {
		direction = "inbound"
	}
	return fmt.Sprintf("%s (%s)", p.addr, direction)
}

// Services returns the remote peer's advertised services.
func (p *Peer) Services() wire.ServiceFlag {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()
	return p.remoteServices
}

// ProtocolVersion returns the negotiated protocol version.
func (p *Peer) ProtocolVersion() uint32 {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()
	return p.protocolVersion
}

// StartingHeight returns the height the remote peer announced at handshake.
func (p *Peer) StartingHeight() int32 {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()
	return p.startingHeight
}

// VerAckReceived reports whether the handshake completed.
func (p *Peer) VerAckReceived() bool {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()
	return p.verAckReceived
}

// BytesReceived returns the total bytes read from this peer.
func (p *Peer) BytesReceived() uint64 {
	return atomic.LoadUint64(&p.bytesReceived)
}

// BytesSent returns the total bytes written to this peer.
func (p *Peer) BytesSent() uint64 {
	return atomic.LoadUint64(&p.bytesSent)
}

// Connected reports whether the peer is associated and not disconnected.
func (p *Peer) Connected() bool {
	return atomic.LoadInt32(&p.connected) != 0 &&
		atomic.LoadInt32(&p.disconnected) == 0
}

// AssociateConnection binds the peer to an established connection and
// starts its handlers. The handshake runs asynchronously; listeners fire as
// it progresses.
func (p *Peer) AssociateConnection(conn net.Conn) {
	if !atomic.CompareAndSwapInt32(&p.connected, 0, 1) {
		return
	}
	p.conn = conn
	if p.inbound {
		p.addr = conn.RemoteAddr().String()
		p.logger = p.logger.With().Str("addr", p.addr).Logger()
	}

	go func() {
		if err := p.negotiate(); err != nil {
			p.logger.Debug().Err(err).Msg("Handshake failed")
			p.Disconnect()
			return
		}
		p.wg.Add(3)
		go p.inHandler()
		go p.outHandler()
		go p.pingHandler()
	}()
}

// Disconnect severs the connection and signals all handlers. Safe to call
// multiple times.
func (p *Peer) Disconnect() {
	if !atomic.CompareAndSwapInt32(&p.disconnected, 0, 1) {
		return
	}
	if atomic.LoadInt32(&p.connected) != 0 {
		p.conn.Close()
	}
	close(p.quit)

	if p.cfg.Listeners.OnDisconnect != nil {
		p.cfg.Listeners.OnDisconnect(p)
	}
}

// WaitForDisconnect blocks until the peer is disconnected and its handlers
// have drained.
func (p *Peer) WaitForDisconnect() {
	<-p.quit
	p.wg.Wait()
}

// QueueMessage adds a message to the outbound queue. doneChan, when not
// nil, receives one value after the message is written or dropped.
func (p *Peer) QueueMessage(msg wire.Message, doneChan chan<- struct{}) {
	if !p.Connected() {
		if doneChan != nil {
			go func() { doneChan <- struct{}{} }()
		}
		return
	}
	select {
	case p.outputQueue <- outMsg{msg: msg, doneChan: doneChan}:
	case <-p.quit:
		if doneChan != nil {
			go func() { doneChan <- struct{}{} }()
		}
	}
}

// localVersionMsg builds the version message advertised to the remote peer.
func (p *Peer) localVersionMsg() (*wire.MsgVersion, error) {
	var blockNum int32
	if p.cfg.NewestBlock != nil {
		_, height := p.cfg.NewestBlock()
		blockNum = int32(height)
	}

	theirNA := &wire.NetAddress{Timestamp: time.Now()}
	if tcpAddr, ok := p.conn.RemoteAddr().(*net.TCPAddr); ok {
		theirNA = wire.NewNetAddress(tcpAddr, 0)
	}
	ourNA := wire.NewNetAddressIPPort(net.IPv4zero, 0, p.cfg.Services)

	nonce := uint64(time.Now().UnixNano())
	msg := wire.NewMsgVersion(ourNA, theirNA, nonce, blockNum)
	msg.Services = p.cfg.Services
	msg.ProtocolVersion = int32(p.cfg.ProtocolVersion)
	if err := msg.AddUserAgent(p.cfg.UserAgentName, p.cfg.UserAgentVersion); err != nil {
		return nil, err
	}
	return msg, nil
}

// negotiate performs the version/verack exchange on the calling goroutine,
// bounded by negotiateTimeout. Outbound peers speak first.
func (p *Peer) negotiate() error {
	if err := p.conn.SetDeadline(time.Now().Add(negotiateTimeout)); err != nil {
		return err
	}
	defer p.conn.SetDeadline(time.Time{})

	if !p.inbound {
		if err := p.writeMessage(nil); err != nil {
			return err
		}
	}

	versionSeen, verAckSeen := false, false
	for !versionSeen || !verAckSeen {
		msg, _, err := p.readMessage()
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case *wire.MsgVersion:
			if versionSeen {
				return types.ErrNetwork
			}
			versionSeen = true
			p.handleVersion(m)
			if p.inbound {
				if err := p.writeMessage(nil); err != nil {
					return err
				}
			}
			if err := p.writeDirect(wire.NewMsgVerAck()); err != nil {
				return err
			}
			if p.cfg.Listeners.OnVersion != nil {
				p.cfg.Listeners.OnVersion(p, m)
			}

		case *wire.MsgVerAck:
			if !versionSeen {
				return types.ErrNetwork
			}
			verAckSeen = true
			p.flagsMtx.Lock()
			p.verAckReceived = true
			p.flagsMtx.Unlock()
			if p.cfg.Listeners.OnVerAck != nil {
				p.cfg.Listeners.OnVerAck(p, m)
			}

		default:
			// Feature negotiation messages (wtxidrelay, sendaddrv2)
			// may arrive between version and verack; skip them.
			p.logger.Trace().Str("command", msg.Command()).
				Msg("Skipping message during handshake")
		}
	}

	p.logger.Debug().
		Uint32("protocol", p.ProtocolVersion()).
		Int32("height", p.StartingHeight()).
		Msg("Connected to peer")
	return nil
}

func (p *Peer) handleVersion(msg *wire.MsgVersion) {
	p.flagsMtx.Lock()
	p.remoteServices = msg.Services
	p.remoteVersion = uint32(msg.ProtocolVersion)
	if p.remoteVersion < p.protocolVersion {
		p.protocolVersion = p.remoteVersion
	}
	p.startingHeight = msg.LastBlock
	p.versionKnown = true
	p.flagsMtx.Unlock()
}

// writeMessage with a nil argument sends the local version message.
func (p *Peer) writeMessage(msg wire.Message) error {
	if msg == nil {
		version, err := p.localVersionMsg()
		if err != nil {
			return err
		}
		msg = version
	}
	return p.writeDirect(msg)
}

func (p *Peer) writeDirect(msg wire.Message) error {
	n, err := wire.WriteMessageN(p.conn, msg, p.ProtocolVersion(),
		p.cfg.ChainParams.Net)
	atomic.AddUint64(&p.bytesSent, uint64(n))
	return err
}

func (p *Peer) readMessage() (wire.Message, []byte, error) {
	n, msg, buf, err := wire.ReadMessageN(p.conn, p.ProtocolVersion(),
		p.cfg.ChainParams.Net)
	atomic.AddUint64(&p.bytesReceived, uint64(n))
	return msg, buf, err
}

// inHandler reads and dispatches messages until the connection drops. The
// idle timeout bounds inactivity; heartbeats keep healthy peers inside it.
func (p *Peer) inHandler() {
	defer p.wg.Done()

	for atomic.LoadInt32(&p.disconnected) == 0 {
		if err := p.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			break
		}
		msg, buf, err := p.readMessage()
		if err != nil {
			if atomic.LoadInt32(&p.disconnected) == 0 {
				p.logger.Debug().Err(err).Msg("Read failed, disconnecting peer")
			}
			break
		}

		switch m := msg.(type) {
		case *wire.MsgPing:
			p.QueueMessage(wire.NewMsgPong(m.Nonce), nil)
		case *wire.MsgPong:
			// Heartbeat round trip observed; nothing to do.
		case *wire.MsgHeaders:
			if p.cfg.Listeners.OnHeaders != nil {
				p.cfg.Listeners.OnHeaders(p, m)
			}
		case *wire.MsgBlock:
			if p.cfg.Listeners.OnBlock != nil {
				p.cfg.Listeners.OnBlock(p, m, buf)
			}
		case *wire.MsgInv:
			if p.cfg.Listeners.OnInv != nil {
				p.cfg.Listeners.OnInv(p, m)
			}
		case *wire.MsgGetData:
			if p.cfg.Listeners.OnGetData != nil {
				p.cfg.Listeners.OnGetData(p, m)
			}
		case *wire.MsgGetHeaders:
			if p.cfg.Listeners.OnGetHeaders != nil {
				p.cfg.Listeners.OnGetHeaders(p, m)
			}
		default:
			p.logger.Trace().Str("command", msg.Command()).
				Msg("Ignoring unhandled message")
		}
	}

	p.Disconnect()
}

// outHandler serializes all outbound traffic.
func (p *Peer) outHandler() {
	defer p.wg.Done()

	for {
		select {
		case out := <-p.outputQueue:
			if err := p.writeDirect(out.msg); err != nil {
				p.logger.Debug().Err(err).Msg("Write failed, disconnecting peer")
				if out.doneChan != nil {
					out.doneChan <- struct{}{}
				}
				p.Disconnect()
				return
			}
			if out.doneChan != nil {
				out.doneChan <- struct{}{}
			}
		case <-p.quit:
			return
		}
	}
}

// pingHandler periodically pings the peer so both sides stay inside their
// inactivity bounds.
func (p *Peer) pingHandler() {
	defer p.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			nonce := uint64(time.Now().UnixNano())
			p.QueueMessage(wire.NewMsgPing(nonce), nil)
		case <-p.quit:
			return
		}
	}
}
