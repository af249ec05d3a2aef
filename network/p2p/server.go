// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2018 The Decred developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package p2p provides the network facade: listeners, an outbound
// connection manager and session attachment hooks. Start completes on the
// calling goroutine; Run returns immediately after spawning the worker
// goroutines that drive sessions.
package p2p

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"

	"gitlab.com/bitnode/bitnoded/network/peer"
	"gitlab.com/bitnode/bitnoded/types"
)

// Session is a long-running per-peer protocol driver. Run blocks until the
// session ends; Stop requests an asynchronous teardown.
type Session interface {
	Run()
	Stop()
}

// SessionFactory creates the session kinds on demand. The full node wiring
// supplies factories that close over the reservation queue and a narrow
// chain view, not the node itself.
type SessionFactory interface {
	AttachManualSession(conn net.Conn, addr string, base peer.Config) Session
	AttachInboundSession(conn net.Conn, base peer.Config) Session
	AttachOutboundSession(conn net.Conn, addr string, base peer.Config) Session
}

// Config bundles the network facade inputs.
type Config struct {
	Listen              string
	Params              *chaincfg.Params
	Services            wire.ServiceFlag
	ProtocolMaximum     uint32
	UserAgentName       string
	UserAgentVersion    string
	InboundConnections  uint32
	OutboundConnections uint32
	MinimumConnections  uint32
	HostPoolCapacity    uint32
	RotationSize        uint32
	Proxy               string
	ConnectTimeout      time.Duration
	HostsFile           string
	ManualPeers         []string

	// NewestBlock reports the confirmed top for version messages.
	NewestBlock func() (chainhash.Hash, uint64)

	Logger zerolog.Logger
}

// Server is the P2P network facade.
type Server struct {
	started  int32
	shutdown int32

	inboundCount  int32
	outboundCount int32

	cfg     Config
	factory SessionFactory

	listener net.Listener
	hosts    *HostPool

	sessionMtx sync.Mutex
	sessions   map[Session]struct{}

	quit chan struct{}
	wg   sync.WaitGroup

	logger zerolog.Logger
}

// NewServer returns an unstarted network facade.
func NewServer(cfg Config, factory SessionFactory) *Server {
	return &Server{
		cfg:      cfg,
		factory:  factory,
		hosts:    NewHostPool(cfg.HostsFile, cfg.HostPoolCapacity, cfg.RotationSize, cfg.Logger),
		sessions: make(map[Session]struct{}),
		quit:     make(chan struct{}),
		logger:   cfg.Logger,
	}
}

// Hosts exposes the host pool so discovered addresses can be fed back.
func (s *Server) Hosts() *HostPool {
	return s.hosts
}

// Start binds the listener and loads the host pool. It completes on the
// calling goroutine; no worker threads exist until Run.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return types.ErrOperationFailed
	}

	if s.cfg.Listen != "" {
		listener, err := net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			atomic.StoreInt32(&s.started, 0)
			return err
		}
		s.listener = listener
		s.logger.Info().Str("addr", listener.Addr().String()).Msg("Server listening")
	}

	if err := s.hosts.Load(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load host pool cache")
	}
	return nil
}

// Run spawns the accept and connection manager workers and returns. Manual
// peers connect immediately.
func (s *Server) Run() error {
	if atomic.LoadInt32(&s.started) == 0 || atomic.LoadInt32(&s.shutdown) != 0 {
		return types.ErrServiceStopped
	}

	if s.listener != nil {
		s.wg.Add(1)
		go s.acceptHandler()
	}

	s.wg.Add(1)
	go s.connHandler()

	for _, addr := range s.cfg.ManualPeers {
		s.wg.Add(1)
		go s.connectManual(addr)
	}
	return nil
}

// Stop suspends new work: the listener closes and every live session is
// told to stop. Idempotent.
func (s *Server) Stop() bool {
	if atomic.LoadInt32(&s.started) == 0 {
		return true
	}
	if !atomic.CompareAndSwapInt32(&s.shutdown, 0, 1) {
		return true
	}

	close(s.quit)
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close listener")
		}
	}

	s.sessionMtx.Lock()
	for session := range s.sessions {
		session.Stop()
	}
	s.sessionMtx.Unlock()
	return true
}

// Close joins all workers and persists the host pool. Call after Stop from
// the owning goroutine.
func (s *Server) Close() bool {
	if atomic.LoadInt32(&s.started) == 0 {
		return true
	}
	s.Stop()
	s.wg.Wait()

	if err := s.hosts.Save(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to persist host pool cache")
		return false
	}
	return true
}

// Stopped reports whether the facade entered shutdown.
func (s *Server) Stopped() bool {
	return atomic.LoadInt32(&s.shutdown) != 0
}

// Connect dials an address and attaches a manual session to it.
func (s *Server) Connect(addr string) {
	s.wg.Add(1)
	go s.connectManual(addr)
}

// ConnectedCount returns the number of live sessions.
func (s *Server) ConnectedCount() int32 {
	return atomic.LoadInt32(&s.inboundCount) + atomic.LoadInt32(&s.outboundCount)
}

func (s *Server) peerConfig() peer.Config {
	return peer.Config{
		NewestBlock:      s.cfg.NewestBlock,
		ChainParams:      s.cfg.Params,
		Services:         s.cfg.Services,
		ProtocolVersion:  s.cfg.ProtocolMaximum,
		UserAgentName:    s.cfg.UserAgentName,
		UserAgentVersion: s.cfg.UserAgentVersion,
		Logger:           s.logger,
	}
}

// acceptHandler admits inbound connections up to the configured bound.
func (s *Server) acceptHandler() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.Stopped() {
				return
			}
			s.logger.Debug().Err(err).Msg("Accept failed")
			continue
		}

		if atomic.LoadInt32(&s.inboundCount) >= int32(s.cfg.InboundConnections) {
			s.logger.Debug().Str("addr", conn.RemoteAddr().String()).
				Msg("Inbound connection limit reached, refusing peer")
			conn.Close()
			continue
		}

		session := s.factory.AttachInboundSession(conn, s.peerConfig())
		s.runSession(session, &s.inboundCount)
	}
}

func (s *Server) connectManual(addr string) {
	defer s.wg.Done()

	conn, err := s.dialRetry(addr)
	if err != nil {
		s.logger.Warn().Err(err).Str("addr", addr).Msg("Manual connection failed")
		return
	}
	session := s.factory.AttachManualSession(conn, addr, s.peerConfig())
	s.runSession(session, &s.outboundCount)
}

// runSession registers a session and drives it on its own goroutine.
func (s *Server) runSession(session Session, counter *int32) {
	s.sessionMtx.Lock()
	if s.Stopped() {
		s.sessionMtx.Unlock()
		session.Stop()
		return
	}
	s.sessions[session] = struct{}{}
	s.sessionMtx.Unlock()

	atomic.AddInt32(counter, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		session.Run()

		atomic.AddInt32(counter, -1)
		s.sessionMtx.Lock()
		delete(s.sessions, session)
		s.sessionMtx.Unlock()
	}()
}
