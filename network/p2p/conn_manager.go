// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package p2p

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/btcsuite/go-socks/socks"
	"github.com/cenkalti/backoff"
)

var errServerStopped = errors.New("server stopped")

// retryInterval is how often the connection manager tops up outbound peers.
const retryInterval = 10 * time.Second

// dialMaxElapsed bounds the per-address retry schedule.
const dialMaxElapsed = time.Minute

// connHandler maintains the outbound peer target from the host pool. It
// runs on its own goroutine until the server stops.
func (s *Server) connHandler() {
	defer s.wg.Done()

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		s.topUpOutbound()
		select {
		case <-ticker.C:
		case <-s.quit:
			return
		}
	}
}

// topUpOutbound starts at most one dial per pass so pool sampling stays
// honest while the target is approached. Dials in flight are not counted;
// the 10s cadence makes the overshoot window irrelevant.
func (s *Server) topUpOutbound() {
	if atomic.LoadInt32(&s.outboundCount) >= int32(s.cfg.OutboundConnections) {
		return
	}
	addr, ok := s.hosts.Pick()
	if !ok {
		return
	}
	s.wg.Add(1)
	go s.connectOutbound(addr)
}

func (s *Server) connectOutbound(addr string) {
	defer s.wg.Done()

	conn, err := s.dialRetry(addr)
	if err != nil {
		s.logger.Debug().Err(err).Str("addr", addr).Msg("Outbound dial failed")
		s.hosts.Remove(addr)
		return
	}
	session := s.factory.AttachOutboundSession(conn, addr, s.peerConfig())
	s.runSession(session, &s.outboundCount)
}

// dialRetry dials with exponential backoff, bounded by dialMaxElapsed, and
// aborts early when the server stops.
func (s *Server) dialRetry(addr string) (net.Conn, error) {
	var conn net.Conn

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = dialMaxElapsed

	err := backoff.Retry(func() error {
		if s.Stopped() {
			return backoff.Permanent(errServerStopped)
		}
		c, err := s.dial(addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// dial opens one connection, via the configured SOCKS5 proxy when set.
func (s *Server) dial(addr string) (net.Conn, error) {
	if s.cfg.Proxy != "" {
		proxy := &socks.Proxy{Addr: s.cfg.Proxy}
		return proxy.Dial("tcp", addr)
	}
	return net.DialTimeout("tcp", addr, s.cfg.ConnectTimeout)
}
