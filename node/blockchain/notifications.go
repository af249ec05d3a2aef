// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/rs/zerolog"

	"gitlab.com/bitnode/bitnoded/types"
)

// HeaderHandler observes header-chain reorganizations. Returning false
// unsubscribes the handler; a handler receiving types.ErrServiceStopped must
// return false.
type HeaderHandler func(err error, forkHeight uint64, incoming, outgoing []*types.HeaderRef) bool

// BlockHandler observes block-chain reorganizations with the same contract.
type BlockHandler func(err error, forkHeight uint64, incoming, outgoing []*types.BlockRef) bool

// TxHandler observes mempool arrivals with the same contract.
type TxHandler func(err error, tx *btcutil.Tx) bool

type notificationKind int

const (
	notifyReindex notificationKind = iota
	notifyReorganize
	notifyTransaction
	notifyStop
)

type notification struct {
	kind       notificationKind
	err        error
	forkHeight uint64
	inHeaders  []*types.HeaderRef
	outHeaders []*types.HeaderRef
	inBlocks   []*types.BlockRef
	outBlocks  []*types.BlockRef
	tx         *btcutil.Tx
}

// dispatcher delivers chain notifications to subscribers on a single
// goroutine, in commit order and never concurrently with each other.
type dispatcher struct {
	mu         sync.Mutex
	headerSubs []HeaderHandler
	blockSubs  []BlockHandler
	txSubs     []TxHandler

	queue    chan *notification
	quitC    chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	logger zerolog.Logger
}

func newDispatcher(logger zerolog.Logger) *dispatcher {
	d := &dispatcher{
		queue:  make(chan *notification, 64),
		quitC:  make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go d.run()
	return d
}

func (d *dispatcher) subscribeHeaders(handler HeaderHandler) {
	d.mu.Lock()
	d.headerSubs = append(d.headerSubs, handler)
	d.mu.Unlock()
}

func (d *dispatcher) subscribeBlocks(handler BlockHandler) {
	d.mu.Lock()
	d.blockSubs = append(d.blockSubs, handler)
	d.mu.Unlock()
}

func (d *dispatcher) subscribeTransactions(handler TxHandler) {
	d.mu.Lock()
	d.txSubs = append(d.txSubs, handler)
	d.mu.Unlock()
}

// notify enqueues a notification. Enqueue order is commit order because all
// organizers hold the chain's organization lock while enqueueing.
func (d *dispatcher) notify(n *notification) {
	select {
	case d.queue <- n:
	case <-d.done:
	}
}

// stop signals shutdown without waiting: a handler's own error path may land
// here from the dispatch goroutine, so blocking on it would deadlock. The
// dispatch goroutine delivers a final service-stopped notification to every
// remaining subscriber on its way out; join observes completion.
func (d *dispatcher) stop() {
	d.stopOnce.Do(func() { close(d.quitC) })
}

// join blocks until the dispatch goroutine has exited. Never call it from a
// handler.
func (d *dispatcher) join() {
	<-d.done
}

func (d *dispatcher) run() {
	defer close(d.done)

	for {
		select {
		case n := <-d.queue:
			d.deliver(n)
		case <-d.quitC:
			d.deliverStop(&notification{kind: notifyStop, err: types.ErrServiceStopped})
			return
		}
	}
}

// deliver invokes the matching subscriber set. The subscriber lock is held
// for the duration: handlers run to completion on the dispatch goroutine and
// must not call back into subscribe.
func (d *dispatcher) deliver(n *notification) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch n.kind {
	case notifyReindex:
		d.headerSubs = filterHeaderSubs(d.headerSubs, n)
	case notifyReorganize:
		d.blockSubs = filterBlockSubs(d.blockSubs, n)
	case notifyTransaction:
		kept := d.txSubs[:0:0]
		for _, handler := range d.txSubs {
			if handler(n.err, n.tx) {
				kept = append(kept, handler)
			}
		}
		d.txSubs = kept
	}
}

func (d *dispatcher) deliverStop(n *notification) {
	d.mu.Lock()
	headerSubs := d.headerSubs
	blockSubs := d.blockSubs
	txSubs := d.txSubs
	d.headerSubs, d.blockSubs, d.txSubs = nil, nil, nil
	d.mu.Unlock()

	for _, handler := range headerSubs {
		handler(n.err, 0, nil, nil)
	}
	for _, handler := range blockSubs {
		handler(n.err, 0, nil, nil)
	}
	for _, handler := range txSubs {
		handler(n.err, nil)
	}

	d.logger.Debug().
		Int("subscribers", len(headerSubs)+len(blockSubs)+len(txSubs)).
		Msg("Chain subscribers released")
}

func filterHeaderSubs(subs []HeaderHandler, n *notification) []HeaderHandler {
	kept := subs[:0:0]
	for _, handler := range subs {
		if handler(n.err, n.forkHeight, n.inHeaders, n.outHeaders) {
			kept = append(kept, handler)
		}
	}
	return kept
}

func filterBlockSubs(subs []BlockHandler, n *notification) []BlockHandler {
	kept := subs[:0:0]
	for _, handler := range subs {
		if handler(n.err, n.forkHeight, n.inBlocks, n.outBlocks) {
			kept = append(kept, handler)
		}
	}
	return kept
}
