// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package downloads

import (
	"sync"
	"time"
)

// performance measures one slot's download rate so it can be compared
// against its cohort.
type performance struct {
	mu      sync.Mutex
	started time.Time
	bytes   uint64
}

func newPerformance() *performance {
	return &performance{started: time.Now()}
}

func (p *performance) record(n int) {
	p.mu.Lock()
	p.bytes += uint64(n)
	p.mu.Unlock()
}

// rate returns the observed bytes per second. The second return is false
// until any bytes have arrived, so an idle slot does not poison the cohort
// mean.
func (p *performance) rate() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bytes == 0 {
		return 0, false
	}
	elapsed := time.Since(p.started).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	return float64(p.bytes) / elapsed, true
}
