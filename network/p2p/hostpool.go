// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package p2p

import (
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// HostPool keeps the known peer addresses between runs. Capacity bounds the
// pool; when it overflows, up to RotationSize of the oldest entries rotate
// out. The pool is persisted as a yaml list next to the chain database.
type HostPool struct {
	mu       sync.Mutex
	path     string
	capacity int
	rotation int
	hosts    []string
	index    map[string]struct{}
	rng      *rand.Rand

	logger zerolog.Logger
}

// NewHostPool returns an empty pool backed by the given cache file.
func NewHostPool(path string, capacity, rotation uint32, logger zerolog.Logger) *HostPool {
	return &HostPool{
		path:     path,
		capacity: int(capacity),
		rotation: int(rotation),
		index:    make(map[string]struct{}),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:   logger,
	}
}

// Load reads the persisted cache. A missing file is an empty pool.
func (hp *HostPool) Load() error {
	raw, err := os.ReadFile(hp.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var hosts []string
	if err := yaml.Unmarshal(raw, &hosts); err != nil {
		return err
	}

	hp.mu.Lock()
	defer hp.mu.Unlock()
	for _, addr := range hosts {
		hp.add(addr)
	}
	hp.logger.Debug().Int("hosts", len(hp.hosts)).Msg("Host pool loaded")
	return nil
}

// Save persists the pool to its cache file.
func (hp *HostPool) Save() error {
	hp.mu.Lock()
	raw, err := yaml.Marshal(hp.hosts)
	hp.mu.Unlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(hp.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(hp.path, raw, 0o600)
}

// Add inserts an address, rotating out the oldest entries on overflow.
func (hp *HostPool) Add(addr string) {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	hp.add(addr)
}

func (hp *HostPool) add(addr string) {
	if addr == "" {
		return
	}
	if _, ok := hp.index[addr]; ok {
		return
	}
	hp.hosts = append(hp.hosts, addr)
	hp.index[addr] = struct{}{}

	if excess := len(hp.hosts) - hp.capacity; excess > 0 {
		drop := excess
		if hp.rotation > 0 && drop > hp.rotation {
			drop = hp.rotation
		}
		for _, old := range hp.hosts[:drop] {
			delete(hp.index, old)
		}
		hp.hosts = hp.hosts[drop:]
	}
}

// Remove drops an address, typically after repeated dial failures.
func (hp *HostPool) Remove(addr string) {
	hp.mu.Lock()
	defer hp.mu.Unlock()

	if _, ok := hp.index[addr]; !ok {
		return
	}
	delete(hp.index, addr)
	for i, host := range hp.hosts {
		if host == addr {
			hp.hosts = append(hp.hosts[:i], hp.hosts[i+1:]...)
			break
		}
	}
}

// Pick returns a uniformly random pooled address.
func (hp *HostPool) Pick() (string, bool) {
	hp.mu.Lock()
	defer hp.mu.Unlock()

	if len(hp.hosts) == 0 {
		return "", false
	}
	return hp.hosts[hp.rng.Intn(len(hp.hosts))], true
}

// Len returns the pool size.
func (hp *HostPool) Len() int {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return len(hp.hosts)
}
