// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package config

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, uint32(100), cfg.Network.InboundConnections)
	assert.Equal(t, uint32(8), cfg.Network.OutboundConnections)
	assert.Equal(t, uint32(10000), cfg.Network.HostPoolCapacity)
	assert.Equal(t, uint32(10000000), cfg.Network.RotationSize)
	assert.Equal(t, uint64(wire.SFNodeNetwork|wire.SFNodeWitness), cfg.Network.Services)
	assert.False(t, cfg.Database.IndexAddresses)
	assert.Equal(t, 1.5, cfg.Node.MaximumDeviation)
	assert.Equal(t, uint32(60), cfg.Node.BlockLatencySeconds)
	assert.Equal(t, "mainnet", cfg.Bitcoin.Network)
}

func TestNetParamsSelection(t *testing.T) {
	cfg := DefaultConfig()

	params, err := cfg.NetParams()
	require.NoError(t, err)
	assert.Equal(t, &chaincfg.MainNetParams, params)

	cfg.Bitcoin.Network = "testnet"
	params, err = cfg.NetParams()
	require.NoError(t, err)
	assert.Equal(t, &chaincfg.TestNet3Params, params)

	cfg.Bitcoin.Network = "regtest"
	params, err = cfg.NetParams()
	require.NoError(t, err)
	assert.Equal(t, &chaincfg.RegressionNetParams, params)

	cfg.Bitcoin.Network = "bogus"
	_, err = cfg.NetParams()
	require.Error(t, err)
}

func TestDataDirPerNetwork(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Directory = "/tmp/bn"

	assert.Equal(t, filepath.Join("/tmp/bn", chaincfg.MainNetParams.Name), cfg.DataDir())

	cfg.Bitcoin.Network = "regtest"
	assert.Equal(t, filepath.Join("/tmp/bn", chaincfg.RegressionNetParams.Name), cfg.DataDir())
}

func TestMinConnections(t *testing.T) {
	cfg := DefaultConfig()

	// Unset tracks the outbound target.
	assert.Equal(t, cfg.Network.OutboundConnections, cfg.Network.MinConnections())

	cfg.Network.MinimumConnections = 3
	assert.Equal(t, uint32(3), cfg.Network.MinConnections())

	// A bound above the target is clamped to it.
	cfg.Network.MinimumConnections = 99
	assert.Equal(t, cfg.Network.OutboundConnections, cfg.Network.MinConnections())
}

func TestConfigFileSections(t *testing.T) {
	const raw = `
log_level: debug
node:
  maximum_deviation: 2.5
  block_latency_seconds: 30
blockchain:
  flush_writes: true
database:
  directory: /var/lib/bitnoded
network:
  inbound_connections: 12
  outbound_connections: 4
  host_pool_capacity: 500
  proxy: 127.0.0.1:9050
  manual_peers:
    - 10.0.0.1:8333
bitcoin:
  network: testnet
`

	cfg := DefaultConfig()
	require.NoError(t, yaml.Unmarshal([]byte(raw), cfg))

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2.5, cfg.Node.MaximumDeviation)
	assert.Equal(t, uint32(30), cfg.Node.BlockLatencySeconds)
	assert.True(t, cfg.Chain.FlushWrites)
	assert.Equal(t, "/var/lib/bitnoded", cfg.Database.Directory)
	assert.Equal(t, uint32(12), cfg.Network.InboundConnections)
	assert.Equal(t, uint32(4), cfg.Network.OutboundConnections)
	assert.Equal(t, uint32(500), cfg.Network.HostPoolCapacity)
	assert.Equal(t, "127.0.0.1:9050", cfg.Network.Proxy)
	assert.Equal(t, []string{"10.0.0.1:8333"}, cfg.Network.ManualPeers)
	assert.Equal(t, "testnet", cfg.Bitcoin.Network)

	// Unmentioned options keep their defaults.
	assert.Equal(t, uint32(10000000), cfg.Network.RotationSize)
}

func TestSettingsRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	out, err := cfg.Marshal()
	require.NoError(t, err)

	parsed := DefaultConfig()
	require.NoError(t, yaml.Unmarshal(out, parsed))
	assert.Equal(t, cfg.Network, parsed.Network)
	assert.Equal(t, cfg.Node, parsed.Node)
}
