// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/rs/zerolog"

	"gitlab.com/bitnode/bitnoded/config"
	"gitlab.com/bitnode/bitnoded/network/p2p"
	"gitlab.com/bitnode/bitnoded/network/session"
	"gitlab.com/bitnode/bitnoded/node"
	"gitlab.com/bitnode/bitnoded/node/blockchain"
	"gitlab.com/bitnode/bitnoded/node/downloads"
	"gitlab.com/bitnode/bitnoded/version"
)

// stopSensitivity is the poll granularity of the stop monitor.
const stopSensitivity = 10 * time.Millisecond

// executor builds a full node, waits for stop and sequences shutdown.
type executor struct {
	cfg    *config.Config
	logger zerolog.Logger

	fullNode *node.FullNode

	// stopped is the process-wide interrupt flag. The signal handler only
	// sets it; the monitor loop owns shutdown.
	stopped atomic.Bool
}

func newExecutor(cfg *config.Config) *executor {
	return &executor{cfg: cfg, logger: config.Log}
}

// invoke dispatches on the command line options; with none present it runs
// the node.
func (ex *executor) invoke() bool {
	switch {
	case ex.cfg.ShowVersion:
		ex.doVersion()
		return true
	case ex.cfg.DumpSettings:
		return ex.doSettings()
	case ex.cfg.InitChain:
		return ex.doInitChain()
	}
	return ex.run()
}

// Command line one-shots emit directly to standard output, not the log.

func (ex *executor) doVersion() {
	fmt.Fprintf(os.Stdout, "bitnoded version %s\n", version.GetVersion())
}

func (ex *executor) doSettings() bool {
	out, err := ex.cfg.Marshal()
	if err != nil {
		ex.logger.Error().Err(err).Msg("Failed to render settings")
		return false
	}
	os.Stdout.Write(out)
	return true
}

func (ex *executor) doInitChain() bool {
	params, err := ex.cfg.NetParams()
	if err != nil {
		ex.logger.Error().Err(err).Msg("Unknown network")
		return false
	}

	directory := ex.cfg.DataDir()
	ex.logger.Info().Msgf("Initializing %s chain in %s.", params.Name, directory)

	if err := os.MkdirAll(directory, 0o700); err != nil {
		ex.logger.Error().Err(err).Msgf("Failed to create directory %s.", directory)
		return false
	}
	if err := blockchain.InitChain(directory, params); err != nil {
		ex.logger.Error().Err(err).Msg("Failed to initialize chain.")
		return false
	}
	return true
}

// verify uses the missing directory as a sentinel indicating lack of
// initialization.
func (ex *executor) verify() bool {
	directory := ex.cfg.DataDir()
	if _, err := os.Stat(directory); err == nil {
		return true
	}
	ex.logger.Error().Msgf("The chain database %s is not initialized, run with --initchain.", directory)
	return false
}

// run drives the node until an interrupt or internal stop.
func (ex *executor) run() bool {
	ex.logger.Info().Msgf("Node starting, version %s.", version.GetVersion())

	params, err := ex.cfg.NetParams()
	if err != nil {
		ex.logger.Error().Err(err).Msg("Unknown network")
		return false
	}

	// The regression test network requires a clean database for each run.
	if ex.cfg.RegTest {
		if err := blockchain.Remove(ex.cfg.DataDir()); err != nil {
			ex.logger.Error().Err(err).Msg("Failed to reset regression test chain.")
			return false
		}
		if !ex.doInitChain() {
			return false
		}
	}

	if !ex.verify() {
		return false
	}

	chain := blockchain.New(blockchain.Config{
		DBPath:      ex.cfg.DataDir(),
		Params:      params,
		FlushWrites: ex.cfg.Chain.FlushWrites,
		Logger:      config.UnitLogger(config.LogUnitChan),
	})

	reservations := downloads.New(downloads.Config{
		MinimumConnections: ex.cfg.Network.MinConnections(),
		MaximumDeviation:   ex.cfg.Node.MaximumDeviation,
		BlockLatency:       ex.cfg.Node.BlockLatency(),
		Sink:               chain,
	})

	factory := session.NewFactory(chain, reservations,
		config.UnitLogger(config.LogUnitSess))

	server := p2p.NewServer(p2p.Config{
		Listen:              ex.cfg.Network.Listen,
		Params:              params,
		Services:            ex.cfg.Network.ServiceFlags(),
		ProtocolMaximum:     ex.cfg.Network.ProtocolMaximum,
		UserAgentName:       "bitnoded",
		UserAgentVersion:    version.GetVersion(),
		InboundConnections:  ex.cfg.Network.InboundConnections,
		OutboundConnections: ex.cfg.Network.OutboundConnections,
		MinimumConnections:  ex.cfg.Network.MinConnections(),
		HostPoolCapacity:    ex.cfg.Network.HostPoolCapacity,
		RotationSize:        ex.cfg.Network.RotationSize,
		Proxy:               ex.cfg.Network.Proxy,
		ConnectTimeout:      time.Duration(ex.cfg.Network.ConnectTimeout) * time.Second,
		HostsFile:           ex.cfg.Network.HostsFile,
		ManualPeers:         ex.cfg.Network.ManualPeers,
		NewestBlock: func() (chainhash.Hash, uint64) {
			top, _ := chain.GetTop(false)
			return top.Hash, top.Height
		},
		Logger: config.UnitLogger(config.LogUnitSrvr),
	}, factory)

	ex.fullNode = node.New(chain, server, reservations,
		config.UnitLogger(config.LogUnitNode))

	interruptListener(&ex.stopped, ex.logger)

	if err := ex.fullNode.Start(); err != nil {
		ex.logger.Error().Err(err).Msg("Node failed to start.")
		return false
	}
	ex.logger.Info().Msg("Node started.")

	if err := ex.fullNode.Run(); err != nil {
		ex.logger.Error().Err(err).Msg("Node failed to run.")
		ex.fullNode.Close()
		return false
	}
	ex.logger.Info().Msg("Node seeded and synchronizing.")

	return ex.waitOnStop()
}

// waitOnStop blocks until the node is stopped or there is an interrupt,
// then sequences shutdown.
func (ex *executor) waitOnStop() bool {
	if ex.monitorStop() {
		ex.logger.Info().Msg("Node stopped.")
		return true
	}
	ex.logger.Error().Msg("Node failed to stop cleanly.")
	return false
}

// monitorStop polls the interrupt flag and the node's own lifecycle at
// stopSensitivity granularity, then stops and closes the node.
func (ex *executor) monitorStop() bool {
	ticker := time.NewTicker(stopSensitivity)
	defer ticker.Stop()

	for !ex.stopped.Load() && !ex.fullNode.Stopped() {
		<-ticker.C
	}

	ex.logger.Info().Msg("Unmapping node.")
	stopped := ex.fullNode.Stop()
	closed := ex.fullNode.Close()

	// This is the end of the run sequence.
	ex.fullNode = nil
	return stopped && closed
}
