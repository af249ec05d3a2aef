// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package config

import (
	"sync"

	"github.com/rs/zerolog"

	"gitlab.com/bitnode/bitnoded/corelog"
)

// Loggers per subsystem. A shared sink configuration is applied to all unit
// loggers; each carries its own unit tag so output can be filtered per
// subsystem.
const (
	LogUnitExec = "EXEC"
	LogUnitNode = "NODE"
	LogUnitChan = "CHAN"
	LogUnitSrvr = "SRVR"
	LogUnitPeer = "PEER"
	LogUnitSess = "SESS"
	LogUnitCmgr = "CMGR"
)

var (
	// Log is the main process logger. It is usable before InitLogging with
	// default settings.
	Log = corelog.New(LogUnitExec, corelog.DefaultLevel, corelog.Config{}.Default())

	logMu       sync.RWMutex
	unitLoggers = map[string]zerolog.Logger{}
)

// InitLogging rebuilds the main and unit loggers from the loaded settings.
// It must be called before the node subsystems are constructed.
func InitLogging(cfg corelog.Config, level zerolog.Level) {
	logMu.Lock()
	defer logMu.Unlock()

	Log = corelog.New(LogUnitExec, level, cfg)
	for _, unit := range []string{
		LogUnitNode, LogUnitChan, LogUnitSrvr,
		LogUnitPeer, LogUnitSess, LogUnitCmgr,
	} {
		unitLoggers[unit] = corelog.New(unit, level, cfg)
	}
}

// UnitLogger returns the logger for a subsystem unit, falling back to the
// main logger for unknown units.
func UnitLogger(unit string) zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()

	if logger, ok := unitLoggers[unit]; ok {
		return logger
	}
	return Log
}
