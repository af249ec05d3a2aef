// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"runtime"
	"runtime/debug"

	"gitlab.com/bitnode/bitnoded/config"
)

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Block intake causes bursty allocations; keep the collector from
	// overallocating during them.
	debug.SetGCPercent(10)

	// Work around defer not working after os.Exit().
	if !bitnodedMain() {
		os.Exit(1)
	}
}

// bitnodedMain is the real main function for bitnoded. It is necessary to
// work around the fact that deferred functions do not run when os.Exit() is
// called.
func bitnodedMain() bool {
	cfg, err := config.LoadConfig()
	if err != nil {
		config.Log.Error().Err(err).Msg("Failed to load configuration")
		return false
	}
	defer config.Log.Info().Msg("Shutdown complete")

	ex := newExecutor(cfg)
	return ex.invoke()
}
