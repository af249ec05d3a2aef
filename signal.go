// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
)

// interruptSignals defines the signals that initiate a proper shutdown.
var interruptSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// interruptListener traps termination signals into the executor-owned
// stopped flag. The handler does nothing beyond setting the flag; the
// executor's monitor loop owns the actual shutdown sequencing.
func interruptListener(stopped *atomic.Bool, log zerolog.Logger) {
	go func() {
		interruptChannel := make(chan os.Signal, 1)
		signal.Notify(interruptChannel, interruptSignals...)

		sig := <-interruptChannel
		log.Info().Msg("Received signal " + sig.String() + ". Shutting down...")
		stopped.Store(true)

		// Repeated signals only tell the user shutdown is in progress
		// and the process is not hung.
		for sig := range interruptChannel {
			log.Info().Msg("Received signal " + sig.String() + ". Already shutting down...")
		}
	}()
}
