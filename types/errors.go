// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package types

import "errors"

// Error kinds shared by the node, chain and network subsystems. Subscription
// handlers receiving ErrServiceStopped unsubscribe quietly; any other error
// is logged and initiates a stop.
var (
	// ErrOperationFailed marks a generic startup or ordering violation.
	// Surfaced to the caller; never retried.
	ErrOperationFailed = errors.New("operation failed")

	// ErrServiceStopped indicates the lifecycle has entered stopping.
	ErrServiceStopped = errors.New("service stopped")

	// ErrChainCorrupt indicates a broken database invariant. Fatal.
	ErrChainCorrupt = errors.New("chain corrupt")

	// ErrNetwork marks a transient peer or connection failure. Handled
	// inside the owning session and never surfaced to the node.
	ErrNetwork = errors.New("network error")

	// ErrOrphanHeader is returned when an organized header does not
	// connect to the candidate index.
	ErrOrphanHeader = errors.New("orphan header")

	// ErrOrphanBlock is returned when an organized block has no header in
	// the candidate index.
	ErrOrphanBlock = errors.New("orphan block")
)
