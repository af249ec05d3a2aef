// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package types

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Checkpoint identifies one block position on a chain.
type Checkpoint struct {
	Hash   chainhash.Hash
	Height uint64
}

// NewCheckpoint returns a checkpoint for the given hash and height.
func NewCheckpoint(hash chainhash.Hash, height uint64) Checkpoint {
	return Checkpoint{Hash: hash, Height: height}
}

// Equals reports whether both hash and height match.
func (c Checkpoint) Equals(other Checkpoint) bool {
	return c.Height == other.Height && c.Hash == other.Hash
}

func (c Checkpoint) String() string {
	return fmt.Sprintf("%s:%d", c.Hash, c.Height)
}
