// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package types

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// HeaderRef is an immutable shared reference to a block header carrying its
// own hash. Refs are shared among subscribers and never mutated after
// publication.
type HeaderRef struct {
	header wire.BlockHeader
	hash   chainhash.Hash
}

// NewHeaderRef caches the header hash and wraps the header.
func NewHeaderRef(header wire.BlockHeader) *HeaderRef {
	return &HeaderRef{header: header, hash: header.BlockHash()}
}

// Hash returns the cached header hash.
func (h *HeaderRef) Hash() chainhash.Hash { return h.hash }

// Header returns a copy of the wrapped header.
func (h *HeaderRef) Header() wire.BlockHeader { return h.header }

// PrevHash returns the hash of the parent header.
func (h *HeaderRef) PrevHash() chainhash.Hash { return h.header.PrevBlock }

// BlockRef is an immutable shared reference to a full block. The underlying
// btcutil.Block caches the hash on first access.
type BlockRef struct {
	block *btcutil.Block
}

// NewBlockRef wraps a wire block.
func NewBlockRef(msg *wire.MsgBlock) *BlockRef {
	return &BlockRef{block: btcutil.NewBlock(msg)}
}

// NewBlockRefFromBytes deserializes a block from its wire encoding.
func NewBlockRefFromBytes(raw []byte) (*BlockRef, error) {
	block, err := btcutil.NewBlockFromBytes(raw)
	if err != nil {
		return nil, err
	}
	return &BlockRef{block: block}, nil
}

// Hash returns the cached block hash.
func (b *BlockRef) Hash() chainhash.Hash { return *b.block.Hash() }

// MsgBlock returns the wrapped wire block.
func (b *BlockRef) MsgBlock() *wire.MsgBlock { return b.block.MsgBlock() }

// HeaderRef derives the header reference for this block.
func (b *BlockRef) HeaderRef() *HeaderRef {
	return NewHeaderRef(b.block.MsgBlock().Header)
}

// Bytes returns the wire encoding of the block.
func (b *BlockRef) Bytes() ([]byte, error) { return b.block.Bytes() }
