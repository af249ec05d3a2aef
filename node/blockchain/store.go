// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/goleveldb/leveldb"
	ldberrors "github.com/btcsuite/goleveldb/leveldb/errors"
	"github.com/btcsuite/goleveldb/leveldb/opt"
	"github.com/pkg/errors"

	"gitlab.com/bitnode/bitnoded/types"
)

// Key layout. The header index (candidate chain) and the block index
// (confirmed chain) are kept as independent height-keyed buckets so the two
// chain views can reorganize independently.
//
//	h<hash>   -> height(8 BE) || serialized header
//	c<height> -> candidate hash at height
//	b<hash>   -> serialized block body
//	f<height> -> confirmed hash at height
//	m<name>   -> metadata (candidate/confirmed/valid tip heights)
const (
	headerPrefix    = 'h'
	candidatePrefix = 'c'
	blockPrefix     = 'b'
	confirmedPrefix = 'f'
	metaPrefix      = 'm'
)

var (
	metaCandidateTip = metaKey("candidate")
	metaConfirmedTip = metaKey("confirmed")
	metaTopValid     = metaKey("valid")
)

// store is the goleveldb-backed persistence layer beneath the chain facade.
// It is not synchronized; the owning Chain serializes all writers.
type store struct {
	db *leveldb.DB
	wo *opt.WriteOptions
}

func hashKey(prefix byte, hash *chainhash.Hash) []byte {
	key := make([]byte, 1+chainhash.HashSize)
	key[0] = prefix
	copy(key[1:], hash[:])
	return key
}

func heightKey(prefix byte, height uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefix
	binary.BigEndian.PutUint64(key[1:], height)
	return key
}

func metaKey(name string) []byte {
	return append([]byte{metaPrefix}, name...)
}

// openStore opens the chain database. When create is false a missing
// database is reported as an error so an uninitialized directory can be
// detected by the caller.
func openStore(path string, create, flushWrites bool) (*store, error) {
	opts := &opt.Options{ErrorIfMissing: !create}
	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		if ldberrors.IsCorrupted(err) {
			db, err = leveldb.RecoverFile(path, nil)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "open chain database %s", path)
		}
	}

	var wo *opt.WriteOptions
	if flushWrites {
		wo = &opt.WriteOptions{Sync: true}
	}
	return &store{db: db, wo: wo}, nil
}

func (s *store) close() error {
	return s.db.Close()
}

// initialized reports whether the database holds a genesis checkpoint.
func (s *store) initialized() bool {
	ok, _ := s.db.Has(metaCandidateTip, nil)
	return ok
}

// writeGenesis seeds both chain views with the network genesis block.
func (s *store) writeGenesis(genesis *types.BlockRef) error {
	hash := genesis.Hash()
	header := genesis.MsgBlock().Header

	raw, err := genesis.Bytes()
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(hashKey(headerPrefix, &hash), serializeHeaderRecord(header, 0))
	batch.Put(heightKey(candidatePrefix, 0), hash[:])
	batch.Put(hashKey(blockPrefix, &hash), raw)
	batch.Put(heightKey(confirmedPrefix, 0), hash[:])
	batch.Put(metaCandidateTip, serializeHeight(0))
	batch.Put(metaConfirmedTip, serializeHeight(0))
	batch.Put(metaTopValid, serializeHeight(0))
	return s.db.Write(batch, s.wo)
}

func serializeHeight(height uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, height)
	return buf
}

func serializeHeaderRecord(header wire.BlockHeader, height uint64) []byte {
	var buf bytes.Buffer
	buf.Write(serializeHeight(height))
	_ = header.Serialize(&buf)
	return buf.Bytes()
}

func deserializeHeaderRecord(raw []byte) (wire.BlockHeader, uint64, error) {
	var header wire.BlockHeader
	if len(raw) < 8 {
		return header, 0, errors.New("short header record")
	}
	height := binary.BigEndian.Uint64(raw[:8])
	err := header.Deserialize(bytes.NewReader(raw[8:]))
	return header, height, err
}

// tip reads one of the metadata cursors.
func (s *store) tip(key []byte) (uint64, error) {
	raw, err := s.db.Get(key, nil)
	if err != nil {
		return 0, errors.Wrap(err, "read chain tip")
	}
	if len(raw) != 8 {
		return 0, errors.New("malformed chain tip record")
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (s *store) header(hash *chainhash.Hash) (wire.BlockHeader, uint64, error) {
	raw, err := s.db.Get(hashKey(headerPrefix, hash), nil)
	if err != nil {
		return wire.BlockHeader{}, 0, err
	}
	return deserializeHeaderRecord(raw)
}

func (s *store) hasHeader(hash *chainhash.Hash) bool {
	ok, _ := s.db.Has(hashKey(headerPrefix, hash), nil)
	return ok
}

func (s *store) candidateHash(height uint64) (chainhash.Hash, error) {
	return s.indexHash(candidatePrefix, height)
}

func (s *store) confirmedHash(height uint64) (chainhash.Hash, error) {
	return s.indexHash(confirmedPrefix, height)
}

func (s *store) indexHash(prefix byte, height uint64) (chainhash.Hash, error) {
	var hash chainhash.Hash
	raw, err := s.db.Get(heightKey(prefix, height), nil)
	if err != nil {
		return hash, err
	}
	if len(raw) != chainhash.HashSize {
		return hash, errors.New("malformed height index record")
	}
	copy(hash[:], raw)
	return hash, nil
}

func (s *store) hasBlock(hash *chainhash.Hash) bool {
	ok, _ := s.db.Has(hashKey(blockPrefix, hash), nil)
	return ok
}

func (s *store) block(hash *chainhash.Hash) (*types.BlockRef, error) {
	raw, err := s.db.Get(hashKey(blockPrefix, hash), nil)
	if err != nil {
		return nil, err
	}
	return types.NewBlockRefFromBytes(raw)
}

func (s *store) putBlock(block *types.BlockRef) error {
	hash := block.Hash()
	raw, err := block.Bytes()
	if err != nil {
		return err
	}
	return s.db.Put(hashKey(blockPrefix, &hash), raw, s.wo)
}

// applyHeaderReorg commits a candidate-chain reorganization: the candidate
// index is truncated to forkHeight, the incoming headers are attached above
// it and the cursors are rewritten. All of it lands in one batch.
func (s *store) applyHeaderReorg(forkHeight, oldTip uint64, incoming []*types.HeaderRef,
	newConfirmed, newValid uint64, confirmedTruncated bool) error {

	batch := new(leveldb.Batch)
	for height := forkHeight + 1; height <= oldTip; height++ {
		batch.Delete(heightKey(candidatePrefix, height))
	}

	height := forkHeight
	for _, header := range incoming {
		height++
		hash := header.Hash()
		batch.Put(hashKey(headerPrefix, &hash), serializeHeaderRecord(header.Header(), height))
		batch.Put(heightKey(candidatePrefix, height), hash[:])
	}

	if confirmedTruncated {
		oldConfirmed, err := s.tip(metaConfirmedTip)
		if err != nil {
			return err
		}
		for h := newConfirmed + 1; h <= oldConfirmed; h++ {
			batch.Delete(heightKey(confirmedPrefix, h))
		}
		batch.Put(metaConfirmedTip, serializeHeight(newConfirmed))
	}

	batch.Put(metaCandidateTip, serializeHeight(height))
	batch.Put(metaTopValid, serializeHeight(newValid))
	return s.db.Write(batch, s.wo)
}

// applyConfirmations extends the confirmed index with the given checkpoints
// and advances both cursors.
func (s *store) applyConfirmations(confirmed []types.Checkpoint, newValid uint64) error {
	batch := new(leveldb.Batch)
	for _, cp := range confirmed {
		batch.Put(heightKey(confirmedPrefix, cp.Height), cp.Hash[:])
	}
	if len(confirmed) > 0 {
		batch.Put(metaConfirmedTip, serializeHeight(confirmed[len(confirmed)-1].Height))
	}
	batch.Put(metaTopValid, serializeHeight(newValid))
	return s.db.Write(batch, s.wo)
}

// removeStore deletes an existing chain database directory. Used by the
// regression test network, which requires a clean database per run.
func removeStore(path string) error {
	return os.RemoveAll(path)
}
