// Package rawdb is the thin table-layout layer both the header-verify
// pipeline and the ErigonImport stages write through: canonical headers,
// full headers, total difficulty, bodies and the dense transaction
// sequence (spec §3, §4.5).
package rawdb

import (
	"encoding/binary"

	"github.com/holiman/uint256"

	"github.com/silkworm-labs/stagedsync/core/types"
	"github.com/silkworm-labs/stagedsync/kv"
)

const (
	CanonicalHeader kv.Table = "CanonicalHeader" // blockNum(8) -> hash(32)
	Headers         kv.Table = "Headers"         // blockNum(8)+hash(32) -> encoded Header
	TotalDifficulty kv.Table = "TotalDifficulty" // blockNum(8)+hash(32) -> 32-byte big-endian TD
	BlockBody       kv.Table = "BlockBody"       // blockNum(8)+hash(32) -> encoded Body
	EthTx           kv.Table = "EthTx"           // txID(8) -> encoded Transaction
	TxSequence      kv.Table = "TxSequence"      // singleton key -> next free txID
)

func blockKey(num types.BlockNumber, hash types.Hash) []byte {
	k := make([]byte, 8+32)
	binary.BigEndian.PutUint64(k, uint64(num))
	copy(k[8:], hash[:])
	return k
}

func numKey(num types.BlockNumber) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(num))
	return k
}

// BlockKey and NumKey expose the table key encodings to callers (such as
// erigonimport) that append directly through a raw RwCursor instead of
// going through the Write* helpers.
func BlockKey(num types.BlockNumber, hash types.Hash) []byte { return blockKey(num, hash) }
func NumKey(num types.BlockNumber) []byte                    { return numKey(num) }

func ReadCanonicalHash(tx kv.Tx, num types.BlockNumber) (types.Hash, error) {
	v, err := tx.GetOne(CanonicalHeader, numKey(num))
	if err != nil {
		return types.Hash{}, err
	}
	return types.BytesToHash(v), nil
}

func WriteCanonicalHash(tx kv.RwTx, num types.BlockNumber, hash types.Hash) error {
	return tx.Put(CanonicalHeader, numKey(num), hash.Bytes())
}

func ReadHeader(tx kv.Tx, num types.BlockNumber, hash types.Hash) (*types.Header, error) {
	v, err := tx.GetOne(Headers, blockKey(num, hash))
	if err != nil || v == nil {
		return nil, err
	}
	return types.DecodeHeader(v)
}

func WriteHeader(tx kv.RwTx, h *types.Header) error {
	v, err := types.EncodeHeader(h)
	if err != nil {
		return err
	}
	return tx.Put(Headers, blockKey(h.Number, h.Hash()), v)
}

func ReadTotalDifficulty(tx kv.Tx, num types.BlockNumber, hash types.Hash) (*uint256.Int, error) {
	v, err := tx.GetOne(TotalDifficulty, blockKey(num, hash))
	if err != nil {
		return nil, err
	}
	if len(v) != 32 {
		return uint256.NewInt(0), nil
	}
	var b [32]byte
	copy(b[:], v)
	return new(uint256.Int).SetBytes32(b[:]), nil
}

func ReadBody(tx kv.Tx, num types.BlockNumber, hash types.Hash) (*types.Body, error) {
	v, err := tx.GetOne(BlockBody, blockKey(num, hash))
	if err != nil || v == nil {
		return nil, err
	}
	return types.DecodeBody(v)
}

func WriteBody(tx kv.RwTx, num types.BlockNumber, hash types.Hash, b *types.Body) error {
	v, err := types.EncodeBody(b)
	if err != nil {
		return err
	}
	return tx.Put(BlockBody, blockKey(num, hash), v)
}

func ReadTransaction(tx kv.Tx, txID uint64) (*types.Transaction, error) {
	v, err := tx.GetOne(EthTx, numKey(types.BlockNumber(txID)))
	if err != nil || v == nil {
		return nil, err
	}
	return types.DecodeTransaction(v)
}

// AppendTransaction writes txID -> encoded transaction using the
// cursor's Append, which requires strictly ascending keys (spec §5).
func AppendTransaction(cur kv.RwCursor, txID uint64, txn *types.Transaction) error {
	v, err := types.EncodeTransaction(txn)
	if err != nil {
		return err
	}
	return cur.Append(numKey(types.BlockNumber(txID)), v)
}

const txSequenceKey = "next"

func ReadNextTxID(tx kv.Tx) (uint64, error) {
	v, err := tx.GetOne(TxSequence, []byte(txSequenceKey))
	if err != nil || len(v) == 0 {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

func WriteNextTxID(tx kv.RwTx, next uint64) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, next)
	return tx.Put(TxSequence, []byte(txSequenceKey), v)
}
