// Package types holds the minimal block data model the staged-sync core
// operates on: headers, bodies and the hashes/numbers that key them.
package types

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/holiman/uint256"
)

// BlockNumber is a 64-bit non-negative block height. Genesis is 0.
type BlockNumber uint64

// Hash is a 32-byte opaque block/header identifier.
type Hash [32]byte

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) IsZero() bool { return h == Hash{} }

func BytesToHash(b []byte) Hash {
	var h Hash
	copy(h[32-len(b):], b)
	return h
}

// Header is the subset of Ethereum execution-layer header fields the
// verification stage and the import stages need. Fields outside this
// set (logs bloom, mix digest, nonce, consensus seal) are out of scope
// entirely — see the HeaderSliceVerifier doc comment for why seal
// checking isn't modeled at all rather than just loosely.
type Header struct {
	ParentHash  Hash
	Number      BlockNumber
	Time        uint64
	GasLimit    uint64
	GasUsed     uint64
	Difficulty  *uint256.Int
	ExtraData   []byte
	Beneficiary [20]byte

	// cached hash, set by HashPrepare (Hash computes without caching).
	hash    Hash
	hashSet bool
}

// HashPrepare memoizes the header's hash. It must be called under the
// owning slice's write lock since it mutates cached state.
func (h *Header) HashPrepare() {
	if h.hashSet {
		return
	}
	h.hash = h.computeHash()
	h.hashSet = true
}

// Hash returns the memoized hash, computing it if HashPrepare was never
// called. Safe to call concurrently once HashPrepare has run.
func (h *Header) Hash() Hash {
	if h.hashSet {
		return h.hash
	}
	return h.computeHash()
}

func (h *Header) computeHash() Hash {
	buf := make([]byte, 0, 32+8+8+8+8+32+len(h.ExtraData)+20)
	buf = append(buf, h.ParentHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(h.Number))
	buf = binary.BigEndian.AppendUint64(buf, h.Time)
	buf = binary.BigEndian.AppendUint64(buf, h.GasLimit)
	buf = binary.BigEndian.AppendUint64(buf, h.GasUsed)
	if h.Difficulty != nil {
		d := h.Difficulty.Bytes32()
		buf = append(buf, d[:]...)
	} else {
		buf = append(buf, make([]byte, 32)...)
	}
	buf = append(buf, h.ExtraData...)
	buf = append(buf, h.Beneficiary[:]...)
	return sha256.Sum256(buf)
}

// Body is a block body reference: the stride of transactions belonging
// to the block inside the dense, locally-assigned transaction sequence.
type Body struct {
	BaseTxID uint64
	TxAmount uint32
}

// ErrShortRead is returned by foreign-source transaction readers when
// fewer than TxAmount transactions are available starting at BaseTxID.
var ErrShortRead = errors.New("types: short read on transaction stride")
