package types

import (
	"bytes"

	"github.com/holiman/uint256"
	"github.com/ugorji/go/codec"
)

var cborHandle codec.CborHandle

// wireHeader is the CBOR-friendly projection of Header: uint256 doesn't
// round-trip through codec's reflection cleanly, so difficulty travels
// as big-endian bytes.
type wireHeader struct {
	ParentHash  []byte
	Number      uint64
	Time        uint64
	GasLimit    uint64
	GasUsed     uint64
	Difficulty  []byte
	ExtraData   []byte
	Beneficiary []byte
}

// EncodeHeader serializes a Header with CBOR (github.com/ugorji/go/codec),
// the same library the teacher uses for migration payloads
// (migrations/migrations.go), generalized here to the header wire format.
func EncodeHeader(h *Header) ([]byte, error) {
	w := wireHeader{
		ParentHash:  h.ParentHash[:],
		Number:      uint64(h.Number),
		Time:        h.Time,
		GasLimit:    h.GasLimit,
		GasUsed:     h.GasUsed,
		ExtraData:   h.ExtraData,
		Beneficiary: h.Beneficiary[:],
	}
	if h.Difficulty != nil {
		d := h.Difficulty.Bytes32()
		w.Difficulty = d[:]
	}
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &cborHandle).Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeHeader(data []byte) (*Header, error) {
	var w wireHeader
	if err := codec.NewDecoderBytes(data, &cborHandle).Decode(&w); err != nil {
		return nil, err
	}
	h := &Header{
		ParentHash: BytesToHash(w.ParentHash),
		Number:     BlockNumber(w.Number),
		Time:       w.Time,
		GasLimit:   w.GasLimit,
		GasUsed:    w.GasUsed,
		ExtraData:  w.ExtraData,
	}
	copy(h.Beneficiary[:], w.Beneficiary)
	if len(w.Difficulty) == 32 {
		h.Difficulty = new(uint256.Int).SetBytes(w.Difficulty)
	} else {
		h.Difficulty = new(uint256.Int)
	}
	return h, nil
}

type wireBody struct {
	BaseTxID uint64
	TxAmount uint32
}

func EncodeBody(b *Body) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &cborHandle).Encode(wireBody{BaseTxID: b.BaseTxID, TxAmount: b.TxAmount}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeBody(data []byte) (*Body, error) {
	var w wireBody
	if err := codec.NewDecoderBytes(data, &cborHandle).Decode(&w); err != nil {
		return nil, err
	}
	return &Body{BaseTxID: w.BaseTxID, TxAmount: w.TxAmount}, nil
}

// Transaction is kept deliberately minimal: the fields ConvertBodies
// needs to decode from a foreign store and re-encode locally under a
// freshly assigned tx id. EVM semantics of the transaction are out of
// scope (spec §1).
type Transaction struct {
	Nonce    uint64
	GasLimit uint64
	Data     []byte
}

func EncodeTransaction(tx *Transaction) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &cborHandle).Encode(tx); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeTransaction(data []byte) (*Transaction, error) {
	var tx Transaction
	if err := codec.NewDecoderBytes(data, &cborHandle).Decode(&tx); err != nil {
		return nil, err
	}
	return &tx, nil
}
