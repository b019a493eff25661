package erigonimport

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"

	"github.com/silkworm-labs/stagedsync/core/rawdb"
	"github.com/silkworm-labs/stagedsync/core/types"
	"github.com/silkworm-labs/stagedsync/eth/stagedsync"
	"github.com/silkworm-labs/stagedsync/eth/stagedsync/stages"
	"github.com/silkworm-labs/stagedsync/kv"
)

// ConvertHeaders walks the source's CanonicalHeader table forward from
// the current progress, appending (block_number, canonical_hash) ->
// header and total-difficulty rows into the local tables in strict key
// order (spec §4.5).
type ConvertHeaders struct {
	source *Source

	// recentHashes caches the last few written canonical hashes so the
	// divergence check at the top of Execute doesn't need a fresh read
	// for a block this same process just wrote (generalizes the
	// teacher's lru.ARCCache use in turbo/stages/stageloop.go).
	recentHashes *lru.Cache[types.BlockNumber, types.Hash]
}

func NewConvertHeaders(source *Source) *ConvertHeaders {
	cache, _ := lru.New[types.BlockNumber, types.Hash](256)
	return &ConvertHeaders{source: source, recentHashes: cache}
}

func (c *ConvertHeaders) Stage() *stagedsync.Stage {
	return &stagedsync.Stage{
		ID:          stages.Headers,
		Description: "Import canonical headers from a foreign compatible database",
		Execute:     c.execute,
		Unwind:      c.unwind,
		Prune:       stagedsync.NopPrune,
	}
}

func (c *ConvertHeaders) execute(ctx context.Context, tx kv.RwTx, in stagedsync.StageInput) (stagedsync.ExecOutput, error) {
	progress := in.StageProgress

	if progress > 0 {
		diverged, err := c.divergesAt(ctx, tx, types.BlockNumber(progress))
		if err != nil {
			return stagedsync.ExecOutput{}, err
		}
		if diverged {
			if progress == 1 {
				// The only common ground left would be genesis, and genesis
				// is never subject to unwind (spec §4.5 / §7).
				return stagedsync.ExecOutput{}, stagedsync.UnwindPastGenesis(stages.Headers)
			}
			return stagedsync.Unwind(progress - 1), nil
		}
	}

	headerCur, err := tx.RwCursor(rawdb.Headers)
	if err != nil {
		return stagedsync.ExecOutput{}, err
	}
	defer headerCur.Close()
	canonCur, err := tx.RwCursor(rawdb.CanonicalHeader)
	if err != nil {
		return stagedsync.ExecOutput{}, err
	}
	defer canonCur.Close()
	tdCur, err := tx.RwCursor(rawdb.TotalDifficulty)
	if err != nil {
		return stagedsync.ExecOutput{}, err
	}
	defer tdCur.Close()

	parentTD := uint256.NewInt(0)
	if progress > 0 {
		parentHash, err := rawdb.ReadCanonicalHash(tx, types.BlockNumber(progress))
		if err != nil {
			return stagedsync.ExecOutput{}, err
		}
		parentTD, err = rawdb.ReadTotalDifficulty(tx, types.BlockNumber(progress), parentHash)
		if err != nil {
			return stagedsync.ExecOutput{}, err
		}
	}

	next := types.BlockNumber(progress + 1)
	var lastWritten types.BlockNumber
	wrote := false
	for {
		hash, header, err := c.source.CanonicalHeaderAt(ctx, next)
		if err != nil {
			return stagedsync.ExecOutput{}, err
		}
		if header == nil {
			break
		}

		if err := canonCur.Append(rawdb.NumKey(next), hash.Bytes()); err != nil {
			return stagedsync.ExecOutput{}, fmt.Errorf("append canonical hash: %w", err)
		}
		headerVal, err := types.EncodeHeader(header)
		if err != nil {
			return stagedsync.ExecOutput{}, err
		}
		if err := headerCur.Append(rawdb.BlockKey(next, hash), headerVal); err != nil {
			return stagedsync.ExecOutput{}, fmt.Errorf("append header: %w", err)
		}

		td := new(uint256.Int).Add(parentTD, header.Difficulty)
		tdB := td.Bytes32()
		if err := tdCur.Append(rawdb.BlockKey(next, hash), tdB[:]); err != nil {
			return stagedsync.ExecOutput{}, fmt.Errorf("append total difficulty: %w", err)
		}
		parentTD = td

		c.recentHashes.Add(next, hash)
		lastWritten = next
		wrote = true
		next++
	}

	if !wrote {
		return stagedsync.Progress(progress, true), nil
	}
	return stagedsync.Progress(uint64(lastWritten), true), nil
}

// divergesAt reports whether the source's canonical hash at num differs
// from the local one, the only trigger ConvertHeaders has for an unwind
// (spec §4.5 edge case).
func (c *ConvertHeaders) divergesAt(ctx context.Context, tx kv.Tx, num types.BlockNumber) (bool, error) {
	localHash, err := rawdb.ReadCanonicalHash(tx, num)
	if err != nil {
		return false, err
	}
	if cached, ok := c.recentHashes.Get(num); ok && cached == localHash {
		return false, nil
	}
	sourceHash, _, err := c.source.CanonicalHeaderAt(ctx, num)
	if err != nil {
		return false, err
	}
	return sourceHash != localHash, nil
}

func (c *ConvertHeaders) unwind(_ context.Context, tx kv.RwTx, in stagedsync.UnwindState) (stagedsync.UnwindOutput, error) {
	for n := in.StageProgress; n > in.UnwindTo; n-- {
		hash, err := rawdb.ReadCanonicalHash(tx, types.BlockNumber(n))
		if err != nil {
			return stagedsync.UnwindOutput{}, err
		}
		if err := tx.Delete(rawdb.CanonicalHeader, rawdb.NumKey(types.BlockNumber(n))); err != nil {
			return stagedsync.UnwindOutput{}, err
		}
		if !hash.IsZero() {
			if err := tx.Delete(rawdb.Headers, rawdb.BlockKey(types.BlockNumber(n), hash)); err != nil {
				return stagedsync.UnwindOutput{}, err
			}
			if err := tx.Delete(rawdb.TotalDifficulty, rawdb.BlockKey(types.BlockNumber(n), hash)); err != nil {
				return stagedsync.UnwindOutput{}, err
			}
		}
	}
	c.recentHashes.Purge()
	return stagedsync.UnwindOutput{StageProgress: in.UnwindTo}, nil
}
