// Package stages holds stable stage identifiers and the ProgressTable
// persistence helpers (spec §3, §4.2).
package stages

import (
	"encoding/binary"

	"github.com/silkworm-labs/stagedsync/kv"
)

// SyncStage is a short, stable stage identifier. Uniqueness within a
// pipeline is an invariant the pipeline enforces at construction time.
type SyncStage string

const (
	Headers       SyncStage = "Headers"
	HeadersVerify SyncStage = "HeadersVerify"
	BlockHashes SyncStage = "BlockHashes"
	Bodies     SyncStage = "Bodies"
	Senders    SyncStage = "Senders"
	Execution  SyncStage = "Execution"
	HashState  SyncStage = "HashState"
	IntermediateHashes SyncStage = "IntermediateHashes"
	History    SyncStage = "History"
	Finish     SyncStage = "Finish"
)

// AllStages lists every identifier this module recognizes, in no
// particular order; DefaultStages fixes pipeline order separately.
var AllStages = []SyncStage{
	Headers, HeadersVerify, BlockHashes, Bodies, Senders, Execution,
	HashState, IntermediateHashes, History, Finish,
}

// SyncStageProgress is the table mapping StageId -> last completed
// BlockNumber, persisted inside the same transactional store as stage
// data so progress updates commit atomically with the work they
// describe.
const SyncStageProgress kv.Table = "SyncStageProgress"

// SyncStageUnwind records, for diagnostics, the unwind target most
// recently applied to a stage.
const SyncStageUnwind kv.Table = "SyncStageUnwind"

func GetStageProgress(tx kv.Tx, stage SyncStage) (uint64, error) {
	v, err := tx.GetOne(SyncStageProgress, []byte(stage))
	if err != nil {
		return 0, err
	}
	if len(v) == 0 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(v), nil
}

func SaveStageProgress(tx kv.RwTx, stage SyncStage, progress uint64) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, progress)
	return tx.Put(SyncStageProgress, []byte(stage), v)
}

func GetStageUnwind(tx kv.Tx, stage SyncStage) (uint64, bool, error) {
	v, err := tx.GetOne(SyncStageUnwind, []byte(stage))
	if err != nil {
		return 0, false, err
	}
	if len(v) == 0 {
		return 0, false, nil
	}
	return binary.BigEndian.Uint64(v), true, nil
}

func SaveStageUnwind(tx kv.RwTx, stage SyncStage, unwindTo uint64) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, unwindTo)
	return tx.Put(SyncStageUnwind, []byte(stage), v)
}

func DeleteStageUnwind(tx kv.RwTx, stage SyncStage) error {
	return tx.Delete(SyncStageUnwind, []byte(stage))
}
