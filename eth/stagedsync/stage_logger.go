package stagedsync

import (
	"fmt"

	"github.com/erigontech/erigon-lib/log/v3"

	"github.com/silkworm-labs/stagedsync/eth/stagedsync/stages"
)

// newStageLogger prefixes every line with "i/N StageID", so log output
// from a long pipeline pass can be attributed to the stage that
// produced it without threading extra context through every call site.
// Carried forward from the Rust original's StageLogger.
func newStageLogger(base log.Logger, index, total int, stage stages.SyncStage) log.Logger {
	return base.New("stage", fmt.Sprintf("%d/%d %s", index+1, total, stage))
}
