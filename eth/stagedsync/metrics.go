package stagedsync

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/silkworm-labs/stagedsync/eth/stagedsync/stages"
)

// stageProgressGauge mirrors the teacher's metrics stack: one gauge per
// stage, updated every time that stage's progress is persisted, so
// dashboards read the same numbers the ProgressTable holds.
var stageProgressGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "stagedsync",
	Name:      "stage_progress",
	Help:      "Last committed block number for each pipeline stage.",
}, []string{"stage"})

func init() {
	prometheus.MustRegister(stageProgressGauge)
}

func recordStageProgress(stage stages.SyncStage, progress uint64) {
	stageProgressGauge.WithLabelValues(string(stage)).Set(float64(progress))
}
