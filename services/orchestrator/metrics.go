package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the pipeline counters and histograms under the specd
// namespace.
type Metrics struct {
	RunsStarted      prometheus.Counter
	RunsFinished     *prometheus.CounterVec
	PhaseDuration    *prometheus.HistogramVec
	SkillFallbacks   *prometheus.CounterVec
	WorkspacesPurged prometheus.Counter
	ArtifactsPurged  prometheus.Counter
	ApprovalBlocks   prometheus.Counter
}

// NewMetrics registers the pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "specd",
			Name:      "runs_started_total",
			Help:      "Runs picked up by a worker.",
		}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "specd",
			Name:      "runs_finished_total",
			Help:      "Runs reaching a terminal status, labelled by status.",
		}, []string{"status"}),
		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "specd",
			Name:      "phase_duration_seconds",
			Help:      "Wall-clock duration of pipeline phases.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"phase", "status"}),
		SkillFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "specd",
			Name:      "skill_fallbacks_total",
			Help:      "Skill executions that fell back to the direct path, labelled by stage.",
		}, []string{"stage"}),
		WorkspacesPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "specd",
			Name:      "workspaces_purged_total",
			Help:      "Expired run workspaces removed by the retention sweep.",
		}),
		ArtifactsPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "specd",
			Name:      "artifacts_purged_total",
			Help:      "Expired artifact records removed by the retention sweep.",
		}),
		ApprovalBlocks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "specd",
			Name:      "approval_blocks_total",
			Help:      "Run transitions paused awaiting human approval.",
		}),
	}
}
