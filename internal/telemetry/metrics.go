package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the metrics registry the runtime registers against. Tests
// construct their own private registry via NewRegistry so repeated
// package-test runs in the same process don't collide on collector names.
type Registry struct {
	reg prometheus.Registerer

	AtlasRegionsRetained  *prometheus.GaugeVec
	AtlasEvictionsTotal   prometheus.Counter
	AtlasObtainFailures   *prometheus.CounterVec
	StagingSegmentsInUse  prometheus.Gauge
	StagingBytesInUse     prometheus.Gauge
	StagingBlockedWaiters prometheus.Gauge
	SyncWorkersStalled    prometheus.Gauge
	SyncTasksCompleted    prometheus.Counter
	BridgePendingMoments  prometheus.Gauge
	BridgeTimeoutRetries  prometheus.Counter
}

// NewRegistry builds the metric set against reg. Passing a
// prometheus.NewRegistry() gives callers (tests, or an embedder that
// already owns its own registry) isolation from the process-wide default.
func NewRegistry(reg prometheus.Registerer, namespace string) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		reg: reg,
		AtlasRegionsRetained: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "atlas",
			Name:      "regions_retained",
			Help:      "Number of outstanding retains on atlas regions, labeled by each region's writer slot.",
		}, []string{"slot"}),
		AtlasEvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "atlas",
			Name:      "evictions_total",
			Help:      "Number of identified regions evicted from the available ring to make room for a new allocation.",
		}),
		AtlasObtainFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "atlas",
			Name:      "obtain_failures_total",
			Help:      "Number of obtain/find calls that returned a non-success outcome, by outcome.",
		}, []string{"outcome"}),
		StagingSegmentsInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "staging",
			Name:      "segments_inflight",
			Help:      "Number of staging-ring segments currently reserved (not yet pruned).",
		}),
		StagingBytesInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "staging",
			Name:      "bytes_inflight",
			Help:      "Bytes of the staging ring currently charged to in-flight segments.",
		}),
		StagingBlockedWaiters: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "staging",
			Name:      "blocked_waiters",
			Help:      "Number of goroutines currently blocked on the staging ring's front segment (in allocation_acquire or while terminating).",
		}),
		SyncWorkersStalled: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "workers_stalled",
			Help:      "Number of task-system worker goroutines currently parked waiting for work.",
		}),
		SyncTasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "tasks_completed_total",
			Help:      "Number of tasks whose function has run to completion.",
		}),
		BridgePendingMoments: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "pending_moments",
			Help:      "Number of timeline-semaphore moment conditions the GPU bridge is currently tracking.",
		}),
		BridgeTimeoutRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "timeout_retries_total",
			Help:      "Number of internal timeline waits that hit their timeout and were retried.",
		}),
	}
}
