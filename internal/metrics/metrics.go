// Package metrics exposes the Prometheus collectors shared by the
// orchestration components. Every observer is nil-safe so components can run
// without metrics wired (unit tests, embedded use).
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report orchestrator activity.
type Metrics struct {
	syncDuration     *prometheus.HistogramVec
	syncFailures     *prometheus.CounterVec
	syncRunning      prometheus.Gauge
	tasksQuarantined prometheus.Gauge
	uploadsTotal     *prometheus.CounterVec
	messageTabs      prometheus.Gauge
	loginsActive     prometheus.Gauge
	tabRepairs       *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// Default returns the package-level metrics instance registered with the
// global Prometheus registry. The collectors are created only once to avoid
// duplicate registration panics when components are instantiated multiple
// times (unit tests, embedded runners).
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNew(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNew constructs a Metrics instance using the provided registerer. The
// caller supplies a fresh registry when isolated collectors are required (for
// example in tests). Registration errors other than re-registration panic,
// mirroring promauto semantics.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	syncDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "postpilot",
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Duration of message sync executions per platform.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"platform", "status"},
	)
	syncFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "postpilot",
			Subsystem: "sync",
			Name:      "failures_total",
			Help:      "Total message sync executions that ended in error.",
		},
		[]string{"platform", "reason"},
	)
	syncRunning := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "postpilot",
			Subsystem: "sync",
			Name:      "running_tasks",
			Help:      "Number of sync tasks currently executing.",
		},
	)
	tasksQuarantined := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "postpilot",
			Subsystem: "sync",
			Name:      "quarantined_tasks",
			Help:      "Number of sync tasks disabled after repeated failures.",
		},
	)
	uploadsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "postpilot",
			Subsystem: "upload",
			Name:      "jobs_total",
			Help:      "Upload jobs by platform and terminal status.",
		},
		[]string{"platform", "status"},
	)
	messageTabs := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "postpilot",
			Subsystem: "custodian",
			Name:      "message_tabs",
			Help:      "Message tabs currently managed by the custodian.",
		},
	)
	loginsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "postpilot",
			Subsystem: "login",
			Name:      "pending_logins",
			Help:      "QR logins currently awaiting a scan.",
		},
	)
	tabRepairs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "postpilot",
			Subsystem: "custodian",
			Name:      "tab_repairs_total",
			Help:      "Message tab re-creations by outcome.",
		},
		[]string{"outcome"},
	)

	collectors := []prometheus.Collector{
		syncDuration, syncFailures, syncRunning, tasksQuarantined,
		uploadsTotal, messageTabs, loginsActive, tabRepairs,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector.(type) {
				case *prometheus.HistogramVec:
					syncDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					existing := already.ExistingCollector.(*prometheus.CounterVec)
					switch collector {
					case syncFailures:
						syncFailures = existing
					case uploadsTotal:
						uploadsTotal = existing
					case tabRepairs:
						tabRepairs = existing
					}
				case prometheus.Gauge:
					existing := already.ExistingCollector.(prometheus.Gauge)
					switch collector {
					case syncRunning:
						syncRunning = existing
					case tasksQuarantined:
						tasksQuarantined = existing
					case messageTabs:
						messageTabs = existing
					case loginsActive:
						loginsActive = existing
					}
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		syncDuration:     syncDuration,
		syncFailures:     syncFailures,
		syncRunning:      syncRunning,
		tasksQuarantined: tasksQuarantined,
		uploadsTotal:     uploadsTotal,
		messageTabs:      messageTabs,
		loginsActive:     loginsActive,
		tabRepairs:       tabRepairs,
	}
}

// ObserveSyncDuration records one sync execution.
func (m *Metrics) ObserveSyncDuration(platform, status string, duration time.Duration) {
	if m == nil || m.syncDuration == nil {
		return
	}
	m.syncDuration.WithLabelValues(platform, status).Observe(duration.Seconds())
}

// IncSyncFailure counts a failed sync with its reason.
func (m *Metrics) IncSyncFailure(platform, reason string) {
	if m == nil || m.syncFailures == nil {
		return
	}
	m.syncFailures.WithLabelValues(platform, reason).Inc()
}

// IncRunningSyncs marks a sync execution as started.
func (m *Metrics) IncRunningSyncs() {
	if m == nil || m.syncRunning == nil {
		return
	}
	m.syncRunning.Inc()
}

// DecRunningSyncs marks a sync execution as finished.
func (m *Metrics) DecRunningSyncs() {
	if m == nil || m.syncRunning == nil {
		return
	}
	m.syncRunning.Dec()
}

// SetQuarantinedTasks reports the current quarantine population.
func (m *Metrics) SetQuarantinedTasks(n int) {
	if m == nil || m.tasksQuarantined == nil {
		return
	}
	m.tasksQuarantined.Set(float64(n))
}

// IncUpload counts one upload job reaching a terminal status.
func (m *Metrics) IncUpload(platform, status string) {
	if m == nil || m.uploadsTotal == nil {
		return
	}
	m.uploadsTotal.WithLabelValues(platform, status).Inc()
}

// SetMessageTabs reports how many message tabs the custodian manages.
func (m *Metrics) SetMessageTabs(n int) {
	if m == nil || m.messageTabs == nil {
		return
	}
	m.messageTabs.Set(float64(n))
}

// IncPendingLogins marks a login as awaiting scan.
func (m *Metrics) IncPendingLogins() {
	if m == nil || m.loginsActive == nil {
		return
	}
	m.loginsActive.Inc()
}

// DecPendingLogins marks a login as finished.
func (m *Metrics) DecPendingLogins() {
	if m == nil || m.loginsActive == nil {
		return
	}
	m.loginsActive.Dec()
}

// IncTabRepair counts a custodian repair attempt by outcome.
func (m *Metrics) IncTabRepair(outcome string) {
	if m == nil || m.tabRepairs == nil {
		return
	}
	m.tabRepairs.WithLabelValues(outcome).Inc()
}
