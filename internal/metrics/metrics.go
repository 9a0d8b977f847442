// Package metrics holds the Prometheus collectors for snapshot, rollback and
// retention activity.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Rollback results used as the "result" label.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultNotFound = "not_found"
)

// Metric is a flattened sample, used for human and JSONL output.
type Metric struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	SnapshotsTotal   prometheus.Counter
	SnapshotFiles    prometheus.Histogram
	RollbacksTotal   *prometheus.CounterVec
	RollbackDuration prometheus.Histogram
	TransitionsTotal *prometheus.CounterVec
	CleanupRemoved   *prometheus.CounterVec
	CleanupErrors    prometheus.Counter
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SnapshotsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ctxrollback_snapshots_total",
			Help: "Holistic snapshots created.",
		}),
		SnapshotFiles: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ctxrollback_snapshot_files",
			Help:    "Files captured per holistic snapshot.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		RollbacksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ctxrollback_rollbacks_total",
			Help: "Holistic rollbacks by result.",
		}, []string{"result"}),
		RollbackDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ctxrollback_rollback_duration_seconds",
			Help:    "Duration of holistic rollbacks in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		TransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ctxrollback_transitions_total",
			Help: "Transaction status transitions by target status.",
		}, []string{"status"}),
		CleanupRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ctxrollback_cleanup_removed_total",
			Help: "Rollback records removed by retention strategy.",
		}, []string{"strategy"}),
		CleanupErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "ctxrollback_cleanup_errors_total",
			Help: "Errors collected during retention sweeps.",
		}),
	}
}

func (m *Metrics) ObserveSnapshot(files int) {
	if m == nil {
		return
	}
	m.SnapshotsTotal.Inc()
	m.SnapshotFiles.Observe(float64(files))
}

func (m *Metrics) ObserveRollback(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.RollbacksTotal.WithLabelValues(result).Inc()
	m.RollbackDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveCleanup(strategy string, removed, errs int) {
	if m == nil {
		return
	}
	if removed > 0 {
		m.CleanupRemoved.WithLabelValues(strategy).Add(float64(removed))
	}
	if errs > 0 {
		m.CleanupErrors.Add(float64(errs))
	}
}

// Handler serves the gathered metrics in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Flatten gathers g into flat samples sorted by name. Histograms contribute
// their _count and _sum.
func Flatten(g prometheus.Gatherer) ([]Metric, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339)

	var out []Metric
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, "ctxrollback_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := labelMap(m.GetLabel())
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out = append(out, Metric{Name: name, Value: m.GetCounter().GetValue(), Labels: labels, Timestamp: now})
			case dto.MetricType_GAUGE:
				out = append(out, Metric{Name: name, Value: m.GetGauge().GetValue(), Labels: labels, Timestamp: now})
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				out = append(out,
					Metric{Name: name + "_count", Value: float64(h.GetSampleCount()), Labels: labels, Timestamp: now},
					Metric{Name: name + "_sum", Value: h.GetSampleSum(), Labels: labels, Timestamp: now},
				)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	labels := make(map[string]string, len(pairs))
	for _, p := range pairs {
		labels[p.GetName()] = p.GetValue()
	}
	return labels
}
