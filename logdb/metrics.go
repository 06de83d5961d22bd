package logdb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors a File reports to. Attach it with
// [WithMetrics]; one Metrics instance should serve a single File, since the
// gauges describe one log. A nil *Metrics is valid and records nothing.
type Metrics struct {
	AppendsTotal        *prometheus.CounterVec
	AppendedBytesTotal  prometheus.Counter
	AppendFailuresTotal prometheus.Counter
	FlushesTotal        prometheus.Counter
	CommitsTotal        *prometheus.CounterVec
	CompactionsTotal    prometheus.Counter

	LiveKeys       prometheus.Gauge
	WrittenRecords prometheus.Gauge
	Handles        prometheus.Gauge
}

// NewMetrics registers the logdb collectors with registerer. A nil
// registerer uses prometheus.DefaultRegisterer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Metrics{
		AppendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logdb_appends_total",
				Help: "Records appended to the log, by record kind",
			},
			[]string{"kind"},
		),
		AppendedBytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "logdb_appended_bytes_total",
			Help: "Bytes appended to the log",
		}),
		AppendFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "logdb_append_failures_total",
			Help: "Appends that did not reach the file",
		}),
		FlushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "logdb_flushes_total",
			Help: "Successful flushes",
		}),
		CommitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logdb_txn_commits_total",
				Help: "Transaction commits, by result",
			},
			[]string{"result"},
		),
		CompactionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "logdb_compactions_total",
			Help: "Completed log compactions",
		}),
		LiveKeys: factory.NewGauge(prometheus.GaugeOpts{
			Name: "logdb_live_keys",
			Help: "Keys in the materialized state",
		}),
		WrittenRecords: factory.NewGauge(prometheus.GaugeOpts{
			Name: "logdb_written_ops",
			Help: "Operations held by the log file since open",
		}),
		Handles: factory.NewGauge(prometheus.GaugeOpts{
			Name: "logdb_handles",
			Help: "Attached handles",
		}),
	}
}

func (m *Metrics) appended(kind opKind, n int) {
	if m == nil {
		return
	}
	m.AppendsTotal.WithLabelValues(kind.String()).Inc()
	m.AppendedBytesTotal.Add(float64(n))
}

func (m *Metrics) appendFailed() {
	if m == nil {
		return
	}
	m.AppendFailuresTotal.Inc()
}

func (m *Metrics) flushed() {
	if m == nil {
		return
	}
	m.FlushesTotal.Inc()
}

func (m *Metrics) committed(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CommitsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) compacted() {
	if m == nil {
		return
	}
	m.CompactionsTotal.Inc()
}

func (m *Metrics) setCounts(live, written int) {
	if m == nil {
		return
	}
	m.LiveKeys.Set(float64(live))
	m.WrittenRecords.Set(float64(written))
}

func (m *Metrics) setHandles(n int) {
	if m == nil {
		return
	}
	m.Handles.Set(float64(n))
}
