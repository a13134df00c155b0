package server

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

// Request outcomes recorded by Metrics.Requests.
const (
	outcomeOK        = "ok"
	outcomeError     = "error"
	outcomeMalformed = "malformed"
)

// Settlement cycle results recorded by Metrics.SettlementCycles.
const (
	cycleOK      = "ok"
	cycleError   = "error"
	cycleTimeout = "timeout"
)

// Metrics tracks server runtime statistics on a private Prometheus registry.
type Metrics struct {
	startTime time.Time
	registry  *prometheus.Registry

	ConnectionsTotal  prometheus.Counter // websocket connections accepted
	ActiveConnections prometheus.Gauge   // endpoints currently serving
	ActiveSessions    prometheus.Gauge   // sessions registered with the hub

	Requests *prometheus.CounterVec // by variant and outcome

	Broadcasts        prometheus.Counter // Hub.Broadcast calls
	DroppedDeliveries prometheus.Counter // deliveries refused by a full or evicted mailbox

	SettlementCycles   *prometheus.CounterVec // by result
	SettlementDuration prometheus.Histogram
	PostsExpired       prometheus.Counter
	UsersAdjusted      prometheus.Counter
}

// NewMetrics creates a Metrics instance with its own registry, including the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gokarma_connections_total",
			Help: "Lifetime websocket connections accepted.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gokarma_connections_active",
			Help: "Current open websocket connections.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gokarma_hub_sessions",
			Help: "Sessions registered with the broadcast hub.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gokarma_requests_total",
			Help: "Requests handled, by variant and outcome.",
		}, []string{"variant", "outcome"}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gokarma_hub_broadcasts_total",
			Help: "Messages broadcast through the hub.",
		}),
		DroppedDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gokarma_hub_dropped_deliveries_total",
			Help: "Deliveries refused by a slow or closed session, each evicting it.",
		}),
		SettlementCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gokarma_settlement_cycles_total",
			Help: "Settlement cycles run, by result.",
		}, []string{"result"}),
		SettlementDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gokarma_settlement_duration_seconds",
			Help:    "Wall time of settlement cycles.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		PostsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gokarma_settlement_posts_expired_total",
			Help: "Posts closed by settlement.",
		}),
		UsersAdjusted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gokarma_settlement_users_adjusted_total",
			Help: "Distinct users whose karma changed, summed over cycles.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ConnectionsTotal,
		m.ActiveConnections,
		m.ActiveSessions,
		m.Requests,
		m.Broadcasts,
		m.DroppedDeliveries,
		m.SettlementCycles,
		m.SettlementDuration,
		m.PostsExpired,
		m.UsersAdjusted,
	)
	return m
}

// Registry returns the registry all server metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsSnapshot is a point-in-time view of the main counters.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	ActiveSessions    int64 `json:"active_sessions"`

	Requests       int64 `json:"requests"`
	FailedRequests int64 `json:"failed_requests"`

	Broadcasts        int64 `json:"broadcasts"`
	DroppedDeliveries int64 `json:"dropped_deliveries"`

	SettlementCycles int64 `json:"settlement_cycles"`
	FailedCycles     int64 `json:"failed_cycles"`
	PostsExpired     int64 `json:"posts_expired"`
	UsersAdjusted    int64 `json:"users_adjusted"`
}

// Snapshot gathers the registry and sums each family of interest.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	s := MetricsSnapshot{
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
	}
	families, err := m.registry.Gather()
	if err != nil {
		slog.Warn("metrics gather failed", "err", err)
	}
	for _, f := range families {
		switch f.GetName() {
		case "gokarma_connections_active":
			s.ActiveConnections = sumFamily(f, nil)
		case "gokarma_connections_total":
			s.TotalConnections = sumFamily(f, nil)
		case "gokarma_hub_sessions":
			s.ActiveSessions = sumFamily(f, nil)
		case "gokarma_requests_total":
			s.Requests = sumFamily(f, nil)
			s.FailedRequests = s.Requests - sumFamily(f, map[string]string{"outcome": outcomeOK})
		case "gokarma_hub_broadcasts_total":
			s.Broadcasts = sumFamily(f, nil)
		case "gokarma_hub_dropped_deliveries_total":
			s.DroppedDeliveries = sumFamily(f, nil)
		case "gokarma_settlement_cycles_total":
			s.SettlementCycles = sumFamily(f, nil)
			s.FailedCycles = s.SettlementCycles - sumFamily(f, map[string]string{"result": cycleOK})
		case "gokarma_settlement_posts_expired_total":
			s.PostsExpired = sumFamily(f, nil)
		case "gokarma_settlement_users_adjusted_total":
			s.UsersAdjusted = sumFamily(f, nil)
		}
	}
	return s
}

// sumFamily adds up the counter or gauge values of every metric in f whose
// labels include match.
func sumFamily(f *dto.MetricFamily, match map[string]string) int64 {
	var total float64
	for _, metric := range f.GetMetric() {
		if !hasLabels(metric, match) {
			continue
		}
		switch {
		case metric.GetCounter() != nil:
			total += metric.GetCounter().GetValue()
		case metric.GetGauge() != nil:
			total += metric.GetGauge().GetValue()
		}
	}
	return int64(total)
}

func hasLabels(metric *dto.Metric, match map[string]string) bool {
	for name, value := range match {
		found := false
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == name && lp.GetValue() == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"sessions", s.ActiveSessions,
		"requests", s.Requests,
		"failed_requests", s.FailedRequests,
		"broadcasts", s.Broadcasts,
		"dropped", s.DroppedDeliveries,
		"cycles", s.SettlementCycles,
		"failed_cycles", s.FailedCycles,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
