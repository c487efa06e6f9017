package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Collector owns the process-local metrics registry. Every component
// records through it; the doctor command and the optional metrics listener
// read from it. A private registry keeps tests free of global state.
type Collector struct {
	reg       *prometheus.Registry
	startTime time.Time

	jobsByStatus   *prometheus.GaugeVec
	transitions    *prometheus.CounterVec
	clientRequests *prometheus.CounterVec
	clientDuration *prometheus.HistogramVec
	pushEvents     *prometheus.CounterVec
	staleDiscards  *prometheus.CounterVec
	deltaFetches   *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	inboxDepth     prometheus.Gauge
	inboxDispatch  *prometheus.CounterVec
}

// NewCollector creates a collector with all metric families registered.
func NewCollector() *Collector {
	c := &Collector{
		reg:       prometheus.NewRegistry(),
		startTime: time.Now(),
		jobsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fetchq_jobs_by_status",
				Help: "Number of tracked jobs by status",
			},
			[]string{"status"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchq_job_transitions_total",
				Help: "Total observed job status transitions",
			},
			[]string{"from", "to"},
		),
		clientRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchq_client_requests_total",
				Help: "Total control-plane requests by method, endpoint and status",
			},
			[]string{"method", "endpoint", "status"},
		),
		clientDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetchq_client_request_seconds",
				Help:    "Control-plane request latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"method", "endpoint"},
		),
		pushEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchq_push_events_total",
				Help: "Total push channel frames by type",
			},
			[]string{"type"},
		),
		staleDiscards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchq_stale_discards_total",
				Help: "Total payloads discarded for being older than cached state",
			},
			[]string{"kind"},
		),
		deltaFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchq_playlist_delta_fetches_total",
				Help: "Total playlist delta fetches by outcome",
			},
			[]string{"result"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchq_notifications_total",
				Help: "Total notifications raised by kind",
			},
			[]string{"kind"},
		),
		inboxDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchq_inbox_depth",
				Help: "Pending inbox requests waiting for dispatch",
			},
		),
		inboxDispatch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchq_inbox_dispatch_total",
				Help: "Total inbox dispatch attempts by outcome",
			},
			[]string{"outcome"},
		),
	}

	c.reg.MustRegister(c.jobsByStatus)
	c.reg.MustRegister(c.transitions)
	c.reg.MustRegister(c.clientRequests)
	c.reg.MustRegister(c.clientDuration)
	c.reg.MustRegister(c.pushEvents)
	c.reg.MustRegister(c.staleDiscards)
	c.reg.MustRegister(c.deltaFetches)
	c.reg.MustRegister(c.notifications)
	c.reg.MustRegister(c.inboxDepth)
	c.reg.MustRegister(c.inboxDispatch)
	c.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "fetchq_uptime_seconds",
			Help: "Time since the process started",
		},
		func() float64 { return time.Since(c.startTime).Seconds() },
	))

	return c
}

// RecordRequest records one control-plane request.
func (c *Collector) RecordRequest(method, endpoint string, status int, duration time.Duration) {
	c.clientRequests.WithLabelValues(method, endpoint, fmt.Sprintf("%d", status)).Inc()
	c.clientDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordTransition records an observed job status change.
func (c *Collector) RecordTransition(from, to string) {
	c.transitions.WithLabelValues(from, to).Inc()
}

// SetJobsByStatus replaces the per-status job gauge with current counts.
func (c *Collector) SetJobsByStatus(counts map[string]int) {
	c.jobsByStatus.Reset()
	for status, n := range counts {
		c.jobsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// RecordPushEvent records one frame from the push channel.
func (c *Collector) RecordPushEvent(frameType string) {
	c.pushEvents.WithLabelValues(frameType).Inc()
}

// RecordStaleDiscard records a payload dropped for being older than cache.
func (c *Collector) RecordStaleDiscard(kind string) {
	c.staleDiscards.WithLabelValues(kind).Inc()
}

// RecordDeltaFetch records a playlist delta fetch outcome.
func (c *Collector) RecordDeltaFetch(result string) {
	c.deltaFetches.WithLabelValues(result).Inc()
}

// RecordNotification records one raised notification.
func (c *Collector) RecordNotification(kind string) {
	c.notifications.WithLabelValues(kind).Inc()
}

// SetInboxDepth publishes the current inbox queue length.
func (c *Collector) SetInboxDepth(n int) {
	c.inboxDepth.Set(float64(n))
}

// RecordInboxDispatch records an inbox dispatch attempt.
func (c *Collector) RecordInboxDispatch(outcome string) {
	c.inboxDispatch.WithLabelValues(outcome).Inc()
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Snapshot renders the current metrics in Prometheus text format. Used by
// the doctor command to print a one-shot dump without running a listener.
func (c *Collector) Snapshot() (string, error) {
	families, err := c.reg.Gather()
	if err != nil {
		return "", fmt.Errorf("gathering metrics: %w", err)
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return "", fmt.Errorf("encoding metric %s: %w", mf.GetName(), err)
		}
	}
	return buf.String(), nil
}
