package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Latency series kept in memory for percentile reports.
const (
	SeriesSend    = "send"
	SeriesConnect = "connect"
	SeriesPong    = "pong"
)

// Send outcomes
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Collector records transport and delivery metrics for one client process.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	transitions    *prometheus.CounterVec
	reconnects     prometheus.Counter
	framesReceived *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	framesSent     *prometheus.CounterVec
	sendResults    *prometheus.CounterVec
	latency        *prometheus.HistogramVec

	mu      sync.Mutex
	samples map[string][]time.Duration
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchchat_connection_transitions_total",
				Help: "Connection state transitions by target state",
			},
			[]string{"to"},
		),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "matchchat_reconnect_attempts_total",
			Help: "Scheduled reconnect attempts",
		}),
		framesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchchat_frames_received_total",
				Help: "Inbound realtime frames by kind",
			},
			[]string{"kind"},
		),
		framesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchchat_frames_dropped_total",
				Help: "Inbound frames dropped before dispatch",
			},
			[]string{"reason"},
		),
		framesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchchat_frames_sent_total",
				Help: "Outbound realtime frames by type",
			},
			[]string{"type"},
		),
		sendResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchchat_message_sends_total",
				Help: "Message sends through the REST backend by result",
			},
			[]string{"result"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "matchchat_latency_seconds",
				Help:    "Round trip latency by series (send, connect, pong)",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"series"},
		),
		samples: make(map[string][]time.Duration),
	}
}

// Registry exposes the collector's registry, e.g. for promhttp.HandlerFor.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) RecordTransition(to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(to).Inc()
}

func (c *Collector) RecordReconnect() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

func (c *Collector) RecordFrame(kind string) {
	if c == nil {
		return
	}
	c.framesReceived.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordDropped(reason string) {
	if c == nil {
		return
	}
	c.framesDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordSent(frameType string) {
	if c == nil {
		return
	}
	c.framesSent.WithLabelValues(frameType).Inc()
}

// RecordSend records the outcome of a REST message send. Latency is only
// observed for successful sends.
func (c *Collector) RecordSend(result string, latency time.Duration) {
	if c == nil {
		return
	}
	c.sendResults.WithLabelValues(result).Inc()
	if result == ResultOK {
		c.Observe(SeriesSend, latency)
	}
}

// Observe adds a latency sample to the named series.
func (c *Collector) Observe(series string, d time.Duration) {
	if c == nil {
		return
	}
	c.latency.WithLabelValues(series).Observe(d.Seconds())

	c.mu.Lock()
	c.samples[series] = append(c.samples[series], d)
	c.mu.Unlock()
}

// Count returns the number of samples recorded for series.
func (c *Collector) Count(series string) int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples[series])
}

// Percentiles returns the median, p95 and p99 of a latency series.
func (c *Collector) Percentiles(series string) (median, p95, p99 time.Duration) {
	if c == nil {
		return 0, 0, 0
	}
	c.mu.Lock()
	latencies := append([]time.Duration(nil), c.samples[series]...)
	c.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	n := len(latencies)
	median = latencies[n/2]
	p95 = latencies[int(float64(n)*0.95)]
	p99 = latencies[int(float64(n)*0.99)]
	return
}

// Mean returns the average of a latency series.
func (c *Collector) Mean(series string) time.Duration {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	latencies := c.samples[series]
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

// PrintSummary writes a human-readable latency report for the given series.
func (c *Collector) PrintSummary(w io.Writer, series ...string) {
	fmt.Fprintln(w, "========= Latency =========")
	for _, s := range series {
		median, p95, p99 := c.Percentiles(s)
		fmt.Fprintf(w, "%s: n=%d mean=%s median=%s p95=%s p99=%s\n",
			s, c.Count(s), c.Mean(s), median, p95, p99)
	}
	fmt.Fprintln(w, "===========================")
}
