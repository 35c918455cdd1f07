package outbound

import (
	"log/slog"
	"math"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricCount    = "pipy_outbound_count"
	metricIn       = "pipy_outbound_in"
	metricOut      = "pipy_outbound_out"
	metricConnTime = "pipy_outbound_conn_time"
)

// connTimeBuckets implements spec §4.5: floor(1.5^i) for i=1..20,
// milliseconds. The client_golang histogram adds the +Inf overflow
// bucket on its own.
func connTimeBuckets() []float64 {
	buckets := make([]float64, 20)
	for i := 1; i <= 20; i++ {
		buckets[i-1] = math.Floor(math.Pow(1.5, float64(i)))
	}
	return buckets
}

// metricsBundle is the set of metric objects lazily initialized on a
// Worker's first connection (spec §4.5, §7: "Metric registration
// failures are silent, lazy init retried on next connection").
type metricsBundle struct {
	registry  *prometheus.Registry
	collector *registryCollector
	connTime  prometheus.Histogram
}

// ensureMetrics lazily builds and registers w's metric objects. Safe
// to call both from w's own goroutine (on first connection) and from
// an embedder wiring up /metrics before or after Run starts.
func (w *Worker) ensureMetrics() *metricsBundle {
	w.metricsMu.Lock()
	defer w.metricsMu.Unlock()

	if w.metrics != nil {
		return w.metrics
	}

	reg := prometheus.NewRegistry()
	collector := newRegistryCollector(w)
	connTime := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    metricConnTime,
		Help:    "Outbound connect latency in milliseconds.",
		Buckets: connTimeBuckets(),
	})

	if err := reg.Register(collector); err != nil {
		w.logger.Warn("failed to register outbound registry collector", slog.Any("error", err))
		return nil
	}
	if err := reg.Register(connTime); err != nil {
		w.logger.Warn("failed to register outbound connect-time histogram", slog.Any("error", err))
		return nil
	}

	w.metrics = &metricsBundle{registry: reg, collector: collector, connTime: connTime}
	return w.metrics
}

// Registerer exposes the Worker's metric registry so an embedder can
// serve it (e.g. behind promhttp.Handler, or folded into
// controller-runtime's metrics.Registry). Each Worker owns an
// independent *prometheus.Registry rather than registering into a
// shared global one: the four metric names are reused across workers
// by design (spec §9's "thread-local singletons"), and client_golang
// rejects duplicate registrations against a single registry. An
// embedder running multiple Workers either shards by exposing one
// endpoint per Worker or aggregates across Registerers itself — the
// spec explicitly leaves this choice to the aggregator.
func (w *Worker) Registerer() prometheus.Registerer {
	m := w.ensureMetrics()
	if m == nil {
		return nil
	}
	return m.registry
}

// Gatherer exposes the Worker's metrics for scraping (e.g. promhttp).
func (w *Worker) Gatherer() prometheus.Gatherer {
	m := w.ensureMetrics()
	if m == nil {
		return nil
	}
	return m.registry
}

// registryCollector implements prometheus.Collector for
// pipy_outbound_count/in/out. Per spec §4.5 these are computed by
// iterating the registry at scrape time rather than maintained
// incrementally, so Collect marshals onto the owning Worker's
// goroutine (spec §9: "scrape must run on the owning worker thread")
// and blocks until that task completes.
type registryCollector struct {
	worker         *Worker
	countDesc      *prometheus.Desc
	countTotalDesc *prometheus.Desc
	inDesc         *prometheus.Desc
	outDesc        *prometheus.Desc

	// totalIn/totalOut are running totals per label, accumulated across
	// scrapes. drainTraffic resets each connection's own counter to 0,
	// so these are the only durable record of bytes moved by
	// connections that have since closed and left the registry. Only
	// ever touched from the owning Worker's goroutine, inside the task
	// Collect queues on worker.tasks.
	totalIn  map[labelKey]uint64
	totalOut map[labelKey]uint64
}

func newRegistryCollector(w *Worker) *registryCollector {
	labels := []string{"protocol", "peer"}
	return &registryCollector{
		worker:         w,
		countDesc:      prometheus.NewDesc(metricCount, "Number of live outbound connections.", labels, nil),
		countTotalDesc: prometheus.NewDesc(metricCount, "Number of live outbound connections.", nil, nil),
		inDesc:         prometheus.NewDesc(metricIn, "Bytes received on outbound connections.", labels, nil),
		outDesc:        prometheus.NewDesc(metricOut, "Bytes sent on outbound connections.", labels, nil),
		totalIn:        make(map[labelKey]uint64),
		totalOut:       make(map[labelKey]uint64),
	}
}

func (c *registryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.countDesc
	ch <- c.countTotalDesc
	ch <- c.inDesc
	ch <- c.outDesc
}

type labelKey struct {
	protocol, peer string
}

func (c *registryCollector) Collect(ch chan<- prometheus.Metric) {
	type snapshot struct {
		count      map[labelKey]int
		totalCount int
		totalIn    map[labelKey]uint64
		totalOut   map[labelKey]uint64
	}

	task := func() (snapshot, bool) {
		result := make(chan snapshot, 1)
		select {
		case c.worker.tasks <- func() {
			count := make(map[labelKey]int)
			c.worker.registry.each(func(m registryMember) {
				key := labelKey{protocol: m.protocolLabel(), peer: m.addressLabel()}
				count[key]++
				in, out := m.drainTraffic()
				// Drained deltas are added onto a running total kept on
				// the collector: drainTraffic zeroes the connection's
				// own counter, so this map is the only place bytes
				// moved by a since-closed connection survive to be
				// reported.
				c.totalIn[key] += in
				c.totalOut[key] += out
			})
			// Copy the totals out while still on the worker goroutine:
			// the maps below are only ever touched here, but the copies
			// let the emission loop run without racing the next scrape
			// or task.
			totalIn := make(map[labelKey]uint64, len(c.totalIn))
			for k, v := range c.totalIn {
				totalIn[k] = v
			}
			totalOut := make(map[labelKey]uint64, len(c.totalOut))
			for k, v := range c.totalOut {
				totalOut[k] = v
			}
			total := 0
			for _, v := range count {
				total += v
			}
			result <- snapshot{count: count, totalCount: total, totalIn: totalIn, totalOut: totalOut}
		}:
		case <-c.worker.done:
			c.worker.logger.Warn("outbound: metrics scrape skipped, worker is not running")
			return snapshot{}, false
		}

		select {
		case s := <-result:
			return s, true
		case <-c.worker.done:
			c.worker.logger.Warn("outbound: metrics scrape skipped, worker stopped mid-scrape")
			return snapshot{}, false
		}
	}

	s, ok := task()
	if !ok {
		return
	}

	for key, v := range s.count {
		ch <- prometheus.MustNewConstMetric(c.countDesc, prometheus.GaugeValue, float64(v), key.protocol, key.peer)
	}
	ch <- prometheus.MustNewConstMetric(c.countTotalDesc, prometheus.GaugeValue, float64(s.totalCount))
	for key, v := range s.totalIn {
		ch <- prometheus.MustNewConstMetric(c.inDesc, prometheus.CounterValue, float64(v), key.protocol, key.peer)
	}
	for key, v := range s.totalOut {
		ch <- prometheus.MustNewConstMetric(c.outDesc, prometheus.CounterValue, float64(v), key.protocol, key.peer)
	}
}
