package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "gamewatch"

// Collector provides a central place for all application metrics.
// Its helper methods are safe to call on a nil *Collector.
type Collector struct {
	// Monitor metrics
	MonitorsActive   prometheus.Gauge
	TicksTotal       *prometheus.CounterVec
	TickDuration     prometheus.Histogram
	BytesRead        prometheus.Counter
	FilesRetired     prometheus.Counter
	LinesClassified  *prometheus.CounterVec
	EventsClassified *prometheus.CounterVec

	// Upstream API metrics
	UpstreamRequests *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec

	// Delivery metrics
	DeliveriesSent      *prometheus.CounterVec
	DeliveriesFailed    *prometheus.CounterVec
	DeliveryDuration    *prometheus.HistogramVec
	DestinationsCreated *prometheus.CounterVec
	OutputBatchSize     *prometheus.HistogramVec

	// System metrics
	SystemGoroutines prometheus.Gauge
	SystemMemAlloc   prometheus.Gauge
	SystemMemSys     prometheus.Gauge
	SystemGCPauses   prometheus.Histogram

	// Dead letter queue metrics
	DLQEntriesWritten prometheus.Counter
	DLQSize           prometheus.Gauge
	DLQReplayed       *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec

	// Health metrics
	HealthStatus *prometheus.GaugeVec

	registry *prometheus.Registry
	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
	}

	c.initMonitorMetrics()
	c.initUpstreamMetrics()
	c.initDeliveryMetrics()
	c.initSystemMetrics()
	c.initDLQMetrics()
	c.initCircuitBreakerMetrics()
	c.initHealthMetrics()

	return c
}

func (c *Collector) initMonitorMetrics() {
	c.MonitorsActive = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "active",
			Help:      "Current number of active monitors",
		},
	)

	c.TicksTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "ticks_total",
			Help:      "Total number of poll ticks by outcome",
		},
		[]string{"outcome"},
	)

	c.TickDuration = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "tick_duration_seconds",
			Help:      "Time taken by one poll tick",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	c.BytesRead = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "bytes_read_total",
			Help:      "Total new log bytes handed to classifiers",
		},
	)

	c.FilesRetired = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "files_retired_total",
			Help:      "Total tracked files dropped after disappearing from a listing",
		},
	)

	c.LinesClassified = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "lines_total",
			Help:      "Total lines seen by classifiers by source and result",
		},
		[]string{"source", "result"},
	)

	c.EventsClassified = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "events_total",
			Help:      "Total classified events by type",
		},
		[]string{"event_type"},
	)
}

func (c *Collector) initUpstreamMetrics() {
	c.UpstreamRequests = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Total upstream API calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	c.UpstreamDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "duration_seconds",
			Help:      "Time taken by upstream API calls",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"operation"},
	)
}

func (c *Collector) initDeliveryMetrics() {
	c.DeliveriesSent = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "deliveries_sent_total",
			Help:      "Total events delivered by channel and event type",
		},
		[]string{"channel", "event_type"},
	)

	c.DeliveriesFailed = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "deliveries_failed_total",
			Help:      "Total failed deliveries by channel and stage",
		},
		[]string{"channel", "stage"},
	)

	c.DeliveryDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "duration_seconds",
			Help:      "Time taken to deliver one event",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"channel"},
	)

	c.DestinationsCreated = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "destinations_created_total",
			Help:      "Total destinations created on first use",
		},
		[]string{"channel"},
	)

	c.OutputBatchSize = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "batch_size",
			Help:      "Number of payloads in each archived batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1 to 4096
		},
		[]string{"channel"},
	)
}

func (c *Collector) initSystemMetrics() {
	c.SystemGoroutines = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines_total",
			Help:      "Current number of goroutines",
		},
	)

	c.SystemMemAlloc = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_allocated_bytes",
			Help:      "Bytes of allocated heap objects",
		},
	)

	c.SystemMemSys = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_system_bytes",
			Help:      "Total bytes of memory obtained from the OS",
		},
	)

	c.SystemGCPauses = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "gc_pause_seconds",
			Help:      "GC pause duration",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to ~300ms
		},
	)
}

func (c *Collector) initDLQMetrics() {
	c.DLQEntriesWritten = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "entries_written_total",
			Help:      "Total number of failed deliveries written to the dead letter queue",
		},
	)

	c.DLQSize = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "entries",
			Help:      "Current number of entries in the dead letter queue",
		},
	)

	c.DLQReplayed = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "replayed_total",
			Help:      "Total replayed entries by outcome",
		},
		[]string{"outcome"},
	)
}

func (c *Collector) initCircuitBreakerMetrics() {
	c.CircuitBreakerState = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)
}

func (c *Collector) initHealthMetrics() {
	c.HealthStatus = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health status of components (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)
}

// ObserveTick records one finished poll tick
func (c *Collector) ObserveTick(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.TicksTotal.WithLabelValues(outcome).Inc()
	c.TickDuration.Observe(d.Seconds())
}

// ObserveUpstream records one upstream API call
func (c *Collector) ObserveUpstream(operation, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.UpstreamRequests.WithLabelValues(operation, outcome).Inc()
	c.UpstreamDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveLines records classifier results for a batch of lines
func (c *Collector) ObserveLines(source string, recognized, skipped int) {
	if c == nil {
		return
	}
	c.LinesClassified.WithLabelValues(source, "recognized").Add(float64(recognized))
	c.LinesClassified.WithLabelValues(source, "skipped").Add(float64(skipped))
}

// ObserveEvent records one classified event
func (c *Collector) ObserveEvent(eventType string) {
	if c == nil {
		return
	}
	c.EventsClassified.WithLabelValues(eventType).Inc()
}

// AddBytesRead records new log bytes
func (c *Collector) AddBytesRead(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.BytesRead.Add(float64(n))
}

// IncFilesRetired records a retired file
func (c *Collector) IncFilesRetired() {
	if c == nil {
		return
	}
	c.FilesRetired.Inc()
}

// SetMonitorsActive sets the active monitor gauge
func (c *Collector) SetMonitorsActive(n int) {
	if c == nil {
		return
	}
	c.MonitorsActive.Set(float64(n))
}

// ObserveDelivery records a delivery attempt. stage is empty on success.
func (c *Collector) ObserveDelivery(channel, eventType, stage string, d time.Duration) {
	if c == nil {
		return
	}
	if stage == "" {
		c.DeliveriesSent.WithLabelValues(channel, eventType).Inc()
	} else {
		c.DeliveriesFailed.WithLabelValues(channel, stage).Inc()
	}
	c.DeliveryDuration.WithLabelValues(channel).Observe(d.Seconds())
}

// IncDestinationsCreated records a destination created on first use
func (c *Collector) IncDestinationsCreated(channel string) {
	if c == nil {
		return
	}
	c.DestinationsCreated.WithLabelValues(channel).Inc()
}

// ObserveBatch records the size of an archived batch
func (c *Collector) ObserveBatch(channel string, size int) {
	if c == nil {
		return
	}
	c.OutputBatchSize.WithLabelValues(channel).Observe(float64(size))
}

// SetDLQSize sets the dead letter queue size gauge
func (c *Collector) SetDLQSize(n int) {
	if c == nil {
		return
	}
	c.DLQSize.Set(float64(n))
}

// IncDLQWritten records an entry written to the dead letter queue
func (c *Collector) IncDLQWritten() {
	if c == nil {
		return
	}
	c.DLQEntriesWritten.Inc()
}

// ObserveReplay records the outcome of replaying one dead letter entry
func (c *Collector) ObserveReplay(outcome string) {
	if c == nil {
		return
	}
	c.DLQReplayed.WithLabelValues(outcome).Inc()
}

// SetCircuitState records a circuit breaker state (0=closed, 1=open, 2=half-open)
func (c *Collector) SetCircuitState(name string, state int) {
	if c == nil {
		return
	}
	c.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// SetHealth records a component health status
func (c *Collector) SetHealth(component string, healthy bool) {
	if c == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	c.HealthStatus.WithLabelValues(component).Set(v)
}

// Start begins collecting system metrics periodically
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return
	}

	c.started = true
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh

	// Collect system metrics every 15 seconds
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		c.collectSystemMetrics()
		for {
			select {
			case <-ticker.C:
				c.collectSystemMetrics()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop stops the metrics collector
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}
	close(c.stopCh)
	c.started = false
}

// collectSystemMetrics gathers runtime metrics
func (c *Collector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	c.SystemMemAlloc.Set(float64(m.Alloc))
	c.SystemMemSys.Set(float64(m.Sys))

	if m.NumGC > 0 {
		lastPause := m.PauseNs[(m.NumGC+255)%256]
		c.SystemGCPauses.Observe(float64(lastPause) / 1e9)
	}
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Global metrics collector
var (
	globalCollector *Collector
	once            sync.Once
)

// GetGlobalCollector returns the global metrics collector
func GetGlobalCollector() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
		globalCollector.Start()
	})
	return globalCollector
}
