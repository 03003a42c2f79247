package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pixelcache/pixelcache/pkg/types"
)

// Collector exports request, transform and cache metrics on a private registry
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	requestCounter    *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	cacheLookups      *prometheus.CounterVec
	tierErrors        *prometheus.CounterVec
	memoryBytes       prometheus.Gauge
	persistentEnabled *prometheus.GaugeVec
	transformDuration *prometheus.HistogramVec
	sourceBytes       prometheus.Histogram
	circuitOpen       *prometheus.GaugeVec

	operations map[string]*OperationMetrics
	lastReset  time.Time
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Path      string            `yaml:"path"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels"`
}

// OperationMetrics tracks one pipeline stage
type OperationMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalBytes    int64         `json:"total_bytes"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastOperation time.Time     `json:"last_operation"`
}

// NewCollector creates a new metrics collector. A disabled config yields a
// collector whose methods are no-ops.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "pixelcache",
			Labels:    make(map[string]string),
		}
	}

	c := &Collector{
		config:     config,
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, err
	}
	return c, nil
}

// Enabled reports whether metrics are exported
func (c *Collector) Enabled() bool {
	return c.config.Enabled
}

// Path is where Handler should be mounted
func (c *Collector) Path() string {
	if c.config.Path == "" {
		return "/metrics"
	}
	return c.config.Path
}

// Handler serves the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          c.registry,
	})
}

// Registry exposes the private registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordRequest records one served image request. cache is the X-Cache value.
func (c *Collector) RecordRequest(status int, cache string, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.requestCounter.WithLabelValues(strconv.Itoa(status), cache).Inc()
	c.requestDuration.WithLabelValues(cache).Observe(duration.Seconds())
}

// RecordTransform records a pipeline run
func (c *Collector) RecordTransform(format string, duration time.Duration, sourceBytes int64, success bool) {
	c.recordOperation("transform", duration, sourceBytes, success)
	if !c.config.Enabled || !success {
		return
	}
	c.transformDuration.WithLabelValues(format).Observe(duration.Seconds())
	c.sourceBytes.Observe(float64(sourceBytes))
}

// RecordFetch records one upstream fetch, retries included
func (c *Collector) RecordFetch(duration time.Duration, size int64, success bool) {
	c.recordOperation("fetch", duration, size, success)
}

// RecordCircuitState tracks which upstream hosts are currently rejected
func (c *Collector) RecordCircuitState(host string, open bool) {
	if !c.config.Enabled {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	c.circuitOpen.WithLabelValues(host).Set(v)
}

// ForgetCircuit deletes the circuit gauge for a host no longer tracked
func (c *Collector) ForgetCircuit(host string) {
	if !c.config.Enabled {
		return
	}
	c.circuitOpen.DeleteLabelValues(host)
}

// RecordLookup implements cache.Recorder
func (c *Collector) RecordLookup(source types.Source) {
	if !c.config.Enabled {
		return
	}
	c.cacheLookups.WithLabelValues(string(source)).Inc()
}

// RecordTierError implements cache.Recorder
func (c *Collector) RecordTierError(tier string) {
	if !c.config.Enabled {
		return
	}
	c.tierErrors.WithLabelValues(tier).Inc()
}

// SetMemoryBytes implements cache.Recorder
func (c *Collector) SetMemoryBytes(n int64) {
	if !c.config.Enabled {
		return
	}
	c.memoryBytes.Set(float64(n))
}

// SetPersistentEnabled implements cache.Recorder
func (c *Collector) SetPersistentEnabled(tier string, enabled bool) {
	if !c.config.Enabled {
		return
	}
	v := 0.0
	if enabled {
		v = 1
	}
	c.persistentEnabled.WithLabelValues(tier).Set(v)
}

// GetMetrics returns the per-stage summaries
func (c *Collector) GetMetrics() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetMetrics clears the per-stage summaries; Prometheus series are kept
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) recordOperation(operation string, duration time.Duration, size int64, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.operations[operation]
	if !ok {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalBytes += size
	if !success {
		m.Errors++
	}
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.LastOperation = time.Now()
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace
	labels := prometheus.Labels(c.config.Labels)

	c.requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "requests_total",
			Help:        "Image requests by HTTP status and cache outcome",
			ConstLabels: labels,
		},
		[]string{"status", "cache"},
	)

	c.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "request_duration_seconds",
			Help:        "Image request latency",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			ConstLabels: labels,
		},
		[]string{"cache"},
	)

	c.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "cache_lookups_total",
			Help:        "Cache lookups by answering source",
			ConstLabels: labels,
		},
		[]string{"source"},
	)

	c.tierErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "tier_errors_total",
			Help:        "Persistent tier failures",
			ConstLabels: labels,
		},
		[]string{"tier"},
	)

	c.memoryBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "memory_cache_bytes",
			Help:        "Bytes held by the memory tier",
			ConstLabels: labels,
		},
	)

	c.persistentEnabled = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "persistent_tier_enabled",
			Help:        "1 while the persistent tier is in use",
			ConstLabels: labels,
		},
		[]string{"tier"},
	)

	c.transformDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "transform_duration_seconds",
			Help:        "Fetch, decode, resize and encode time",
			Buckets:     prometheus.ExponentialBuckets(0.005, 2, 12),
			ConstLabels: labels,
		},
		[]string{"format"},
	)

	c.sourceBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "source_bytes",
			Help:        "Size of fetched source images",
			Buckets:     prometheus.ExponentialBuckets(1024, 2, 16), // 1KB to ~32MB
			ConstLabels: labels,
		},
	)

	c.circuitOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "upstream_circuit_open",
			Help:        "1 while requests to the upstream host are rejected",
			ConstLabels: labels,
		},
		[]string{"host"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.requestCounter,
		c.requestDuration,
		c.cacheLookups,
		c.tierErrors,
		c.memoryBytes,
		c.persistentEnabled,
		c.transformDuration,
		c.sourceBytes,
		c.circuitOpen,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}
