package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
)

var (
	// defaultRegistry is the default Prometheus registry
	defaultRegistry = prometheus.DefaultRegisterer
)

// Metrics holds all application metrics.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec
	keyOperationsTotal  *prometheus.CounterVec
	keyOperationErrors  *prometheus.CounterVec
	cipherOperations    *prometheus.CounterVec
	cipherDuration      *prometheus.HistogramVec
	cipherErrors        *prometheus.CounterVec
	cipherBytes         *prometheus.CounterVec
	hsmCallsTotal       *prometheus.CounterVec
	hsmCallDuration     *prometheus.HistogramVec
	hsmCallErrors       *prometheus.CounterVec
	registeredKeys      prometheus.Gauge
	activeConnections   prometheus.Gauge
	goroutines          prometheus.Gauge
	memoryAllocBytes    prometheus.Gauge
	memorySysBytes      prometheus.Gauge
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(defaultRegistry)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry (for testing).
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes transferred in HTTP requests",
			},
			[]string{"method", "path"},
		),
		keyOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "key_operations_total",
				Help: "Total number of key lifecycle operations",
			},
			[]string{"operation", "algorithm"},
		),
		keyOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "key_operation_errors_total",
				Help: "Total number of key lifecycle operation errors",
			},
			[]string{"operation", "error_type"},
		),
		cipherOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cipher_operations_total",
				Help: "Total number of encryption/decryption operations",
			},
			[]string{"operation", "mode"},
		),
		cipherDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cipher_duration_seconds",
				Help:    "Encryption/decryption operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation", "mode"},
		),
		cipherErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cipher_errors_total",
				Help: "Total number of encryption/decryption errors",
			},
			[]string{"operation", "error_type"},
		),
		cipherBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cipher_bytes_total",
				Help: "Total bytes encrypted/decrypted",
			},
			[]string{"operation"},
		),
		hsmCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hsm_calls_total",
				Help: "Total number of calls into the cryptographic module",
			},
			[]string{"call"},
		),
		hsmCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hsm_call_duration_seconds",
				Help:    "Cryptographic module call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"call"},
		),
		hsmCallErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hsm_call_errors_total",
				Help: "Total number of cryptographic module call errors",
			},
			[]string{"call"},
		),
		registeredKeys: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "registered_keys",
				Help: "Number of keys currently registered",
			},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active HTTP connections",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// SetVersion registers the build info collector with the given version.
func SetVersion(v string) {
	version.Version = v
	prometheus.MustRegister(versioncollector.NewCollector("hsm_crypto_gateway"))
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64) {
	m.httpRequestsTotal.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, http.StatusText(status)).Observe(duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordKeyOperation records a key lifecycle operation metric.
func (m *Metrics) RecordKeyOperation(operation, algorithm string) {
	m.keyOperationsTotal.WithLabelValues(operation, algorithm).Inc()
}

// RecordKeyOperationError records a key lifecycle operation error.
func (m *Metrics) RecordKeyOperationError(operation, errorType string) {
	m.keyOperationErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordCipherOperation records an encryption/decryption operation metric.
func (m *Metrics) RecordCipherOperation(operation, mode string, duration time.Duration, bytes int64) {
	m.cipherOperations.WithLabelValues(operation, mode).Inc()
	m.cipherDuration.WithLabelValues(operation, mode).Observe(duration.Seconds())
	m.cipherBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordCipherError records an encryption/decryption error.
func (m *Metrics) RecordCipherError(operation, errorType string) {
	m.cipherErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordHSMCall records one call into the cryptographic module.
func (m *Metrics) RecordHSMCall(call string, duration time.Duration, err error) {
	m.hsmCallsTotal.WithLabelValues(call).Inc()
	m.hsmCallDuration.WithLabelValues(call).Observe(duration.Seconds())
	if err != nil {
		m.hsmCallErrors.WithLabelValues(call).Inc()
	}
}

// SetRegisteredKeys sets the registered keys gauge.
func (m *Metrics) SetRegisteredKeys(n int) {
	m.registeredKeys.Set(float64(n))
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
