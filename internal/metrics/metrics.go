package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Counter names recorded by the indexer
const (
	CounterEventsReceived       = "events_received_total"
	CounterEventsApplied        = "events_applied_total"
	CounterEventsAlreadyApplied = "events_already_applied_total"
	CounterEventsMissingRef     = "events_missing_reference_total"
	CounterEventsSkipped        = "events_skipped_total"
	CounterBatchesCommitted     = "batches_committed_total"
	CounterReconnects           = "stream_reconnects_total"
	CounterObserverErrors       = "observer_errors_total"
)

// Gauge names
const (
	GaugeCursorOrderKey = "cursor_order_key"
	GaugeGoroutines     = "goroutines"
)

// Timer and error-rate names
const (
	TimerBatch   = "batch_duration"
	TimerDBQuery = "db_query"
	RateStorage  = "storage"
)

// Database query kinds reported by the GORM callbacks
const (
	DBQuerySelect = "select"
	DBQueryInsert = "insert"
	DBQueryUpdate = "update"
	DBQueryDelete = "delete"
)

// TimerMetric captures timing information
type TimerMetric struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

// ErrorRateMetric captures error rates
type ErrorRateMetric struct {
	Total     int64   `json:"total"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
}

type timer struct {
	count       int64
	totalTimeMs int64
	minTimeMs   int64
	maxTimeMs   int64
}

type errorRate struct {
	total  int64
	errors int64
}

// Metrics is an in-process collector. Values are read by the ops server.
type Metrics struct {
	mu           sync.RWMutex
	counters     map[string]*int64
	gauges       map[string]*int64
	timers       map[string]*timer
	errorRates   map[string]*errorRate
	healthChecks map[string]*int64
	startTime    time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:     make(map[string]*int64),
		gauges:       make(map[string]*int64),
		timers:       make(map[string]*timer),
		errorRates:   make(map[string]*errorRate),
		healthChecks: make(map[string]*int64),
		startTime:    time.Now(),
	}
}

// slot returns the entry for name, creating it under the write lock the
// first time it is seen
func slot[T any](m *Metrics, table map[string]*T, name string, init func() *T) *T {
	m.mu.RLock()
	v, ok := table[name]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok = table[name]; !ok {
		v = init()
		table[name] = v
	}
	return v
}

func newInt64() *int64 { return new(int64) }

// IncrementCounter increments a counter by 1
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by the specified value
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	atomic.AddInt64(slot(m, m.counters, name, newInt64), value)
}

// SetGauge sets a gauge to a specific value
func (m *Metrics) SetGauge(name string, value int64) {
	atomic.StoreInt64(slot(m, m.gauges, name, newInt64), value)
}

// RecordTimer records a duration under name
func (m *Metrics) RecordTimer(name string, d time.Duration) {
	t := slot(m, m.timers, name, func() *timer {
		return &timer{minTimeMs: math.MaxInt64}
	})
	ms := d.Milliseconds()

	atomic.AddInt64(&t.count, 1)
	atomic.AddInt64(&t.totalTimeMs, ms)

	for {
		cur := atomic.LoadInt64(&t.minTimeMs)
		if ms >= cur || atomic.CompareAndSwapInt64(&t.minTimeMs, cur, ms) {
			break
		}
	}
	for {
		cur := atomic.LoadInt64(&t.maxTimeMs)
		if ms <= cur || atomic.CompareAndSwapInt64(&t.maxTimeMs, cur, ms) {
			break
		}
	}
}

// RecordSuccess records a successful operation for error rate tracking
func (m *Metrics) RecordSuccess(name string) {
	m.recordErrorRate(name, false)
}

// RecordError records a failed operation for error rate tracking
func (m *Metrics) RecordError(name string) {
	m.recordErrorRate(name, true)
}

func (m *Metrics) recordErrorRate(name string, isError bool) {
	er := slot(m, m.errorRates, name, func() *errorRate { return &errorRate{} })
	atomic.AddInt64(&er.total, 1)
	if isError {
		atomic.AddInt64(&er.errors, 1)
	}
}

// RecordDBQuery is fed by the GORM callbacks in internal/database
func (m *Metrics) RecordDBQuery(kind string, ok bool, d time.Duration) {
	m.IncrementCounter("db_" + kind + "_total")
	m.RecordTimer(TimerDBQuery, d)
	if ok {
		m.RecordSuccess(RateStorage)
	} else {
		m.RecordError(RateStorage)
	}
}

// SetHealth sets the health status of a component
func (m *Metrics) SetHealth(component string, healthy bool) {
	var v int64
	if healthy {
		v = 1
	}
	atomic.StoreInt64(slot(m, m.healthChecks, component, newInt64), v)
}

// GetCounters returns all counters
func (m *Metrics) GetCounters() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for name, c := range m.counters {
		counters[name] = atomic.LoadInt64(c)
	}
	return counters
}

// Counter returns a single counter, zero when it was never incremented
func (m *Metrics) Counter(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if c, ok := m.counters[name]; ok {
		return atomic.LoadInt64(c)
	}
	return 0
}

// GetGauges returns all gauges
func (m *Metrics) GetGauges() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	gauges := make(map[string]int64, len(m.gauges))
	for name, g := range m.gauges {
		gauges[name] = atomic.LoadInt64(g)
	}
	return gauges
}

// GetTimers returns all timers
func (m *Metrics) GetTimers() map[string]TimerMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	timers := make(map[string]TimerMetric, len(m.timers))
	for name, t := range m.timers {
		count := atomic.LoadInt64(&t.count)
		total := atomic.LoadInt64(&t.totalTimeMs)

		var avg float64
		if count > 0 {
			avg = float64(total) / float64(count)
		}
		timers[name] = TimerMetric{
			Count:         count,
			TotalTimeMs:   total,
			AverageTimeMs: avg,
			MinTimeMs:     atomic.LoadInt64(&t.minTimeMs),
			MaxTimeMs:     atomic.LoadInt64(&t.maxTimeMs),
		}
	}
	return timers
}

// GetErrorRates returns all error rates as percentages
func (m *Metrics) GetErrorRates() map[string]ErrorRateMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rates := make(map[string]ErrorRateMetric, len(m.errorRates))
	for name, er := range m.errorRates {
		total := atomic.LoadInt64(&er.total)
		errs := atomic.LoadInt64(&er.errors)

		var rate float64
		if total > 0 {
			rate = float64(errs) / float64(total) * 100.0
		}
		rates[name] = ErrorRateMetric{Total: total, Errors: errs, ErrorRate: rate}
	}
	return rates
}

// GetHealthChecks returns all health checks
func (m *Metrics) GetHealthChecks() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	checks := make(map[string]bool, len(m.healthChecks))
	for name, h := range m.healthChecks {
		checks[name] = atomic.LoadInt64(h) > 0
	}
	return checks
}

// GetUptimeSeconds returns the service uptime in seconds
func (m *Metrics) GetUptimeSeconds() int64 {
	return int64(time.Since(m.startTime).Seconds())
}

// GetAllMetrics returns all metrics in a structured format
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": m.GetUptimeSeconds(),
		"counters":       m.GetCounters(),
		"gauges":         m.GetGauges(),
		"timers":         m.GetTimers(),
		"error_rates":    m.GetErrorRates(),
		"health_checks":  m.GetHealthChecks(),
	}
}
