package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

// SystemMetrics интерфейс для системных метрик
type SystemMetrics interface {
	Record()
	StartRecording(interval time.Duration)
	Stop()
}

type systemMetrics struct {
	log          *logger.Logger
	goroutines   prometheus.Gauge
	memoryAlloc  prometheus.Gauge
	memorySystem prometheus.Gauge
	gcTotal      prometheus.Counter
	sessions     prometheus.GaugeFunc

	mu       sync.Mutex
	lastGC   uint32
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSystemMetrics создает системные метрики. activeSessions может быть nil.
func NewSystemMetrics(registry *prometheus.Registry, activeSessions func() int, log *logger.Logger) SystemMetrics {
	factory := promauto.With(registry)

	m := &systemMetrics{
		log: log,
		goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "system_goroutines",
			Help: "Current number of goroutines",
		}),
		memoryAlloc: factory.NewGauge(prometheus.GaugeOpts{
			Name: "system_memory_alloc_bytes",
			Help: "Currently allocated memory in bytes",
		}),
		memorySystem: factory.NewGauge(prometheus.GaugeOpts{
			Name: "system_memory_system_bytes",
			Help: "Total memory obtained from system in bytes",
		}),
		gcTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "system_memory_gc_total",
			Help: "Total number of garbage collections",
		}),
		stopCh: make(chan struct{}),
	}
	if activeSessions != nil {
		m.sessions = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "billing_active_session_trackers",
			Help: "Users with live session trackers",
		}, func() float64 { return float64(activeSessions()) })
	}
	return m
}

// Record снимает текущие значения
func (m *systemMetrics) Record() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAlloc.Set(float64(memStats.Alloc))
	m.memorySystem.Set(float64(memStats.Sys))

	m.mu.Lock()
	if memStats.NumGC > m.lastGC {
		m.gcTotal.Add(float64(memStats.NumGC - m.lastGC))
		m.lastGC = memStats.NumGC
	}
	m.mu.Unlock()
}

// StartRecording начинает запись метрик с заданным интервалом
func (m *systemMetrics) StartRecording(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.Record()
			case <-m.stopCh:
				return
			}
		}
	}()
	m.log.Infow("System metrics recording started", "interval", interval)
}

// Stop останавливает запись метрик
func (m *systemMetrics) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.log.Infow("System metrics recording stopped")
	})
}
