// Package metrics exports operation outcomes and runner load to
// Prometheus.
package metrics

import (
	"sync"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/operation"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "devicecore"

// PrometheusRecorder implements operation.Observer.
type PrometheusRecorder struct {
	factory promauto.Factory

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationsActive  *prometheus.GaugeVec

	mu     sync.Mutex
	active map[uuid.UUID]activeOperation
}

type activeOperation struct {
	kind    operation.Kind
	started time.Time
}

// NewPrometheusRecorder registers the operation metrics with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		factory: factory,
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of finished device operations by kind, outcome and error kind",
			},
			[]string{"kind", "outcome", "error_kind"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of device operations from start to terminal state",
				Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 180, 600},
			},
			[]string{"kind"},
		),
		operationsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "operations_active",
				Help:      "Operations and workflows currently running",
			},
			[]string{"kind"},
		),
		active: make(map[uuid.UUID]activeOperation),
	}
}

func (p *PrometheusRecorder) OperationStarted(snap operation.Snapshot) {
	started := time.Now()
	if snap.StartedAt != nil {
		started = *snap.StartedAt
	}

	p.mu.Lock()
	if _, ok := p.active[snap.ID]; ok {
		p.mu.Unlock()
		return
	}
	p.active[snap.ID] = activeOperation{kind: snap.Kind, started: started}
	p.mu.Unlock()

	p.operationsActive.WithLabelValues(string(snap.Kind)).Inc()
}

func (p *PrometheusRecorder) OperationFinished(snap operation.Snapshot) {
	outcome, errorKind := "success", ""
	if snap.Error != nil {
		outcome, errorKind = "error", snap.Error.Kind.String()
	}
	p.operationsTotal.WithLabelValues(string(snap.Kind), outcome, errorKind).Inc()

	p.mu.Lock()
	op, ok := p.active[snap.ID]
	delete(p.active, snap.ID)
	p.mu.Unlock()

	// Operations failed before they ever ran have no duration.
	if !ok {
		return
	}
	p.operationsActive.WithLabelValues(string(op.kind)).Dec()

	finished := time.Now()
	if snap.FinishedAt != nil {
		finished = *snap.FinishedAt
	}
	p.operationDuration.WithLabelValues(string(op.kind)).Observe(finished.Sub(op.started).Seconds())
}

// WatchQueue exports the runner's queued plus active operation count.
func (p *PrometheusRecorder) WatchQueue(depth func() int) {
	p.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "runner_queue_depth",
		Help:      "Operations queued or active on the device runner",
	}, func() float64 { return float64(depth()) })
}

// WatchDevice exports whether a device is attached.
func (p *PrometheusRecorder) WatchDevice(attached func() bool) {
	p.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "device_attached",
		Help:      "1 while a device is attached",
	}, func() float64 {
		if attached() {
			return 1
		}
		return 0
	})
}
