package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kagura"

// Metrics holds every runtime collector.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
type Metrics struct {
	inboundEvents    *prometheus.CounterVec
	malformedFrames  *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	sendFailures     *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	laneDrops        *prometheus.CounterVec
	cacheRequests    *prometheus.CounterVec
	buckets          prometheus.Gauge
	modules          *prometheus.GaugeVec
}

// New creates collectors and registers them with registerer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		inboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "events_total",
			Help:      "Total number of normalized inbound events",
		}, []string{"connector"}),
		malformedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "malformed_frames_total",
			Help:      "Total number of dropped inbound frames that failed to parse",
		}, []string{"connector"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "reconnects_total",
			Help:      "Total number of transport session restarts",
		}, []string{"connector"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "send_failures_total",
			Help:      "Total number of outbound sends that exhausted retries",
		}, []string{"connector"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dispatches_total",
			Help:      "Total number of resolved dispatches by terminal state",
		}, []string{"command", "state"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "handler_duration_seconds",
			Help:      "Handler execution latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		laneDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "lane_drops_total",
			Help:      "Total number of events dropped by lane backpressure",
		}, []string{"connector"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetchcache",
			Name:      "requests_total",
			Help:      "Total number of fetch cache lookups by result",
		}, []string{"result"}),
		buckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "buckets",
			Help:      "Current number of live rate-limit buckets",
		}),
		modules: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "module_state",
			Help:      "Module state, 1 for the current state label",
		}, []string{"module", "state"}),
	}

	collectors := []prometheus.Collector{
		m.inboundEvents,
		m.malformedFrames,
		m.reconnects,
		m.sendFailures,
		m.dispatches,
		m.dispatchDuration,
		m.laneDrops,
		m.cacheRequests,
		m.buckets,
		m.modules,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return nil, fmt.Errorf("register metrics collector: %w", err)
		}
	}

	return m, nil
}

// InboundEvent counts one normalized event.
func (m *Metrics) InboundEvent(connector string) {
	if m == nil {
		return
	}
	m.inboundEvents.WithLabelValues(connector).Inc()
}

// MalformedFrame counts one dropped frame.
func (m *Metrics) MalformedFrame(connector string) {
	if m == nil {
		return
	}
	m.malformedFrames.WithLabelValues(connector).Inc()
}

// Reconnect counts one session restart.
func (m *Metrics) Reconnect(connector string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(connector).Inc()
}

// SendFailure counts one exhausted outbound send.
func (m *Metrics) SendFailure(connector string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(connector).Inc()
}

// Dispatch records one terminal dispatch state.
func (m *Metrics) Dispatch(command string, state string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(command, state).Inc()
}

// HandlerDuration observes one handler execution.
func (m *Metrics) HandlerDuration(command string, seconds float64) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(command).Observe(seconds)
}

// LaneDrop counts one event dropped by lane backpressure.
func (m *Metrics) LaneDrop(connector string) {
	if m == nil {
		return
	}
	m.laneDrops.WithLabelValues(connector).Inc()
}

// CacheRequest counts one fetch cache lookup result.
func (m *Metrics) CacheRequest(result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}

// SetBuckets records the live bucket count.
func (m *Metrics) SetBuckets(count int) {
	if m == nil {
		return
	}
	m.buckets.Set(float64(count))
}

// ModuleState marks module as being in state and clears the other states.
func (m *Metrics) ModuleState(module string, state string, states []string) {
	if m == nil {
		return
	}
	for _, candidate := range states {
		value := 0.0
		if candidate == state {
			value = 1
		}
		m.modules.WithLabelValues(module, candidate).Set(value)
	}
}
