package hass

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "hassagent"
	metricsSubsystem = "hass"
)

// Request outcome label values.
const (
	outcomeSuccess       = "success"
	outcomeHubError      = "hub_error"
	outcomeTimeout       = "timeout"
	outcomeCancelled     = "cancelled"
	outcomeTransportLost = "transport_lost"
	outcomeAuthFailed    = "auth_failed"
	outcomeUnavailable   = "unavailable"
	outcomeClosed        = "closed"
	outcomeOther         = "error"
)

// sessionMetrics holds Prometheus collectors for one session.
// A nil *sessionMetrics is valid and records nothing.
type sessionMetrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	pending         prometheus.Gauge
	state           prometheus.Gauge
	reconnects      prometheus.Counter
	events          *prometheus.CounterVec
	eventsDropped   prometheus.Counter
	decodeErrors    prometheus.Counter
	staleResults    prometheus.Counter
}

// newSessionMetrics creates and registers the session collectors.
// Returns nil, nil when reg is nil (metrics disabled).
func newSessionMetrics(reg prometheus.Registerer) (*sessionMetrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &sessionMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "requests_total",
			Help:      "Requests sent to Home Assistant by command type and outcome.",
		}, []string{"type", "outcome"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "request_duration_seconds",
			Help:      "Time from issuing a request to its resolution.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),

		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "pending_requests",
			Help:      "Requests awaiting a result, in flight or queued.",
		}),

		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "connection_state",
			Help:      "Connection state (0=disconnected 1=connecting 2=authenticating 3=ready 4=reconnecting 5=closed).",
		}),

		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "reconnects_total",
			Help:      "Connections re-established after a loss.",
		}),

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "events_total",
			Help:      "Hub events dispatched to listeners by event type.",
		}, []string{"event_type"}),

		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "events_dropped_total",
			Help:      "Events evicted from full listener queues.",
		}),

		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "decode_errors_total",
			Help:      "Inbound frames dropped because they could not be decoded.",
		}),

		staleResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "stale_results_total",
			Help:      "Result frames with no matching pending request.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.requests, m.requestDuration, m.pending, m.state, m.reconnects,
		m.events, m.eventsDropped, m.decodeErrors, m.staleResults,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *sessionMetrics) observeRequest(msgType string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(msgType, outcomeOf(err)).Inc()
	m.requestDuration.WithLabelValues(msgType).Observe(time.Since(started).Seconds())
}

func (m *sessionMetrics) setPending(n int) {
	if m != nil {
		m.pending.Set(float64(n))
	}
}

func (m *sessionMetrics) setState(s State) {
	if m != nil {
		m.state.Set(float64(s))
	}
}

func (m *sessionMetrics) reconnected() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *sessionMetrics) eventDispatched(eventType string, dropped int) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
	if dropped > 0 {
		m.eventsDropped.Add(float64(dropped))
	}
}

func (m *sessionMetrics) decodeError() {
	if m != nil {
		m.decodeErrors.Inc()
	}
}

func (m *sessionMetrics) staleResult() {
	if m != nil {
		m.staleResults.Inc()
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, ErrHub):
		return outcomeHubError
	case errors.Is(err, ErrTimeout):
		return outcomeTimeout
	case errors.Is(err, ErrCancelled):
		return outcomeCancelled
	case errors.Is(err, ErrTransportLost):
		return outcomeTransportLost
	case errors.Is(err, ErrAuthenticationFailed):
		return outcomeAuthFailed
	case errors.Is(err, ErrUnavailable):
		return outcomeUnavailable
	case errors.Is(err, ErrClosed):
		return outcomeClosed
	default:
		return outcomeOther
	}
}
