// Package metrics exposes this engine's Prometheus instrumentation.
// The teacher's MetricExporter (prometheus.go) is a pull-based
// Collector that reaches into a *Gateway snapshot on every scrape;
// this engine has no single object to poll like that, so counters and
// gauges here are pushed inline by initiator/responder/discovery as
// events happen, registered the conventional promauto way. The metric
// names and the "protocol/direction"-style label shape follow the
// teacher's.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric this engine exports. Callers construct
// one with New and pass it into initiator.Manager / responder.Responder
// / discovery.Manager; a nil *Registry is valid everywhere and is a
// no-op, so instrumentation is always optional.
type Registry struct {
	RequestsSent     *prometheus.CounterVec
	RepliesReceived  *prometheus.CounterVec
	RequestTimeouts  *prometheus.CounterVec
	RequestsInFlight *prometheus.GaugeVec
	NotifiesSent     *prometheus.CounterVec
	Subscriptions    prometheus.Gauge
	DiscoveredPeers  prometheus.Gauge
	TraceEntries     prometheus.Counter
}

// New registers and returns a Registry against reg. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() in tests to avoid collisions between cases.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		RequestsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "midici_requests_sent_total",
			Help: "PE GET/SET/Subscribe requests sent by the initiator.",
		}, []string{"operation"}),
		RepliesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "midici_replies_received_total",
			Help: "PE replies received by the initiator, by status class.",
		}, []string{"operation", "status_class"}),
		RequestTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "midici_request_timeouts_total",
			Help: "PE requests that timed out waiting for a reply.",
		}, []string{"operation"}),
		RequestsInFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "midici_requests_in_flight",
			Help: "PE requests currently awaiting a reply, by device.",
		}, []string{"device"}),
		NotifiesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "midici_notifies_sent_total",
			Help: "PE Notify frames emitted by the responder.",
		}, []string{"resource"}),
		Subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "midici_active_subscriptions",
			Help: "Live subscriptions currently held by the responder.",
		}),
		DiscoveredPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "midici_discovered_peers",
			Help: "Devices currently known to the discovery manager.",
		}),
		TraceEntries: factory.NewCounter(prometheus.CounterOpts{
			Name: "midici_trace_entries_total",
			Help: "Frames recorded to the diagnostic trace buffer.",
		}),
	}
}

func (r *Registry) incRequestsSent(operation string) {
	if r == nil {
		return
	}
	r.RequestsSent.WithLabelValues(operation).Inc()
}

func (r *Registry) incRepliesReceived(operation, statusClass string) {
	if r == nil {
		return
	}
	r.RepliesReceived.WithLabelValues(operation, statusClass).Inc()
}

func (r *Registry) incTimeouts(operation string) {
	if r == nil {
		return
	}
	r.RequestTimeouts.WithLabelValues(operation).Inc()
}

func (r *Registry) setInFlight(device string, n float64) {
	if r == nil {
		return
	}
	r.RequestsInFlight.WithLabelValues(device).Set(n)
}

func (r *Registry) incNotifiesSent(resource string) {
	if r == nil {
		return
	}
	r.NotifiesSent.WithLabelValues(resource).Inc()
}

func (r *Registry) setSubscriptions(n float64) {
	if r == nil {
		return
	}
	r.Subscriptions.Set(n)
}

func (r *Registry) setDiscoveredPeers(n float64) {
	if r == nil {
		return
	}
	r.DiscoveredPeers.Set(n)
}

func (r *Registry) incTraceEntries() {
	if r == nil {
		return
	}
	r.TraceEntries.Inc()
}

// IncRequestsSent records a PE request being sent for operation ("get",
// "set", "subscribe"; the initiator counts unsubscribe requests under
// "subscribe").
func (r *Registry) IncRequestsSent(operation string) { r.incRequestsSent(operation) }

// IncRepliesReceived records a reply for operation, bucketed into a
// status class ("2xx", "4xx", "5xx").
func (r *Registry) IncRepliesReceived(operation, statusClass string) {
	r.incRepliesReceived(operation, statusClass)
}

// IncTimeouts records a request that never got a reply in time.
func (r *Registry) IncTimeouts(operation string) { r.incTimeouts(operation) }

// SetInFlight reports the current number of in-flight requests for a
// device.
func (r *Registry) SetInFlight(device string, n int) { r.setInFlight(device, float64(n)) }

// IncNotifiesSent records one PE Notify frame emitted for resource.
func (r *Registry) IncNotifiesSent(resource string) { r.incNotifiesSent(resource) }

// SetSubscriptions reports the current live-subscription count.
func (r *Registry) SetSubscriptions(n int) { r.setSubscriptions(float64(n)) }

// SetDiscoveredPeers reports the current discovered-device count.
func (r *Registry) SetDiscoveredPeers(n int) { r.setDiscoveredPeers(float64(n)) }

// IncTraceEntries records one frame recorded to a trace.Buffer.
func (r *Registry) IncTraceEntries() { r.incTraceEntries() }
