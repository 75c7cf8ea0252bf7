// Package metrics defines the relay's Prometheus instrumentation surface:
// per-connection counters and gauges covering handshake outcomes,
// loss/retransmission, buffer occupancy, and the broadcast bus fan-out,
// registered on a dedicated registry so the HTTP handler can be mounted
// independent of the default global one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sink bundles every metric the relay emits. Fields are exported so
// callers can use them directly (prometheus.Counter/.Gauge/.Histogram
// already satisfy the narrow interfaces most call sites need).
type Sink struct {
	Registry *prometheus.Registry

	HandshakesTotal       *prometheus.CounterVec // label: outcome (accepted, rejected, malformed)
	ConnectionsActive     prometheus.Gauge
	PacketsInTotal        *prometheus.CounterVec // label: kind (data, control)
	PacketsOutTotal       *prometheus.CounterVec
	PacketsDroppedTotal   *prometheus.CounterVec // label: reason (malformed, buffer_overflow, late, unknown_socket)
	RetransmitsTotal      prometheus.Counter
	NAKsSentTotal         prometheus.Counter
	RTTMicros             *prometheus.GaugeVec // label: conn_id
	SendBufferOccupancy   *prometheus.GaugeVec
	RecvBufferOccupancy   *prometheus.GaugeVec
	BusSubscribersActive  *prometheus.GaugeVec // label: resource_id
	BusFanoutDroppedTotal *prometheus.CounterVec
	TSBPDLatencyMicros    prometheus.Histogram
}

// New builds a Sink on a fresh registry, ready to be wrapped by promhttp.
func New() *Sink {
	reg := prometheus.NewRegistry()
	s := &Sink{
		Registry: reg,
		HandshakesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "srt_handshakes_total",
			Help: "Handshake attempts by outcome.",
		}, []string{"outcome"}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "srt_connections_active",
			Help: "Currently established SRT connections.",
		}),
		PacketsInTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "srt_packets_in_total",
			Help: "Packets received by kind.",
		}, []string{"kind"}),
		PacketsOutTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "srt_packets_out_total",
			Help: "Packets sent by kind.",
		}, []string{"kind"}),
		PacketsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "srt_packets_dropped_total",
			Help: "Dropped datagrams by reason.",
		}, []string{"reason"}),
		RetransmitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "srt_retransmits_total",
			Help: "Data packets retransmitted in response to a NAK.",
		}),
		NAKsSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "srt_naks_sent_total",
			Help: "NAK control packets sent.",
		}),
		RTTMicros: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "srt_rtt_micros",
			Help: "Smoothed round-trip time per connection, in microseconds.",
		}, []string{"conn_id"}),
		SendBufferOccupancy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "srt_send_buffer_occupancy",
			Help: "Unacknowledged packets held in the send ring, per connection.",
		}, []string{"conn_id"}),
		RecvBufferOccupancy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "srt_recv_buffer_occupancy",
			Help: "Undelivered packets held in the receive ring, per connection.",
		}, []string{"conn_id"}),
		BusSubscribersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "srt_bus_subscribers_active",
			Help: "Active subscriber sinks per resource.",
		}, []string{"resource_id"}),
		BusFanoutDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "srt_bus_fanout_dropped_total",
			Help: "Messages dropped from a subscriber's bounded queue.",
		}, []string{"resource_id"}),
		TSBPDLatencyMicros: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "srt_tsbpd_latency_micros",
			Help:    "Observed delay between packet arrival and TSBPD release.",
			Buckets: prometheus.ExponentialBuckets(1000, 2, 12),
		}),
	}
	reg.MustRegister(
		s.HandshakesTotal, s.ConnectionsActive, s.PacketsInTotal, s.PacketsOutTotal,
		s.PacketsDroppedTotal, s.RetransmitsTotal, s.NAKsSentTotal, s.RTTMicros,
		s.SendBufferOccupancy, s.RecvBufferOccupancy, s.BusSubscribersActive,
		s.BusFanoutDroppedTotal, s.TSBPDLatencyMicros,
	)
	return s
}
