package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus instrumentation. Each server carries
// its own registry so multiple instances (tests, embedded use) never collide
// on registration.
type Metrics struct {
	registry *prometheus.Registry

	activeChannels  prometheus.Gauge
	channelsOpened  prometheus.Counter
	channelsClosed  prometheus.Counter
	envelopesRecv   *prometheus.CounterVec
	envelopesSent   *prometheus.CounterVec
	pairingsStarted prometheus.Counter
	pairingsExpired prometheus.Counter
	redemptions     *prometheus.CounterVec
	logins          *prometheus.CounterVec
}

// NewMetrics creates and registers all relay metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_channels",
			Help: "Number of currently open channels",
		}),
		channelsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_channels_opened_total",
			Help: "Total channels registered since start",
		}),
		channelsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_channels_closed_total",
			Help: "Total channels removed since start",
		}),
		envelopesRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_envelopes_received_total",
			Help: "Inbound envelopes by event tag",
		}, []string{"event"}),
		envelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_envelopes_sent_total",
			Help: "Outbound envelopes by event tag",
		}, []string{"event"}),
		pairingsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_pairings_started_total",
			Help: "Pairing identifiers issued",
		}),
		pairingsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_pairings_expired_total",
			Help: "Pairings dropped after TTL expiry",
		}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_pairing_redemptions_total",
			Help: "Pairing redemption attempts by outcome",
		}, []string{"outcome"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_logins_total",
			Help: "Password logins and signups by outcome",
		}, []string{"kind", "outcome"}),
	}

	m.registry.MustRegister(
		m.activeChannels,
		m.channelsOpened,
		m.channelsClosed,
		m.envelopesRecv,
		m.envelopesSent,
		m.pairingsStarted,
		m.pairingsExpired,
		m.redemptions,
		m.logins,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this server's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordActiveChannels sets the live-channel gauge.
func (m *Metrics) RecordActiveChannels(count int) {
	m.activeChannels.Set(float64(count))
}

// RecordChannelOpened increments the opened-channel counter.
func (m *Metrics) RecordChannelOpened() {
	m.channelsOpened.Inc()
}

// RecordChannelClosed increments the closed-channel counter.
func (m *Metrics) RecordChannelClosed() {
	m.channelsClosed.Inc()
}

// RecordEnvelopeReceived counts one inbound envelope for the event tag.
func (m *Metrics) RecordEnvelopeReceived(event string) {
	m.envelopesRecv.WithLabelValues(event).Inc()
}

// RecordEnvelopeSent counts one outbound envelope for the event tag.
func (m *Metrics) RecordEnvelopeSent(event string) {
	m.envelopesSent.WithLabelValues(event).Inc()
}

// RecordPairingStarted counts one issued pairing.
func (m *Metrics) RecordPairingStarted() {
	m.pairingsStarted.Inc()
}

// RecordPairingExpired counts one TTL-expired pairing.
func (m *Metrics) RecordPairingExpired() {
	m.pairingsExpired.Inc()
}

// RecordRedemption counts one redemption attempt with its outcome
// ("success", "not_found", "expired", "already_redeemed", "invalid_identity").
func (m *Metrics) RecordRedemption(outcome string) {
	m.redemptions.WithLabelValues(outcome).Inc()
}

// RecordLogin counts one login/signup/refresh attempt with its outcome.
func (m *Metrics) RecordLogin(kind, outcome string) {
	m.logins.WithLabelValues(kind, outcome).Inc()
}
