package monitoring

import (
	"time"

	"github.com/chatbot/voicecore/internal/voice/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector aggregates the metrics surface of a voice core
// process: peer/channel gauges, admission-pump behavior, negotiation and
// barrier timing, and the per-peer NetworkMetrics RTCP derives. A single
// collector is shared across every VoiceConnection in the process.
type PrometheusCollector struct {
	peersConnectedTotal prometheus.Gauge
	channelsActiveTotal prometheus.Gauge
	connectionsTotal    prometheus.Counter
	massJoinsTotal      prometheus.Counter
	decoderRestarts     *prometheus.CounterVec
	pacerUnderruns      *prometheus.CounterVec

	negotiationDuration  prometheus.Histogram
	barrierReleaseLag    *prometheus.HistogramVec
	webrtcConnDuration   prometheus.Histogram
	networkLatency       prometheus.Histogram
	networkPacketLoss    prometheus.Histogram

	admissionQueueDepth *prometheus.GaugeVec
	channelPeerCount    *prometheus.GaugeVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		peersConnectedTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicecore_peers_connected_total",
			Help: "Total number of currently connected peers across all channels",
		}),

		channelsActiveTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicecore_channels_active_total",
			Help: "Total number of VoiceConnections currently joined",
		}),

		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicecore_connections_total",
			Help: "Total number of WebRTC PeerConnections established",
		}),

		massJoinsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicecore_mass_joins_total",
			Help: "Total number of dispatchParticipants calls that triggered mass-join batching",
		}),

		decoderRestarts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecore_decoder_restarts_total",
			Help: "Total number of ffmpeg decoder process restarts, by reason",
		}, []string{"channel_id", "reason"}),

		pacerUnderruns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecore_pacer_underruns_total",
			Help: "Total number of pacer underrun events, by media kind",
		}, []string{"channel_id", "kind"}),

		negotiationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicecore_negotiation_duration_seconds",
			Help:    "Duration of a single offer/answer negotiation round",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		barrierReleaseLag: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicecore_barrier_release_lag_seconds",
			Help:    "Time from barrier arm to release, labeled by whether the degraded fallback fired",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"degraded"}),

		webrtcConnDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicecore_webrtc_connection_duration_seconds",
			Help:    "Lifetime of a PeerConnection from connected to closed",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		networkLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicecore_network_latency_seconds",
			Help:    "Per-peer RTCP-derived latency samples",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		networkPacketLoss: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicecore_network_packet_loss_ratio",
			Help:    "Per-peer RTCP-derived packet loss ratio samples",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5},
		}),

		admissionQueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voicecore_admission_queue_depth",
			Help: "Number of peers currently waiting in the admission queue",
		}, []string{"channel_id"}),

		channelPeerCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voicecore_channel_peer_count",
			Help: "Number of admitted peers per channel",
		}, []string{"channel_id"}),
	}
}

func (p *PrometheusCollector) RecordPeerConnected(channelID domain.ChannelID) {
	p.peersConnectedTotal.Inc()
	p.connectionsTotal.Inc()
	p.channelPeerCount.WithLabelValues(string(channelID)).Inc()
}

func (p *PrometheusCollector) RecordPeerDisconnected(channelID domain.ChannelID, lifetime time.Duration) {
	p.peersConnectedTotal.Dec()
	p.channelPeerCount.WithLabelValues(string(channelID)).Dec()
	p.webrtcConnDuration.Observe(lifetime.Seconds())
}

func (p *PrometheusCollector) RecordChannelJoined() {
	p.channelsActiveTotal.Inc()
}

func (p *PrometheusCollector) RecordChannelLeft(channelID domain.ChannelID) {
	p.channelsActiveTotal.Dec()
	p.admissionQueueDepth.DeleteLabelValues(string(channelID))
	p.channelPeerCount.DeleteLabelValues(string(channelID))
}

func (p *PrometheusCollector) RecordMassJoin() {
	p.massJoinsTotal.Inc()
}

func (p *PrometheusCollector) RecordAdmissionQueueDepth(channelID domain.ChannelID, depth int) {
	p.admissionQueueDepth.WithLabelValues(string(channelID)).Set(float64(depth))
}

func (p *PrometheusCollector) RecordNegotiation(duration time.Duration) {
	p.negotiationDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordBarrierRelease(degraded bool, lag time.Duration) {
	label := "false"
	if degraded {
		label = "true"
	}
	p.barrierReleaseLag.WithLabelValues(label).Observe(lag.Seconds())
}

func (p *PrometheusCollector) RecordDecoderRestart(channelID domain.ChannelID, reason string) {
	p.decoderRestarts.WithLabelValues(string(channelID), reason).Inc()
}

func (p *PrometheusCollector) RecordPacerUnderrun(channelID domain.ChannelID, kind domain.MediaKind) {
	p.pacerUnderruns.WithLabelValues(string(channelID), string(kind)).Inc()
}

// RecordNetworkMetrics folds one RTCP-derived snapshot into the latency and
// packet-loss histograms.
func (p *PrometheusCollector) RecordNetworkMetrics(m domain.NetworkMetrics) {
	p.networkLatency.Observe(m.Latency.Seconds())
	p.networkPacketLoss.Observe(m.PacketLoss)
}
