package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/chatbot/voicecore/internal/voice/domain"
)

func TestPrometheusCollector_PeerConnectedDisconnected(t *testing.T) {
	c := NewPrometheusCollector()

	c.RecordPeerConnected("chan-1")
	assert.InDelta(t, 1, testutil.ToFloat64(c.peersConnectedTotal), 0.0001)
	assert.InDelta(t, 1, testutil.ToFloat64(c.connectionsTotal), 0.0001)

	c.RecordPeerDisconnected("chan-1", 5*time.Second)
	assert.InDelta(t, 0, testutil.ToFloat64(c.peersConnectedTotal), 0.0001)
}

func TestPrometheusCollector_ChannelJoinedLeft(t *testing.T) {
	c := NewPrometheusCollector()

	c.RecordChannelJoined()
	assert.InDelta(t, 1, testutil.ToFloat64(c.channelsActiveTotal), 0.0001)

	c.RecordChannelLeft("chan-1")
	assert.InDelta(t, 0, testutil.ToFloat64(c.channelsActiveTotal), 0.0001)
}

func TestPrometheusCollector_MassJoin(t *testing.T) {
	c := NewPrometheusCollector()
	c.RecordMassJoin()
	c.RecordMassJoin()
	assert.InDelta(t, 2, testutil.ToFloat64(c.massJoinsTotal), 0.0001)
}

func TestPrometheusCollector_AdmissionQueueDepth(t *testing.T) {
	c := NewPrometheusCollector()
	c.RecordAdmissionQueueDepth("chan-1", 7)
	assert.InDelta(t, 7, testutil.ToFloat64(c.admissionQueueDepth.WithLabelValues("chan-1")), 0.0001)
}

func TestPrometheusCollector_DecoderAndPacer(t *testing.T) {
	c := NewPrometheusCollector()
	c.RecordDecoderRestart("chan-1", "no_frames")
	c.RecordPacerUnderrun("chan-1", domain.MediaAudio)

	assert.InDelta(t, 1, testutil.ToFloat64(c.decoderRestarts.WithLabelValues("chan-1", "no_frames")), 0.0001)
	assert.InDelta(t, 1, testutil.ToFloat64(c.pacerUnderruns.WithLabelValues("chan-1", "audio")), 0.0001)
}

func TestPrometheusCollector_NegotiationAndBarrierDontPanic(t *testing.T) {
	c := NewPrometheusCollector()
	assert.NotPanics(t, func() {
		c.RecordNegotiation(200 * time.Millisecond)
		c.RecordBarrierRelease(true, 1500*time.Millisecond)
		c.RecordBarrierRelease(false, 300*time.Millisecond)
	})
}

func TestPrometheusCollector_NetworkMetricsDontPanic(t *testing.T) {
	c := NewPrometheusCollector()
	assert.NotPanics(t, func() {
		c.RecordNetworkMetrics(domain.NetworkMetrics{
			Latency:    50 * time.Millisecond,
			PacketLoss: 0.02,
		})
	})
}

func TestPrometheusCollector_ChannelLeftClearsLabels(t *testing.T) {
	c := NewPrometheusCollector()
	c.RecordAdmissionQueueDepth("chan-1", 3)
	c.RecordChannelLeft("chan-1")
	assert.InDelta(t, 0, testutil.ToFloat64(c.admissionQueueDepth.WithLabelValues("chan-1")), 0.0001)
}
