package webrtc

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"

	"github.com/chatbot/voicecore/internal/voice/domain"
)

// MetricsSink receives a NetworkMetrics snapshot each time enough RTCP
// reports have accumulated to compute one. PeerSession wires this to its own
// metrics field; VoiceConnection reads it back out for voice:peer-state-report.
type MetricsSink func(domain.NetworkMetrics)

// ReadRTCP drains receiver's RTCP stream until it errors or ctx-equivalent
// closure (signalled by the receiver itself returning an error), translating
// reports into NetworkMetrics snapshots via sink. It is meant to run in its
// own goroutine, one per RTPReceiver.
func ReadRTCP(receiver *webrtc.RTPReceiver, sink MetricsSink) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		if m, ok := ParseRTCPPackets(packets); ok {
			sink(m)
		}
	}
}

// ReadSenderRTCP drains the receiver-report feedback pion attaches to an
// RTPSender, the channel that actually carries quality data for a bot that
// mostly pushes audio/video out rather than receiving it. Same lifecycle and
// exit condition as ReadRTCP: runs until the sender's RTCP stream errors,
// which happens once the PeerConnection closes.
func ReadSenderRTCP(sender *webrtc.RTPSender, sink MetricsSink) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		if m, ok := ParseRTCPPackets(packets); ok {
			sink(m)
		}
	}
}

// ParseRTCPPackets reduces a batch of RTCP packets into one NetworkMetrics
// snapshot. ok is false when the batch carried no quality-bearing reports
// (e.g. only a PictureLossIndication), in which case the caller should not
// publish a snapshot.
func ParseRTCPPackets(packets []rtcp.Packet) (domain.NetworkMetrics, bool) {
	var totalPacketLoss uint8
	var totalJitter uint32
	var totalLatency time.Duration
	count := 0

	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				totalPacketLoss += report.FractionLost
				totalJitter += report.Jitter
				count++

				if report.LastSenderReport != 0 && report.Delay != 0 {
					rtt := time.Duration(report.Delay) * time.Second / 65536
					totalLatency += rtt
				}
			}

		case *rtcp.TransportLayerNack:
			totalPacketLoss += uint8(len(p.Nacks))
			count++
		}
	}

	if count == 0 {
		return domain.NetworkMetrics{}, false
	}

	return domain.NetworkMetrics{
		Timestamp:  time.Now(),
		PacketLoss: float64(totalPacketLoss) / float64(count) / 255.0,
		Jitter:     time.Duration(totalJitter/uint32(count)) * time.Millisecond,
		Latency:    totalLatency / time.Duration(count),
	}, true
}
