package webrtc

import (
	"testing"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
)

func TestParseRTCPPackets_NoReports(t *testing.T) {
	_, ok := ParseRTCPPackets([]rtcp.Packet{&rtcp.PictureLossIndication{}})
	assert.False(t, ok)
}

func TestParseRTCPPackets_ReceiverReport(t *testing.T) {
	packets := []rtcp.Packet{
		&rtcp.ReceiverReport{
			Reports: []rtcp.ReceptionReport{
				{FractionLost: 25, Jitter: 10},
			},
		},
	}

	metrics, ok := ParseRTCPPackets(packets)
	assert.True(t, ok)
	assert.InDelta(t, 25.0/255.0, metrics.PacketLoss, 0.0001)
	assert.False(t, metrics.Timestamp.IsZero())
}

func TestParseRTCPPackets_NackIncrementsLoss(t *testing.T) {
	packets := []rtcp.Packet{
		&rtcp.TransportLayerNack{
			Nacks: []rtcp.NackPair{{PacketID: 1}, {PacketID: 2}},
		},
	}

	metrics, ok := ParseRTCPPackets(packets)
	assert.True(t, ok)
	assert.Greater(t, metrics.PacketLoss, 0.0)
}
