package connection

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatbot/voicecore/internal/voice/domain"
	"github.com/chatbot/voicecore/internal/voice/peer"
	"github.com/chatbot/voicecore/internal/voice/signaling"
	"github.com/chatbot/voicecore/internal/voice/voicetest"
)

func newTestConnection(t *testing.T) (*VoiceConnection, *voicetest.MockTransport, *voicetest.MockFactory, *voicetest.FakeClock) {
	transport := voicetest.NewMockTransport()
	factory := voicetest.NewMockFactory()
	clock := voicetest.NewFakeClock()

	vc := New(Config{
		Identity:  domain.VoiceChannelIdentity{LocalPeerID: "bot", ServerID: "server-1", ChannelID: "chan-1"},
		Transport: transport,
		Factory:   factory,
		Clock:     clock,
		Logger:    zap.NewNop().Sugar(),
	})

	require.NoError(t, vc.Join(context.Background()))
	t.Cleanup(func() { _ = vc.Leave() })

	return vc, transport, factory, clock
}

func peerIDs(n int, prefix string) []domain.PeerID {
	ids := make([]domain.PeerID, n)
	for i := 0; i < n; i++ {
		ids[i] = domain.PeerID(fmt.Sprintf("%s-%03d", prefix, i))
	}
	return ids
}

// fillPeers directly populates vc.peers with n real (but inert) sessions, to
// exercise the capacity gate without driving the admission queue.
func fillPeers(vc *VoiceConnection, n int) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	for i := 0; i < n; i++ {
		id := domain.PeerID(fmt.Sprintf("filler-%03d", i))
		pc := voicetest.NewMockPeerConnection()
		s := peer.New(vc.identity, id, domain.SessionID("filler"), pc, vc.transport, vc.clock, vc.logger, peer.Callbacks{})
		vc.peers[id] = &peerEntry{session: s}
	}
}

// driveClock repeatedly advances the fake clock in small steps, sleeping
// briefly between each so goroutines spawned just before this call get a
// chance to register their timers before the next step fires.
func driveClock(clock *voicetest.FakeClock, total time.Duration) {
	const step = 25 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		time.Sleep(time.Millisecond)
		clock.Advance(step)
	}
}

func waitForCondition(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDispatchParticipants_SmallListSchedulesWithinTierStagger(t *testing.T) {
	vc, _, factory, clock := newTestConnection(t)

	ids := peerIDs(5, "p")
	vc.dispatchParticipants(ids)

	// small tier: stagger_base=300ms, stagger_per_peer=200ms; last of 5
	// peers (index 4) is enqueued no later than 300+4*200+200(jitter) =
	// 1900ms. Admission itself is capped at the tier's 2 concurrent
	// negotiations, each holding its slot for 3s, so the fifth peer is
	// admitted by about 6.7s.
	driveClock(clock, 8*time.Second)
	waitForCondition(t, func() bool { return factory.Count() >= 5 }, time.Second)
	assert.Equal(t, 5, factory.Count())
	assert.False(t, vc.MassJoinInProgress())
}

func TestDispatchParticipants_MassJoinBatchesLargeList(t *testing.T) {
	vc, _, _, clock := newTestConnection(t)

	ids := peerIDs(60, "p")
	vc.dispatchParticipants(ids)

	assert.True(t, vc.MassJoinInProgress(), "60 participants exceeds the current (small) tier's max_peers, so mass-join should be flagged")

	driveClock(clock, 45*time.Second)
	waitForCondition(t, func() bool { return !vc.MassJoinInProgress() }, time.Second)
}

func TestDispatchParticipants_EmptyListIsNoOp(t *testing.T) {
	vc, _, factory, _ := newTestConnection(t)

	vc.dispatchParticipants(nil)

	assert.Equal(t, 0, factory.Count())
	assert.False(t, vc.MassJoinInProgress())
}

func TestEnqueueAdmission_CapacityGateRejectsBeyondMax(t *testing.T) {
	vc, _, _, _ := newTestConnection(t)
	fillPeers(vc, domain.MaxConnectedPeers)

	vc.enqueueAdmission("overflow", false)

	vc.mu.Lock()
	_, queued := vc.queued["overflow"]
	vc.mu.Unlock()
	assert.False(t, queued, "capacity gate should reject a non-priority peer once at MaxConnectedPeers")
}

func TestEnqueueAdmission_PriorityPeerBypassesCapacity(t *testing.T) {
	vc, _, factory, _ := newTestConnection(t)
	fillPeers(vc, domain.MaxConnectedPeers)

	vc.SetPeerPriority("vip", true)
	vc.enqueueAdmission("vip", false)

	waitForCondition(t, func() bool { return factory.Count() > 0 }, time.Second)
}

func TestEnqueueAdmission_DeduplicatesAlreadyQueuedPeer(t *testing.T) {
	vc, _, _, _ := newTestConnection(t)

	vc.enqueueAdmission("dup", false)
	vc.enqueueAdmission("dup", false)

	vc.mu.Lock()
	count := 0
	for _, id := range vc.queue {
		if id == "dup" {
			count++
		}
	}
	vc.mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestEnqueueAdmission_CooldownBlocksImmediateReadmission(t *testing.T) {
	vc, _, factory, _ := newTestConnection(t)

	vc.enqueueAdmission("peer-x", false)
	waitForCondition(t, func() bool { return factory.Count() == 1 }, time.Second)

	vc.removePeer("peer-x")
	vc.enqueueAdmission("peer-x", false)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, factory.Count(), "cooldown should still be in effect immediately after removal, since the clock never advanced")
}

func TestRunPump_NeverExceedsTierConcurrency(t *testing.T) {
	vc, _, _, _ := newTestConnection(t)

	vc.mu.Lock()
	vc.activeNegotiations = 2 // small tier's concurrent budget
	vc.mu.Unlock()

	vc.enqueueAdmission("extra", false)

	vc.mu.Lock()
	_, stillQueued := vc.queued["extra"]
	vc.mu.Unlock()
	assert.True(t, stillQueued, "pump should not admit beyond the tier's concurrency budget")
}

func TestOnUserLeft_RemovesPeerAndDequeues(t *testing.T) {
	vc, transport, factory, _ := newTestConnection(t)

	vc.enqueueAdmission("gone", false)
	waitForCondition(t, func() bool { return factory.Count() == 1 }, time.Second)

	require.NoError(t, transport.Deliver(signaling.EventUserLeft, signaling.UserLeftPayload{ID: "gone"}))

	waitForCondition(t, func() bool { return vc.PeerCount() == 0 }, time.Second)
}

func TestOnForceReconnect_SelfTargetRebuildsAllPeers(t *testing.T) {
	vc, transport, factory, clock := newTestConnection(t)

	vc.enqueueAdmission("peer-1", false)
	waitForCondition(t, func() bool { return factory.Count() == 1 }, time.Second)

	require.NoError(t, transport.Deliver(signaling.EventForceReconnect, signaling.ForceReconnectPayload{
		ChannelID:  "chan-1",
		TargetPeer: "bot",
	}))

	// The pump sleeps stagger_per_peer after each admission; let it run.
	driveClock(clock, time.Second)
	waitForCondition(t, func() bool { return factory.Count() >= 2 }, time.Second)
}

func TestOnForceReconnect_BroadcastIsIgnored(t *testing.T) {
	vc, transport, factory, _ := newTestConnection(t)

	vc.enqueueAdmission("peer-1", false)
	waitForCondition(t, func() bool { return factory.Count() == 1 }, time.Second)

	require.NoError(t, transport.Deliver(signaling.EventForceReconnect, signaling.ForceReconnectPayload{
		ChannelID:  "chan-1",
		TargetPeer: "*",
	}))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, vc.PeerCount(), "a broadcast force-reconnect must not self-reconnect the bot's own peers")
}

func TestHandleTransportReconnect_RequeuesKnownPeers(t *testing.T) {
	vc, transport, factory, clock := newTestConnection(t)

	vc.enqueueAdmission("peer-1", false)
	waitForCondition(t, func() bool { return factory.Count() == 1 }, time.Second)
	require.Equal(t, 1, vc.PeerCount())

	transport.TriggerReconnect()
	waitForCondition(t, func() bool { return vc.PeerCount() == 0 }, time.Second)

	driveClock(clock, 3*time.Second)
	waitForCondition(t, func() bool { return factory.Count() >= 2 }, time.Second)
}
