package distributed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatbot/voicecore/internal/voice/domain"
)

func newTestRegistry(t *testing.T) (*SharedPeerRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewSharedPeerRegistry(client, "instance-1", zap.NewNop().Sugar()), mr
}

func TestSharedPeerRegistry_CooldownRoundTrip(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	until := time.Now().Add(2 * time.Second)

	require.NoError(t, reg.SetCooldown(ctx, "chan-1", "peer-1", until))

	got, ok := reg.CooldownUntil(ctx, "chan-1", "peer-1")
	require.True(t, ok)
	assert.WithinDuration(t, until, got, 10*time.Millisecond)
}

func TestSharedPeerRegistry_CooldownPast_NotStored(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SetCooldown(ctx, "chan-1", "peer-1", time.Now().Add(-time.Second)))

	_, ok := reg.CooldownUntil(ctx, "chan-1", "peer-1")
	assert.False(t, ok)
}

func TestSharedPeerRegistry_CooldownExpires(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SetCooldown(ctx, "chan-1", "peer-1", time.Now().Add(time.Second)))
	mr.FastForward(2 * time.Second)

	_, ok := reg.CooldownUntil(ctx, "chan-1", "peer-1")
	assert.False(t, ok)
}

func TestSharedPeerRegistry_PrioritySetAndClear(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	assert.False(t, reg.IsPriority(ctx, "chan-1", "peer-1"))

	require.NoError(t, reg.SetPriority(ctx, "chan-1", "peer-1", true))
	assert.True(t, reg.IsPriority(ctx, "chan-1", "peer-1"))

	require.NoError(t, reg.SetPriority(ctx, "chan-1", "peer-1", false))
	assert.False(t, reg.IsPriority(ctx, "chan-1", "peer-1"))
}

func TestSharedPeerRegistry_AcquireChannelLock(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	lock, err := reg.AcquireChannelLock(ctx, domain.ChannelID("chan-1"), time.Second)
	require.NoError(t, err)
	defer lock.Unlock(ctx)

	locked, err := lock.IsLocked(ctx)
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestSharedPeerRegistry_KeysScopedPerChannel(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	until := time.Now().Add(time.Second)

	require.NoError(t, reg.SetCooldown(ctx, "chan-1", "peer-1", until))

	_, ok := reg.CooldownUntil(ctx, "chan-2", "peer-1")
	assert.False(t, ok, "cooldown must not leak across channels")
}
