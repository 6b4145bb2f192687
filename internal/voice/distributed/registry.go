// Package distributed lets more than one bot process coordinate admission
// state for peers that could join through any of them on the same Redis
// deployment: shared cooldown deadlines and priority flags, plus a
// cross-instance broadcast for force-reconnect. VoiceConnection treats all
// of it as optional — with no SharedPeerRegistry configured it keeps its
// own in-memory cooldown map and pkg/cache-backed priority set.
package distributed

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatbot/voicecore/internal/voice/domain"
	"github.com/chatbot/voicecore/pkg/distributed"
)

// SharedPeerRegistry stores admission cooldowns and priority flags in
// Redis, keyed per channel, so a peer that bounces between bot instances
// still sees one shared cooldown clock.
type SharedPeerRegistry struct {
	client      *redis.Client
	lockManager *distributed.LockManager
	instanceID  string
	logger      *zap.SugaredLogger
	prefix      string
}

// NewSharedPeerRegistry creates a new shared peer registry.
func NewSharedPeerRegistry(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *SharedPeerRegistry {
	return &SharedPeerRegistry{
		client:      client,
		lockManager: distributed.NewLockManager(client, "voicecore:lock:"),
		instanceID:  instanceID,
		logger:      logger,
		prefix:      "voicecore:",
	}
}

// SetCooldown records that peerID may not be re-admitted to channelID
// before until. Stored with a TTL equal to the remaining cooldown so the
// key self-expires instead of accumulating forever.
func (r *SharedPeerRegistry) SetCooldown(ctx context.Context, channelID domain.ChannelID, peerID domain.PeerID, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	key := r.cooldownKey(channelID, peerID)
	if err := r.client.Set(ctx, key, until.UnixNano(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cooldown: %w", err)
	}
	return nil
}

// CooldownUntil returns the shared cooldown deadline for peerID in
// channelID, if one is still active.
func (r *SharedPeerRegistry) CooldownUntil(ctx context.Context, channelID domain.ChannelID, peerID domain.PeerID) (time.Time, bool) {
	key := r.cooldownKey(channelID, peerID)
	raw, err := r.client.Get(ctx, key).Int64()
	if err != nil {
		if err != redis.Nil {
			r.logger.Debugw("cooldown lookup failed", "channel_id", channelID, "peer_id", peerID, "error", err)
		}
		return time.Time{}, false
	}
	return time.Unix(0, raw), true
}

// SetPriority marks peerID as priority (exempt from capacity gating) for
// channelID, or clears the flag.
func (r *SharedPeerRegistry) SetPriority(ctx context.Context, channelID domain.ChannelID, peerID domain.PeerID, isPriority bool) error {
	key := r.priorityKey(channelID, peerID)
	if !isPriority {
		return r.client.Del(ctx, key).Err()
	}
	return r.client.Set(ctx, key, r.instanceID, 0).Err()
}

// IsPriority reports whether peerID is flagged priority in channelID.
func (r *SharedPeerRegistry) IsPriority(ctx context.Context, channelID domain.ChannelID, peerID domain.PeerID) bool {
	exists, err := r.client.Exists(ctx, r.priorityKey(channelID, peerID)).Result()
	if err != nil {
		return false
	}
	return exists > 0
}

// AcquireChannelLock takes a distributed lock scoped to one channel, for
// coordinating which instance runs that channel's admission pump when more
// than one process could observe the same voice:user_joined events.
func (r *SharedPeerRegistry) AcquireChannelLock(ctx context.Context, channelID domain.ChannelID, ttl time.Duration) (*distributed.DistributedLock, error) {
	lock := r.lockManager.AcquireLock(fmt.Sprintf("channel:%s", channelID), ttl)
	if err := lock.Lock(ctx); err != nil {
		return nil, fmt.Errorf("failed to acquire channel lock: %w", err)
	}
	return lock, nil
}

func (r *SharedPeerRegistry) cooldownKey(channelID domain.ChannelID, peerID domain.PeerID) string {
	return fmt.Sprintf("%scooldown:%s:%s", r.prefix, channelID, peerID)
}

func (r *SharedPeerRegistry) priorityKey(channelID domain.ChannelID, peerID domain.PeerID) string {
	return fmt.Sprintf("%spriority:%s:%s", r.prefix, channelID, peerID)
}
