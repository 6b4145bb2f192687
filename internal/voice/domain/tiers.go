package domain

import "time"

// MaxConnectedPeers is the hard admission cap; priority peers bypass it.
const MaxConnectedPeers = 100

// TierConfig is one row of the tiered-scaling admission table.
type TierConfig struct {
	Name              string
	MaxPeers          int
	Concurrent        int
	CooldownMS        int
	StaggerBaseMS     int
	StaggerPerPeerMS  int
}

// Cooldown returns the tier's cooldown as a time.Duration.
func (t TierConfig) Cooldown() time.Duration {
	return time.Duration(t.CooldownMS) * time.Millisecond
}

// StaggerBase returns the tier's base stagger as a time.Duration.
func (t TierConfig) StaggerBase() time.Duration {
	return time.Duration(t.StaggerBaseMS) * time.Millisecond
}

// StaggerPerPeer returns the tier's per-peer stagger increment.
func (t TierConfig) StaggerPerPeer() time.Duration {
	return time.Duration(t.StaggerPerPeerMS) * time.Millisecond
}

// DefaultTiers is the fixed small/medium/large/massive table.
// Overridable via Config.Voice.Tiers.
var DefaultTiers = []TierConfig{
	{Name: "small", MaxPeers: 10, Concurrent: 2, CooldownMS: 1000, StaggerBaseMS: 300, StaggerPerPeerMS: 200},
	{Name: "medium", MaxPeers: 25, Concurrent: 2, CooldownMS: 1500, StaggerBaseMS: 800, StaggerPerPeerMS: 400},
	{Name: "large", MaxPeers: 50, Concurrent: 1, CooldownMS: 2000, StaggerBaseMS: 1500, StaggerPerPeerMS: 600},
	{Name: "massive", MaxPeers: 100, Concurrent: 1, CooldownMS: 3000, StaggerBaseMS: 2500, StaggerPerPeerMS: 800},
}

// SelectTier returns the first row whose MaxPeers is >= load, where load is
// |peers| + |queue|. The last row is returned if load exceeds every
// threshold (mass-join regime).
func SelectTier(tiers []TierConfig, load int) TierConfig {
	for _, t := range tiers {
		if load <= t.MaxPeers {
			return t
		}
	}
	return tiers[len(tiers)-1]
}
