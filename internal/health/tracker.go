// Package health tracks per-channel upstream health in memory and runs the
// background connectivity prober that restores unhealthy channels.
package health

import (
	"sync"
	"time"
)

// ChannelHealth is the in-process health record for one provider channel.
// Channels start healthy with zero counters.
type ChannelHealth struct {
	Healthy           bool
	FailureCount      int
	CooldownUntil     time.Time
	LastSuccessAt     time.Time
	LastProbeAt       time.Time
	ProbeSuccessCount int
}

// Settings tune the passive and active health rules.
type Settings struct {
	PassiveFailureThreshold int
	PassiveCooldown         time.Duration
	ActiveInterval          time.Duration
	ActiveSuccessThreshold  int
}

// DefaultSettings match a conservative single-process deployment.
func DefaultSettings() Settings {
	return Settings{
		PassiveFailureThreshold: 3,
		PassiveCooldown:         30 * time.Second,
		ActiveInterval:          60 * time.Second,
		ActiveSuccessThreshold:  1,
	}
}

func (s Settings) normalized() Settings {
	if s.PassiveFailureThreshold < 1 {
		s.PassiveFailureThreshold = 1
	}
	if s.PassiveCooldown <= 0 {
		s.PassiveCooldown = 30 * time.Second
	}
	if s.ActiveInterval < time.Second {
		s.ActiveInterval = time.Second
	}
	if s.ActiveSuccessThreshold < 1 {
		s.ActiveSuccessThreshold = 1
	}
	return s
}

// Tracker holds the health map. All methods are safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	settings Settings
	channels map[string]*ChannelHealth
	now      func() time.Time
}

// NewTracker builds a tracker with the given settings.
func NewTracker(settings Settings) *Tracker {
	return &Tracker{
		settings: settings.normalized(),
		channels: make(map[string]*ChannelHealth),
		now:      time.Now,
	}
}

func key(providerID, channelID string) string { return providerID + "/" + channelID }

func (t *Tracker) get(k string) *ChannelHealth {
	h, ok := t.channels[k]
	if !ok {
		h = &ChannelHealth{Healthy: true}
		t.channels[k] = h
	}
	return h
}

// MarkFailure records one retryable upstream failure. Reaching the passive
// threshold flips the channel unhealthy and arms the cooldown.
func (t *Tracker) MarkFailure(providerID, channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.get(key(providerID, channelID))
	h.FailureCount++
	if h.FailureCount >= t.settings.PassiveFailureThreshold {
		h.Healthy = false
		h.CooldownUntil = t.now().Add(t.settings.PassiveCooldown)
		h.ProbeSuccessCount = 0
	}
}

// MarkSuccess records a 2xx completion. One success restores a channel to
// healthy and clears its counters.
func (t *Tracker) MarkSuccess(providerID, channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.get(key(providerID, channelID))
	h.Healthy = true
	h.FailureCount = 0
	h.ProbeSuccessCount = 0
	h.CooldownUntil = time.Time{}
	h.LastSuccessAt = t.now()
}

// Eligible reports whether the routing engine may attempt the channel:
// healthy, or unhealthy with an elapsed cooldown.
func (t *Tracker) Eligible(providerID, channelID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.get(key(providerID, channelID))
	if h.Healthy {
		return true
	}
	return !t.now().Before(h.CooldownUntil)
}

// Snapshot returns a copy of the channel's record.
func (t *Tracker) Snapshot(providerID, channelID string) ChannelHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.get(key(providerID, channelID))
}

// markProbeSuccess counts one successful probe; reaching the active threshold
// restores the channel.
func (t *Tracker) markProbeSuccess(providerID, channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.get(key(providerID, channelID))
	h.LastProbeAt = t.now()
	h.ProbeSuccessCount++
	if h.ProbeSuccessCount >= t.settings.ActiveSuccessThreshold {
		h.Healthy = true
		h.FailureCount = 0
		h.ProbeSuccessCount = 0
		h.CooldownUntil = time.Time{}
		h.LastSuccessAt = t.now()
	}
}

// markProbeFailure resets probe progress and re-arms the cooldown.
func (t *Tracker) markProbeFailure(providerID, channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.get(key(providerID, channelID))
	h.LastProbeAt = t.now()
	h.ProbeSuccessCount = 0
	h.Healthy = false
	h.CooldownUntil = t.now().Add(t.settings.PassiveCooldown)
}

// dueForProbe reports whether an unhealthy channel should be probed now:
// cooldown elapsed and the last probe older than the active interval.
func (t *Tracker) dueForProbe(providerID, channelID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.get(key(providerID, channelID))
	if h.Healthy {
		return false
	}
	now := t.now()
	if now.Before(h.CooldownUntil) {
		return false
	}
	return now.Sub(h.LastProbeAt) >= t.settings.ActiveInterval
}
