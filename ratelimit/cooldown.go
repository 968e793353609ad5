package ratelimit

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Key identifies one cooldown slot. Tiers of the same provider cool down
// independently.
type Key struct {
	ProviderID string
	Tier       string
}

func (k Key) String() string {
	return k.ProviderID + "/" + k.Tier
}

type Entry struct {
	Key           Key
	CooldownUntil time.Time
	EnteredAt     time.Time
}

func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.CooldownUntil)
}

// CooldownTracker keeps process-local cooldown windows per provider tier.
// A window only grows while it is active, and an expired entry is kept until
// Clear is called after a successful call past expiry.
type CooldownTracker struct {
	Now func() time.Time

	mu      sync.RWMutex
	entries map[Key]Entry
}

func NewCooldownTracker() *CooldownTracker {
	return &CooldownTracker{
		Now:     func() time.Time { return time.Now().UTC() },
		entries: map[Key]Entry{},
	}
}

func (t *CooldownTracker) IsInCooldown(providerID string, tier string) bool {
	return t.RemainingCooldown(providerID, tier) > 0
}

// EnterCooldown starts or extends the window for (providerID, tier) and
// returns its end. A shorter duration never shrinks an active window.
func (t *CooldownTracker) EnterCooldown(providerID string, tier string, duration time.Duration) time.Time {
	if t == nil {
		return time.Time{}
	}
	key := normalizeKey(providerID, tier)
	now := t.now()
	if duration < 0 {
		duration = 0
	}
	until := now.Add(duration)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries == nil {
		t.entries = map[Key]Entry{}
	}
	entry, ok := t.entries[key]
	if ok && entry.CooldownUntil.After(until) {
		return entry.CooldownUntil
	}
	if !ok || entry.Expired(now) {
		entry = Entry{Key: key, EnteredAt: now}
	}
	entry.CooldownUntil = until
	t.entries[key] = entry
	return until
}

func (t *CooldownTracker) RemainingCooldown(providerID string, tier string) time.Duration {
	if t == nil {
		return 0
	}
	key := normalizeKey(providerID, tier)
	now := t.now()

	t.mu.RLock()
	entry, ok := t.entries[key]
	t.mu.RUnlock()
	if !ok || entry.Expired(now) {
		return 0
	}
	return entry.CooldownUntil.Sub(now)
}

// Clear drops an expired entry. It reports false and keeps the entry while
// the window is still active.
func (t *CooldownTracker) Clear(providerID string, tier string) bool {
	if t == nil {
		return false
	}
	key := normalizeKey(providerID, tier)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok || !entry.Expired(now) {
		return false
	}
	delete(t.entries, key)
	return true
}

// Snapshot returns every tracked entry, active or awaiting a retry, ordered
// by key.
func (t *CooldownTracker) Snapshot() []Entry {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	out := make([]Entry, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, entry)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

func (t *CooldownTracker) now() time.Time {
	if t != nil && t.Now != nil {
		return t.Now().UTC()
	}
	return time.Now().UTC()
}

func normalizeKey(providerID string, tier string) Key {
	return Key{
		ProviderID: strings.TrimSpace(strings.ToLower(providerID)),
		Tier:       strings.TrimSpace(strings.ToLower(tier)),
	}
}
