package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"
)

// EvictionPolicy selects how the tracker orders keys.
type EvictionPolicy string

const (
	PolicyLRU EvictionPolicy = "lru"
	PolicyLFU EvictionPolicy = "lfu"
)

// Eviction reasons reported to the callback.
const (
	EvictReasonCapacity = "capacity"
	EvictReasonPressure = "memory_pressure"
)

// ParseEvictionPolicy converts a config string into a policy.
func ParseEvictionPolicy(s string) (EvictionPolicy, error) {
	switch p := EvictionPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyLRU, PolicyLFU:
		return p, nil
	}
	return "", fmt.Errorf("unknown eviction policy: %q", s)
}

// TrackerConfig configures an AccessTracker.
type TrackerConfig struct {
	Policy     EvictionPolicy
	MaxEntries int
	// OnEvict runs outside the tracker lock for every key dropped on overflow.
	OnEvict func(key, reason string)
	Clock   clockwork.Clock
}

// AccessTracker records per-key recency (LRU) or frequency (LFU) independently of the
// store and answers eviction-candidate queries. It never touches stored data itself.
type AccessTracker struct {
	policy  EvictionPolicy
	max     int
	onEvict func(key, reason string)
	clock   clockwork.Clock

	mu        sync.Mutex
	lru       *simplelru.LRU[string, time.Time]
	freq      map[string]*freqEntry
	seq       uint64
	evicted   []string
	releasing bool
}

type freqEntry struct {
	count uint64
	seq   uint64 // last touch, breaks count ties oldest-first
}

// NewAccessTracker creates a tracker. MaxEntries defaults to 10000 and Policy to LRU.
func NewAccessTracker(cfg TrackerConfig) (*AccessTracker, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyLRU
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	t := &AccessTracker{
		policy:  cfg.Policy,
		max:     cfg.MaxEntries,
		onEvict: cfg.OnEvict,
		clock:   cfg.Clock,
	}

	switch cfg.Policy {
	case PolicyLRU:
		lru, err := simplelru.NewLRU[string, time.Time](cfg.MaxEntries, func(key string, _ time.Time) {
			if !t.releasing {
				t.evicted = append(t.evicted, key)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create LRU tracker: %w", err)
		}
		t.lru = lru
	case PolicyLFU:
		t.freq = make(map[string]*freqEntry, cfg.MaxEntries)
	default:
		return nil, fmt.Errorf("unknown eviction policy: %q", cfg.Policy)
	}
	return t, nil
}

// Policy returns the configured policy.
func (t *AccessTracker) Policy() EvictionPolicy {
	return t.policy
}

// RecordAccess touches key, evicting the coldest key when the tracker overflows.
func (t *AccessTracker) RecordAccess(key string) {
	t.mu.Lock()
	t.seq++
	switch t.policy {
	case PolicyLRU:
		t.lru.Add(key, t.clock.Now())
	case PolicyLFU:
		if e, ok := t.freq[key]; ok {
			e.count++
			e.seq = t.seq
			break
		}
		if len(t.freq) >= t.max {
			if victim, ok := t.coldestLocked(); ok {
				delete(t.freq, victim)
				t.evicted = append(t.evicted, victim)
			}
		}
		t.freq[key] = &freqEntry{count: 1, seq: t.seq}
	}
	evicted := t.evicted
	t.evicted = nil
	t.mu.Unlock()

	t.dispatch(evicted, EvictReasonCapacity)
}

// Release stops tracking key without reporting an eviction.
func (t *AccessTracker) Release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.policy {
	case PolicyLRU:
		t.releasing = true
		t.lru.Remove(key)
		t.releasing = false
	case PolicyLFU:
		delete(t.freq, key)
	}
}

// Evict drops the given keys and reports them with reason.
func (t *AccessTracker) Evict(keys []string, reason string) {
	t.mu.Lock()
	var dropped []string
	for _, k := range keys {
		switch t.policy {
		case PolicyLRU:
			t.releasing = true
			if t.lru.Remove(k) {
				dropped = append(dropped, k)
			}
			t.releasing = false
		case PolicyLFU:
			if _, ok := t.freq[k]; ok {
				delete(t.freq, k)
				dropped = append(dropped, k)
			}
		}
	}
	t.mu.Unlock()

	t.dispatch(dropped, reason)
}

// GetEvictionCandidates returns up to n keys in eviction order without removing them.
func (t *AccessTracker) GetEvictionCandidates(n int) []string {
	if n <= 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.policy {
	case PolicyLRU:
		keys := t.lru.Keys() // oldest first
		if len(keys) > n {
			keys = keys[:n]
		}
		return keys
	default:
		keys := make([]string, 0, len(t.freq))
		for k := range t.freq {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			a, b := t.freq[keys[i]], t.freq[keys[j]]
			if a.count != b.count {
				return a.count < b.count
			}
			return a.seq < b.seq
		})
		if len(keys) > n {
			keys = keys[:n]
		}
		return keys
	}
}

// AccessCount returns how often key was touched under LFU, or 1/0 for tracked/untracked under LRU.
func (t *AccessTracker) AccessCount(key string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.policy == PolicyLRU {
		if t.lru.Contains(key) {
			return 1
		}
		return 0
	}
	if e, ok := t.freq[key]; ok {
		return e.count
	}
	return 0
}

// Len returns the number of tracked keys.
func (t *AccessTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.policy == PolicyLRU {
		return t.lru.Len()
	}
	return len(t.freq)
}

// ShouldEvict reports whether currentSize has reached threshold of maxSize.
// A threshold outside (0, 1] means 0.9.
func ShouldEvict(currentSize, maxSize int64, threshold float64) bool {
	if maxSize <= 0 {
		return false
	}
	if threshold <= 0 || threshold > 1 {
		threshold = 0.9
	}
	return float64(currentSize) >= float64(maxSize)*threshold
}

// caller must hold t.mu
func (t *AccessTracker) coldestLocked() (string, bool) {
	var (
		victim string
		best   *freqEntry
	)
	for k, e := range t.freq {
		if best == nil || e.count < best.count || (e.count == best.count && e.seq < best.seq) {
			victim, best = k, e
		}
	}
	return victim, best != nil
}

func (t *AccessTracker) dispatch(keys []string, reason string) {
	if t.onEvict == nil {
		return
	}
	for _, k := range keys {
		t.onEvict(k, reason)
	}
}
