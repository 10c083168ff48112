// Package analytics collects cache hit/miss/latency statistics per data type, detects
// cache pollution and turns the numbers into tuning recommendations.
package analytics

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"

	"github.com/agatticelli/market-cache/internal/marketdata"
)

// Cache levels reported with each access.
const (
	LevelL1   = "l1"
	LevelL2   = "l2"
	LevelMiss = "miss"
)

const (
	hourBucketLayout = "2006-01-02-15"

	lowOverallHitRate   = 0.70
	lowTypeHitRate      = 0.60
	highP99Latency      = 100.0 // ms
	maxEvictedBeforeUse = 100
	pollutedScore       = 30.0

	// OptimalMessage is the only recommendation when no rule fires.
	OptimalMessage = "Cache performance is optimal"
)

// Config configures Analytics.
type Config struct {
	// MaxSamples bounds each data type's latency buffer. Default 10000.
	MaxSamples int
	// PollutionAge is how long a key may sit in the single-access set before it counts
	// as pollution. Default 1h.
	PollutionAge time.Duration
	// HourlyRetention is the number of hourly buckets kept. Default 168 (7 days).
	HourlyRetention int
	// ReusedKeys bounds the memory of keys already hit twice. Default 10000.
	ReusedKeys int
	Clock      clockwork.Clock
}

// HourlyBucket aggregates accesses for one clock hour.
type HourlyBucket struct {
	Hour    string  `json:"hour"` // YYYY-MM-DD-HH
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

// PollutionReport is the result of DetectCachePollution.
type PollutionReport struct {
	SingleAccessKeys    int     `json:"single_access_keys"`
	OldSingleAccessKeys int     `json:"old_single_access_keys"`
	EvictedBeforeReuse  int64   `json:"evicted_before_reuse"`
	PollutionScore      float64 `json:"pollution_score"`
	IsPolluted          bool    `json:"is_polluted"`
}

// DataTypeReport summarizes one data type.
type DataTypeReport struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
	Samples int     `json:"samples"`
	P50     float64 `json:"p50_ms"`
	P95     float64 `json:"p95_ms"`
	P99     float64 `json:"p99_ms"`
}

// Report is a point-in-time snapshot of everything Analytics knows.
type Report struct {
	GeneratedAt     time.Time                 `json:"generated_at"`
	Uptime          time.Duration             `json:"uptime"`
	TotalRequests   int64                     `json:"total_requests"`
	Hits            int64                     `json:"hits"`
	Misses          int64                     `json:"misses"`
	Errors          int64                     `json:"errors"`
	HitRate         float64                   `json:"hit_rate"`
	ByDataType      map[string]DataTypeReport `json:"by_data_type"`
	HitsByLevel     map[string]int64          `json:"hits_by_level"`
	ErrorsByType    map[string]int64          `json:"errors_by_type"`
	Evictions       map[string]int64          `json:"evictions"`
	Pollution       PollutionReport           `json:"pollution"`
	Recommendations []string                  `json:"recommendations"`
}

type dataTypeMetrics struct {
	hits      int64
	misses    int64
	errors    int64
	latencies *sampleRing
}

// Analytics is safe for concurrent use.
type Analytics struct {
	cfg   Config
	clock clockwork.Clock

	mu                 sync.Mutex
	startedAt          time.Time
	byType             map[marketdata.DataType]*dataTypeMetrics
	hitsByLevel        map[string]int64
	errorsByType       map[string]int64
	evictions          map[string]int64
	evictionsByLevel   map[string]int64
	hourly             map[string]*HourlyBucket
	singleAccess       map[string]time.Time
	reused             *simplelru.LRU[string, struct{}]
	evictedBeforeReuse int64
}

// New creates an Analytics collector.
func New(cfg Config) *Analytics {
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 10000
	}
	if cfg.PollutionAge <= 0 {
		cfg.PollutionAge = time.Hour
	}
	if cfg.HourlyRetention <= 0 {
		cfg.HourlyRetention = 168
	}
	if cfg.ReusedKeys <= 0 {
		cfg.ReusedKeys = 10000
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	a := &Analytics{cfg: cfg, clock: cfg.Clock}
	a.resetLocked()
	return a
}

func (a *Analytics) resetLocked() {
	a.startedAt = a.clock.Now()
	a.byType = make(map[marketdata.DataType]*dataTypeMetrics)
	a.hitsByLevel = make(map[string]int64)
	a.errorsByType = make(map[string]int64)
	a.evictions = make(map[string]int64)
	a.evictionsByLevel = make(map[string]int64)
	a.hourly = make(map[string]*HourlyBucket)
	a.singleAccess = make(map[string]time.Time)
	// size is always positive, so NewLRU cannot fail
	a.reused, _ = simplelru.NewLRU[string, struct{}](a.cfg.ReusedKeys, nil)
	a.evictedBeforeReuse = 0
}

// Reset clears all counters.
func (a *Analytics) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *Analytics) metricsFor(dt marketdata.DataType) *dataTypeMetrics {
	m, ok := a.byType[dt]
	if !ok {
		m = &dataTypeMetrics{latencies: newSampleRing(a.cfg.MaxSamples)}
		a.byType[dt] = m
	}
	return m
}

func (a *Analytics) bucketFor(now time.Time) *HourlyBucket {
	key := now.UTC().Format(hourBucketLayout)
	b, ok := a.hourly[key]
	if ok {
		return b
	}
	b = &HourlyBucket{Hour: key}
	a.hourly[key] = b
	if len(a.hourly) > a.cfg.HourlyRetention {
		keys := make([]string, 0, len(a.hourly))
		for k := range a.hourly {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys[:len(keys)-a.cfg.HourlyRetention] {
			delete(a.hourly, k)
		}
	}
	return b
}

// RecordCacheAccess records one lookup. level is LevelL1, LevelL2 or LevelMiss; key is
// optional and feeds pollution detection.
func (a *Analytics) RecordCacheAccess(dt marketdata.DataType, hit bool, latency time.Duration, level, key string) {
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.metricsFor(dt)
	b := a.bucketFor(now)
	if hit {
		m.hits++
		b.Hits++
		if level != "" {
			a.hitsByLevel[level]++
		}
	} else {
		m.misses++
		b.Misses++
	}
	m.latencies.add(float64(latency) / float64(time.Millisecond))

	if key == "" || !hit {
		return
	}
	if _, single := a.singleAccess[key]; single {
		delete(a.singleAccess, key)
		a.reused.Add(key, struct{}{})
		return
	}
	if !a.reused.Contains(key) {
		a.singleAccess[key] = now
	}
}

// RecordError counts a failed operation for dt. errType classifies it (e.g. "fetch").
func (a *Analytics) RecordError(dt marketdata.DataType, errType string) {
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.metricsFor(dt).errors++
	a.bucketFor(now).Errors++
	if errType != "" {
		a.errorsByType[errType]++
	}
}

// RecordEviction counts an eviction. A key evicted while still in the single-access set
// was never reused and counts as pollution.
func (a *Analytics) RecordEviction(key, reason, level string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.evictions[reason]++
	if level != "" {
		a.evictionsByLevel[level]++
	}
	if _, ok := a.singleAccess[key]; ok {
		delete(a.singleAccess, key)
		a.evictedBeforeReuse++
	}
	a.reused.Remove(key)
}

// DetectCachePollution scores the share of single-access keys older than PollutionAge.
func (a *Analytics) DetectCachePollution() PollutionReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pollutionLocked()
}

func (a *Analytics) pollutionLocked() PollutionReport {
	cutoff := a.clock.Now().Add(-a.cfg.PollutionAge)
	old := 0
	for _, firstHit := range a.singleAccess {
		if firstHit.Before(cutoff) {
			old++
		}
	}
	total := len(a.singleAccess)
	score := float64(old) / float64(max(total, 1)) * 100
	return PollutionReport{
		SingleAccessKeys:    total,
		OldSingleAccessKeys: old,
		EvictedBeforeReuse:  a.evictedBeforeReuse,
		PollutionScore:      score,
		IsPolluted:          score > pollutedScore,
	}
}

// HourlyTrends returns the last n hourly buckets in chronological order.
func (a *Analytics) HourlyTrends(n int) []HourlyBucket {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys := make([]string, 0, len(a.hourly))
	for k := range a.hourly {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if n > 0 && len(keys) > n {
		keys = keys[len(keys)-n:]
	}

	out := make([]HourlyBucket, 0, len(keys))
	for _, k := range keys {
		b := *a.hourly[k]
		b.HitRate = hitRate(b.Hits, b.Misses)
		out = append(out, b)
	}
	return out
}

// DataTypeStats returns the summary for one data type.
func (a *Analytics) DataTypeStats(dt marketdata.DataType) DataTypeReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.byType[dt]
	if !ok {
		return DataTypeReport{}
	}
	return m.report()
}

func (m *dataTypeMetrics) report() DataTypeReport {
	samples := m.latencies.snapshot()
	sort.Float64s(samples)
	return DataTypeReport{
		Hits:    m.hits,
		Misses:  m.misses,
		Errors:  m.errors,
		HitRate: hitRate(m.hits, m.misses),
		Samples: len(samples),
		P50:     percentileSorted(samples, 50),
		P95:     percentileSorted(samples, 95),
		P99:     percentileSorted(samples, 99),
	}
}

// GenerateRecommendations evaluates a fixed rule list against the current numbers.
func (a *Analytics) GenerateRecommendations() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recommendationsLocked(a.byTypeReportsLocked(), a.pollutionLocked())
}

func (a *Analytics) byTypeReportsLocked() map[string]DataTypeReport {
	out := make(map[string]DataTypeReport, len(a.byType))
	for dt, m := range a.byType {
		out[dt.String()] = m.report()
	}
	return out
}

func (a *Analytics) recommendationsLocked(byType map[string]DataTypeReport, pollution PollutionReport) []string {
	var recs []string

	var hits, misses int64
	for _, r := range byType {
		hits += r.Hits
		misses += r.Misses
	}
	if hits+misses > 0 {
		if rate := hitRate(hits, misses); rate < lowOverallHitRate {
			recs = append(recs, fmt.Sprintf(
				"Overall hit rate is %.1f%%; consider longer TTLs or enabling predictive warming", rate*100))
		}
	}
	if pollution.IsPolluted {
		recs = append(recs, fmt.Sprintf(
			"Cache pollution detected (score %.1f); many keys are read once and never reused", pollution.PollutionScore))
	}
	if pollution.EvictedBeforeReuse > maxEvictedBeforeUse {
		recs = append(recs, fmt.Sprintf(
			"%d keys were evicted before reuse; consider a larger fast tier or LFU eviction", pollution.EvictedBeforeReuse))
	}

	types := make([]string, 0, len(byType))
	for name := range byType {
		types = append(types, name)
	}
	sort.Strings(types)
	for _, name := range types {
		r := byType[name]
		if r.Hits+r.Misses > 0 && r.HitRate < lowTypeHitRate {
			recs = append(recs, fmt.Sprintf("%s hit rate is %.1f%%; review its TTL", name, r.HitRate*100))
		}
		if r.Samples > 0 && r.P99 > highP99Latency {
			recs = append(recs, fmt.Sprintf("%s p99 latency is %.1fms; check tier connectivity", name, r.P99))
		}
	}

	if len(recs) == 0 {
		recs = append(recs, OptimalMessage)
	}
	return recs
}

// Report returns a full snapshot including recommendations.
func (a *Analytics) Report() Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	byType := a.byTypeReportsLocked()
	pollution := a.pollutionLocked()

	r := Report{
		GeneratedAt:  now,
		Uptime:       now.Sub(a.startedAt),
		ByDataType:   byType,
		HitsByLevel:  copyCounts(a.hitsByLevel),
		ErrorsByType: copyCounts(a.errorsByType),
		Evictions:    copyCounts(a.evictions),
		Pollution:    pollution,
	}
	for _, t := range byType {
		r.Hits += t.Hits
		r.Misses += t.Misses
		r.Errors += t.Errors
	}
	r.TotalRequests = r.Hits + r.Misses
	r.HitRate = hitRate(r.Hits, r.Misses)
	r.Recommendations = a.recommendationsLocked(byType, pollution)
	return r
}

// IsOptimal reports whether recs is the single "optimal" message.
func IsOptimal(recs []string) bool {
	return len(recs) == 1 && recs[0] == OptimalMessage
}

// Percentile returns the p-th percentile of samples. The index is floor(p/100*(n-1))
// below p97 and ceil(...) from p97 up, clamped to the sample range.
func Percentile(samples []float64, p float64) float64 {
	sorted := slices.Clone(samples)
	sort.Float64s(sorted)
	return percentileSorted(sorted, p)
}

func percentileSorted(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	pos := p / 100 * float64(n-1)
	var idx int
	if p >= 97 {
		idx = int(math.Ceil(pos))
	} else {
		idx = int(math.Floor(pos))
	}
	idx = min(max(idx, 0), n-1)
	return sorted[idx]
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
