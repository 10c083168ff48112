package warming

import (
	"maps"
	"sort"
	"time"

	"github.com/agatticelli/market-cache/internal/marketdata"
)

// QueryPattern is the observed demand for one symbol.
type QueryPattern struct {
	Symbol             string                        `json:"symbol"`
	RequestCount       int64                         `json:"request_count"`
	FirstSeen          time.Time                     `json:"first_seen"`
	LastAccessed       time.Time                     `json:"last_accessed"`
	HourlyDistribution [24]int64                     `json:"hourly_distribution"`
	DataTypeCounts     map[marketdata.DataType]int64 `json:"data_type_counts"`
}

func newQueryPattern(symbol string, at time.Time) *QueryPattern {
	return &QueryPattern{
		Symbol:         symbol,
		FirstSeen:      at,
		LastAccessed:   at,
		DataTypeCounts: make(map[marketdata.DataType]int64),
	}
}

func (p *QueryPattern) record(dt marketdata.DataType, at time.Time, hour int) {
	p.RequestCount++
	p.HourlyDistribution[hour]++
	if dt != "" {
		p.DataTypeCounts[dt]++
	}
	if at.After(p.LastAccessed) {
		p.LastAccessed = at
	}
}

// PeakHours returns up to n hours with the most requests, busiest first. Hours without
// requests are never peaks; ties go to the earlier hour.
func (p *QueryPattern) PeakHours(n int) []int {
	hours := make([]int, 0, 24)
	for h, c := range p.HourlyDistribution {
		if c > 0 {
			hours = append(hours, h)
		}
	}
	sort.SliceStable(hours, func(i, j int) bool {
		return p.HourlyDistribution[hours[i]] > p.HourlyDistribution[hours[j]]
	})
	if len(hours) > n {
		hours = hours[:n]
	}
	return hours
}

func (p *QueryPattern) clone() QueryPattern {
	c := *p
	c.DataTypeCounts = maps.Clone(p.DataTypeCounts)
	return c
}

const (
	frequencyCap     = 10.0
	recencyMax       = 10.0
	peakHourBonus    = 5.0
	marketEventBonus = 10.0
	peakHourCount    = 3
)

// priorityScore ranks a symbol for warming at now.
func priorityScore(p *QueryPattern, now time.Time, nowHour int, hasEvent bool) float64 {
	frequency := min(float64(p.RequestCount)/100, frequencyCap)

	hoursSince := max(0, now.Sub(p.LastAccessed).Hours())
	recency := max(0, recencyMax-hoursSince/24)

	var pattern float64
	for _, h := range p.PeakHours(peakHourCount) {
		if h == nowHour {
			pattern = peakHourBonus
			break
		}
	}

	var event float64
	if hasEvent {
		event = marketEventBonus
	}
	return frequency + recency + pattern + event
}
