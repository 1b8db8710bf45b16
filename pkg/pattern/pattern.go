// Package pattern summarizes when and between whom communication happens.
package pattern

import (
	"cmp"
	"maps"
	"math"
	"slices"

	"github.com/OFFIS-RIT/ipdr/pkg/dataset"
	"github.com/OFFIS-RIT/ipdr/pkg/record"
)

// Config holds the analyzer thresholds.
//
// PeakPercentile and QuietPercentile are in [0,100] and are evaluated over
// all 24 hourly buckets, empty hours included. Directed pairs with more than
// FrequentPairMin records are reported in Summary.FrequentPairs.
type Config struct {
	PeakPercentile  float64 `yaml:"peak_percentile"`
	QuietPercentile float64 `yaml:"quiet_percentile"`
	FrequentPairMin int     `yaml:"frequent_pair_min"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		PeakPercentile:  75,
		QuietPercentile: 25,
		FrequentPairMin: 50,
	}
}

// Ranked is an entity with its record count.
type Ranked struct {
	Entity string `json:"entity"`
	Count  int    `json:"count"`
}

// PairCount is a directed pair with its record count.
type PairCount struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int    `json:"count"`
}

// Summary is the temporal and behavioral profile of a dataset.
type Summary struct {
	Hourly           [24]int                    `json:"hourly"`
	PeakHours        []int                      `json:"peak_hours"`
	QuietHours       []int                      `json:"quiet_hours"`
	TopInitiators    []Ranked                   `json:"top_initiators"`
	TopRecipients    []Ranked                   `json:"top_recipients"`
	TotalRecords     int                        `json:"total_records"`
	UniqueInitiators int                        `json:"unique_initiators"`
	UniqueRecipients int                        `json:"unique_recipients"`
	AverageDuration  float64                    `json:"average_duration"`
	ServiceMix       map[record.ServiceType]int `json:"service_mix"`
	FrequentPairs    []PairCount                `json:"frequent_pairs"`
}

// Analyze computes the summary of ds. Rankings cover every entity; use
// Truncate to cut them down.
func Analyze(ds *dataset.Dataset, cfg Config) *Summary {
	s := &Summary{
		TotalRecords: ds.Len(),
		ServiceMix:   make(map[record.ServiceType]int),
	}

	initiators := make(map[string]int)
	recipients := make(map[string]int)
	pairs := make(map[[2]string]int)
	var totalDuration int64

	for _, r := range ds.All() {
		s.Hourly[r.Timestamp.Hour()]++
		initiators[r.AParty]++
		recipients[r.BParty]++
		pairs[[2]string{r.AParty, r.BParty}]++
		s.ServiceMix[r.ServiceType]++
		totalDuration += r.DurationSeconds
	}

	if s.TotalRecords > 0 {
		s.AverageDuration = float64(totalDuration) / float64(s.TotalRecords)
	}
	s.UniqueInitiators = len(initiators)
	s.UniqueRecipients = len(recipients)
	s.TopInitiators = rank(initiators)
	s.TopRecipients = rank(recipients)

	counts := make([]float64, 24)
	for h, c := range s.Hourly {
		counts[h] = float64(c)
	}
	slices.Sort(counts)
	peak := Percentile(counts, cfg.PeakPercentile)
	quiet := Percentile(counts, cfg.QuietPercentile)
	s.PeakHours = []int{}
	s.QuietHours = []int{}
	for h, c := range s.Hourly {
		if float64(c) >= peak {
			s.PeakHours = append(s.PeakHours, h)
		}
		if float64(c) <= quiet {
			s.QuietHours = append(s.QuietHours, h)
		}
	}

	s.FrequentPairs = []PairCount{}
	for p, c := range pairs {
		if c > cfg.FrequentPairMin {
			s.FrequentPairs = append(s.FrequentPairs, PairCount{From: p[0], To: p[1], Count: c})
		}
	}
	slices.SortFunc(s.FrequentPairs, func(a, b PairCount) int {
		return cmp.Or(cmp.Compare(b.Count, a.Count), cmp.Compare(a.From, b.From), cmp.Compare(a.To, b.To))
	})

	return s
}

// rank orders counts by count descending, then entity ascending.
func rank(counts map[string]int) []Ranked {
	out := make([]Ranked, 0, len(counts))
	for entity, c := range counts {
		out = append(out, Ranked{Entity: entity, Count: c})
	}
	slices.SortFunc(out, func(a, b Ranked) int {
		return cmp.Or(cmp.Compare(b.Count, a.Count), cmp.Compare(a.Entity, b.Entity))
	})
	return out
}

// Percentile returns the p-th percentile of sorted using linear
// interpolation between closest ranks.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	p = math.Max(0, math.Min(100, p))
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// Truncate returns a copy of s with both rankings limited to n entries.
// n <= 0 keeps the full rankings.
func (s *Summary) Truncate(n int) *Summary {
	cp := *s
	cp.PeakHours = slices.Clone(s.PeakHours)
	cp.QuietHours = slices.Clone(s.QuietHours)
	cp.FrequentPairs = slices.Clone(s.FrequentPairs)
	cp.ServiceMix = maps.Clone(s.ServiceMix)
	cp.TopInitiators = limit(s.TopInitiators, n)
	cp.TopRecipients = limit(s.TopRecipients, n)
	return &cp
}

func limit(in []Ranked, n int) []Ranked {
	if n <= 0 || n >= len(in) {
		return slices.Clone(in)
	}
	return slices.Clone(in[:n])
}

// IsQuiet reports whether hour is one of the quiet hours.
func (s *Summary) IsQuiet(hour int) bool {
	return slices.Contains(s.QuietHours, hour)
}
