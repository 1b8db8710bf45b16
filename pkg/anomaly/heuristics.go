package anomaly

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/OFFIS-RIT/ipdr/pkg/record"
)

// evaluator holds per-input state shared by all entities of one run. It is
// read-only after prepare and safe for concurrent use.
type evaluator struct {
	cfg Config
	in  Input

	countMean, countStd float64

	quiet      [24]bool
	quietLabel string
}

func (d *Detector) prepare(in Input) *evaluator {
	e := &evaluator{cfg: d.cfg, in: in}

	entities := in.Dataset.Entities()
	counts := make([]float64, len(entities))
	for i, entity := range entities {
		counts[i] = float64(len(in.Dataset.Positions(entity)))
	}
	e.countMean, e.countStd = meanStd(counts)

	if p := in.Patterns; p != nil && len(p.QuietHours) > 0 && len(p.QuietHours) < 12 {
		for _, h := range p.QuietHours {
			e.quiet[h] = true
		}
		e.quietLabel = "quiet hours"
	} else {
		for h := 0; h < 24; h++ {
			e.quiet[h] = inWindow(h, d.cfg.NightStartHour, d.cfg.NightEndHour)
		}
		e.quietLabel = "night hours"
	}
	return e
}

// inWindow reports whether hour lies in [start, end], wrapping at midnight.
func inWindow(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour <= end
	}
	return hour >= start || hour <= end
}

func (e *evaluator) run(h Heuristic, entity string) (float64, string, bool) {
	switch h {
	case HighFrequency:
		return e.highFrequency(entity)
	case BurnerPattern:
		return e.burner(entity)
	case Clustering:
		return e.clustering(entity)
	case AutomatedBehavior:
		return e.automated(entity)
	case UnusualTiming:
		return e.unusualTiming(entity)
	case ShortDuration:
		return e.shortDuration(entity)
	case SelfCommunication:
		return e.selfCommunication(entity)
	}
	return 0, "", false
}

func (e *evaluator) highFrequency(entity string) (float64, string, bool) {
	k := e.cfg.HighFrequencyK
	if e.countStd == 0 || k <= 0 {
		return 0, "", false
	}
	count := len(e.in.Dataset.Positions(entity))
	z := (float64(count) - e.countMean) / e.countStd
	if z <= k {
		return 0, "", false
	}
	return z / (2 * k), fmt.Sprintf("%d records, %.1f standard deviations above the mean of %.1f", count, z, e.countMean), true
}

func (e *evaluator) burner(entity string) (float64, string, bool) {
	minRecords := max(e.cfg.BurnerMinRecords, 1)
	var (
		n           int
		first, last time.Time
	)
	for r := range e.in.Dataset.RecordsOf(entity) {
		if n == 0 || r.Timestamp.Before(first) {
			first = r.Timestamp
		}
		if n == 0 || r.Timestamp.After(last) {
			last = r.Timestamp
		}
		n++
	}
	if n < minRecords {
		return 0, "", false
	}
	span := last.Sub(first)
	if span > e.cfg.BurnerWindow {
		return 0, "", false
	}
	_, end := e.in.Dataset.TimeRange()
	silence := end.Sub(last)
	if silence < e.cfg.BurnerMinSilence {
		return 0, "", false
	}

	strength := max(0.5, min(1, float64(n)/float64(4*minRecords)))
	return strength, fmt.Sprintf("%d records within %s, inactive for the remaining %s", n, formatDuration(span), formatDuration(silence)), true
}

func (e *evaluator) clustering(entity string) (float64, string, bool) {
	if e.in.Graph == nil {
		return 0, "", false
	}
	ego, truncated := e.in.Graph.EgoBounded(entity, e.cfg.ClusterHops, e.cfg.ClusterMaxSize)
	n := ego.Summary().NodeCount
	if truncated || n < max(e.cfg.ClusterMinSize, 2) {
		return 0, "", false
	}
	// A tree (star or path) is never a cluster, however dense.
	links := 0
	for _, edge := range ego.Edges() {
		if edge.A != edge.B {
			links++
		}
	}
	if links < n {
		return 0, "", false
	}
	density := ego.Density()
	threshold := e.cfg.ClusterDensity
	if density < threshold {
		return 0, "", false
	}

	strength := 1.0
	if threshold < 1 {
		strength = 0.5 + 0.5*(density-threshold)/(1-threshold)
	}
	return strength, fmt.Sprintf("%d-node neighbourhood with density %.2f", n, density), true
}

func (e *evaluator) automated(entity string) (float64, string, bool) {
	var stamps []time.Time
	for r := range e.in.Dataset.RecordsOf(entity) {
		stamps = append(stamps, r.Timestamp)
	}
	if len(stamps) < max(e.cfg.AutomatedMinRecords, 3) {
		return 0, "", false
	}
	slices.SortFunc(stamps, func(a, b time.Time) int { return a.Compare(b) })

	gaps := make([]float64, len(stamps)-1)
	for i := 1; i < len(stamps); i++ {
		gaps[i-1] = stamps[i].Sub(stamps[i-1]).Seconds()
	}
	mean, std := meanStd(gaps)
	if mean <= 0 || e.cfg.AutomatedMaxCV <= 0 {
		return 0, "", false
	}
	cv := std / mean
	if cv > e.cfg.AutomatedMaxCV {
		return 0, "", false
	}
	return 1 - 0.5*cv/e.cfg.AutomatedMaxCV, fmt.Sprintf("%d records at regular %.0fs intervals (cv %.3f)", len(stamps), mean, cv), true
}

func (e *evaluator) unusualTiming(entity string) (float64, string, bool) {
	total, inQuiet := 0, 0
	for r := range e.in.Dataset.RecordsOf(entity) {
		total++
		if e.quiet[r.Timestamp.Hour()] {
			inQuiet++
		}
	}
	if total < max(e.cfg.NightMinRecords, 1) {
		return 0, "", false
	}
	share := float64(inQuiet) / float64(total)
	if share < e.cfg.NightMinShare || inQuiet == 0 {
		return 0, "", false
	}
	return share, fmt.Sprintf("%d of %d records during %s", inQuiet, total, e.quietLabel), true
}

func (e *evaluator) shortDuration(entity string) (float64, string, bool) {
	voice, short := 0, 0
	for r := range e.in.Dataset.RecordsOf(entity) {
		if r.ServiceType != record.ServiceVoice {
			continue
		}
		voice++
		if r.DurationSeconds <= e.cfg.ShortMaxSeconds {
			short++
		}
	}
	if voice < max(e.cfg.ShortMinRecords, 1) {
		return 0, "", false
	}
	share := float64(short) / float64(voice)
	if share < e.cfg.ShortMinShare || short == 0 {
		return 0, "", false
	}
	return share, fmt.Sprintf("%d of %d voice records last %ds or less", short, voice, e.cfg.ShortMaxSeconds), true
}

func (e *evaluator) selfCommunication(entity string) (float64, string, bool) {
	n := 0
	for r := range e.in.Dataset.RecordsOf(entity) {
		if r.IsSelf() {
			n++
		}
	}
	if n == 0 {
		return 0, "", false
	}
	return 1, fmt.Sprintf("%d records addressed to itself", n), true
}

// meanStd returns the mean and population standard deviation of values.
func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
