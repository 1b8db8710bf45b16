package dataset

import (
	"errors"
	"fmt"
	"iter"
	"regexp"
	"slices"
	"time"

	"github.com/OFFIS-RIT/ipdr/pkg/record"
)

// ErrInvalidFilter is returned by Compile for filters that cannot match.
var ErrInvalidFilter = errors.New("invalid filter")

// Filter selects records. All set criteria must match. The zero Filter
// matches every record.
//
// From is inclusive and To exclusive. Duration bounds are inclusive.
// PartyPattern is a regular expression matched against either party.
type Filter struct {
	AParties     []string             `json:"a_parties,omitempty"`
	BParties     []string             `json:"b_parties,omitempty"`
	From         *time.Time           `json:"from,omitempty"`
	To           *time.Time           `json:"to,omitempty"`
	ServiceTypes []record.ServiceType `json:"service_types,omitempty"`
	MinDuration  *int64               `json:"min_duration,omitempty"`
	MaxDuration  *int64               `json:"max_duration,omitempty"`
	PartyPattern string               `json:"party_pattern,omitempty"`
}

// Matcher is a compiled Filter.
type Matcher struct {
	filter   Filter
	aParties map[string]struct{}
	bParties map[string]struct{}
	services map[record.ServiceType]struct{}
	pattern  *regexp.Regexp
}

func set[T comparable](values []T) map[T]struct{} {
	if len(values) == 0 {
		return nil
	}
	m := make(map[T]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return m
}

// Compile validates the filter.
func (f Filter) Compile() (*Matcher, error) {
	m := &Matcher{
		filter:   f,
		aParties: set(f.AParties),
		bParties: set(f.BParties),
		services: set(f.ServiceTypes),
	}
	if f.PartyPattern != "" {
		re, err := regexp.Compile(f.PartyPattern)
		if err != nil {
			return nil, fmt.Errorf("%w: party pattern: %v", ErrInvalidFilter, err)
		}
		m.pattern = re
	}
	if f.MinDuration != nil && f.MaxDuration != nil && *f.MinDuration > *f.MaxDuration {
		return nil, fmt.Errorf("%w: min duration %d > max duration %d", ErrInvalidFilter, *f.MinDuration, *f.MaxDuration)
	}
	return m, nil
}

// IsZero reports whether the filter sets no criterion.
func (f Filter) IsZero() bool {
	return len(f.AParties) == 0 && len(f.BParties) == 0 &&
		f.From == nil && f.To == nil &&
		len(f.ServiceTypes) == 0 &&
		f.MinDuration == nil && f.MaxDuration == nil &&
		f.PartyPattern == ""
}

// Match reports whether r satisfies every criterion.
func (m *Matcher) Match(r record.Record) bool {
	f := m.filter
	if m.aParties != nil {
		if _, ok := m.aParties[r.AParty]; !ok {
			return false
		}
	}
	if m.bParties != nil {
		if _, ok := m.bParties[r.BParty]; !ok {
			return false
		}
	}
	if f.From != nil && r.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && !r.Timestamp.Before(*f.To) {
		return false
	}
	if m.services != nil {
		if _, ok := m.services[r.ServiceType]; !ok {
			return false
		}
	}
	if f.MinDuration != nil && r.DurationSeconds < *f.MinDuration {
		return false
	}
	if f.MaxDuration != nil && r.DurationSeconds > *f.MaxDuration {
		return false
	}
	if m.pattern != nil && !m.pattern.MatchString(r.AParty) && !m.pattern.MatchString(r.BParty) {
		return false
	}
	return true
}

// Query returns a lazy, restartable sequence of the records matching f in
// ingestion order. The dataset is never modified.
func (d *Dataset) Query(f Filter) (iter.Seq[record.Record], error) {
	m, err := f.Compile()
	if err != nil {
		return nil, err
	}
	return d.Select(m), nil
}

// Select iterates the records accepted by m. Party criteria are served from
// the entity index instead of a full scan.
func (d *Dataset) Select(m *Matcher) iter.Seq[record.Record] {
	candidates := d.candidates(m)
	return func(yield func(record.Record) bool) {
		if candidates == nil {
			for _, r := range d.records {
				if m.Match(r) && !yield(r) {
					return
				}
			}
			return
		}
		for _, i := range candidates {
			if r := d.records[i]; m.Match(r) && !yield(r) {
				return
			}
		}
	}
}

// candidates returns the sorted positions that can possibly match, or nil
// when every record has to be scanned.
func (d *Dataset) candidates(m *Matcher) []int {
	parties := m.filter.AParties
	if len(parties) == 0 || (len(m.filter.BParties) > 0 && len(m.filter.BParties) < len(parties)) {
		parties = m.filter.BParties
	}
	if len(parties) == 0 {
		return nil
	}

	positions := make([]int, 0)
	for _, p := range parties {
		positions = append(positions, d.index[p]...)
	}
	slices.Sort(positions)
	return slices.Compact(positions)
}

// Count returns the number of records accepted by m.
func (d *Dataset) Count(m *Matcher) int {
	n := 0
	for range d.Select(m) {
		n++
	}
	return n
}
