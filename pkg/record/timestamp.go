package record

import (
	"fmt"
	"time"

	"github.com/araddon/dateparse"
)

// TimestampLayouts are tried in order after the cached layout misses.
// ISO-8601 variants come first.
var TimestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"02.01.2006 15:04:05",
	"20060102150405",
	time.RFC1123Z,
	time.RFC1123,
}

// TimeParser parses timestamps, remembering the last successful layout so
// that homogeneous inputs pay for detection once.
type TimeParser struct {
	loc    *time.Location
	cached string
}

// NewTimeParser returns a parser interpreting zone-less values in loc.
func NewTimeParser(loc *time.Location) *TimeParser {
	if loc == nil {
		loc = time.UTC
	}
	return &TimeParser{loc: loc}
}

// Layout returns the currently cached layout, if any.
func (p *TimeParser) Layout() string {
	return p.cached
}

// Parse converts s into a time. On a cache miss every known layout is tried
// again before falling back to free-form detection.
func (p *TimeParser) Parse(s string) (time.Time, error) {
	if p.cached != "" {
		if t, err := time.ParseInLocation(p.cached, s, p.loc); err == nil {
			return t, nil
		}
	}

	for _, layout := range TimestampLayouts {
		if layout == p.cached {
			continue
		}
		if t, err := time.ParseInLocation(layout, s, p.loc); err == nil {
			p.cached = layout
			return t, nil
		}
	}

	t, err := dateparse.ParseIn(s, p.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q: %w", s, err)
	}
	return t, nil
}
