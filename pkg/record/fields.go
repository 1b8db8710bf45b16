package record

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Canonical column names of the ingestion schema, in export order.
const (
	FieldTimestamp   = "timestamp"
	FieldAParty      = "a_party"
	FieldBParty      = "b_party"
	FieldDuration    = "duration"
	FieldServiceType = "service_type"
)

// Columns lists the canonical columns in the order used by exports.
var Columns = []string{FieldTimestamp, FieldAParty, FieldBParty, FieldDuration, FieldServiceType}

var fieldAliases = map[string]string{
	"timestamp":        FieldTimestamp,
	"time":             FieldTimestamp,
	"call_time":        FieldTimestamp,
	"start_time":       FieldTimestamp,
	"a_party":          FieldAParty,
	"calling_number":   FieldAParty,
	"caller":           FieldAParty,
	"source_ip":        FieldAParty,
	"a_number":         FieldAParty,
	"b_party":          FieldBParty,
	"called_number":    FieldBParty,
	"callee":           FieldBParty,
	"dest_ip":          FieldBParty,
	"b_number":         FieldBParty,
	"duration":         FieldDuration,
	"call_duration":    FieldDuration,
	"session_duration": FieldDuration,
	"duration_seconds": FieldDuration,
	"service_type":     FieldServiceType,
	"service":          FieldServiceType,
	"type":             FieldServiceType,
}

// CanonicalField maps a column or key name onto its canonical field. The
// second result is false for names outside the schema, which are kept as
// metadata under their trimmed original name.
func CanonicalField(name string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, "-", "_")
	if canonical, ok := fieldAliases[key]; ok {
		return canonical, true
	}
	return strings.TrimSpace(name), false
}

// Raw holds the textual fields of one input row before validation.
type Raw struct {
	Timestamp   string
	AParty      string
	BParty      string
	Duration    string
	ServiceType string
	Metadata    map[string]string
}

// Set assigns value to the canonical field matching name, or to metadata.
// Empty metadata values are dropped so that all formats agree on the
// resulting record.
func (r *Raw) Set(name, value string) {
	field, known := CanonicalField(name)
	if !known {
		value = strings.TrimSpace(value)
		if value == "" || field == "" {
			return
		}
		if r.Metadata == nil {
			r.Metadata = make(map[string]string)
		}
		r.Metadata[field] = value
		return
	}

	switch field {
	case FieldTimestamp:
		r.Timestamp = value
	case FieldAParty:
		r.AParty = value
	case FieldBParty:
		r.BParty = value
	case FieldDuration:
		r.Duration = value
	case FieldServiceType:
		r.ServiceType = value
	}
}

// Normalizer validates raw rows and turns them into records. It carries the
// timestamp layout cache of one parse and is not safe for concurrent use.
type Normalizer struct {
	times *TimeParser
}

// NewNormalizer returns a Normalizer interpreting zone-less timestamps in loc.
// A nil loc means UTC.
func NewNormalizer(loc *time.Location) *Normalizer {
	return &Normalizer{times: NewTimeParser(loc)}
}

// Normalize validates raw. It returns the record, any non-fatal warnings and
// false if the row must be dropped, in which case the warnings carry the
// reason.
func (n *Normalizer) Normalize(raw Raw, line int) (Record, []ParseWarning, bool) {
	warn := func(format string, args ...any) []ParseWarning {
		return []ParseWarning{{Line: line, Reason: fmt.Sprintf(format, args...)}}
	}

	a := strings.TrimSpace(raw.AParty)
	b := strings.TrimSpace(raw.BParty)
	if a == "" {
		return Record{}, warn("missing a_party"), false
	}
	if b == "" {
		return Record{}, warn("missing b_party"), false
	}

	ts := strings.TrimSpace(raw.Timestamp)
	if ts == "" {
		return Record{}, warn("missing timestamp"), false
	}
	timestamp, err := n.times.Parse(ts)
	if err != nil {
		return Record{}, warn("invalid timestamp %q", ts), false
	}

	duration, err := ParseDuration(raw.Duration)
	if err != nil {
		return Record{}, warn("%v", err), false
	}

	var warnings []ParseWarning
	service, ok := ParseServiceType(raw.ServiceType)
	if !ok {
		warnings = warn("unknown service_type %q, using OTHER", strings.TrimSpace(raw.ServiceType))
	}

	return Record{
		Timestamp:       timestamp,
		AParty:          a,
		BParty:          b,
		DurationSeconds: duration,
		ServiceType:     service,
		Metadata:        raw.Metadata,
	}, warnings, true
}

// ParseDuration parses a duration in whole seconds. Empty input is zero;
// integral decimals such as "60.0" are accepted.
func ParseDuration(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		if v < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return v, nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("non-numeric duration %q", s)
	}
	if f < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return int64(f), nil
}
