// Package record defines the communication record model shared by every
// analysis stage, together with the field normalization used by the
// ingestion codecs.
package record

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceType classifies the channel a record was carried on.
type ServiceType string

const (
	ServiceVoice ServiceType = "VOICE"
	ServiceSMS   ServiceType = "SMS"
	ServiceData  ServiceType = "DATA"
	ServiceOther ServiceType = "OTHER"
)

var serviceAliases = map[string]ServiceType{
	"VOICE":      ServiceVoice,
	"CALL":       ServiceVoice,
	"VOICE_CALL": ServiceVoice,
	"VOICE CALL": ServiceVoice,
	"SMS":        ServiceSMS,
	"TEXT":       ServiceSMS,
	"MESSAGE":    ServiceSMS,
	"DATA":       ServiceData,
	"INTERNET":   ServiceData,
	"GPRS":       ServiceData,
	"IP":         ServiceData,
	"OTHER":      ServiceOther,
}

// ParseServiceType maps s onto a known service type. Unknown or empty values
// yield ServiceOther and false.
func ParseServiceType(s string) (ServiceType, bool) {
	st, ok := serviceAliases[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return ServiceOther, false
	}
	return st, true
}

// Record is a single communication event. Values are treated as immutable
// once they leave the parser.
type Record struct {
	Timestamp       time.Time         `json:"timestamp"`
	AParty          string            `json:"a_party"`
	BParty          string            `json:"b_party"`
	DurationSeconds int64             `json:"duration"`
	ServiceType     ServiceType       `json:"service_type"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// IsSelf reports whether the record was initiated and received by the same entity.
func (r Record) IsSelf() bool {
	return r.AParty == r.BParty
}

// Counterpart returns the other party of the record as seen from entity.
func (r Record) Counterpart(entity string) string {
	if r.AParty == entity {
		return r.BParty
	}
	return r.AParty
}

// Involves reports whether entity took part in the record in either role.
func (r Record) Involves(entity string) bool {
	return r.AParty == entity || r.BParty == entity
}

// ParseWarning describes an input row that was skipped or adjusted.
type ParseWarning struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

func (w ParseWarning) String() string {
	return fmt.Sprintf("line %d: %s", w.Line, w.Reason)
}

// ErrInvalidDataset is returned when an input yields no usable records.
var ErrInvalidDataset = errors.New("invalid dataset: no usable records")
