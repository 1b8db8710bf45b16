package routes

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/OFFIS-RIT/ipdr/pkg/dataset"
	"github.com/OFFIS-RIT/ipdr/pkg/record"
)

// filterParams are the record filter query parameters. List parameters may
// be repeated or comma separated.
type filterParams struct {
	AParty       []string `query:"a_party"`
	BParty       []string `query:"b_party"`
	From         string   `query:"from"`
	To           string   `query:"to"`
	ServiceType  []string `query:"service_type"`
	MinDuration  string   `query:"min_duration"`
	MaxDuration  string   `query:"max_duration"`
	PartyPattern string   `query:"party_pattern"`
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for part := range strings.SplitSeq(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// toFilter converts the raw parameters. Zone-less timestamps are read in loc.
func (p filterParams) toFilter(loc *time.Location) (dataset.Filter, error) {
	f := dataset.Filter{
		AParties:     splitList(p.AParty),
		BParties:     splitList(p.BParty),
		PartyPattern: p.PartyPattern,
	}

	for _, s := range splitList(p.ServiceType) {
		st, ok := record.ParseServiceType(s)
		if !ok {
			return f, fmt.Errorf("%w: unknown service type %q", dataset.ErrInvalidFilter, s)
		}
		f.ServiceTypes = append(f.ServiceTypes, st)
	}

	times := record.NewTimeParser(loc)
	for _, v := range []struct {
		name string
		raw  string
		dst  **time.Time
	}{
		{"from", p.From, &f.From},
		{"to", p.To, &f.To},
	} {
		if v.raw == "" {
			continue
		}
		t, err := times.Parse(v.raw)
		if err != nil {
			return f, fmt.Errorf("%w: %s: %v", dataset.ErrInvalidFilter, v.name, err)
		}
		*v.dst = &t
	}

	for _, v := range []struct {
		name string
		raw  string
		dst  **int64
	}{
		{"min_duration", p.MinDuration, &f.MinDuration},
		{"max_duration", p.MaxDuration, &f.MaxDuration},
	} {
		if v.raw == "" {
			continue
		}
		d, err := strconv.ParseInt(v.raw, 10, 64)
		if err != nil || d < 0 {
			return f, fmt.Errorf("%w: %s must be a non-negative integer", dataset.ErrInvalidFilter, v.name)
		}
		*v.dst = &d
	}

	if _, err := f.Compile(); err != nil {
		return f, err
	}
	return f, nil
}
