// Package search builds per-entity communication profiles.
package search

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/OFFIS-RIT/ipdr/pkg/dataset"
	"github.com/OFFIS-RIT/ipdr/pkg/graph"
	"github.com/OFFIS-RIT/ipdr/pkg/party"
	"github.com/OFFIS-RIT/ipdr/pkg/record"
)

// ErrEntityNotFound is returned when the entity never appears in the dataset.
var ErrEntityNotFound = dataset.ErrEntityNotFound

// Options bound the ranked and recent sections of a profile.
type Options struct {
	TopPartners int `json:"top_partners" query:"top_partners"`
	RecentLimit int `json:"recent_limit" query:"recent_limit"`
}

// DefaultOptions returns the limits used when a caller passes zero values.
func DefaultOptions() Options {
	return Options{TopPartners: 10, RecentLimit: 20}
}

// Partner is a counterpart with the number of shared records.
type Partner struct {
	Entity string `json:"entity"`
	Count  int    `json:"count"`
}

// Profile aggregates everything known about one entity.
type Profile struct {
	EntityID            string                     `json:"entity_id"`
	TotalCommunications int                        `json:"total_communications"`
	AsInitiator         int                        `json:"as_initiator"`
	AsRecipient         int                        `json:"as_recipient"`
	Partners            []string                   `json:"partners"`
	FirstSeen           time.Time                  `json:"first_seen"`
	LastSeen            time.Time                  `json:"last_seen"`
	TopPartners         []Partner                  `json:"top_partners"`
	RecentActivity      []record.Record            `json:"recent_activity"`
	Degree              int                        `json:"degree"`
	ServiceMix          map[record.ServiceType]int `json:"service_mix"`
	Hourly              [24]int                    `json:"hourly"`
	// Party classifies the entity identifier itself, PartnerRisk every
	// counterpart; the riskiest list is bounded by TopPartners.
	Party       party.Classification `json:"party"`
	PartnerRisk party.Summary        `json:"partner_risk"`
}

// Search returns the profile of entity in ds. g may be nil, in which case
// Degree is derived from the partner set.
func Search(ds *dataset.Dataset, g *graph.Graph, entity string, opts Options) (*Profile, error) {
	if ds == nil {
		return nil, dataset.ErrNoActiveDataset
	}
	stats, ok := ds.Stats(entity)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entity)
	}
	def := DefaultOptions()
	if opts.TopPartners <= 0 {
		opts.TopPartners = def.TopPartners
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = def.RecentLimit
	}

	p := &Profile{
		EntityID:            entity,
		TotalCommunications: stats.Total(),
		AsInitiator:         stats.AsInitiator,
		AsRecipient:         stats.AsRecipient,
		ServiceMix:          make(map[record.ServiceType]int),
	}

	partners := make(map[string]int)
	var recent []record.Record
	first := true
	for r := range ds.RecordsOf(entity) {
		partners[r.Counterpart(entity)]++
		p.ServiceMix[r.ServiceType]++
		p.Hourly[r.Timestamp.Hour()]++
		if first || r.Timestamp.Before(p.FirstSeen) {
			p.FirstSeen = r.Timestamp
		}
		if first || r.Timestamp.After(p.LastSeen) {
			p.LastSeen = r.Timestamp
		}
		first = false
		recent = append(recent, r)
	}

	p.TopPartners = make([]Partner, 0, len(partners))
	for id, n := range partners {
		p.TopPartners = append(p.TopPartners, Partner{Entity: id, Count: n})
	}
	slices.SortFunc(p.TopPartners, func(a, b Partner) int {
		return cmp.Or(cmp.Compare(b.Count, a.Count), cmp.Compare(a.Entity, b.Entity))
	})

	p.Partners = make([]string, 0, len(partners))
	for _, pc := range p.TopPartners {
		p.Partners = append(p.Partners, pc.Entity)
	}
	slices.Sort(p.Partners)
	if len(p.TopPartners) > opts.TopPartners {
		p.TopPartners = p.TopPartners[:opts.TopPartners]
	}

	// Stable sort keeps later ingestion first among equal timestamps.
	slices.Reverse(recent)
	slices.SortStableFunc(recent, func(a, b record.Record) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	p.RecentActivity = recent[:min(len(recent), opts.RecentLimit)]

	p.Party = party.Classify(entity)
	p.PartnerRisk = party.Summarize(p.Partners, opts.TopPartners)

	p.Degree = len(partners)
	if g != nil {
		if n, ok := g.Node(entity); ok {
			p.Degree = n.Degree
		}
	}
	return p, nil
}
