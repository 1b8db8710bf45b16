// Package dataset holds the active, immutable collection of communication
// records together with the per-entity indices the analysis stages read.
package dataset

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/OFFIS-RIT/ipdr/pkg/record"

	"github.com/google/uuid"
)

// ErrEntityNotFound is returned for entities absent from the dataset.
var ErrEntityNotFound = errors.New("entity not found")

// EntityStats counts the records an entity took part in per role.
type EntityStats struct {
	AsInitiator int `json:"as_initiator"`
	AsRecipient int `json:"as_recipient"`
}

// Total is the number of index entries of the entity. A self-record counts
// once per role.
func (s EntityStats) Total() int {
	return s.AsInitiator + s.AsRecipient
}

// Dataset is an ordered, immutable set of records. It is built once by New
// and never modified; a new upload produces a new Dataset.
type Dataset struct {
	id        string
	createdAt time.Time

	records  []record.Record
	index    map[string][]int
	stats    map[string]EntityStats
	entities []string

	first, last time.Time
}

// New indexes records and returns the resulting dataset. The slice is owned
// by the dataset afterwards and must not be modified by the caller.
func New(records []record.Record) (*Dataset, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: empty record set", record.ErrInvalidDataset)
	}

	d := &Dataset{
		id:        uuid.NewString(),
		createdAt: time.Now().UTC(),
		records:   records,
		index:     make(map[string][]int),
		stats:     make(map[string]EntityStats),
		first:     records[0].Timestamp,
		last:      records[0].Timestamp,
	}

	for i, r := range records {
		d.index[r.AParty] = append(d.index[r.AParty], i)
		d.index[r.BParty] = append(d.index[r.BParty], i)

		s := d.stats[r.AParty]
		s.AsInitiator++
		d.stats[r.AParty] = s

		s = d.stats[r.BParty]
		s.AsRecipient++
		d.stats[r.BParty] = s

		if r.Timestamp.Before(d.first) {
			d.first = r.Timestamp
		}
		if r.Timestamp.After(d.last) {
			d.last = r.Timestamp
		}
	}

	d.entities = make([]string, 0, len(d.stats))
	for entity := range d.stats {
		d.entities = append(d.entities, entity)
	}
	slices.Sort(d.entities)

	return d, nil
}

// ID identifies this dataset instance. Caches key derived results by it.
func (d *Dataset) ID() string { return d.id }

// CreatedAt is the activation timestamp.
func (d *Dataset) CreatedAt() time.Time { return d.createdAt }

// Len returns the number of records.
func (d *Dataset) Len() int { return len(d.records) }

// Record returns the record at ingestion position i.
func (d *Dataset) Record(i int) record.Record { return d.records[i] }

// All iterates all records in ingestion order.
func (d *Dataset) All() iter.Seq2[int, record.Record] {
	return func(yield func(int, record.Record) bool) {
		for i, r := range d.records {
			if !yield(i, r) {
				return
			}
		}
	}
}

// Entities returns every entity appearing in the dataset, sorted.
func (d *Dataset) Entities() []string {
	return slices.Clone(d.entities)
}

// EntityCount returns the number of distinct entities.
func (d *Dataset) EntityCount() int { return len(d.entities) }

// Has reports whether entity appears in any record.
func (d *Dataset) Has(entity string) bool {
	_, ok := d.stats[entity]
	return ok
}

// Stats returns the role counts of entity.
func (d *Dataset) Stats(entity string) (EntityStats, bool) {
	s, ok := d.stats[entity]
	return s, ok
}

// Positions returns the ingestion positions of the records involving entity.
// A self-record appears twice. The returned slice must not be modified.
func (d *Dataset) Positions(entity string) []int {
	return d.index[entity]
}

// RecordsOf iterates the distinct records involving entity in ingestion order.
func (d *Dataset) RecordsOf(entity string) iter.Seq[record.Record] {
	return func(yield func(record.Record) bool) {
		prev := -1
		for _, i := range d.index[entity] {
			if i == prev {
				continue
			}
			prev = i
			if !yield(d.records[i]) {
				return
			}
		}
	}
}

// TimeRange returns the earliest and latest record timestamps.
func (d *Dataset) TimeRange() (time.Time, time.Time) {
	return d.first, d.last
}
