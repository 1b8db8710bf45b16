// Package anomaly scores entities for suspicious behavior. Each heuristic is
// a pure function of the dataset, its graph and its pattern summary; the
// final score is the clamped sum of the weighted heuristic contributions.
package anomaly

import (
	"cmp"
	"context"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/OFFIS-RIT/ipdr/pkg/dataset"
	"github.com/OFFIS-RIT/ipdr/pkg/graph"
	"github.com/OFFIS-RIT/ipdr/pkg/pattern"

	"golang.org/x/sync/errgroup"
)

// Heuristic enumerates the detection rules. The enumeration order is the
// evaluation order and therefore the order of reasons in a Score.
type Heuristic int

const (
	HighFrequency Heuristic = iota
	BurnerPattern
	Clustering
	AutomatedBehavior
	UnusualTiming
	ShortDuration
	SelfCommunication
)

// Heuristics lists every heuristic in evaluation order.
var Heuristics = []Heuristic{
	HighFrequency,
	BurnerPattern,
	Clustering,
	AutomatedBehavior,
	UnusualTiming,
	ShortDuration,
	SelfCommunication,
}

var heuristicNames = map[Heuristic]string{
	HighFrequency:     "high_frequency",
	BurnerPattern:     "burner_pattern",
	Clustering:        "clustering",
	AutomatedBehavior: "automated_behavior",
	UnusualTiming:     "unusual_timing",
	ShortDuration:     "short_duration",
	SelfCommunication: "self_communication",
}

func (h Heuristic) String() string {
	if name, ok := heuristicNames[h]; ok {
		return name
	}
	return fmt.Sprintf("heuristic(%d)", int(h))
}

// ParseHeuristic returns the heuristic with the given name.
func ParseHeuristic(name string) (Heuristic, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for h, n := range heuristicNames {
		if n == name {
			return h, nil
		}
	}
	return 0, fmt.Errorf("unknown heuristic %q", name)
}

// Reason explains one contribution to a score.
type Reason struct {
	Pattern      string  `json:"pattern"`
	Contribution float64 `json:"contribution"`
	Detail       string  `json:"detail"`
}

// Score is the suspicion assessment of one entity. Score is in [0,1].
type Score struct {
	EntityID string   `json:"entity_id"`
	Score    float64  `json:"score"`
	Reasons  []Reason `json:"reasons"`
}

// Input bundles the analysis outputs the heuristics read. Graph and Patterns
// may be nil; heuristics needing them are skipped or fall back.
type Input struct {
	Dataset  *dataset.Dataset
	Graph    *graph.Graph
	Patterns *pattern.Summary
}

// Detector evaluates the configured heuristics.
type Detector struct {
	cfg     Config
	workers int
}

// New returns a Detector using cfg.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg, workers: runtime.GOMAXPROCS(0)}
}

// Config returns the detector configuration.
func (d *Detector) Config() Config {
	return d.cfg
}

// Score evaluates every entity of in.Dataset. Results are sorted by score
// descending, then entity ascending, and are identical across runs.
func (d *Detector) Score(ctx context.Context, in Input) ([]Score, error) {
	if in.Dataset == nil {
		return nil, dataset.ErrNoActiveDataset
	}
	ev := d.prepare(in)
	entities := in.Dataset.Entities()
	scores := make([]Score, len(entities))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(d.workers)
	chunk := max(1, (len(entities)+d.workers-1)/d.workers)
	for start := 0; start < len(entities); start += chunk {
		end := min(start+chunk, len(entities))
		eg.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				scores[i] = ev.score(entities[i])
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	slices.SortStableFunc(scores, func(a, b Score) int {
		return cmp.Or(cmp.Compare(b.Score, a.Score), cmp.Compare(a.EntityID, b.EntityID))
	})
	return scores, nil
}

// ScoreEntity evaluates a single entity.
func (d *Detector) ScoreEntity(in Input, entity string) (Score, error) {
	if in.Dataset == nil {
		return Score{}, dataset.ErrNoActiveDataset
	}
	if !in.Dataset.Has(entity) {
		return Score{}, fmt.Errorf("%w: %s", dataset.ErrEntityNotFound, entity)
	}
	return d.prepare(in).score(entity), nil
}

// Evaluate runs one heuristic in isolation. The reason carries the weighted
// contribution; false means the heuristic did not fire.
func (d *Detector) Evaluate(h Heuristic, in Input, entity string) (Reason, bool) {
	if in.Dataset == nil || !in.Dataset.Has(entity) {
		return Reason{}, false
	}
	return d.prepare(in).evaluate(h, entity)
}

func (e *evaluator) evaluate(h Heuristic, entity string) (Reason, bool) {
	weight := e.cfg.Weight(h)
	if weight <= 0 {
		return Reason{}, false
	}
	strength, detail, ok := e.run(h, entity)
	if !ok || strength <= 0 {
		return Reason{}, false
	}
	return Reason{
		Pattern:      h.String(),
		Contribution: weight * clamp01(strength),
		Detail:       detail,
	}, true
}

func (e *evaluator) score(entity string) Score {
	s := Score{EntityID: entity, Reasons: []Reason{}}
	total := 0.0
	for _, h := range Heuristics {
		reason, ok := e.evaluate(h, entity)
		if !ok {
			continue
		}
		s.Reasons = append(s.Reasons, reason)
		total += reason.Contribution
	}
	s.Score = clamp01(total)
	return s
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}
