// Package engine ties the analysis stages to the active dataset. Graphs,
// pattern summaries and suspicion scores are computed on demand and cached
// per dataset identity; activating a new dataset drops the cache.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/ipdr/pkg/anomaly"
	"github.com/OFFIS-RIT/ipdr/pkg/dataset"
	"github.com/OFFIS-RIT/ipdr/pkg/graph"
	"github.com/OFFIS-RIT/ipdr/pkg/loader"
	"github.com/OFFIS-RIT/ipdr/pkg/logger"
	"github.com/OFFIS-RIT/ipdr/pkg/pattern"
	"github.com/OFFIS-RIT/ipdr/pkg/record"
	"github.com/OFFIS-RIT/ipdr/pkg/search"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("ipdr.engine")

// Config tunes the engine.
type Config struct {
	Pattern pattern.Config
	Anomaly anomaly.Config

	// Location applies to timestamps without zone information.
	Location *time.Location
	// MaxPageSize caps record pages.
	MaxPageSize int
	// GraphNodeLimit caps the full graph view; <= 0 returns every node.
	GraphNodeLimit int
	// CacheSize is the number of datasets whose results stay cached.
	CacheSize int
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() Config {
	return Config{
		Pattern:        pattern.DefaultConfig(),
		Anomaly:        anomaly.DefaultConfig(),
		Location:       time.UTC,
		MaxPageSize:    1000,
		GraphNodeLimit: 300,
		CacheSize:      4,
	}
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg      Config
	store    *dataset.Store
	detector *anomaly.Detector

	graphs   *lru.Cache[string, *graph.Graph]
	patterns *lru.Cache[string, *pattern.Summary]
	scores   *lru.Cache[string, []anomaly.Score]
	group    singleflight.Group
}

// New returns an engine with an empty dataset store.
func New(cfg Config) (*Engine, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1
	}

	graphs, err := lru.New[string, *graph.Graph](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph cache: %w", err)
	}
	patterns, err := lru.New[string, *pattern.Summary](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create pattern cache: %w", err)
	}
	scores, err := lru.New[string, []anomaly.Score](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create score cache: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		store:    &dataset.Store{},
		detector: anomaly.New(cfg.Anomaly),
		graphs:   graphs,
		patterns: patterns,
		scores:   scores,
	}
	e.store.OnActivate(func(previous, current *dataset.Dataset) {
		e.graphs.Purge()
		e.patterns.Purge()
		e.scores.Purge()
		if previous != nil {
			logger.Debug("[Engine] Dropped cached analysis", "dataset", previous.ID())
		}
	})
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Store returns the active-dataset store.
func (e *Engine) Store() *dataset.Store {
	return e.store
}

// Current returns the active dataset snapshot.
func (e *Engine) Current() (*dataset.Dataset, error) {
	return e.store.Current()
}

// LoadResult describes an activated dataset.
type LoadResult struct {
	DatasetID string                `json:"dataset_id"`
	Records   int                   `json:"records"`
	Entities  int                   `json:"entities"`
	Format    loader.Format         `json:"format"`
	Warnings  []record.ParseWarning `json:"warnings"`
	From      time.Time             `json:"from"`
	To        time.Time             `json:"to"`

	Dataset *dataset.Dataset `json:"-"`
}

// Load parses content and activates the resulting dataset. On error the
// active dataset is left untouched and the parse warnings are still
// returned when available.
func (e *Engine) Load(ctx context.Context, content []byte, format loader.Format) (*LoadResult, error) {
	_, span := tracer.Start(ctx, "engine.Load", trace.WithAttributes(
		attribute.Int("bytes", len(content)),
		attribute.String("format", string(format)),
	))
	defer span.End()

	res, err := loader.ParseWithOptions(content, loader.Options{Format: format, Location: e.cfg.Location})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.describe(res, nil), err
	}
	return e.activate(span, res)
}

// LoadFile reads f through its loader and activates the parsed dataset.
func (e *Engine) LoadFile(ctx context.Context, f loader.File) (*LoadResult, error) {
	ctx, span := tracer.Start(ctx, "engine.LoadFile", trace.WithAttributes(
		attribute.String("file", f.ID),
	))
	defer span.End()

	res, err := f.Load(ctx, e.cfg.Location)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.describe(res, nil), err
	}
	return e.activate(span, res)
}

// Source yields already-decoded records, e.g. from a database.
type Source interface {
	Load(ctx context.Context) (*loader.Result, error)
}

// LoadSource reads src and activates the resulting dataset.
func (e *Engine) LoadSource(ctx context.Context, src Source) (*LoadResult, error) {
	ctx, span := tracer.Start(ctx, "engine.LoadSource")
	defer span.End()

	res, err := src.Load(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.describe(res, nil), err
	}
	return e.activate(span, res)
}

func (e *Engine) activate(span trace.Span, res *loader.Result) (*LoadResult, error) {
	ds, err := dataset.New(res.Records)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.describe(res, nil), err
	}
	e.store.Activate(ds)
	span.SetAttributes(
		attribute.String("dataset", ds.ID()),
		attribute.Int("records", ds.Len()),
		attribute.Int("warnings", len(res.Warnings)),
	)
	logger.Info("[Engine] Activated dataset", "dataset", ds.ID(), "records", ds.Len(), "entities", ds.EntityCount(), "warnings", len(res.Warnings))
	return e.describe(res, ds), nil
}

func (e *Engine) describe(res *loader.Result, ds *dataset.Dataset) *LoadResult {
	out := &LoadResult{Dataset: ds, Warnings: []record.ParseWarning{}}
	if res != nil {
		out.Format = res.Format
		out.Warnings = append(out.Warnings, res.Warnings...)
	}
	if ds != nil {
		out.DatasetID = ds.ID()
		out.Records = ds.Len()
		out.Entities = ds.EntityCount()
		out.From, out.To = ds.TimeRange()
	}
	return out
}

// Query returns one page of records of ds matching f.
func (e *Engine) Query(ctx context.Context, ds *dataset.Dataset, f dataset.Filter, p dataset.Pagination) (*dataset.Page, error) {
	_, span := tracer.Start(ctx, "engine.Query", trace.WithAttributes(attribute.String("dataset", ds.ID())))
	defer span.End()

	seq, err := ds.Query(f)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	page := dataset.Paginate(seq, p, e.cfg.MaxPageSize)
	span.SetAttributes(attribute.Int("total", page.Total))
	return &page, nil
}

// cached returns the value for ds from cache, computing it with fn on a
// miss. Concurrent misses for the same dataset share one computation, which
// runs detached from any single caller's cancellation; each caller still
// stops waiting when its own ctx is done. For datasets that are no longer
// active the value is computed with ctx and not stored.
func cached[T any](ctx context.Context, e *Engine, c *lru.Cache[string, T], kind string, ds *dataset.Dataset, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if !e.store.IsCurrent(ds) {
		return fn(ctx)
	}
	if v, ok := c.Get(ds.ID()); ok {
		return v, nil
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	shared := context.WithoutCancel(ctx)
	ch := e.group.DoChan(kind+":"+ds.ID(), func() (any, error) {
		if v, ok := c.Get(ds.ID()); ok {
			return v, nil
		}
		v, err := fn(shared)
		if err != nil {
			return v, err
		}
		if e.store.IsCurrent(ds) {
			c.Add(ds.ID(), v)
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

// Graph returns the relationship graph of ds.
func (e *Engine) Graph(ctx context.Context, ds *dataset.Dataset) (*graph.Graph, error) {
	return cached(ctx, e, e.graphs, "graph", ds, func(ctx context.Context) (*graph.Graph, error) {
		_, span := tracer.Start(ctx, "engine.BuildGraph", trace.WithAttributes(attribute.String("dataset", ds.ID())))
		defer span.End()

		g := graph.Build(ds)
		s := g.Summary()
		span.SetAttributes(attribute.Int("nodes", s.NodeCount), attribute.Int("edges", s.EdgeCount))
		return g, nil
	})
}

// View returns the graph of ds limited to the configured node cap.
func (e *Engine) View(ctx context.Context, ds *dataset.Dataset) (*graph.Graph, error) {
	g, err := e.Graph(ctx, ds)
	if err != nil {
		return nil, err
	}
	return g.Top(e.cfg.GraphNodeLimit), nil
}

// Ego returns the neighbourhood of entity within hops.
func (e *Engine) Ego(ctx context.Context, ds *dataset.Dataset, entity string, hops int) (*graph.Graph, error) {
	g, err := e.Graph(ctx, ds)
	if err != nil {
		return nil, err
	}
	return g.Ego(entity, hops), nil
}

// Patterns returns the pattern summary of ds.
func (e *Engine) Patterns(ctx context.Context, ds *dataset.Dataset) (*pattern.Summary, error) {
	return cached(ctx, e, e.patterns, "patterns", ds, func(ctx context.Context) (*pattern.Summary, error) {
		_, span := tracer.Start(ctx, "engine.AnalyzePatterns", trace.WithAttributes(attribute.String("dataset", ds.ID())))
		defer span.End()
		return pattern.Analyze(ds, e.cfg.Pattern), nil
	})
}

func (e *Engine) input(ctx context.Context, ds *dataset.Dataset) (anomaly.Input, error) {
	g, err := e.Graph(ctx, ds)
	if err != nil {
		return anomaly.Input{}, err
	}
	p, err := e.Patterns(ctx, ds)
	if err != nil {
		return anomaly.Input{}, err
	}
	return anomaly.Input{Dataset: ds, Graph: g, Patterns: p}, nil
}

// Scores returns the suspicion score of every entity in ds, highest first.
func (e *Engine) Scores(ctx context.Context, ds *dataset.Dataset) ([]anomaly.Score, error) {
	return cached(ctx, e, e.scores, "scores", ds, func(ctx context.Context) ([]anomaly.Score, error) {
		ctx, span := tracer.Start(ctx, "engine.Score", trace.WithAttributes(attribute.String("dataset", ds.ID())))
		defer span.End()

		in, err := e.input(ctx, ds)
		if err != nil {
			return nil, err
		}
		scores, err := e.detector.Score(ctx, in)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		return scores, nil
	})
}

// Suspicious returns up to limit entities with a non-zero score.
func (e *Engine) Suspicious(ctx context.Context, ds *dataset.Dataset, limit int) ([]anomaly.Score, error) {
	scores, err := e.Scores(ctx, ds)
	if err != nil {
		return nil, err
	}
	out := make([]anomaly.Score, 0, min(max(limit, 0), len(scores)))
	for _, s := range scores {
		if s.Score <= 0 || (limit > 0 && len(out) >= limit) {
			break
		}
		out = append(out, s)
	}
	return out, nil
}

// EntityReport is a search profile together with the entity's score.
type EntityReport struct {
	*search.Profile
	Suspicion anomaly.Score `json:"suspicion"`
}

// Search returns the profile of entity in ds including its suspicion score.
func (e *Engine) Search(ctx context.Context, ds *dataset.Dataset, entity string, opts search.Options) (*EntityReport, error) {
	ctx, span := tracer.Start(ctx, "engine.Search", trace.WithAttributes(attribute.String("entity", entity)))
	defer span.End()

	g, err := e.Graph(ctx, ds)
	if err != nil {
		return nil, err
	}
	profile, err := search.Search(ds, g, entity, opts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	scores, err := e.Scores(ctx, ds)
	if err != nil {
		return nil, err
	}

	report := &EntityReport{Profile: profile, Suspicion: anomaly.Score{EntityID: entity, Reasons: []anomaly.Reason{}}}
	for _, s := range scores {
		if s.EntityID == entity {
			report.Suspicion = s
			break
		}
	}
	return report, nil
}

// Report is the full analysis of one dataset.
type Report struct {
	DatasetID   string           `json:"dataset_id"`
	GeneratedAt time.Time        `json:"generated_at"`
	Records     int              `json:"records"`
	Entities    int              `json:"entities"`
	From        time.Time        `json:"from"`
	To          time.Time        `json:"to"`
	Graph       graph.Summary    `json:"graph"`
	Density     float64          `json:"density"`
	Patterns    *pattern.Summary `json:"patterns"`
	Suspicious  []anomaly.Score  `json:"suspicious"`
}

// Analyze runs every stage over ds. Rankings are cut to topN entries and
// the suspicious list to topN entities; topN <= 0 keeps everything.
func (e *Engine) Analyze(ctx context.Context, ds *dataset.Dataset, topN int) (*Report, error) {
	ctx, span := tracer.Start(ctx, "engine.Analyze", trace.WithAttributes(attribute.String("dataset", ds.ID())))
	defer span.End()

	g, err := e.Graph(ctx, ds)
	if err != nil {
		return nil, err
	}
	p, err := e.Patterns(ctx, ds)
	if err != nil {
		return nil, err
	}
	suspicious, err := e.Suspicious(ctx, ds, topN)
	if err != nil {
		return nil, err
	}

	from, to := ds.TimeRange()
	return &Report{
		DatasetID:   ds.ID(),
		GeneratedAt: time.Now().UTC(),
		Records:     ds.Len(),
		Entities:    ds.EntityCount(),
		From:        from,
		To:          to,
		Graph:       g.Summary(),
		Density:     g.Density(),
		Patterns:    p.Truncate(topN),
		Suspicious:  suspicious,
	}, nil
}
