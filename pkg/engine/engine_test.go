package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/ipdr/pkg/dataset"
	"github.com/OFFIS-RIT/ipdr/pkg/graph"
	"github.com/OFFIS-RIT/ipdr/pkg/loader"
	"github.com/OFFIS-RIT/ipdr/pkg/record"
	"github.com/OFFIS-RIT/ipdr/pkg/search"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const threeRecords = `timestamp,a_party,b_party,duration,service_type
2024-01-01T10:00:00Z,A,B,60,VOICE
2024-01-01T11:00:00Z,A,B,30,VOICE
2024-01-01T12:00:00Z,A,C,10,SMS
`

const mixed = `timestamp,a_party,b_party,duration,service_type
2023-12-31T23:00:00Z,X,Y,10,VOICE
2024-01-01T08:00:00Z,A,B,60,VOICE
2024-01-01T09:00:00Z,A,C,0,SMS
2024-01-01T10:00:00Z,B,C,45,VOICE
2024-01-01T11:00:00Z,C,A,0,DATA
2024-01-02T00:00:00Z,A,B,20,VOICE
`

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(DefaultConfig())
	require.NoError(t, err)
	return e
}

func load(t *testing.T, e *Engine, content string) *dataset.Dataset {
	t.Helper()
	res, err := e.Load(context.Background(), []byte(content), loader.FormatAuto)
	require.NoError(t, err)
	require.NotNil(t, res.Dataset)
	return res.Dataset
}

func TestLoadActivates(t *testing.T) {
	e := newEngine(t)
	_, err := e.Current()
	assert.ErrorIs(t, err, dataset.ErrNoActiveDataset)

	res, err := e.Load(context.Background(), []byte(threeRecords), loader.FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Records)
	assert.Equal(t, 3, res.Entities)
	assert.Equal(t, loader.FormatCSV, res.Format)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), res.From)

	current, err := e.Current()
	require.NoError(t, err)
	assert.Equal(t, res.DatasetID, current.ID())
}

func TestFailedLoadKeepsActiveDataset(t *testing.T) {
	e := newEngine(t)
	ds := load(t, e, threeRecords)

	res, err := e.Load(context.Background(), []byte("timestamp,a_party,b_party\nnope,A,B\n"), loader.FormatCSV)
	assert.ErrorIs(t, err, record.ErrInvalidDataset)
	require.NotNil(t, res)
	assert.Len(t, res.Warnings, 1)

	current, err := e.Current()
	require.NoError(t, err)
	assert.Same(t, ds, current)
}

type staticSource struct {
	result *loader.Result
	err    error
}

func (s staticSource) Load(context.Context) (*loader.Result, error) {
	return s.result, s.err
}

func TestLoadSource(t *testing.T) {
	e := newEngine(t)
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	res, err := e.LoadSource(context.Background(), staticSource{result: &loader.Result{
		Format:  loader.FormatPostgres,
		Records: []record.Record{{Timestamp: at, AParty: "P", BParty: "Q", ServiceType: record.ServiceData}},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Records)
	assert.Equal(t, loader.FormatPostgres, res.Format)

	boom := errors.New("boom")
	_, err = e.LoadSource(context.Background(), staticSource{err: boom})
	assert.ErrorIs(t, err, boom)
}

func TestQueryScenario(t *testing.T) {
	e := newEngine(t)
	ds := load(t, e, mixed)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	filter := dataset.Filter{
		ServiceTypes: []record.ServiceType{record.ServiceVoice},
		From:         &from,
		To:           &to,
	}
	all, err := e.Query(context.Background(), ds, filter, dataset.Pagination{})
	require.NoError(t, err)
	require.Len(t, all.Records, 2)
	for _, r := range all.Records {
		assert.Equal(t, record.ServiceVoice, r.ServiceType)
	}

	page, err := e.Query(context.Background(), ds, filter, dataset.Pagination{Page: 2, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, all.Records[1], page.Records[0])
	assert.Equal(t, 2, page.Total)

	_, err = e.Query(context.Background(), ds, dataset.Filter{PartyPattern: "("}, dataset.Pagination{})
	assert.Error(t, err)
}

func TestGraphScenario(t *testing.T) {
	e := newEngine(t)
	ds := load(t, e, threeRecords)

	g, err := e.Graph(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, graph.Summary{NodeCount: 3, EdgeCount: 2}, g.Summary())
	ab, ok := g.Edge("A", "B")
	require.True(t, ok)
	assert.Equal(t, 2, ab.Weight)
	a, ok := g.Node("A")
	require.True(t, ok)
	assert.Equal(t, 2, a.Degree)

	report, err := e.Search(context.Background(), ds, "A", search.Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.TotalCommunications)
	assert.Equal(t, []search.Partner{{Entity: "B", Count: 2}, {Entity: "C", Count: 1}}, report.TopPartners)
	assert.Equal(t, "A", report.Suspicion.EntityID)

	_, err = e.Search(context.Background(), ds, "Z", search.Options{})
	assert.ErrorIs(t, err, search.ErrEntityNotFound)

	ego, err := e.Ego(context.Background(), ds, "Z", 2)
	require.NoError(t, err)
	assert.Zero(t, ego.Summary().NodeCount)
}

func TestCachePerDataset(t *testing.T) {
	e := newEngine(t)
	first := load(t, e, threeRecords)

	g1, err := e.Graph(context.Background(), first)
	require.NoError(t, err)
	g2, err := e.Graph(context.Background(), first)
	require.NoError(t, err)
	assert.Same(t, g1, g2)

	second := load(t, e, mixed)
	assert.Zero(t, e.graphs.Len(), "activation drops cached results")

	// The replaced dataset is still served, but no longer cached.
	old1, err := e.Graph(context.Background(), first)
	require.NoError(t, err)
	old2, err := e.Graph(context.Background(), first)
	require.NoError(t, err)
	assert.NotSame(t, old1, old2)
	assert.Equal(t, 3, old1.Summary().NodeCount)

	cur, err := e.Graph(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, 4, cur.Summary().NodeCount)
}

func TestConcurrentReadersShareResult(t *testing.T) {
	e := newEngine(t)
	ds := load(t, e, mixed)

	var wg sync.WaitGroup
	graphs := make([]*graph.Graph, 16)
	for i := range graphs {
		wg.Go(func() {
			g, err := e.Graph(context.Background(), ds)
			assert.NoError(t, err)
			graphs[i] = g
		})
	}
	wg.Wait()
	for _, g := range graphs[1:] {
		assert.Same(t, graphs[0], g)
	}
}

func TestCancelledCallerDoesNotFailSharedComputation(t *testing.T) {
	e := newEngine(t)
	ds := load(t, e, mixed)

	started := make(chan struct{})
	release := make(chan struct{})
	var calls int
	compute := func(ctx context.Context) (*graph.Graph, error) {
		calls++
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return graph.Build(ds), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cached(ctx, e, e.graphs, "graph", ds, compute)
		firstErr <- err
	}()
	<-started
	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	second := make(chan *graph.Graph, 1)
	go func() {
		g, err := cached(context.Background(), e, e.graphs, "graph", ds, compute)
		assert.NoError(t, err)
		second <- g
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	g := <-second
	require.NotNil(t, g)
	assert.Equal(t, 5, g.Summary().NodeCount)
	assert.Equal(t, 1, calls)

	cachedGraph, err := e.Graph(context.Background(), ds)
	require.NoError(t, err)
	assert.Same(t, g, cachedGraph)
}

func TestCancelledCallerBeforeMiss(t *testing.T) {
	e := newEngine(t)
	ds := load(t, e, mixed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Graph(ctx, ds)
	assert.ErrorIs(t, err, context.Canceled)

	g, err := e.Graph(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, 5, g.Summary().NodeCount)
}

func TestAnalyze(t *testing.T) {
	e := newEngine(t)
	ds := load(t, e, mixed)

	report, err := e.Analyze(context.Background(), ds, 2)
	require.NoError(t, err)
	assert.Equal(t, ds.ID(), report.DatasetID)
	assert.Equal(t, 6, report.Records)
	assert.Equal(t, 5, report.Entities)
	assert.Equal(t, 6, report.Patterns.TotalRecords)
	assert.LessOrEqual(t, len(report.Patterns.TopInitiators), 2)
	assert.LessOrEqual(t, len(report.Suspicious), 2)
	for _, s := range report.Suspicious {
		assert.Greater(t, s.Score, 0.0)
	}
}

func TestSuspiciousOnlyPositive(t *testing.T) {
	e := newEngine(t)
	ds := load(t, e, threeRecords+"2024-01-01T13:00:00Z,S,S,0,SMS\n")

	scores, err := e.Scores(context.Background(), ds)
	require.NoError(t, err)
	assert.Len(t, scores, 4)

	suspicious, err := e.Suspicious(context.Background(), ds, 0)
	require.NoError(t, err)
	require.NotEmpty(t, suspicious)
	assert.Equal(t, "S", suspicious[0].EntityID)
	for _, s := range suspicious {
		assert.Greater(t, s.Score, 0.0)
	}
}
