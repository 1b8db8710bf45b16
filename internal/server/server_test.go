package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/OFFIS-RIT/ipdr/internal/jobs"
	mid "github.com/OFFIS-RIT/ipdr/internal/server/middleware"
	"github.com/OFFIS-RIT/ipdr/internal/storage"
	"github.com/OFFIS-RIT/ipdr/pkg/engine"
	"github.com/OFFIS-RIT/ipdr/pkg/loader"
	loaderio "github.com/OFFIS-RIT/ipdr/pkg/loader/io"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const threeRecords = `timestamp,a_party,b_party,duration,service_type
2024-01-01T10:00:00Z,A,B,60,VOICE
2024-01-01T11:00:00Z,A,B,30,VOICE
2024-01-01T12:00:00Z,A,C,10,SMS
`

type fixture struct {
	e       *echo.Echo
	app     *mid.App
	ingest  string
	results string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	eng, err := engine.New(engine.DefaultConfig())
	require.NoError(t, err)

	results := t.TempDir()
	store, err := storage.NewLocalStore(results)
	require.NoError(t, err)

	m, err := jobs.NewManager(jobs.NewManagerParams{
		Concurrency: 1,
		MaxQueued:   10,
		Runners: map[jobs.Type]jobs.Runner{
			jobs.TypeExport:   jobs.ExportRunner{},
			jobs.TypeAnalysis: jobs.AnalysisRunner{Analyzer: eng, DefaultTopN: 10},
		},
		Store:   store,
		Source:  eng,
		TempDir: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})

	ingest := t.TempDir()
	app := &mid.App{
		Engine:      eng,
		Jobs:        m,
		Files:       map[string]loader.FileLoader{mid.LocationLocal: loaderio.NewIOFileLoader()},
		IngestDir:   ingest,
		DefaultTopN: 10,
	}
	return &fixture{e: New(app, "1M"), app: app, ingest: ingest, results: results}
}

func (f *fixture) do(t *testing.T, method, target string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) load(t *testing.T) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/datasets?format=csv", []byte(threeRecords), "text/csv")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNoActiveDataset(t *testing.T) {
	f := newFixture(t)

	for _, target := range []string{"/api/records", "/api/graph", "/api/patterns", "/api/anomalies", "/api/entities/A", "/api/datasets/current"} {
		rec := f.do(t, http.MethodGet, target, nil, "")
		assert.Equal(t, http.StatusConflict, rec.Code, target)
	}

	rec := f.do(t, http.MethodPost, "/api/jobs", []byte(`{"type":"export"}`), echo.MIMEApplicationJSON)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateDataset(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/datasets", []byte(threeRecords), "text/csv")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[engine.LoadResult](t, rec)
	assert.Equal(t, 3, res.Records)
	assert.Equal(t, 3, res.Entities)
	assert.Equal(t, loader.FormatCSV, res.Format)
	assert.NotEmpty(t, res.DatasetID)

	rec = f.do(t, http.MethodGet, "/api/datasets/current", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	current := decode[map[string]any](t, rec)
	assert.Equal(t, res.DatasetID, current["dataset_id"])
}

func TestCreateDatasetMultipart(t *testing.T) {
	f := newFixture(t)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "records.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte(threeRecords))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rec := f.do(t, http.MethodPost, "/api/datasets", body.Bytes(), w.FormDataContentType())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 3, decode[engine.LoadResult](t, rec).Records)
}

func TestCreateDatasetErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/datasets?format=xlsx", []byte(threeRecords), "text/csv")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/datasets", nil, "text/csv")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/datasets?source=postgres", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/datasets?location=s3&path=x.csv", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/datasets?format=csv", []byte("timestamp,a_party,b_party,duration,service_type\nyesterday-ish,A,B,10,VOICE\n"), "text/csv")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.NotEmpty(t, body["warnings"])

	_, err := f.app.Engine.Current()
	assert.Error(t, err, "failed load must not activate a dataset")
}

func TestCreateDatasetFromIngestDir(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.ingest, "records.csv"), []byte(threeRecords), 0o644))

	rec := f.do(t, http.MethodPost, "/api/datasets?location=local&path=records.csv", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 3, decode[engine.LoadResult](t, rec).Records)

	rec = f.do(t, http.MethodPost, "/api/datasets?location=local&path=../../etc/passwd", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/datasets?location=local", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRecords(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	rec := f.do(t, http.MethodGet, "/api/records?a_party=A&b_party=B", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[map[string]any](t, rec)
	assert.EqualValues(t, 2, page["total"])

	rec = f.do(t, http.MethodGet, "/api/records?service_type=sms,voice&limit=1&page=2", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[map[string]any](t, rec)
	assert.EqualValues(t, 3, page["total"])
	assert.Len(t, page["records"], 1)
	assert.Equal(t, true, page["has_more"])

	rec = f.do(t, http.MethodGet, "/api/records?from=2024-01-01T10:30:00Z&min_duration=20", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["total"])

	rec = f.do(t, http.MethodGet, "/api/records?limit=100000", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["clamped"])
}

func TestGetRecordsInvalidFilter(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	for _, query := range []string{
		"party_pattern=(",
		"service_type=FAX",
		"from=not-a-date",
		"min_duration=-1",
		"min_duration=50&max_duration=10",
		"limit=-1",
	} {
		rec := f.do(t, http.MethodGet, "/api/records?"+query, nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestGraphRoutes(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	rec := f.do(t, http.MethodGet, "/api/graph", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	g := decode[graphResponseBody](t, rec)
	assert.Len(t, g.Nodes, 3)
	assert.Len(t, g.Edges, 2)
	assert.False(t, g.Truncated)

	rec = f.do(t, http.MethodGet, "/api/graph/summary", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[map[string]any](t, rec)
	assert.EqualValues(t, 3, summary["total_weight"])
	assert.EqualValues(t, 2, summary["edge_count"])

	rec = f.do(t, http.MethodGet, "/api/graph/ego/B?hops=1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	ego := decode[graphResponseBody](t, rec)
	assert.Len(t, ego.Nodes, 2)

	rec = f.do(t, http.MethodGet, "/api/graph/ego/Z", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[graphResponseBody](t, rec).Nodes)
}

type graphResponseBody struct {
	Nodes     []map[string]any `json:"nodes"`
	Edges     []map[string]any `json:"edges"`
	Truncated bool             `json:"truncated"`
}

func TestPatternsAndAnomalies(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	rec := f.do(t, http.MethodGet, "/api/patterns?top=1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	patterns := decode[map[string]any](t, rec)
	assert.EqualValues(t, 3, patterns["total_records"])
	assert.Len(t, patterns["top_initiators"], 1)

	rec = f.do(t, http.MethodGet, "/api/anomalies?limit=5", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	anomalies := decode[map[string]any](t, rec)
	assert.Contains(t, anomalies, "entities")

	rec = f.do(t, http.MethodGet, "/api/anomalies?min_score=2", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetEntity(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	rec := f.do(t, http.MethodGet, "/api/entities/A", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	profile := decode[map[string]any](t, rec)
	assert.EqualValues(t, 3, profile["total_communications"])
	assert.Contains(t, profile, "suspicion")
	require.Contains(t, profile, "party")
	assert.Equal(t, "unknown", profile["party"].(map[string]any)["kind"])
	require.Contains(t, profile, "partner_risk")
	assert.EqualValues(t, 2, profile["partner_risk"].(map[string]any)["total"])

	rec = f.do(t, http.MethodGet, "/api/entities/Z", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func waitForJob(t *testing.T, f *fixture, id string) jobs.Job {
	t.Helper()
	var job jobs.Job
	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/api/jobs/"+id, nil, "")
		if rec.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
			return false
		}
		return job.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestExportJob(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	rec := f.do(t, http.MethodPost, "/api/jobs", []byte(`{"type":"export","filter":{"a_parties":["A"],"b_parties":["B"]}}`), echo.MIMEApplicationJSON)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	submitted := decode[jobs.Job](t, rec)
	assert.Equal(t, jobs.TypeExport, submitted.Type)

	job := waitForJob(t, f, submitted.ID)
	require.Equal(t, jobs.StatusCompleted, job.Status, job.Error)
	assert.Equal(t, 100, job.Progress)

	rec = f.do(t, http.MethodGet, "/api/jobs/"+job.ID+"/download", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), job.ID+".csv")
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Equal(t, "timestamp,a_party,b_party,duration,service_type", lines[0])
	assert.Len(t, lines, 3)

	// Local results have no direct link, so the content is streamed.
	rec = f.do(t, http.MethodGet, "/api/jobs/"+job.ID+"/download?link=true", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/jobs", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]jobs.Job](t, rec), 1)

	rec = f.do(t, http.MethodDelete, "/api/jobs/"+job.ID, nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAnalysisJob(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	rec := f.do(t, http.MethodPost, "/api/jobs", []byte(`{"type":"analysis","top_n":5}`), echo.MIMEApplicationJSON)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	job := waitForJob(t, f, decode[jobs.Job](t, rec).ID)
	require.Equal(t, jobs.StatusCompleted, job.Status, job.Error)

	rec = f.do(t, http.MethodGet, "/api/jobs/"+job.ID+"/download", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON)
	report := decode[map[string]any](t, rec)
	assert.EqualValues(t, 3, report["records"])
}

func TestJobErrors(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	rec := f.do(t, http.MethodPost, "/api/jobs", []byte(`{"type":"reindex"}`), echo.MIMEApplicationJSON)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/jobs", []byte(`{"type":"export","filter":{"party_pattern":"("}}`), echo.MIMEApplicationJSON)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/jobs/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/jobs/missing/download", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/jobs/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
