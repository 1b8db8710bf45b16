package jobs

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/OFFIS-RIT/ipdr/internal/util"
	"github.com/OFFIS-RIT/ipdr/pkg/dataset"
	"github.com/OFFIS-RIT/ipdr/pkg/engine"
	loadercsv "github.com/OFFIS-RIT/ipdr/pkg/loader/csv"
	"github.com/OFFIS-RIT/ipdr/pkg/record"
)

// progressEvery is the number of records between progress updates and
// cancellation checks.
const progressEvery = 1024

var exportPhases = util.NewPhaseProgress(
	util.Phase{Name: "scan", Weight: 1},
	util.Phase{Name: "write", Weight: 4},
)

// ExportRunner writes the filtered records as CSV in ingestion order. The
// output uses the ingestion schema, so it can be loaded again unchanged.
// Metadata keys become extra columns in sorted order.
type ExportRunner struct{}

func (ExportRunner) Extension() string { return "csv" }

func (ExportRunner) Run(ctx context.Context, task Task, w io.Writer) error {
	m, err := task.Params.Filter.Compile()
	if err != nil {
		return err
	}

	keys := make(map[string]struct{})
	var total int64
	for r := range task.Dataset.Select(m) {
		if total%progressEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		for k := range r.Metadata {
			keys[k] = struct{}{}
		}
		total++
	}
	task.Progress(exportPhases.Percentage(1, 0, total))

	bw := bufio.NewWriter(w)
	cw := loadercsv.NewWriter(bw, slices.Sorted(maps.Keys(keys)))
	var written int64
	for r := range task.Dataset.Select(m) {
		if written%progressEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			task.Progress(exportPhases.Percentage(1, written, total))
		}
		if err := cw.Write(r); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
		written++
	}
	if err := cw.Flush(); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	return bw.Flush()
}

// Analyzer produces the analysis report of a dataset.
type Analyzer interface {
	Analyze(ctx context.Context, ds *dataset.Dataset, topN int) (*engine.Report, error)
}

// AnalysisReport is the JSON document written by AnalysisRunner.
type AnalysisReport struct {
	JobID  string         `json:"job_id"`
	Filter dataset.Filter `json:"filter"`
	*engine.Report
}

// AnalysisRunner writes a JSON report with graph statistics, patterns and
// the most suspicious entities. With a filter the analysis covers only the
// matching records.
type AnalysisRunner struct {
	Analyzer    Analyzer
	DefaultTopN int
}

func (AnalysisRunner) Extension() string { return "json" }

func (a AnalysisRunner) Run(ctx context.Context, task Task, w io.Writer) error {
	ds := task.Dataset
	if !task.Params.Filter.IsZero() {
		seq, err := ds.Query(task.Params.Filter)
		if err != nil {
			return err
		}
		var records []record.Record
		for r := range seq {
			records = append(records, r)
		}
		if ds, err = dataset.New(records); err != nil {
			return fmt.Errorf("filter matched no records: %w", err)
		}
	}
	task.Progress(10)

	topN := task.Params.TopN
	if topN <= 0 {
		topN = a.DefaultTopN
	}
	report, err := a.Analyzer.Analyze(ctx, ds, topN)
	if err != nil {
		return err
	}
	task.Progress(90)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(AnalysisReport{
		JobID:  task.JobID,
		Filter: task.Params.Filter,
		Report: report,
	})
}
