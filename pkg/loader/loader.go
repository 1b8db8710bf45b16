package loader

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/ipdr/pkg/loader/csv"
	"github.com/OFFIS-RIT/ipdr/pkg/loader/json"
	"github.com/OFFIS-RIT/ipdr/pkg/loader/pipe"
	"github.com/OFFIS-RIT/ipdr/pkg/logger"
	"github.com/OFFIS-RIT/ipdr/pkg/record"
)

// Format names an ingestion encoding.
type Format string

const (
	FormatAuto Format = ""
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatText Format = "txt"

	// FormatPostgres marks results read from a database table rather than
	// decoded from bytes.
	FormatPostgres Format = "postgres"
)

// ParseFormat maps a user supplied hint (a format name or file extension)
// onto a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "", "auto":
		return FormatAuto, nil
	case "csv":
		return FormatCSV, nil
	case "json", "ndjson", "jsonl":
		return FormatJSON, nil
	case "txt", "text", "pipe", "psv":
		return FormatText, nil
	}
	return FormatAuto, fmt.Errorf("unsupported format %q", s)
}

// DetectFormat guesses the encoding from the first non-empty line.
func DetectFormat(content []byte) Format {
	scanner := bufio.NewScanner(bytes.NewReader(bytes.TrimPrefix(content, utf8BOM)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "[") || strings.HasPrefix(line, "{"):
			return FormatJSON
		case strings.Contains(line, "|"):
			return FormatText
		default:
			return FormatCSV
		}
	}
	return FormatCSV
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Options tunes a parse.
//
// Location is used for timestamps without zone information and defaults
// to UTC.
type Options struct {
	Format   Format
	Location *time.Location
}

// Result is the outcome of a parse: the accepted records in input order and
// a warning for every row that was dropped or adjusted.
type Result struct {
	Records  []record.Record       `json:"-"`
	Warnings []record.ParseWarning `json:"warnings"`
	Format   Format                `json:"format"`
}

// Parse decodes content in the given format, detecting it when format is
// FormatAuto.
func Parse(content []byte, format Format) (*Result, error) {
	return ParseWithOptions(content, Options{Format: format})
}

// ParseWithOptions decodes content. Rows are validated independently; a bad
// row becomes a warning and never aborts the parse. When no row survives the
// error wraps record.ErrInvalidDataset and the result still carries the
// warnings.
func ParseWithOptions(content []byte, opts Options) (*Result, error) {
	format := opts.Format
	if format == FormatAuto {
		format = DetectFormat(content)
	}
	content = bytes.TrimPrefix(content, utf8BOM)
	normalizer := record.NewNormalizer(opts.Location)

	result := &Result{Format: format}
	switch format {
	case FormatCSV:
		result.Records, result.Warnings = csv.Parse(content, normalizer)
	case FormatText:
		result.Records, result.Warnings = pipe.Parse(content, normalizer)
	case FormatJSON:
		records, warnings, err := json.Parse(content, normalizer)
		if err != nil {
			return result, fmt.Errorf("%w: %v", record.ErrInvalidDataset, err)
		}
		result.Records, result.Warnings = records, warnings
	default:
		return result, fmt.Errorf("unsupported format %q", format)
	}

	if len(result.Warnings) > 0 {
		logger.Debug("[Loader] Rows skipped or adjusted", "format", format, "warnings", len(result.Warnings))
	}
	if len(result.Records) == 0 {
		return result, fmt.Errorf("%w: %d rows rejected", record.ErrInvalidDataset, len(result.Warnings))
	}

	return result, nil
}

// File references ingestion input held by some storage backend.
//
// The actual file content is retrieved via the associated FileLoader.
type File struct {
	ID     string
	Path   string
	Format Format
	Loader FileLoader
}

// NewFileParams defines the input parameters for NewFile.
type NewFileParams struct {
	ID     string
	Path   string
	Format Format
	Loader FileLoader
}

// NewFile creates a File. When no format is given it is derived from the
// path extension, falling back to content detection at parse time.
func NewFile(params NewFileParams) File {
	format := params.Format
	if format == FormatAuto {
		if idx := strings.LastIndex(params.Path, "."); idx >= 0 {
			if f, err := ParseFormat(params.Path[idx:]); err == nil {
				format = f
			}
		}
	}
	return File{
		ID:     params.ID,
		Path:   params.Path,
		Format: format,
		Loader: params.Loader,
	}
}

// GetText retrieves the raw content of the file using its Loader.
func (f *File) GetText(ctx context.Context) ([]byte, error) {
	return f.Loader.GetFileText(ctx, *f)
}

// Load fetches and parses the file.
func (f *File) Load(ctx context.Context, loc *time.Location) (*Result, error) {
	content, err := f.GetText(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.Path, err)
	}
	return ParseWithOptions(content, Options{Format: f.Format, Location: loc})
}

// FileLoader defines the interface for loading the contents of a File.
// Implementations may load files from disk, cloud storage, or other sources.
type FileLoader interface {
	GetFileText(ctx context.Context, file File) ([]byte, error)
}

// CacheKey identifies file content in loader caches.
func CacheKey(file File) string {
	return file.ID + ":" + file.Path
}
