package pgx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/ipdr/pkg/loader"
	"github.com/OFFIS-RIT/ipdr/pkg/logger"
	"github.com/OFFIS-RIT/ipdr/pkg/record"

	"github.com/jackc/pgx/v5"
)

// Querier is satisfied by *pgx.Conn and *pgxpool.Pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// NewPgxRecordLoaderParams configures the table a PgxRecordLoader reads.
// Column names default to the canonical field names. MetadataColumn is
// optional and must hold a JSON object.
type NewPgxRecordLoaderParams struct {
	Table           string
	TimestampColumn string
	APartyColumn    string
	BPartyColumn    string
	DurationColumn  string
	ServiceColumn   string
	MetadataColumn  string
	Since           time.Time
	Until           time.Time
}

// PgxRecordLoader reads communication records from a Postgres table, for
// deployments where mediation systems land CDRs in a database.
type PgxRecordLoader struct {
	db     Querier
	params NewPgxRecordLoaderParams
}

func NewPgxRecordLoader(db Querier, params NewPgxRecordLoaderParams) *PgxRecordLoader {
	if params.TimestampColumn == "" {
		params.TimestampColumn = record.FieldTimestamp
	}
	if params.APartyColumn == "" {
		params.APartyColumn = record.FieldAParty
	}
	if params.BPartyColumn == "" {
		params.BPartyColumn = record.FieldBParty
	}
	if params.DurationColumn == "" {
		params.DurationColumn = record.FieldDuration
	}
	if params.ServiceColumn == "" {
		params.ServiceColumn = record.FieldServiceType
	}
	return &PgxRecordLoader{db: db, params: params}
}

func identifier(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

// Query returns the statement and arguments used by Load.
func (l *PgxRecordLoader) Query() (string, []any) {
	p := l.params
	ts := identifier(p.TimestampColumn)

	cols := []string{
		ts,
		fmt.Sprintf("coalesce(%s::text, '')", identifier(p.APartyColumn)),
		fmt.Sprintf("coalesce(%s::text, '')", identifier(p.BPartyColumn)),
		fmt.Sprintf("coalesce(%s, 0)::bigint", identifier(p.DurationColumn)),
		fmt.Sprintf("coalesce(%s::text, '')", identifier(p.ServiceColumn)),
	}
	if p.MetadataColumn != "" {
		cols = append(cols, fmt.Sprintf("coalesce(%s::jsonb, '{}'::jsonb)", identifier(p.MetadataColumn)))
	}

	var (
		where []string
		args  []any
	)
	if !p.Since.IsZero() {
		args = append(args, p.Since)
		where = append(where, fmt.Sprintf("%s >= $%d", ts, len(args)))
	}
	if !p.Until.IsZero() {
		args = append(args, p.Until)
		where = append(where, fmt.Sprintf("%s < $%d", ts, len(args)))
	}

	sql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), identifier(p.Table))
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	return sql + " ORDER BY " + ts, args
}

// Load reads all matching rows. Rows are validated like parsed input; the
// warning line is the 1-based row position in the result set.
func (l *PgxRecordLoader) Load(ctx context.Context) (*loader.Result, error) {
	sql, args := l.Query()
	rows, err := l.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", l.params.Table, err)
	}
	defer rows.Close()

	result := &loader.Result{Format: loader.FormatPostgres}
	line := 0
	for rows.Next() {
		line++
		var (
			ts       time.Time
			a, b     string
			duration int64
			service  string
			metadata map[string]any
		)
		dest := []any{&ts, &a, &b, &duration, &service}
		if l.params.MetadataColumn != "" {
			dest = append(dest, &metadata)
		}
		if err := rows.Scan(dest...); err != nil {
			result.Warnings = append(result.Warnings, record.ParseWarning{Line: line, Reason: err.Error()})
			continue
		}

		rec, warnings, ok := toRecord(ts, a, b, duration, service, metadata, line)
		result.Warnings = append(result.Warnings, warnings...)
		if ok {
			result.Records = append(result.Records, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", l.params.Table, err)
	}

	logger.Info("[Loader] Loaded records from postgres", "table", l.params.Table, "records", len(result.Records), "warnings", len(result.Warnings))
	if len(result.Records) == 0 {
		return result, fmt.Errorf("%w: table %s returned no usable rows", record.ErrInvalidDataset, l.params.Table)
	}
	return result, nil
}

func toRecord(ts time.Time, a, b string, duration int64, service string, metadata map[string]any, line int) (record.Record, []record.ParseWarning, bool) {
	warn := func(reason string) []record.ParseWarning {
		return []record.ParseWarning{{Line: line, Reason: reason}}
	}

	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case ts.IsZero():
		return record.Record{}, warn("missing timestamp"), false
	case a == "":
		return record.Record{}, warn("missing a_party"), false
	case b == "":
		return record.Record{}, warn("missing b_party"), false
	case duration < 0:
		return record.Record{}, warn(fmt.Sprintf("negative duration %d", duration)), false
	}

	var warnings []record.ParseWarning
	st, ok := record.ParseServiceType(service)
	if !ok {
		warnings = warn(fmt.Sprintf("unknown service_type %q, using OTHER", service))
	}

	var meta map[string]string
	for key, value := range metadata {
		var s string
		switch v := value.(type) {
		case nil:
			continue
		case string:
			s = v
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}
			s = string(raw)
		}
		if s == "" {
			continue
		}
		if meta == nil {
			meta = make(map[string]string)
		}
		meta[key] = s
	}

	return record.Record{
		Timestamp:       ts,
		AParty:          a,
		BParty:          b,
		DurationSeconds: duration,
		ServiceType:     st,
		Metadata:        meta,
	}, warnings, true
}
