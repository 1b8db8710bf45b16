package pgx

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/OFFIS-RIT/ipdr/pkg/record"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryDefaults(t *testing.T) {
	l := NewPgxRecordLoader(nil, NewPgxRecordLoaderParams{Table: "telecom.cdr"})

	sql, args := l.Query()
	assert.Equal(t,
		`SELECT "timestamp", coalesce("a_party"::text, ''), coalesce("b_party"::text, ''), coalesce("duration", 0)::bigint, coalesce("service_type"::text, '') FROM "telecom"."cdr" ORDER BY "timestamp"`,
		sql)
	assert.Empty(t, args)
}

func TestQueryWindowAndMetadata(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(24 * time.Hour)
	l := NewPgxRecordLoader(nil, NewPgxRecordLoaderParams{
		Table:           "cdr",
		TimestampColumn: "call_time",
		MetadataColumn:  "extra",
		Since:           since,
		Until:           until,
	})

	sql, args := l.Query()
	assert.Contains(t, sql, `coalesce("extra"::jsonb, '{}'::jsonb)`)
	assert.Contains(t, sql, `WHERE "call_time" >= $1 AND "call_time" < $2`)
	assert.Equal(t, []any{since, until}, args)
}

func TestToRecord(t *testing.T) {
	ts := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	rec, warnings, ok := toRecord(ts, " A ", "B", 30, "fax", map[string]any{"cell": "C1", "hops": float64(2), "none": nil}, 1)
	require.True(t, ok)
	assert.Equal(t, "A", rec.AParty)
	assert.Equal(t, record.ServiceOther, rec.ServiceType)
	assert.Equal(t, map[string]string{"cell": "C1", "hops": "2"}, rec.Metadata)
	assert.Len(t, warnings, 1)

	_, _, ok = toRecord(ts, "A", "", 1, "SMS", nil, 2)
	assert.False(t, ok)
	_, _, ok = toRecord(ts, "A", "B", -1, "SMS", nil, 3)
	assert.False(t, ok)
	_, _, ok = toRecord(time.Time{}, "A", "B", 1, "SMS", nil, 4)
	assert.False(t, ok)
}

// Runs against a real database when IPDR_TEST_DATABASE_URL is set.
func TestLoadIntegration(t *testing.T) {
	url := os.Getenv("IPDR_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("IPDR_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, url)
	require.NoError(t, err)
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, `CREATE TEMP TABLE cdr (timestamp timestamptz, a_party text, b_party text, duration int, service_type text)`)
	require.NoError(t, err)
	_, err = conn.Exec(ctx, `INSERT INTO cdr VALUES ('2024-01-01T10:00:00Z', 'A', 'B', 60, 'VOICE'), ('2024-01-01T11:00:00Z', 'A', NULL, 5, 'SMS')`)
	require.NoError(t, err)

	result, err := NewPgxRecordLoader(conn, NewPgxRecordLoaderParams{Table: "cdr"}).Load(ctx)
	require.NoError(t, err)
	assert.Len(t, result.Records, 1)
	assert.Len(t, result.Warnings, 1)
}
