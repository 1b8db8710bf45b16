package anomaly

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/OFFIS-RIT/ipdr/pkg/dataset"
	"github.com/OFFIS-RIT/ipdr/pkg/graph"
	"github.com/OFFIS-RIT/ipdr/pkg/pattern"
	"github.com/OFFIS-RIT/ipdr/pkg/record"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func rec(at time.Time, a, b string, secs int64, st record.ServiceType) record.Record {
	return record.Record{Timestamp: at, AParty: a, BParty: b, DurationSeconds: secs, ServiceType: st}
}

func input(t *testing.T, records []record.Record) Input {
	t.Helper()
	ds, err := dataset.New(records)
	require.NoError(t, err)
	return Input{Dataset: ds, Graph: graph.Build(ds)}
}

// background spans ten days with one daytime call per day.
func background() []record.Record {
	var out []record.Record
	for i := range 10 {
		out = append(out, rec(day.Add(time.Duration(i)*24*time.Hour+12*time.Hour), "A", "B", 120, record.ServiceVoice))
	}
	return out
}

func TestHighFrequency(t *testing.T) {
	var records []record.Record
	for i := range 10 {
		records = append(records, rec(day.Add(time.Duration(i)*time.Hour), fmt.Sprintf("E%d", i), fmt.Sprintf("S%d", i), 30, record.ServiceVoice))
	}
	for i := range 30 {
		records = append(records, rec(day.Add(time.Duration(i)*time.Minute), "HOT", fmt.Sprintf("T%d", i), 30, record.ServiceVoice))
	}
	in := input(t, records)
	d := New(DefaultConfig())

	reason, ok := d.Evaluate(HighFrequency, in, "HOT")
	require.True(t, ok)
	assert.Equal(t, "high_frequency", reason.Pattern)
	assert.InDelta(t, 0.35, reason.Contribution, 1e-9)
	assert.Contains(t, reason.Detail, "30 records")

	_, ok = d.Evaluate(HighFrequency, in, "E1")
	assert.False(t, ok)
}

func TestHighFrequencyUniformPopulation(t *testing.T) {
	in := input(t, []record.Record{
		rec(day, "A", "B", 1, record.ServiceSMS),
		rec(day, "C", "D", 1, record.ServiceSMS),
	})
	_, ok := New(DefaultConfig()).Evaluate(HighFrequency, in, "A")
	assert.False(t, ok)
}

func TestBurnerPattern(t *testing.T) {
	records := background()
	// 50 records between 08:00 and 08:02 on the first day, never again.
	for i := range 50 {
		records = append(records, rec(day.Add(8*time.Hour+time.Duration(i)*2*time.Second), "BURN", fmt.Sprintf("T%d", i), 0, record.ServiceSMS))
	}
	for i := range 5 {
		records = append(records, rec(day.Add(9*time.Hour+time.Duration(i)*time.Minute), "QUIET", "A", 0, record.ServiceSMS))
	}
	in := input(t, records)
	d := New(DefaultConfig())

	reason, ok := d.Evaluate(BurnerPattern, in, "BURN")
	require.True(t, ok)
	assert.Greater(t, reason.Contribution, 0.0)
	assert.LessOrEqual(t, reason.Contribution, 0.4)
	assert.Contains(t, reason.Detail, "50 records")

	// Long-lived entity.
	_, ok = d.Evaluate(BurnerPattern, in, "B")
	assert.False(t, ok)

	// Below the activity threshold.
	_, ok = d.Evaluate(BurnerPattern, in, "QUIET")
	assert.False(t, ok)
}

func TestBurnerPatternRequiresSilence(t *testing.T) {
	records := background()
	// One burst an hour before the data ends.
	for i := range 12 {
		records = append(records, rec(day.Add(9*24*time.Hour+11*time.Hour+time.Duration(i)*time.Minute), "LATE", "X", 0, record.ServiceSMS))
	}
	in := input(t, records)

	_, ok := New(DefaultConfig()).Evaluate(BurnerPattern, in, "LATE")
	assert.False(t, ok)

	cfg := DefaultConfig()
	cfg.BurnerMinSilence = 30 * time.Minute
	reason, ok := New(cfg).Evaluate(BurnerPattern, in, "LATE")
	require.True(t, ok)
	assert.Contains(t, reason.Detail, "12 records")
}

func TestBurnerPatternSingleDayDataset(t *testing.T) {
	// An ordinary working day of hourly calls is all the data there is.
	var records []record.Record
	for i := range 12 {
		records = append(records, rec(day.Add(time.Duration(8+i)*time.Hour), "alice", "bob", 60, record.ServiceVoice))
	}
	in := input(t, records)
	d := New(DefaultConfig())

	for _, entity := range []string{"alice", "bob"} {
		_, ok := d.Evaluate(BurnerPattern, in, entity)
		assert.False(t, ok, entity)
	}

	scores, err := d.Score(context.Background(), in)
	require.NoError(t, err)
	for _, s := range scores {
		for _, r := range s.Reasons {
			assert.NotEqual(t, "burner_pattern", r.Pattern, s.EntityID)
		}
	}

	cfg := DefaultConfig()
	cfg.BurnerMinSilence = 0
	_, ok := New(cfg).Evaluate(BurnerPattern, in, "alice")
	assert.True(t, ok, "zero silence accepts activity up to the end of the data")
}

func TestClustering(t *testing.T) {
	var records []record.Record
	ring := []string{"P1", "P2", "P3", "P4"}
	for i, a := range ring {
		for _, b := range ring[i+1:] {
			records = append(records, rec(day, a, b, 60, record.ServiceVoice))
		}
	}
	for i := range 5 {
		records = append(records, rec(day, "HUB", fmt.Sprintf("S%d", i), 60, record.ServiceVoice))
	}
	in := input(t, records)
	d := New(DefaultConfig())

	reason, ok := d.Evaluate(Clustering, in, "P1")
	require.True(t, ok)
	assert.InDelta(t, 0.3, reason.Contribution, 1e-9)
	assert.Contains(t, reason.Detail, "4-node")

	_, ok = d.Evaluate(Clustering, in, "HUB")
	assert.False(t, ok)

	_, ok = d.Evaluate(Clustering, Input{Dataset: in.Dataset}, "P1")
	assert.False(t, ok, "no graph, no clustering")
}

func TestClusteringNeedsCycle(t *testing.T) {
	// A-B twice and A-C: every two-hop neighbourhood is the same three-node
	// path, dense enough but without a closed loop.
	in := input(t, []record.Record{
		rec(day, "A", "B", 60, record.ServiceVoice),
		rec(day.Add(time.Minute), "A", "B", 60, record.ServiceVoice),
		rec(day.Add(2*time.Minute), "A", "C", 60, record.ServiceVoice),
	})
	d := New(DefaultConfig())
	for _, entity := range []string{"A", "B", "C"} {
		_, ok := d.Evaluate(Clustering, in, entity)
		assert.False(t, ok, entity)
	}

	// A self-loop does not close a cycle either.
	in = input(t, []record.Record{
		rec(day, "A", "B", 60, record.ServiceVoice),
		rec(day, "A", "C", 60, record.ServiceVoice),
		rec(day, "A", "A", 60, record.ServiceVoice),
	})
	_, ok := d.Evaluate(Clustering, in, "A")
	assert.False(t, ok)

	// Closing the triangle does.
	in = input(t, []record.Record{
		rec(day, "A", "B", 60, record.ServiceVoice),
		rec(day, "A", "C", 60, record.ServiceVoice),
		rec(day, "B", "C", 60, record.ServiceVoice),
	})
	reason, ok := d.Evaluate(Clustering, in, "A")
	require.True(t, ok)
	assert.Contains(t, reason.Detail, "3-node")
}

func TestClusteringTruncatedNeighbourhood(t *testing.T) {
	var records []record.Record
	ring := []string{"P1", "P2", "P3", "P4", "P5"}
	for i, a := range ring {
		for _, b := range ring[i+1:] {
			records = append(records, rec(day, a, b, 60, record.ServiceVoice))
		}
	}
	in := input(t, records)

	cfg := DefaultConfig()
	cfg.ClusterMaxSize = 3
	_, ok := New(cfg).Evaluate(Clustering, in, "P1")
	assert.False(t, ok)
}

func TestAutomatedBehavior(t *testing.T) {
	var records []record.Record
	for i := range 20 {
		records = append(records, rec(day.Add(time.Duration(i)*time.Minute), "BOT", "SRV", 0, record.ServiceData))
	}
	at := day
	for _, gap := range []int{10, 300, 45, 1000, 5, 600, 120, 30, 2000, 90, 15} {
		at = at.Add(time.Duration(gap) * time.Second)
		records = append(records, rec(at, "HUMAN", "FRIEND", 40, record.ServiceVoice))
	}
	in := input(t, records)
	d := New(DefaultConfig())

	reason, ok := d.Evaluate(AutomatedBehavior, in, "BOT")
	require.True(t, ok)
	assert.InDelta(t, 0.35, reason.Contribution, 1e-9)
	assert.Contains(t, reason.Detail, "60s")

	_, ok = d.Evaluate(AutomatedBehavior, in, "HUMAN")
	assert.False(t, ok)
}

func TestUnusualTiming(t *testing.T) {
	var records []record.Record
	for i := range 6 {
		records = append(records, rec(day.Add(time.Duration(i)*24*time.Hour+2*time.Hour), "OWL", "X", 30, record.ServiceVoice))
		records = append(records, rec(day.Add(time.Duration(i)*24*time.Hour+14*time.Hour), "LARK", "Y", 30, record.ServiceVoice))
	}
	in := input(t, records)
	d := New(DefaultConfig())

	reason, ok := d.Evaluate(UnusualTiming, in, "OWL")
	require.True(t, ok)
	assert.InDelta(t, 0.2, reason.Contribution, 1e-9)
	assert.Contains(t, reason.Detail, "night hours")

	_, ok = d.Evaluate(UnusualTiming, in, "LARK")
	assert.False(t, ok)
}

func TestUnusualTimingUsesQuietHours(t *testing.T) {
	var records []record.Record
	for i := range 6 {
		records = append(records, rec(day.Add(time.Duration(i)*24*time.Hour+14*time.Hour), "LARK", "Y", 30, record.ServiceVoice))
	}
	in := input(t, records)
	in.Patterns = &pattern.Summary{QuietHours: []int{14}}

	reason, ok := New(DefaultConfig()).Evaluate(UnusualTiming, in, "LARK")
	require.True(t, ok)
	assert.Contains(t, reason.Detail, "quiet hours")
}

func TestShortDuration(t *testing.T) {
	var records []record.Record
	for i := range 6 {
		records = append(records, rec(day.Add(time.Duration(i)*time.Hour), "PING", "X", 2, record.ServiceVoice))
		records = append(records, rec(day.Add(time.Duration(i)*time.Hour), "TALK", "Y", 300, record.ServiceVoice))
		records = append(records, rec(day.Add(time.Duration(i)*time.Hour), "TEXT", "Z", 0, record.ServiceSMS))
	}
	in := input(t, records)
	d := New(DefaultConfig())

	_, ok := d.Evaluate(ShortDuration, in, "PING")
	assert.True(t, ok)
	_, ok = d.Evaluate(ShortDuration, in, "TALK")
	assert.False(t, ok)
	_, ok = d.Evaluate(ShortDuration, in, "TEXT")
	assert.False(t, ok, "only voice records count")
}

func TestSelfCommunication(t *testing.T) {
	in := input(t, []record.Record{
		rec(day, "ME", "ME", 10, record.ServiceVoice),
		rec(day, "A", "B", 10, record.ServiceVoice),
	})
	d := New(DefaultConfig())

	reason, ok := d.Evaluate(SelfCommunication, in, "ME")
	require.True(t, ok)
	assert.InDelta(t, 0.15, reason.Contribution, 1e-9)

	_, ok = d.Evaluate(SelfCommunication, in, "A")
	assert.False(t, ok)

	cfg := DefaultConfig()
	cfg.Weights["self_communication"] = 0
	_, ok = New(cfg).Evaluate(SelfCommunication, in, "ME")
	assert.False(t, ok, "zero weight disables the heuristic")
}

func scenario() []record.Record {
	records := background()
	for i := range 50 {
		records = append(records, rec(day.Add(8*time.Hour+time.Duration(i)*2*time.Second), "BURN", fmt.Sprintf("T%d", i), 0, record.ServiceSMS))
	}
	for i := range 6 {
		records = append(records, rec(day.Add(time.Duration(i)*24*time.Hour+2*time.Hour+time.Duration(i*7)*time.Minute), "OWL", fmt.Sprintf("N%d", i), 30, record.ServiceVoice))
	}
	return records
}

func TestScoreComposition(t *testing.T) {
	in := input(t, scenario())
	cfg := DefaultConfig()
	for h := range DefaultWeights {
		cfg.Weights[h.String()] = 0.8
	}

	scores, err := New(cfg).Score(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, scores, in.Dataset.EntityCount())

	byEntity := make(map[string]Score)
	for _, s := range scores {
		byEntity[s.EntityID] = s
		sum := 0.0
		for _, r := range s.Reasons {
			sum += r.Contribution
		}
		assert.InDelta(t, min(1, sum), s.Score, 1e-9, s.EntityID)
		assert.GreaterOrEqual(t, s.Score, 0.0)
		assert.LessOrEqual(t, s.Score, 1.0)
	}

	burn := byEntity["BURN"]
	assert.Equal(t, 1.0, burn.Score)
	var patterns []string
	for _, r := range burn.Reasons {
		patterns = append(patterns, r.Pattern)
	}
	assert.Equal(t, []string{"high_frequency", "burner_pattern", "automated_behavior"}, patterns)

	owl := byEntity["OWL"]
	require.Len(t, owl.Reasons, 1)
	assert.Equal(t, "unusual_timing", owl.Reasons[0].Pattern)

	assert.Equal(t, "BURN", scores[0].EntityID)
	assert.Greater(t, burn.Score, owl.Score)
}

func TestScoreOrderingAndDeterminism(t *testing.T) {
	in := input(t, scenario())
	d := New(DefaultConfig())

	first, err := d.Score(context.Background(), in)
	require.NoError(t, err)
	for range 3 {
		again, err := d.Score(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	for i := 1; i < len(first); i++ {
		prev, cur := first[i-1], first[i]
		if prev.Score == cur.Score {
			assert.Less(t, prev.EntityID, cur.EntityID)
		} else {
			assert.Greater(t, prev.Score, cur.Score)
		}
	}
}

func TestScoreCancelled(t *testing.T) {
	in := input(t, scenario())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(DefaultConfig()).Score(ctx, in)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScoreEntity(t *testing.T) {
	in := input(t, scenario())
	d := New(DefaultConfig())

	s, err := d.ScoreEntity(in, "BURN")
	require.NoError(t, err)
	assert.Greater(t, s.Score, 0.0)

	_, err = d.ScoreEntity(in, "NOBODY")
	assert.ErrorIs(t, err, dataset.ErrEntityNotFound)

	_, err = d.ScoreEntity(Input{}, "BURN")
	assert.ErrorIs(t, err, dataset.ErrNoActiveDataset)
}

func TestParseHeuristic(t *testing.T) {
	for _, h := range Heuristics {
		got, err := ParseHeuristic(h.String())
		require.NoError(t, err)
		assert.Equal(t, h, got)
	}
	_, err := ParseHeuristic("nope")
	assert.Error(t, err)
}
