package anomaly

import "time"

// Config holds heuristic thresholds and weights. A heuristic contributes
// Weight * strength, with strength in [0,1]; a non-positive weight disables
// the heuristic.
type Config struct {
	Weights map[string]float64 `yaml:"weights"`

	// high_frequency: record count z-score above K.
	HighFrequencyK float64 `yaml:"high_frequency_k"`

	// burner_pattern: at least BurnerMinRecords records, all within
	// BurnerWindow, followed by at least BurnerMinSilence without activity
	// until the end of the dataset. Zero silence accepts an entity that is
	// still active at the end of the data.
	BurnerWindow     time.Duration `yaml:"burner_window"`
	BurnerMinRecords int           `yaml:"burner_min_records"`
	BurnerMinSilence time.Duration `yaml:"burner_min_silence"`

	// clustering: neighbourhood within ClusterHops that holds a cycle (at
	// least as many links as nodes) and reaches ClusterDensity.
	ClusterHops    int     `yaml:"cluster_hops"`
	ClusterDensity float64 `yaml:"cluster_density"`
	ClusterMinSize int     `yaml:"cluster_min_size"`
	ClusterMaxSize int     `yaml:"cluster_max_size"`

	// automated_behavior: coefficient of variation of inter-record gaps.
	AutomatedMinRecords int     `yaml:"automated_min_records"`
	AutomatedMaxCV      float64 `yaml:"automated_max_cv"`

	// unusual_timing: share of records in quiet hours. The night window is
	// used when the pattern summary marks half the day or more as quiet.
	NightStartHour  int     `yaml:"night_start_hour"`
	NightEndHour    int     `yaml:"night_end_hour"`
	NightMinShare   float64 `yaml:"night_min_share"`
	NightMinRecords int     `yaml:"night_min_records"`

	// short_duration: share of VOICE records at or below ShortMaxSeconds.
	ShortMaxSeconds int64   `yaml:"short_max_seconds"`
	ShortMinShare   float64 `yaml:"short_min_share"`
	ShortMinRecords int     `yaml:"short_min_records"`
}

// DefaultWeights are the per-heuristic maximum contributions.
var DefaultWeights = map[Heuristic]float64{
	HighFrequency:     0.35,
	BurnerPattern:     0.4,
	Clustering:        0.3,
	AutomatedBehavior: 0.35,
	UnusualTiming:     0.2,
	ShortDuration:     0.2,
	SelfCommunication: 0.15,
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	weights := make(map[string]float64, len(DefaultWeights))
	for h, w := range DefaultWeights {
		weights[h.String()] = w
	}
	return Config{
		Weights: weights,

		HighFrequencyK: 2,

		BurnerWindow:     24 * time.Hour,
		BurnerMinRecords: 10,
		BurnerMinSilence: 24 * time.Hour,

		ClusterHops:    2,
		ClusterDensity: 0.6,
		ClusterMinSize: 3,
		ClusterMaxSize: 50,

		AutomatedMinRecords: 10,
		AutomatedMaxCV:      0.1,

		NightStartHour:  23,
		NightEndHour:    5,
		NightMinShare:   0.6,
		NightMinRecords: 5,

		ShortMaxSeconds: 5,
		ShortMinShare:   0.5,
		ShortMinRecords: 5,
	}
}

// Weight returns the configured weight of h, falling back to the default
// when the map has no entry.
func (c Config) Weight(h Heuristic) float64 {
	if w, ok := c.Weights[h.String()]; ok {
		return w
	}
	return DefaultWeights[h]
}
