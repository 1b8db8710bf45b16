// Package config assembles the server configuration from the environment
// and an optional YAML file with analysis thresholds.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/OFFIS-RIT/ipdr/internal/queue"
	"github.com/OFFIS-RIT/ipdr/internal/storage"
	"github.com/OFFIS-RIT/ipdr/internal/util"
	"github.com/OFFIS-RIT/ipdr/pkg/anomaly"
	"github.com/OFFIS-RIT/ipdr/pkg/engine"
	"github.com/OFFIS-RIT/ipdr/pkg/pattern"

	"gopkg.in/yaml.v3"
)

// Storage backends for job results.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

type Log struct {
	Debug bool
	JSON  bool
}

type Server struct {
	Port      string
	BodyLimit string
}

type Jobs struct {
	Concurrency       int
	MaxQueued         int
	Retention         time.Duration
	RetentionSchedule string
	TempDir           string
	DefaultTopN       int
}

type S3 struct {
	storage.S3Params
	Bucket         string
	Prefix         string
	PublicEndpoint string
}

type Storage struct {
	Backend  string
	LocalDir string
	S3       S3
}

// AMQP is enabled when a broker host is configured.
type AMQP struct {
	Enabled  bool
	Params   queue.Params
	Exchange string
	Queue    string
}

// Source describes an optional Postgres table loaded at startup.
type Source struct {
	DatabaseURL string
	Table       string
}

// Ingest lists where POST /api/datasets may read files from. Local reads
// are confined to Dir; S3 reads use Bucket with the result store's
// credentials. Either may be empty to disable it.
type Ingest struct {
	Dir    string
	Bucket string
}

// Config is the complete server configuration.
type Config struct {
	Log     Log
	Server  Server
	Engine  engine.Config
	Jobs    Jobs
	Storage Storage
	AMQP    AMQP
	Source  Source
	Ingest  Ingest
}

// Analysis is the YAML document with analysis settings. Absent keys keep
// their defaults.
type Analysis struct {
	Pattern        pattern.Config `yaml:"pattern"`
	Anomaly        anomaly.Config `yaml:"anomaly"`
	MaxPageSize    int            `yaml:"max_page_size"`
	GraphNodeLimit int            `yaml:"graph_node_limit"`
	CacheSize      int            `yaml:"cache_size"`
}

// Load reads the configuration from the environment. .env files should be
// loaded beforehand with util.LoadEnv.
func Load() (*Config, error) {
	cfg := &Config{
		Log: Log{
			Debug: util.GetEnvBool("DEBUG", false),
			JSON:  util.GetEnvBool("LOG_JSON", false),
		},
		Server: Server{
			Port:      util.GetEnvString("PORT", "8080"),
			BodyLimit: util.GetEnvString("BODY_LIMIT", "512M"),
		},
		Engine: engine.DefaultConfig(),
		Jobs: Jobs{
			Concurrency:       util.GetEnvInt("JOB_CONCURRENCY", 2),
			MaxQueued:         util.GetEnvInt("JOB_MAX_QUEUED", 100),
			Retention:         util.GetEnvDuration("JOB_RETENTION", 24*time.Hour),
			RetentionSchedule: util.GetEnvString("JOB_RETENTION_SCHEDULE", "@every 10m"),
			TempDir:           util.GetEnv("JOB_TEMP_DIR"),
			DefaultTopN:       util.GetEnvInt("ANALYSIS_TOP_N", 25),
		},
		Storage: Storage{
			Backend:  strings.ToLower(util.GetEnvString("RESULT_STORAGE", StorageLocal)),
			LocalDir: util.GetEnvString("RESULT_DIR", "./results"),
			S3: S3{
				S3Params: storage.S3Params{
					Region:    util.GetEnvString("AWS_REGION", "us-east-1"),
					Endpoint:  util.GetEnv("AWS_ENDPOINT"),
					AccessKey: util.GetEnv("AWS_ACCESS_KEY"),
					SecretKey: util.GetEnv("AWS_SECRET_KEY"),
				},
				Bucket:         util.GetEnv("AWS_BUCKET"),
				Prefix:         util.GetEnvString("AWS_PREFIX", "ipdr"),
				PublicEndpoint: util.GetEnv("AWS_PUBLIC_ENDPOINT"),
			},
		},
		AMQP: AMQP{
			Params: queue.Params{
				User:     util.GetEnvString("RABBITMQ_USER", "guest"),
				Password: util.GetEnvString("RABBITMQ_PASSWORD", "guest"),
				Host:     util.GetEnv("RABBITMQ_HOST"),
				Port:     util.GetEnvString("RABBITMQ_PORT", "5672"),
				VHost:    util.GetEnv("RABBITMQ_VHOST"),
			},
			Exchange: util.GetEnvString("RABBITMQ_EXCHANGE", queue.DefaultExchange),
			Queue:    util.GetEnv("RABBITMQ_EVENT_QUEUE"),
		},
		Source: Source{
			DatabaseURL: util.GetEnv("SOURCE_DATABASE_URL"),
			Table:       util.GetEnvString("SOURCE_TABLE", "cdr_records"),
		},
		Ingest: Ingest{
			Dir:    util.GetEnv("INGEST_DIR"),
			Bucket: util.GetEnv("INGEST_BUCKET"),
		},
	}
	cfg.AMQP.Enabled = cfg.AMQP.Params.Host != ""

	tz := util.GetEnvString("TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", tz, err)
	}
	cfg.Engine.Location = loc

	if path := util.GetEnv("ANALYSIS_CONFIG"); path != "" {
		if err := cfg.loadAnalysis(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadAnalysis(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read analysis config: %w", err)
	}
	return c.ApplyAnalysis(content)
}

// ApplyAnalysis overlays the YAML document in content onto the engine
// configuration.
func (c *Config) ApplyAnalysis(content []byte) error {
	a := Analysis{
		Pattern:        c.Engine.Pattern,
		Anomaly:        c.Engine.Anomaly,
		MaxPageSize:    c.Engine.MaxPageSize,
		GraphNodeLimit: c.Engine.GraphNodeLimit,
		CacheSize:      c.Engine.CacheSize,
	}
	if err := yaml.Unmarshal(content, &a); err != nil {
		return fmt.Errorf("invalid analysis config: %w", err)
	}
	for name := range a.Anomaly.Weights {
		if _, err := anomaly.ParseHeuristic(name); err != nil {
			return fmt.Errorf("invalid analysis config: %w", err)
		}
	}

	c.Engine.Pattern = a.Pattern
	c.Engine.Anomaly = a.Anomaly
	c.Engine.MaxPageSize = a.MaxPageSize
	c.Engine.GraphNodeLimit = a.GraphNodeLimit
	c.Engine.CacheSize = a.CacheSize
	return nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			errs = append(errs, errors.New("RESULT_DIR must not be empty"))
		}
	case StorageS3:
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("AWS_BUCKET is required for s3 result storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown RESULT_STORAGE %q", c.Storage.Backend))
	}
	if c.Jobs.Concurrency <= 0 {
		errs = append(errs, errors.New("JOB_CONCURRENCY must be positive"))
	}
	if c.Engine.MaxPageSize <= 0 {
		errs = append(errs, errors.New("max_page_size must be positive"))
	}
	p := c.Engine.Pattern
	if p.PeakPercentile < 0 || p.PeakPercentile > 100 || p.QuietPercentile < 0 || p.QuietPercentile > 100 {
		errs = append(errs, errors.New("percentiles must be within [0,100]"))
	}
	return errors.Join(errs...)
}
