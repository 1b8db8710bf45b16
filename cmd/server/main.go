package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/ipdr/internal/config"
	"github.com/OFFIS-RIT/ipdr/internal/jobs"
	"github.com/OFFIS-RIT/ipdr/internal/queue"
	"github.com/OFFIS-RIT/ipdr/internal/server"
	mid "github.com/OFFIS-RIT/ipdr/internal/server/middleware"
	"github.com/OFFIS-RIT/ipdr/internal/storage"
	"github.com/OFFIS-RIT/ipdr/internal/util"
	"github.com/OFFIS-RIT/ipdr/pkg/engine"
	"github.com/OFFIS-RIT/ipdr/pkg/loader"
	loaderio "github.com/OFFIS-RIT/ipdr/pkg/loader/io"
	loaderpgx "github.com/OFFIS-RIT/ipdr/pkg/loader/pgx"
	loaders3 "github.com/OFFIS-RIT/ipdr/pkg/loader/s3"
	"github.com/OFFIS-RIT/ipdr/pkg/logger"
	"github.com/OFFIS-RIT/ipdr/pkg/logger/console"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	util.LoadEnv()

	cfg, err := config.Load()
	if err != nil {
		logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{}))
		logger.Fatal("Invalid configuration", "err", err)
	}

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: cfg.Log.Debug,
		JSON:  cfg.Log.JSON,
	})
	logger.Init(consoleLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(cfg.Engine)
	if err != nil {
		logger.Fatal("Failed to create engine", "err", err)
	}

	// s3 client, shared by result storage and ingest
	var s3Client *s3.Client
	if cfg.Storage.Backend == config.StorageS3 || cfg.Ingest.Bucket != "" {
		s3Client, err = storage.NewS3Client(ctx, cfg.Storage.S3.S3Params)
		if err != nil {
			logger.Fatal("Failed to create s3 client", "err", err)
		}
	}

	var store storage.ResultStore
	switch cfg.Storage.Backend {
	case config.StorageS3:
		store = storage.NewS3Store(s3Client, storage.NewS3StoreParams{
			Bucket:         cfg.Storage.S3.Bucket,
			Prefix:         cfg.Storage.S3.Prefix,
			PublicEndpoint: cfg.Storage.S3.PublicEndpoint,
		})
	default:
		store, err = storage.NewLocalStore(cfg.Storage.LocalDir)
		if err != nil {
			logger.Fatal("Failed to create result directory", "err", err)
		}
	}

	// job events
	var events jobs.EventPublisher
	if cfg.AMQP.Enabled {
		conn, err := queue.Dial(cfg.AMQP.Params)
		if err != nil {
			logger.Fatal("Failed to connect to broker", "err", err)
		}
		defer conn.Close()
		ch, err := conn.Channel()
		if err != nil {
			logger.Fatal("Failed to open channel", "err", err)
		}
		publisher, err := queue.NewPublisher(ch, queue.NewPublisherParams{
			Exchange: cfg.AMQP.Exchange,
			Queue:    cfg.AMQP.Queue,
		})
		if err != nil {
			logger.Fatal("Failed to set up event exchange", "err", err)
		}
		defer publisher.Close()
		events = publisher
	}

	// database source
	var source engine.Source
	if cfg.Source.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Source.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to connect to database", "err", err)
		}
		defer pool.Close()
		source = loaderpgx.NewPgxRecordLoader(pool, loaderpgx.NewPgxRecordLoaderParams{
			Table: cfg.Source.Table,
		})
		if _, err := eng.LoadSource(ctx, source); err != nil {
			logger.Warn("Initial load from database failed", "table", cfg.Source.Table, "err", err)
		}
	}

	files := make(map[string]loader.FileLoader)
	if cfg.Ingest.Dir != "" {
		files[mid.LocationLocal] = loaderio.NewIOFileLoader()
	}
	if cfg.Ingest.Bucket != "" {
		files[mid.LocationS3] = loaders3.NewS3FileLoaderWithClient(cfg.Ingest.Bucket, s3Client)
	}

	manager, err := jobs.NewManager(jobs.NewManagerParams{
		Concurrency: cfg.Jobs.Concurrency,
		MaxQueued:   cfg.Jobs.MaxQueued,
		Runners: map[jobs.Type]jobs.Runner{
			jobs.TypeExport:   jobs.ExportRunner{},
			jobs.TypeAnalysis: jobs.AnalysisRunner{Analyzer: eng, DefaultTopN: cfg.Jobs.DefaultTopN},
		},
		Store:   store,
		Source:  eng,
		Events:  events,
		TempDir: cfg.Jobs.TempDir,
	})
	if err != nil {
		logger.Fatal("Failed to start job manager", "err", err)
	}

	retention, err := jobs.StartRetention(manager, cfg.Jobs.RetentionSchedule, cfg.Jobs.Retention)
	if err != nil {
		logger.Fatal("Failed to schedule retention", "err", err)
	}

	e := server.New(&mid.App{
		Engine:      eng,
		Jobs:        manager,
		Source:      source,
		Files:       files,
		IngestDir:   cfg.Ingest.Dir,
		DefaultTopN: cfg.Jobs.DefaultTopN,
	}, cfg.Server.BodyLimit)

	if err := server.Run(ctx, e, cfg.Server.Port); err != nil {
		logger.Error("Server stopped", "err", err)
	}

	<-retention.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Warn("Jobs did not finish in time", "err", err)
	}
}
