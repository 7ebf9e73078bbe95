package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/surfscan/surfscan/internal/api"
	"github.com/surfscan/surfscan/internal/cache"
	"github.com/surfscan/surfscan/internal/config"
	"github.com/surfscan/surfscan/internal/database"
	"github.com/surfscan/surfscan/internal/logger"
	"github.com/surfscan/surfscan/internal/queue"
	"github.com/surfscan/surfscan/internal/storage"
	"github.com/surfscan/surfscan/internal/targetcheck"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

// sharedInfra is the infrastructure both the API and the workers stand on.
type sharedInfra struct {
	cfg           *config.Config
	deps          api.Deps
	log           *logger.Logger
	progressBus   *queue.ProgressBus
	scanQueue     *queue.Queue
	analysisQueue *queue.Queue
	closers       []func()
}

func buildInfra(component string) (*sharedInfra, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.LogLevel)
	log := logger.New(component)

	db, err := database.NewPostgresDB(cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBConnTimeout)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if err := database.RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	redis, err := cache.NewRedisClient(cache.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}

	store, err := storage.NewMinioStore(context.Background(), storage.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	}, logger.New("storage"))
	if err != nil {
		redis.Close()
		db.Close()
		return nil, fmt.Errorf("object store: %w", err)
	}

	infra := &sharedInfra{
		cfg:           cfg,
		log:           log,
		progressBus:   queue.NewRedisProgressBus(redis),
		scanQueue:     queue.New(queue.ScanQueue, redis, logger.New("scan-queue")),
		analysisQueue: queue.New(queue.AnalysisQueue, redis, logger.New("analysis-queue")),
	}
	infra.deps = api.Deps{
		DB:            db,
		Redis:         redis,
		Store:         store,
		ScanQueue:     infra.scanQueue,
		AnalysisQueue: infra.analysisQueue,
		Progress:      infra.progressBus,
		Checker:       targetcheck.NewChecker(cfg.TargetAllowList),
	}
	infra.closers = []func(){func() { redis.Close() }, func() { db.Close() }}
	return infra, nil
}

func (i *sharedInfra) close() {
	for _, fn := range i.closers {
		fn()
	}
}

func runServe() error {
	infra, err := buildInfra("api")
	if err != nil {
		return err
	}
	defer infra.close()

	server := api.NewServer(infra.cfg, infra.deps, infra.log)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		infra.log.Infof("received %s, shutting down", sig)
	}
	return server.Shutdown(context.Background())
}
