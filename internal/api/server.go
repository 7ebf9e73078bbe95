package api

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/surfscan/surfscan/internal/cache"
	"github.com/surfscan/surfscan/internal/config"
	"github.com/surfscan/surfscan/internal/handlers"
	"github.com/surfscan/surfscan/internal/health"
	"github.com/surfscan/surfscan/internal/llm"
	"github.com/surfscan/surfscan/internal/logger"
	"github.com/surfscan/surfscan/internal/middleware"
	"github.com/surfscan/surfscan/internal/queue"
	"github.com/surfscan/surfscan/internal/repository"
	"github.com/surfscan/surfscan/internal/storage"
	"github.com/surfscan/surfscan/internal/targetcheck"
)

// Server is the HTTP face of the scanner: routing, middleware and graceful
// shutdown.
type Server struct {
	cfg    *config.Config
	engine *gin.Engine
	http   *http.Server
	log    *logger.Logger
}

// Deps carries the shared infrastructure the server builds its handlers on.
type Deps struct {
	DB            *sql.DB
	Redis         *cache.RedisClient
	Store         *storage.MinioStore
	ScanQueue     *queue.Queue
	AnalysisQueue *queue.Queue
	Progress      *queue.ProgressBus
	Checker       *targetcheck.Checker
}

// NewServer wires routes and middleware.
func NewServer(cfg *config.Config, deps Deps, log *logger.Logger) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestID())
	engine.Use(middleware.BodySizeLimit(cfg.MaxRequestSize))

	corsCfg := cors.DefaultConfig()
	if cfg.CORSOrigin == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = strings.Split(cfg.CORSOrigin, ",")
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "X-Request-Id"}
	engine.Use(cors.New(corsCfg))

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMax)
	dedupe := middleware.NewDeduplicator()

	respCache := cache.NewResponseCache(1000)

	scanRepo := repository.NewScanRepository(deps.DB)
	resultRepo := repository.NewResultRepository(deps.DB)
	analyticsRepo := repository.NewAnalyticsRepository(deps.DB)

	scanHandler := handlers.NewScanHandler(handlers.ScanHandlerConfig{
		Scans:     scanRepo,
		Results:   resultRepo,
		ScanQueue: deps.ScanQueue,
		Checker:   deps.Checker,
		Store:     deps.Store,
		RespCache: respCache,
		Log:       logger.New("scan-handler"),
		Cooldown:  cfg.ScanURLCooldown,
		JobOptions: queue.JobOptions{
			MaxAttempts: cfg.QueueMaxAttempts,
			Backoff:     cfg.QueueRetryDelay,
			Timeout:     cfg.QueueJobTimeout,
		},
	})
	analyticsHandler := handlers.NewAnalyticsHandler(analyticsRepo, respCache, logger.New("analytics-handler"))
	progressHandler := handlers.NewProgressHandler(scanRepo, deps.Progress, logger.New("progress-handler"))
	reportHandler := handlers.NewReportHandler(scanRepo, resultRepo,
		llm.FromConfig(cfg.LLMEndpoint, cfg.LLMTimeout, logger.New("llm")), logger.New("report-handler"))

	checker := health.NewChecker(deps.DB, deps.Redis, deps.Store,
		[]*queue.Queue{deps.ScanQueue, deps.AnalysisQueue}, logger.New("health"))
	opsHandler := handlers.NewOpsHandler(checker,
		[]*queue.Queue{deps.ScanQueue, deps.AnalysisQueue}, logger.New("ops-handler"))
	opsHandler.RegisterRoutes(engine)

	apiGroup := engine.Group("/api")
	apiGroup.Use(rateLimiter.Middleware())
	apiGroup.Use(dedupe.Middleware())
	scanHandler.RegisterRoutes(apiGroup)
	analyticsHandler.RegisterRoutes(apiGroup)
	progressHandler.RegisterRoutes(apiGroup)
	reportHandler.RegisterRoutes(apiGroup)

	return &Server{
		cfg:    cfg,
		engine: engine,
		log:    log,
		http: &http.Server{
			Addr:         ":" + cfg.Port,
			Handler:      engine,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.log.Infof("listening on :%s", s.cfg.Port)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests for up to 30 s.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}
