package config

import (
	"fmt"
	"time"
)

// Config carries all process configuration, loaded from the environment.
type Config struct {
	Port        string
	Environment string
	CORSOrigin  string
	LogLevel    string

	// Database
	DatabaseURL    string
	DBMaxConns     int
	DBMinConns     int
	DBQueryTimeout time.Duration
	DBConnTimeout  time.Duration

	// Queue backend
	RedisHost     string
	RedisPort     string
	RedisPassword string

	// Object store
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// Scan pipeline limits
	ScanURLCooldown    time.Duration
	MaxExternalScripts int
	QueueMaxAttempts   int
	QueueJobTimeout    time.Duration
	QueueRetryDelay    time.Duration
	RenderConcurrency  int
	AnalyzeConcurrency int

	// Vulnerability feed
	OSVAPIURL            string
	OSVTimeout           time.Duration
	VulnCacheTTL         time.Duration
	VulnNegativeCacheTTL time.Duration

	// API limits
	RateLimitWindow time.Duration
	RateLimitMax    int
	MaxRequestSize  int64

	// SSRF allow-list override for browse-time checks (comma separated hosts)
	TargetAllowList string

	// Detector
	SignaturesFile string

	// LLM collaborator endpoint (no-op provider when empty)
	LLMEndpoint string
	LLMTimeout  time.Duration
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	LoadEnvOnce()

	dbURL := GetEnvWithFallback("DATABASE_URL", "")
	if dbURL == "" {
		host := GetEnvWithFallback("DB_HOST", "localhost")
		port := GetEnvWithFallback("DB_PORT", "5432")
		name := GetEnvWithFallback("DB_NAME", "surfscan")
		user := GetEnvWithFallback("DB_USER", "surfscan")
		pass := GetEnvWithFallback("DB_PASSWORD", "")
		dbURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, name)
	}

	return &Config{
		Port:        GetEnvWithFallback("PORT", "3000"),
		Environment: GetEnvWithFallback("ENVIRONMENT", "development"),
		CORSOrigin:  GetEnvWithFallback("CORS_ORIGIN", "*"),
		LogLevel:    GetEnvWithFallback("LOG_LEVEL", "info"),

		DatabaseURL:    dbURL,
		DBMaxConns:     getInt("DB_MAX_CONNECTIONS", 30),
		DBMinConns:     getInt("DB_MIN_CONNECTIONS", 2),
		DBQueryTimeout: getMillis("DB_QUERY_TIMEOUT", 30*time.Second),
		DBConnTimeout:  getMillis("DB_CONNECT_TIMEOUT", 10*time.Second),

		RedisHost:     GetEnvWithFallback("REDIS_HOST", "localhost"),
		RedisPort:     GetEnvWithFallback("REDIS_PORT", "6379"),
		RedisPassword: GetEnvWithFallback("REDIS_PASSWORD", ""),

		MinioEndpoint:  GetEnvWithFallback("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: GetEnvWithFallback("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey: GetEnvWithFallback("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:    GetEnvWithFallback("MINIO_BUCKET", "surfscan-artifacts"),
		MinioUseSSL:    getBool("MINIO_USE_SSL", false),

		ScanURLCooldown:    time.Duration(getInt("SCAN_URL_COOLDOWN_SECONDS", 30)) * time.Second,
		MaxExternalScripts: getInt("RENDERER_MAX_EXTERNAL_SCRIPTS", 30),
		QueueMaxAttempts:   getInt("QUEUE_MAX_ATTEMPTS", 5),
		QueueJobTimeout:    getMillis("QUEUE_JOB_TIMEOUT", 600*time.Second),
		QueueRetryDelay:    getMillis("QUEUE_RETRY_DELAY", 2*time.Second),
		RenderConcurrency:  getInt("RENDER_CONCURRENCY", 1),
		AnalyzeConcurrency: getInt("ANALYZE_CONCURRENCY", 3),

		OSVAPIURL:            GetEnvWithFallback("OSV_API_URL", "https://api.osv.dev/v1/query"),
		OSVTimeout:           getMillis("OSV_TIMEOUT", 20*time.Second),
		VulnCacheTTL:         time.Duration(getInt("VULN_CACHE_TTL", 86400)) * time.Second,
		VulnNegativeCacheTTL: time.Duration(getInt("VULN_NEGATIVE_CACHE_TTL", 3600)) * time.Second,

		RateLimitWindow: getMillis("RATE_LIMIT_WINDOW_MS", time.Minute),
		RateLimitMax:    getInt("RATE_LIMIT_MAX", 120),
		MaxRequestSize:  int64(getInt("MAX_REQUEST_SIZE_BYTES", 10*1024*1024)),

		TargetAllowList: GetEnvWithFallback("TARGET_ALLOW_LIST", ""),

		SignaturesFile: GetEnvWithFallback("DETECTOR_SIGNATURES_FILE", ""),

		LLMEndpoint: GetEnvWithFallback("LLM_ENDPOINT", ""),
		LLMTimeout:  getMillis("LLM_TIMEOUT", 60*time.Second),
	}, nil
}

// RedisAddr returns the host:port address of the queue backend.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}
