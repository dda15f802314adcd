package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingBroker is returned when the broker connection settings are absent.
var ErrMissingBroker = errors.New("broker configuration missing")

// Worker holds the queue worker settings, validated once at startup.
type Worker struct {
	AppEnv            string
	BrokerURL         string
	QueueName         string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	ErrorBackoff      time.Duration
	Concurrency       int
	HTTPTimeout       time.Duration
	CoinAPI           string
	GrainAPI          string
	DatabaseAPI       string
	ResultCacheURL    string
	ResultCacheTTL    time.Duration
	DatabaseDSN       string
	AdminAddr         string
	HealthGRPCAddr    string
	AdminJWTSecret    string
	AdminJWTAudience  string
}

// Analyzer holds the settings of the coin and grain analysis services.
type Analyzer struct {
	AppEnv          string
	Port            string
	ModelURL        string
	ModelTimeout    time.Duration
	CoinDiameterMM  float64
	TileSize        int
	CoinMarginPx    int
	TileConcurrency int
}

// LoadWorker reads the worker configuration from the environment and an
// optional .env file.
func LoadWorker() (*Worker, error) {
	loadDotEnv()

	var p parser
	cfg := &Worker{
		AppEnv:            getEnv("APP_ENV", "production"),
		BrokerURL:         strings.TrimSpace(os.Getenv("BROKER_URL")),
		QueueName:         strings.TrimSpace(os.Getenv("QUEUE_NAME")),
		VisibilityTimeout: p.seconds("VISIBILITY_TIMEOUT", 60),
		PollInterval:      p.millis("POLL_INTERVAL_MS", 1000),
		ErrorBackoff:      p.millis("ERROR_BACKOFF_MS", 5000),
		Concurrency:       p.int("WORKER_CONCURRENCY", 1),
		HTTPTimeout:       p.seconds("HTTP_TIMEOUT_SECONDS", 30),
		CoinAPI:           getEnv("COIN_API", "http://localhost:6080/predict"),
		GrainAPI:          getEnv("GRAIN_API", "http://localhost:6081/predict"),
		DatabaseAPI:       getEnv("DATABASE_API", "http://localhost:4321/api/process/"),
		ResultCacheURL:    strings.TrimSpace(os.Getenv("REDIS_RESULT_CACHE_URL")),
		ResultCacheTTL:    time.Minute * time.Duration(p.int("RESULT_CACHE_TTL_MINUTES", 1440)),
		DatabaseDSN:       strings.TrimSpace(os.Getenv("DATABASE_DSN")),
		AdminAddr:         getEnv("ADMIN_ADDR", ":8090"),
		HealthGRPCAddr:    getEnv("HEALTH_GRPC_ADDR", ":8091"),
		AdminJWTSecret:    os.Getenv("ADMIN_JWT_SECRET"),
		AdminJWTAudience:  os.Getenv("ADMIN_JWT_AUDIENCE"),
	}
	if p.err != nil {
		return nil, p.err
	}

	if cfg.BrokerURL == "" || cfg.QueueName == "" {
		return nil, fmt.Errorf("%w: BROKER_URL and QUEUE_NAME are required", ErrMissingBroker)
	}
	if cfg.VisibilityTimeout <= 0 {
		return nil, fmt.Errorf("VISIBILITY_TIMEOUT must be positive")
	}
	if cfg.PollInterval <= 0 || cfg.ErrorBackoff <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL_MS and ERROR_BACKOFF_MS must be positive")
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if cfg.HTTPTimeout <= 0 || cfg.HTTPTimeout >= cfg.VisibilityTimeout {
		return nil, fmt.Errorf("HTTP_TIMEOUT_SECONDS must be positive and shorter than VISIBILITY_TIMEOUT")
	}
	if cfg.ResultCacheTTL <= 0 {
		return nil, fmt.Errorf("RESULT_CACHE_TTL_MINUTES must be positive")
	}
	return cfg, nil
}

// LoadAnalyzer reads the configuration of an analysis service. defaultPort
// differs between the coin and grain services.
func LoadAnalyzer(defaultPort string) (*Analyzer, error) {
	loadDotEnv()

	var p parser
	cfg := &Analyzer{
		AppEnv:          getEnv("APP_ENV", "production"),
		Port:            getEnv("PORT", defaultPort),
		ModelURL:        strings.TrimRight(strings.TrimSpace(os.Getenv("MODEL_URL")), "/"),
		ModelTimeout:    p.seconds("MODEL_TIMEOUT_SECONDS", 20),
		CoinDiameterMM:  p.float("COIN_DIAMETER_MM", 24.26),
		TileSize:        p.int("TILE_SIZE", 1024),
		CoinMarginPx:    p.int("COIN_MARGIN_PX", 50),
		TileConcurrency: p.int("TILE_CONCURRENCY", 4),
	}
	if p.err != nil {
		return nil, p.err
	}
	if cfg.ModelURL == "" {
		return nil, fmt.Errorf("MODEL_URL is required")
	}
	if cfg.ModelTimeout <= 0 {
		return nil, fmt.Errorf("MODEL_TIMEOUT_SECONDS must be positive")
	}
	if !(cfg.CoinDiameterMM > 0) {
		return nil, fmt.Errorf("COIN_DIAMETER_MM must be positive")
	}
	if cfg.TileSize <= 0 || cfg.CoinMarginPx < 0 || cfg.TileConcurrency < 1 {
		return nil, fmt.Errorf("TILE_SIZE, COIN_MARGIN_PX and TILE_CONCURRENCY must be valid")
	}
	return cfg, nil
}

func loadDotEnv() {
	// A missing file is fine; the process environment still applies.
	_ = godotenv.Load(".env")
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

// parser records the first invalid value instead of silently defaulting.
type parser struct {
	err error
}

func (p *parser) raw(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

func (p *parser) int(key string, fallback int) int {
	v, ok := p.raw(key)
	if !ok {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return i
}

func (p *parser) float(key string, fallback float64) float64 {
	v, ok := p.raw(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return f
}

func (p *parser) seconds(key string, fallback int) time.Duration {
	return time.Second * time.Duration(p.int(key, fallback))
}

func (p *parser) millis(key string, fallback int) time.Duration {
	return time.Millisecond * time.Duration(p.int(key, fallback))
}
