package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBPath      string
	PostgresURL string
	LogLevel    string
	Proxy       ProxyConfig
	Scheduler   SchedulerConfig
	Engine      EngineConfig
	Geocoder    GeocoderConfig
	Archive     ArchiveConfig
	Sources     map[string]*SourceConfig
}

type ProxyConfig struct {
	URL string
}

type SchedulerConfig struct {
	Interval time.Duration
	Cron     string
}

type EngineConfig struct {
	Workers      int
	MaxRetries   int
	Staleness    time.Duration
	PageLimit    int
	FetchTimeout time.Duration
}

type GeocoderConfig struct {
	Endpoint    string
	UserAgent   string
	MinInterval time.Duration
}

type ArchiveConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBPath:      getEnv("DB_PATH", "ingest.db"),
		PostgresURL: os.Getenv("POSTGRES_URL"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Proxy: ProxyConfig{
			URL: os.Getenv("PROXY_URL"),
		},
		Scheduler: SchedulerConfig{
			Cron: os.Getenv("SCRAPE_CRON"),
		},
		Engine: EngineConfig{
			Workers:      getEnvInt("ENGINE_WORKERS", 4),
			MaxRetries:   getEnvInt("ENGINE_MAX_RETRIES", 3),
			Staleness:    getEnvDuration("ENGINE_STALENESS", 7*24*time.Hour),
			PageLimit:    getEnvInt("ENGINE_PAGE_LIMIT", 0),
			FetchTimeout: getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
		},
		Geocoder: GeocoderConfig{
			Endpoint:    getEnv("GEOCODER_ENDPOINT", "https://nominatim.openstreetmap.org/search"),
			UserAgent:   getEnv("GEOCODER_USER_AGENT", "mls-ingest/1.0 (ops@example.com)"),
			MinInterval: getEnvDuration("GEOCODER_MIN_INTERVAL", 1100*time.Millisecond),
		},
		Archive: ArchiveConfig{
			Bucket:          os.Getenv("ARCHIVE_S3_BUCKET"),
			Region:          getEnv("ARCHIVE_S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("ARCHIVE_S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("ARCHIVE_S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("ARCHIVE_S3_SECRET_ACCESS_KEY"),
		},
		Sources: make(map[string]*SourceConfig),
	}

	if interval := os.Getenv("SCRAPE_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.Scheduler.Interval = d
		}
	}

	if err := cfg.loadSourceConfigs(getEnv("SOURCES_DIR", "config/sources")); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
