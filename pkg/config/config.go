// ==============================================================================
// CONFIG PACKAGE - pkg/config/config.go
// ==============================================================================
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Drive    DriveConfig
	Upload   UploadConfig
	Quota    QuotaConfig
	Metrics  MetricsConfig
	LogLevel string
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

// DriveConfig holds the Google Drive OAuth client and the folder under which
// account roots are created.
type DriveConfig struct {
	ClientID        string
	ClientSecret    string
	RefreshToken    string
	TokenURL        string
	RootFolderID    string
	APIEndpoint     string
	UploadEndpoint  string
	ParentCacheTTL  time.Duration
	ListingCacheTTL time.Duration
}

type UploadConfig struct {
	SessionStore      string // "memory" or "redis"
	SessionTTL        time.Duration
	MaxChunkBytes     int64
	MaxMultipartBytes int64
	URLFetchTimeout   time.Duration
	RateLimit         int
	RateWindow        time.Duration
}

type QuotaConfig struct {
	DefaultPlan    string
	FreeTierBytes  int64
	DefaultLimit   int64
	AdminUnlimited bool
}

type MetricsConfig struct {
	Enabled   bool
	Path      string
	Namespace string
}

// Load reads configuration from the environment, after merging an optional
// .env file in the working directory.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Minute),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      normalizeRedisURL(getEnv("REDIS_URL", "localhost:6379")),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "change-this-secret"),
		},
		Drive: DriveConfig{
			ClientID:        getEnv("DRIVE_CLIENT_ID", ""),
			ClientSecret:    getEnv("DRIVE_CLIENT_SECRET", ""),
			RefreshToken:    getEnv("DRIVE_REFRESH_TOKEN", ""),
			TokenURL:        getEnv("DRIVE_TOKEN_URL", "https://oauth2.googleapis.com/token"),
			RootFolderID:    getEnv("DRIVE_ROOT_FOLDER_ID", ""),
			APIEndpoint:     getEnv("DRIVE_API_ENDPOINT", ""),
			UploadEndpoint:  getEnv("DRIVE_UPLOAD_ENDPOINT", "https://www.googleapis.com/upload/drive/v3/files"),
			ParentCacheTTL:  getDurationEnv("DRIVE_PARENT_CACHE_TTL", 10*time.Minute),
			ListingCacheTTL: getDurationEnv("DRIVE_LISTING_CACHE_TTL", time.Minute),
		},
		Upload: UploadConfig{
			SessionStore:      strings.ToLower(getEnv("UPLOAD_SESSION_STORE", "memory")),
			SessionTTL:        getDurationEnv("UPLOAD_SESSION_TTL", 6*time.Hour),
			MaxChunkBytes:     getInt64Env("UPLOAD_MAX_CHUNK_BYTES", 64<<20),
			MaxMultipartBytes: getInt64Env("UPLOAD_MAX_MULTIPART_BYTES", 32<<20),
			URLFetchTimeout:   getDurationEnv("UPLOAD_URL_FETCH_TIMEOUT", 10*time.Minute),
			RateLimit:         getIntEnv("UPLOAD_RATE_LIMIT", 600),
			RateWindow:        getDurationEnv("UPLOAD_RATE_WINDOW", time.Minute),
		},
		Quota: QuotaConfig{
			DefaultPlan:    getEnv("QUOTA_DEFAULT_PLAN", "free"),
			FreeTierBytes:  getInt64Env("QUOTA_FREE_TIER_BYTES", 15<<30),
			DefaultLimit:   getInt64Env("QUOTA_DEFAULT_LIMIT_BYTES", 15<<30),
			AdminUnlimited: getBoolEnv("QUOTA_ADMIN_UNLIMITED", true),
		},
		Metrics: MetricsConfig{
			Enabled:   getBoolEnv("METRICS_ENABLED", true),
			Path:      getEnv("METRICS_PATH", "/metrics"),
			Namespace: getEnv("METRICS_NAMESPACE", "sharedrive"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeRedisURL(url string) string {
	// Strip redis:// or redis+tls:// scheme if present
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return defaultValue
}
