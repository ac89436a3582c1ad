package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	GeoIP     GeoIPConfig
	Admission AdmissionConfig
	Archive   ArchiveConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string
	Port string
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection configuration.
// Redis is optional; it only backs the geo lookup cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds configuration for admin back-office API tokens
type JWTConfig struct {
	Secret      string
	TokenExpiry time.Duration
	Issuer      string
}

// GeoIPConfig holds configuration for the IP geolocation resolver
type GeoIPConfig struct {
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// AdmissionConfig holds tunables for the login admission engine
type AdmissionConfig struct {
	// TravelWindow is the impossible-travel window: a country change within
	// this much time of the last successful login is flagged as suspicious.
	TravelWindow time.Duration
}

// ArchiveConfig holds configuration for login-attempt retention archival
type ArchiveConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
	RetentionAge    time.Duration
	BatchSize       int
}

// Load reads configuration from the environment, with an optional .env file
func Load() *Config {
	// Missing .env is fine; real deployments set the environment directly
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnv("SERVER_PORT", "8080"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "subportal"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", ""),
			TokenExpiry: getDurationEnv("JWT_TOKEN_EXPIRY", 1*time.Hour),
			Issuer:      getEnv("JWT_ISSUER", "subportal"),
		},
		GeoIP: GeoIPConfig{
			BaseURL:  getEnv("GEOIP_BASE_URL", "http://ip-api.com/json"),
			Timeout:  getDurationEnv("GEOIP_TIMEOUT", 2*time.Second),
			CacheTTL: getDurationEnv("GEOIP_CACHE_TTL", 1*time.Hour),
		},
		Admission: AdmissionConfig{
			TravelWindow: getDurationEnv("ADMISSION_TRAVEL_WINDOW", 6*time.Hour),
		},
		Archive: ArchiveConfig{
			Endpoint:        getEnv("ARCHIVE_S3_ENDPOINT", ""),
			Region:          getEnv("ARCHIVE_S3_REGION", "us-east-1"),
			AccessKeyID:     getEnv("ARCHIVE_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("ARCHIVE_S3_SECRET_ACCESS_KEY", ""),
			Bucket:          getEnv("ARCHIVE_S3_BUCKET", "subportal-audit"),
			UseSSL:          getBoolEnv("ARCHIVE_S3_USE_SSL", true),
			RetentionAge:    getDurationEnv("ARCHIVE_RETENTION_AGE", 90*24*time.Hour),
			BatchSize:       getIntEnv("ARCHIVE_BATCH_SIZE", 5000),
		},
	}
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv returns a duration from an environment variable or default.
// Accepts Go duration syntax ("90m", "6h") and bare integers as minutes.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}
	return defaultValue
}

// getIntEnv returns an integer from an environment variable or default
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getBoolEnv returns a boolean from an environment variable or default
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
