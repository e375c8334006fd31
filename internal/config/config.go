package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"posadmin/backend/internal/domain"
)

const (
	SubstrateMemory   = "memory"
	SubstrateRedis    = "redis"
	SubstratePostgres = "postgres"
	SubstrateBadger   = "badger"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	Substrate              string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	BadgerPath             string
	SubstrateCapacityBytes int64
	CacheSize              int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	BackupExportDir        string
	BackupCheckInterval    time.Duration
	GCSBucket              string
	GCSCredentialsFile     string
	ShutdownBackupTimeout  time.Duration
	LogLevel               string
	ConfigFile             string
}

// File is the optional YAML configuration named by CONFIG_FILE.
type File struct {
	Retention domain.RetentionPolicy  `yaml:"retention"`
	Users     []domain.UserAccount    `yaml:"users"`
	Locations []domain.BackupLocation `yaml:"locations"`
}

func DefaultRetention() domain.RetentionPolicy {
	return domain.RetentionPolicy{Daily: 7, Weekly: 4, Monthly: 6}
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	capacity, err := strconv.ParseInt(getEnv("SUBSTRATE_CAPACITY_BYTES", "0"), 10, 64)
	if err != nil || capacity < 0 {
		capacity = 0
	}
	cacheSize, err := strconv.Atoi(getEnv("COLLECTION_CACHE_SIZE", "64"))
	if err != nil || cacheSize < 1 {
		cacheSize = 64
	}
	shutdownSeconds, err := strconv.Atoi(getEnv("SHUTDOWN_BACKUP_TIMEOUT_SECONDS", "10"))
	if err != nil || shutdownSeconds < 1 {
		shutdownSeconds = 10
	}
	checkMinutes, err := strconv.Atoi(getEnv("BACKUP_CHECK_INTERVAL_MINUTES", "60"))
	if err != nil || checkMinutes < 1 {
		checkMinutes = 60
	}

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		Substrate:              strings.ToLower(getEnv("SUBSTRATE", SubstrateMemory)),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		BadgerPath:             getEnv("BADGER_PATH", "data/badger"),
		SubstrateCapacityBytes: capacity,
		CacheSize:              cacheSize,
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  tokenTTL,
		BackupExportDir:        getEnv("BACKUP_EXPORT_DIR", "backups"),
		BackupCheckInterval:    time.Duration(checkMinutes) * time.Minute,
		GCSBucket:              strings.TrimSpace(os.Getenv("GCS_BUCKET")),
		GCSCredentialsFile:     strings.TrimSpace(os.Getenv("GCS_CREDENTIALS_FILE")),
		ShutdownBackupTimeout:  time.Duration(shutdownSeconds) * time.Second,
		LogLevel:               strings.ToLower(getEnv("LOG_LEVEL", "info")),
		ConfigFile:             strings.TrimSpace(os.Getenv("CONFIG_FILE")),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch c.Substrate {
	case SubstrateMemory, SubstrateBadger:
	case SubstrateRedis:
		if c.RedisAddr == "" {
			return errors.New("SUBSTRATE=redis requires REDIS_ADDR")
		}
	case SubstratePostgres:
		if c.DatabaseURL == "" {
			return errors.New("SUBSTRATE=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown SUBSTRATE %q", c.Substrate)
	}
	return nil
}

// LoadFile reads the YAML file at path. An empty path yields the defaults.
// Missing retention fields keep their default values.
func LoadFile(path string) (File, error) {
	file := File{Retention: DefaultRetention()}
	if path == "" {
		return file, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return File{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if file.Retention.Daily < 0 || file.Retention.Weekly < 0 || file.Retention.Monthly < 0 {
		return File{}, fmt.Errorf("config file %s: retention values must not be negative", path)
	}
	for i := range file.Users {
		if file.Users[i].Role == "" {
			file.Users[i].Role = domain.RoleStaff
		}
	}
	return file, nil
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
