// --- File: pushreceiver/config/config.go ---
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

// Store backends.
const (
	StoreMemory    = "memory"
	StoreFile      = "file"
	StoreSQLite    = "sqlite"
	StoreRedis     = "redis"
	StoreFirestore = "firestore"
	// StoreCached is Firestore behind the Redis read-aside cache.
	StoreCached = "cached"
)

// RedisConfig is read by the redis and cached store backends.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	CacheTTL time.Duration
}

type StoreConfig struct {
	Backend string
	// Path is the file or sqlite location; empty means the user config dir.
	Path string
	// InstallationID scopes remote backends (redis prefix, firestore document).
	InstallationID string
}

type PushConfig struct {
	DLQTopicID         string
	AckDeadlineSeconds int32
}

type BridgeConfig struct {
	MaxPersistentIDs    int
	ResetOnStartFailure bool
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	AppName    string
	ProjectID  string
	ListenAddr string
	// IPCAuthToken guards the websocket channel and HTTP API when set.
	IPCAuthToken string

	CorsConfig middleware.CorsConfig
	Store      StoreConfig
	Redis      RedisConfig
	Push       PushConfig
	Bridge     BridgeConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = "127.0.0.1:" + val
	}
	if val := os.Getenv("IPC_AUTH_TOKEN"); val != "" {
		logger.Debug("Overriding config value", "key", "IPC_AUTH_TOKEN", "source", "env")
		cfg.IPCAuthToken = val
	}

	// Store Overrides
	if val := os.Getenv("STORE_BACKEND"); val != "" {
		logger.Debug("Overriding config value", "key", "STORE_BACKEND", "source", "env")
		cfg.Store.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("STORE_PATH"); val != "" {
		logger.Debug("Overriding config value", "key", "STORE_PATH", "source", "env")
		cfg.Store.Path = val
	}
	if val := os.Getenv("INSTALLATION_ID"); val != "" {
		cfg.Store.InstallationID = val
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}

	// Push provider Overrides
	if val := os.Getenv("PUSH_DLQ_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PUSH_DLQ_TOPIC_ID", "source", "env")
		cfg.Push.DLQTopicID = val
	}
	if val := os.Getenv("PUSH_ACK_DEADLINE_SECONDS"); val != "" {
		if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
			cfg.Push.AckDeadlineSeconds = int32(secs)
		}
	}

	// Bridge policy Overrides
	if val := os.Getenv("MAX_PERSISTENT_IDS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n >= 0 {
			logger.Debug("Overriding config value", "key", "MAX_PERSISTENT_IDS", "source", "env")
			cfg.Bridge.MaxPersistentIDs = n
		}
	}
	if val := os.Getenv("RESET_ON_START_FAILURE"); val != "" {
		reset, _ := strconv.ParseBool(val)
		cfg.Bridge.ResetOnStartFailure = reset
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Final Validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.AppName == "" {
		cfg.AppName = "go-push-receiver"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8765"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreFile
	}
	if cfg.Store.InstallationID == "" {
		cfg.Store.InstallationID = "default"
	}
	switch cfg.Store.Backend {
	case StoreMemory, StoreFile, StoreSQLite, StoreFirestore:
	case StoreRedis, StoreCached:
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("store backend %q requires redis.addr (or REDIS_ADDR env var)", cfg.Store.Backend)
		}
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if cfg.Redis.CacheTTL <= 0 {
		cfg.Redis.CacheTTL = 24 * time.Hour
	}
	if cfg.Push.AckDeadlineSeconds <= 0 {
		cfg.Push.AckDeadlineSeconds = 10
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
