// --- File: pushreceiver/config/yaml_config.go ---
package config

import (
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr            string `yaml:"addr"`
	Password        string `yaml:"password"`
	DB              int    `yaml:"db"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

type YamlStoreConfig struct {
	Backend        string `yaml:"backend"`
	Path           string `yaml:"path"`
	InstallationID string `yaml:"installation_id"`
}

type YamlPushConfig struct {
	DLQTopicID         string `yaml:"dlq_topic_id"`
	AckDeadlineSeconds int32  `yaml:"ack_deadline_seconds"`
}

type YamlBridgeConfig struct {
	MaxPersistentIDs    int  `yaml:"max_persistent_ids"`
	ResetOnStartFailure bool `yaml:"reset_on_start_failure"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	AppName      string           `yaml:"app_name"`
	ProjectID    string           `yaml:"project_id"`
	ListenAddr   string           `yaml:"listen_addr"`
	IPCAuthToken string           `yaml:"ipc_auth_token"`
	CorsConfig   YamlCorsConfig   `yaml:"cors"`
	StoreConfig  YamlStoreConfig  `yaml:"store"`
	RedisConfig  YamlRedisConfig  `yaml:"redis"`
	PushConfig   YamlPushConfig   `yaml:"push"`
	BridgeConfig YamlBridgeConfig `yaml:"bridge"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		AppName:      baseCfg.AppName,
		ProjectID:    baseCfg.ProjectID,
		ListenAddr:   baseCfg.ListenAddr,
		IPCAuthToken: baseCfg.IPCAuthToken,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Store: StoreConfig{
			Backend:        baseCfg.StoreConfig.Backend,
			Path:           baseCfg.StoreConfig.Path,
			InstallationID: baseCfg.StoreConfig.InstallationID,
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			CacheTTL: time.Duration(baseCfg.RedisConfig.CacheTTLSeconds) * time.Second,
		},
		Push: PushConfig{
			DLQTopicID:         baseCfg.PushConfig.DLQTopicID,
			AckDeadlineSeconds: baseCfg.PushConfig.AckDeadlineSeconds,
		},
		Bridge: BridgeConfig{
			MaxPersistentIDs:    baseCfg.BridgeConfig.MaxPersistentIDs,
			ResetOnStartFailure: baseCfg.BridgeConfig.ResetOnStartFailure,
		},
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"store_backend", cfg.Store.Backend,
	)

	return cfg, nil
}
