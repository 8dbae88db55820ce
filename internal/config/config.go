package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tunesync/internal/remote"
	"github.com/spf13/viper"
)

const (
	envPrefix              = "TUNESYNC"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "tunesync-server.db"
	defaultLocalDatabase   = "tunesync.db"
	defaultLogLevel        = "info"
	defaultTokenIssuer     = "tunesync-auth"
	defaultTokenAudience   = "tunesync-api"
	defaultTokenTTLMinutes = 60 * 24 * 30
	defaultRemoteTimeout   = 30
	defaultBatchSize       = 50
	defaultPageSize        = 200
	defaultMaxAttempts     = 10
	defaultIntervalSeconds = 30
)

// LogConfig selects the log level and optional rotating log file.
type LogConfig struct {
	Level string
	File  string
}

// ServerConfig captures runtime configuration for the server of record.
type ServerConfig struct {
	HTTPAddress   string
	DatabasePath  string
	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration
	Log           LogConfig
}

// ClientConfig captures runtime configuration for a syncing device.
type ClientConfig struct {
	DatabasePath  string
	RemoteBaseURL string
	AccessToken   string
	RemoteTimeout time.Duration
	BatchSize     int
	PageSize      int
	MaxAttempts   int
	Interval      time.Duration
	Log           LogConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("local.database_path", defaultLocalDatabase)
	configViper.SetDefault("remote.timeout_seconds", defaultRemoteTimeout)
	configViper.SetDefault("sync.batch_size", defaultBatchSize)
	configViper.SetDefault("sync.page_size", defaultPageSize)
	configViper.SetDefault("sync.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("sync.interval_seconds", defaultIntervalSeconds)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
}

// LoadServer parses server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenIssuer:   configViper.GetString("auth.issuer"),
		TokenAudience: configViper.GetString("auth.audience"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		Log:           loadLog(configViper),
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

// LoadClient parses device configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		DatabasePath:  configViper.GetString("local.database_path"),
		RemoteBaseURL: configViper.GetString("remote.base_url"),
		AccessToken:   configViper.GetString("remote.access_token"),
		RemoteTimeout: time.Duration(configViper.GetInt("remote.timeout_seconds")) * time.Second,
		BatchSize:     configViper.GetInt("sync.batch_size"),
		PageSize:      configViper.GetInt("sync.page_size"),
		MaxAttempts:   configViper.GetInt("sync.max_attempts"),
		Interval:      time.Duration(configViper.GetInt("sync.interval_seconds")) * time.Second,
		Log:           loadLog(configViper),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func loadLog(configViper *viper.Viper) LogConfig {
	return LogConfig{
		Level: configViper.GetString("log.level"),
		File:  configViper.GetString("log.file"),
	}
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TokenIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.TokenAudience) == "" {
		return fmt.Errorf("auth.audience is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	return nil
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("local.database_path is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.BatchSize > remote.MaxPushBatch {
		return fmt.Errorf("sync.batch_size must not exceed %d", remote.MaxPushBatch)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("sync.max_attempts must not be negative")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	return nil
}
