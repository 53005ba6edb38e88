package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "NOTICEQUELL"

	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "noticequell.db"
	defaultLogLevel        = "info"
	defaultIssuer          = "noticequell"
	defaultSessionTTLMin   = 60
	defaultLogCapacity     = 200
	defaultRateLimit       = 50
	defaultRateBurst       = 100
	defaultSuppressionOn   = true
	defaultUserParticipate = true
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	Issuer        string
	SessionTTL    time.Duration
	AdminSecret   string

	// SuppressionEnabled is the host-wide switch for the pipeline.
	SuppressionEnabled bool
	// UserDefaultEnabled is the per-user participation default applied
	// when a user never toggled their visibility state.
	UserDefaultEnabled bool
	// NoticeLogCapacity bounds the notice log (entries, >= 1).
	NoticeLogCapacity int

	// RateLimit and RateBurst shape the capture endpoint's token bucket.
	RateLimit float64
	RateBurst int
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
	configViper.SetDefault("http.rate_limit", defaultRateLimit)
	configViper.SetDefault("http.rate_burst", defaultRateBurst)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.session_ttl_minutes", defaultSessionTTLMin)
	configViper.SetDefault("suppression.enabled", defaultSuppressionOn)
	configViper.SetDefault("suppression.user_default", defaultUserParticipate)
	configViper.SetDefault("notice_log.capacity", defaultLogCapacity)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		Issuer:             configViper.GetString("auth.issuer"),
		SessionTTL:         time.Duration(configViper.GetInt("auth.session_ttl_minutes")) * time.Minute,
		AdminSecret:        configViper.GetString("auth.admin_secret"),
		SuppressionEnabled: configViper.GetBool("suppression.enabled"),
		UserDefaultEnabled: configViper.GetBool("suppression.user_default"),
		NoticeLogCapacity:  configViper.GetInt("notice_log.capacity"),
		RateLimit:          configViper.GetFloat64("http.rate_limit"),
		RateBurst:          configViper.GetInt("http.rate_burst"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AdminSecret) == "" {
		return fmt.Errorf("auth.admin_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.NoticeLogCapacity < 1 {
		return fmt.Errorf("notice_log.capacity must be at least 1")
	}
	return nil
}
