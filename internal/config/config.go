package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "LINKEXCHANGE"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "linkexchange.db"
	defaultLogLevel     = "info"
	defaultTokenTTL     = 30
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	PartnerKeys   []string
	TokenTTL      time.Duration

	VerificationCron string
	DecayCron        string
	ReverifyCron     string
	BlacklistCron    string
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTL)
	configViper.SetDefault("maintenance.verification_cron", "0 2 * * *")
	configViper.SetDefault("maintenance.decay_cron", "30 3 * * 0")
	configViper.SetDefault("maintenance.reverify_cron", "0 4 * * *")
	configViper.SetDefault("maintenance.blacklist_cron", "15 * * * *")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		PartnerKeys:      configViper.GetStringSlice("auth.partner_keys"),
		TokenTTL:         time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		VerificationCron: configViper.GetString("maintenance.verification_cron"),
		DecayCron:        configViper.GetString("maintenance.decay_cron"),
		ReverifyCron:     configViper.GetString("maintenance.reverify_cron"),
		BlacklistCron:    configViper.GetString("maintenance.blacklist_cron"),
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
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(c.PartnerKeys) == 0 {
		return fmt.Errorf("auth.partner_keys is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	return nil
}
