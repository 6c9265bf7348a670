package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tribune/backend/internal/consensus"
	"github.com/MarcoPoloResearchLab/tribune/backend/internal/database"
	"github.com/MarcoPoloResearchLab/tribune/backend/internal/fields"
	"github.com/spf13/viper"
)

const (
	envPrefix             = "TRIBUNE"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabaseDriver = database.DriverSQLite
	defaultDatabasePath   = "tribune.db"
	defaultLogLevel       = "info"
	defaultCookieName     = "app_session"
	defaultSessionIssuer  = "tauth"
	defaultScanInterval   = time.Minute
)

// AppConfig captures runtime configuration for the API server and the publish scanner.
type AppConfig struct {
	HTTPAddress      string
	AllowedOrigins   []string
	DatabaseDriver   string
	DatabasePath     string
	DatabaseDSN      string
	LogLevel         string
	SessionSecret    string
	SessionCookie    string
	SessionIssuer    string
	ScanInterval     time.Duration
	Rules            consensus.Rules
	FieldDefinitions []fields.Definition
}

// fieldEntry is the configuration file shape of a field definition.
type fieldEntry struct {
	Key                  string  `mapstructure:"key"`
	Essential            bool    `mapstructure:"essential"`
	AccountabilityMetric float64 `mapstructure:"accountability_metric"`
	PublishMinWeight     int64   `mapstructure:"publish_min_weight"`
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

	rules := consensus.DefaultRules()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("scanner.interval", defaultScanInterval)
	configViper.SetDefault("consensus.weight", rules.Weight)
	configViper.SetDefault("consensus.reward_percent", rules.RewardPercent)
	configViper.SetDefault("consensus.quorum_amount", rules.QuorumAmount)
	configViper.SetDefault("consensus.essential_item_weight_amount", rules.EssentialItemWeightAmount)
	configViper.SetDefault("consensus.default_publish_min_weight", rules.DefaultPublishMinWeight)
	configViper.SetDefault("consensus.initial_weight", rules.InitialWeight)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		LogLevel:       configViper.GetString("log.level"),
		SessionSecret:  configViper.GetString("session.signing_secret"),
		SessionCookie:  configViper.GetString("session.cookie_name"),
		SessionIssuer:  configViper.GetString("session.issuer"),
		ScanInterval:   configViper.GetDuration("scanner.interval"),
		Rules: consensus.Rules{
			Weight:                    configViper.GetInt64("consensus.weight"),
			RewardPercent:             configViper.GetFloat64("consensus.reward_percent"),
			QuorumAmount:              configViper.GetInt("consensus.quorum_amount"),
			EssentialItemWeightAmount: configViper.GetInt64("consensus.essential_item_weight_amount"),
			DefaultPublishMinWeight:   configViper.GetInt64("consensus.default_publish_min_weight"),
			InitialWeight:             configViper.GetInt64("consensus.initial_weight"),
		},
	}

	var entries []fieldEntry
	if err := configViper.UnmarshalKey("fields", &entries); err != nil {
		return AppConfig{}, fmt.Errorf("fields: %w", err)
	}
	for _, entry := range entries {
		cfg.FieldDefinitions = append(cfg.FieldDefinitions, fields.Definition{
			Key:                  fields.Key(entry.Key),
			Essential:            entry.Essential,
			AccountabilityMetric: entry.AccountabilityMetric,
			PublishMinWeight:     entry.PublishMinWeight,
		})
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// Registry builds the governed field set: the configured definitions, or the defaults when none are set.
func (c AppConfig) Registry() (*fields.Registry, error) {
	if len(c.FieldDefinitions) == 0 {
		return fields.DefaultRegistry(), nil
	}
	return fields.NewRegistry(c.FieldDefinitions...)
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookie) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case database.DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case database.DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("scanner.interval must be positive")
	}
	if c.Rules.RewardPercent < 0 || c.Rules.RewardPercent > 1 {
		return fmt.Errorf("consensus.reward_percent must be within [0, 1]")
	}
	if c.Rules.QuorumAmount < 0 {
		return fmt.Errorf("consensus.quorum_amount must not be negative")
	}
	if _, err := c.Registry(); err != nil {
		return err
	}
	return nil
}
