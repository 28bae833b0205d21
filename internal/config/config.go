package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Schema source kinds.
const (
	SchemaSourceFile = "file"
	SchemaSourceBlob = "blob"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	BlobDir           string        `mapstructure:"BLOB_DIR"`
	SchemaSource      string        `mapstructure:"SCHEMA_SOURCE"`
	SchemaDir         string        `mapstructure:"SCHEMA_DIR"`
	SchemaLoadTimeout time.Duration `mapstructure:"SCHEMA_LOAD_TIMEOUT"`
	SettingsFile      string        `mapstructure:"SETTINGS_FILE"`

	MaxParallelReceivers int    `mapstructure:"MAX_PARALLEL_RECEIVERS"`
	MLLPAddr             string `mapstructure:"MLLP_ADDR"`
	// MLLPSender is the sender full name applied to messages received over MLLP.
	MLLPSender string `mapstructure:"MLLP_SENDER"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`

	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
	ReportBodyLimit string        `mapstructure:"REPORT_BODY_LIMIT"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
}

var defaults = map[string]interface{}{
	"PORT":                   "8000",
	"ENV":                    "development",
	"LOG_LEVEL":              "info",
	"DB_MAX_CONNS":           20,
	"DB_MIN_CONNS":           2,
	"SCHEMA_SOURCE":          SchemaSourceFile,
	"SCHEMA_DIR":             "./metadata/schemas",
	"SCHEMA_LOAD_TIMEOUT":    "5s",
	"SETTINGS_FILE":          "./metadata/settings.yml",
	"BLOB_DIR":               "",
	"MAX_PARALLEL_RECEIVERS": 8,
	"MLLP_ADDR":              "",
	"MLLP_SENDER":            "",
	"REQUEST_TIMEOUT":        "30s",
	"BODY_LIMIT":             "1M",
	"REPORT_BODY_LIMIT":      "50M",
	"RATE_LIMIT_RPS":         50,
	"RATE_LIMIT_BURST":       100,
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"BLOB_DIR", "SCHEMA_SOURCE", "SCHEMA_DIR", "SCHEMA_LOAD_TIMEOUT", "SETTINGS_FILE",
	"MAX_PARALLEL_RECEIVERS", "MLLP_ADDR", "MLLP_SENDER",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"REQUEST_TIMEOUT", "BODY_LIMIT", "REPORT_BODY_LIMIT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

// Load reads configuration from the environment and an optional .env file.
// An empty DATABASE_URL selects the in-memory lineage store; an empty
// MIGRATIONS_DIR selects the migrations embedded in the binary.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	// Bind explicitly so Unmarshal sees env-only keys.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.SchemaSource = strings.ToLower(strings.TrimSpace(cfg.SchemaSource))
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// UsesPostgres reports whether lineage is persisted in PostgreSQL.
func (c *Config) UsesPostgres() bool {
	return c.DatabaseURL != ""
}

// Validate checks that the configuration is safe to run. Outside development
// a token verification key (AUTH_SIGNING_KEY or AUTH_JWKS_URL) is required.
func (c *Config) Validate() error {
	switch c.SchemaSource {
	case SchemaSourceFile:
		if c.SchemaDir == "" {
			return fmt.Errorf("SCHEMA_DIR is required when SCHEMA_SOURCE is %q", SchemaSourceFile)
		}
	case SchemaSourceBlob:
		if c.BlobDir == "" {
			return fmt.Errorf("BLOB_DIR is required when SCHEMA_SOURCE is %q", SchemaSourceBlob)
		}
	default:
		return fmt.Errorf("SCHEMA_SOURCE must be %q or %q, got %q", SchemaSourceFile, SchemaSourceBlob, c.SchemaSource)
	}

	if c.SchemaLoadTimeout <= 0 {
		return fmt.Errorf("SCHEMA_LOAD_TIMEOUT must be positive, got %s", c.SchemaLoadTimeout)
	}
	if c.MaxParallelReceivers < 1 {
		return fmt.Errorf("MAX_PARALLEL_RECEIVERS must be at least 1, got %d", c.MaxParallelReceivers)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.MLLPAddr != "" && c.MLLPSender == "" {
		return fmt.Errorf("MLLP_SENDER is required when MLLP_ADDR is set")
	}

	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf(
			"AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when ENV=%q; "+
				"refusing to start without token verification", c.Env)
	}
	return nil
}
