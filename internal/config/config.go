package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema       string        `mapstructure:"DB_SCHEMA"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	JWTSigningKey  string        `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer      string        `mapstructure:"JWT_ISSUER"`
	JWTAudience    string        `mapstructure:"JWT_AUDIENCE"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyMaxSize    string        `mapstructure:"BODY_MAX_SIZE"`
	UploadMaxSize  string        `mapstructure:"UPLOAD_MAX_SIZE"`

	ImportLookupBatchSize   int           `mapstructure:"IMPORT_LOOKUP_BATCH_SIZE"`
	ImportLookupConcurrency int           `mapstructure:"IMPORT_LOOKUP_CONCURRENCY"`
	ImportCommitBatchSize   int           `mapstructure:"IMPORT_COMMIT_BATCH_SIZE"`
	ImportStoreTimeout      time.Duration `mapstructure:"IMPORT_STORE_TIMEOUT"`
	ImportSessionTTL        time.Duration `mapstructure:"IMPORT_SESSION_TTL"`
	ImportRecheckAfter      time.Duration `mapstructure:"IMPORT_RECHECK_AFTER"`
	ImportRequiredFields    []string      `mapstructure:"IMPORT_REQUIRED_FIELDS"`

	ArchiveDir    string `mapstructure:"ARCHIVE_DIR"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"CORS_ORIGINS", "JWT_SIGNING_KEY", "JWT_ISSUER", "JWT_AUDIENCE",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_MAX_SIZE", "UPLOAD_MAX_SIZE",
	"IMPORT_LOOKUP_BATCH_SIZE", "IMPORT_LOOKUP_CONCURRENCY", "IMPORT_COMMIT_BATCH_SIZE",
	"IMPORT_STORE_TIMEOUT", "IMPORT_SESSION_TTL", "IMPORT_RECHECK_AFTER", "IMPORT_REQUIRED_FIELDS",
	"ARCHIVE_DIR", "MIGRATIONS_DIR",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("REQUEST_TIMEOUT", 2*time.Minute)
	v.SetDefault("BODY_MAX_SIZE", "2M")
	v.SetDefault("UPLOAD_MAX_SIZE", "64M")
	v.SetDefault("IMPORT_LOOKUP_BATCH_SIZE", 5000)
	v.SetDefault("IMPORT_LOOKUP_CONCURRENCY", 1)
	v.SetDefault("IMPORT_COMMIT_BATCH_SIZE", 500)
	v.SetDefault("IMPORT_STORE_TIMEOUT", 30*time.Second)
	v.SetDefault("IMPORT_SESSION_TTL", time.Hour)
	v.SetDefault("IMPORT_RECHECK_AFTER", 2*time.Minute)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.ImportRequiredFields = splitList(cfg.ImportRequiredFields, v.GetString("IMPORT_REQUIRED_FIELDS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// splitList accepts both list values and comma separated strings.
func splitList(parsed []string, raw string) []string {
	if len(parsed) == 0 && raw != "" {
		parsed = strings.Split(raw, ",")
	}
	out := make([]string, 0, len(parsed))
	for _, s := range parsed {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a JWT signing key is required, since nothing else authenticates callers.
func (c *Config) Validate() error {
	if !c.IsDev() && c.JWTSigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.JWTSigningKey != "" && len(c.JWTSigningKey) < 32 {
		return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 bytes, got %d", len(c.JWTSigningKey))
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.ImportLookupBatchSize <= 0 {
		return fmt.Errorf("IMPORT_LOOKUP_BATCH_SIZE must be positive, got %d", c.ImportLookupBatchSize)
	}
	if c.ImportLookupConcurrency <= 0 {
		return fmt.Errorf("IMPORT_LOOKUP_CONCURRENCY must be positive, got %d", c.ImportLookupConcurrency)
	}
	if c.ImportCommitBatchSize <= 0 {
		return fmt.Errorf("IMPORT_COMMIT_BATCH_SIZE must be positive, got %d", c.ImportCommitBatchSize)
	}
	if c.ImportStoreTimeout <= 0 {
		return fmt.Errorf("IMPORT_STORE_TIMEOUT must be positive, got %s", c.ImportStoreTimeout)
	}
	if c.ImportSessionTTL <= 0 {
		return fmt.Errorf("IMPORT_SESSION_TTL must be positive, got %s", c.ImportSessionTTL)
	}
	if c.ImportRecheckAfter < 0 {
		return fmt.Errorf("IMPORT_RECHECK_AFTER must not be negative, got %s", c.ImportRecheckAfter)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	return nil
}
