package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"

	BlobMemory = "memory"
	BlobS3     = "s3"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`

	BlobDriver        string `mapstructure:"BLOB_DRIVER"`
	BlobPublicBaseURL string `mapstructure:"BLOB_PUBLIC_BASE_URL"`
	S3Bucket          string `mapstructure:"S3_BUCKET"`
	S3Region          string `mapstructure:"S3_REGION"`
	S3Endpoint        string `mapstructure:"S3_ENDPOINT"`
	S3PathStyle       bool   `mapstructure:"S3_PATH_STYLE"`
	S3AccessKeyID     string `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `mapstructure:"S3_SECRET_ACCESS_KEY"`

	ClinicName          string        `mapstructure:"CLINIC_NAME"`
	PhoneCountryCode    string        `mapstructure:"PHONE_COUNTRY_CODE"`
	Timezone            string        `mapstructure:"TIMEZONE"`
	SLAWarningThreshold time.Duration `mapstructure:"SLA_WARNING_THRESHOLD"`
	SLASweepInterval    time.Duration `mapstructure:"SLA_SWEEP_INTERVAL"`
	MutationRetries     int           `mapstructure:"MUTATION_RETRIES"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	UploadLimit    string        `mapstructure:"UPLOAD_LIMIT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	MetricsEnabled bool          `mapstructure:"METRICS_ENABLED"`
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SQLITE_PATH",
	"BLOB_DRIVER", "BLOB_PUBLIC_BASE_URL", "S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_PATH_STYLE",
	"S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY",
	"CLINIC_NAME", "PHONE_COUNTRY_CODE", "TIMEZONE", "SLA_WARNING_THRESHOLD", "SLA_SWEEP_INTERVAL",
	"MUTATION_RETRIES", "REQUEST_TIMEOUT", "BODY_LIMIT", "UPLOAD_LIMIT", "CORS_ORIGINS", "METRICS_ENABLED",
}

// Load reads an optional .env file into the process environment and then
// the environment itself. It does not validate; call Validate.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	v := viper.New()
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SQLITE_PATH", "data/followup.db")
	v.SetDefault("BLOB_DRIVER", BlobMemory)
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("CLINIC_NAME", "")
	v.SetDefault("PHONE_COUNTRY_CODE", "55")
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("SLA_WARNING_THRESHOLD", "15m")
	v.SetDefault("SLA_SWEEP_INTERVAL", "1m")
	v.SetDefault("MUTATION_RETRIES", 3)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("UPLOAD_LIMIT", "20M")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("METRICS_ENABLED", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.BlobDriver = strings.ToLower(strings.TrimSpace(cfg.BlobDriver))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location returns the clinic time zone used for "due today".
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks that the selected store and blob drivers are fully
// configured and that the SLA settings are usable.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", StoreSQLite)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StorePostgres, StoreSQLite, c.StoreDriver)
	}

	switch c.BlobDriver {
	case BlobMemory:
	case BlobS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOB_DRIVER is %q", BlobS3)
		}
	default:
		return fmt.Errorf("BLOB_DRIVER must be %q or %q, got %q", BlobMemory, BlobS3, c.BlobDriver)
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	if c.SLAWarningThreshold <= 0 {
		return fmt.Errorf("SLA_WARNING_THRESHOLD must be positive, got %s", c.SLAWarningThreshold)
	}
	if c.SLASweepInterval <= 0 {
		return fmt.Errorf("SLA_SWEEP_INTERVAL must be positive, got %s", c.SLASweepInterval)
	}
	if c.MutationRetries < 1 {
		return fmt.Errorf("MUTATION_RETRIES must be at least 1, got %d", c.MutationRetries)
	}
	return nil
}
