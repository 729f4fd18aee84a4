package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"securenotes-backend/internal/crypto"
	"securenotes-backend/internal/keysource"

	"github.com/kelseyhightower/envconfig"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds the application configuration.
type Config struct {
	ServerPort int    `envconfig:"SERVER_PORT" default:"8080"`
	AppEnv     string `envconfig:"APP_ENV" default:"production"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty  bool   `envconfig:"LOG_PRETTY" default:"false"`

	StorageDriver  string `envconfig:"STORAGE_DRIVER" default:"postgres"`
	DatabaseURL    string `envconfig:"DATABASE_URL"`
	SQLitePath     string `envconfig:"SQLITE_PATH" default:"securenotes.db"`
	MigrationsPath string `envconfig:"MIGRATIONS_PATH" default:"./migrations/001_init.sql"`

	// SessionTTL is the lifetime of non-persistent sessions.
	SessionTTL     time.Duration `envconfig:"SESSION_TTL" default:"744h"`
	AllowedOrigins []string      `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:3000"`

	Argon2Time      uint32 `envconfig:"ARGON2_TIME" default:"3"`
	Argon2MemoryKiB uint32 `envconfig:"ARGON2_MEMORY_KIB" default:"65536"`
	Argon2Threads   uint8  `envconfig:"ARGON2_THREADS" default:"4"`

	MasterKeys         string `envconfig:"MASTER_KEYS"`
	MasterKeysFile     string `envconfig:"MASTER_KEYS_FILE"`
	MasterKeysS3Bucket string `envconfig:"MASTER_KEYS_S3_BUCKET"`
	MasterKeysS3Object string `envconfig:"MASTER_KEYS_S3_OBJECT"`
	AWSRegion          string `envconfig:"AWS_REGION"`
}

// Load reads the configuration from environment variables and validates it.
func Load(cfg *Config) error {
	if err := envconfig.Process("", cfg); err != nil {
		return err
	}
	return cfg.Validate()
}

// LoadStorage reads the configuration from environment variables but only
// checks the storage settings. Admin commands that never touch tokens use it.
func LoadStorage(cfg *Config) error {
	if err := envconfig.Process("", cfg); err != nil {
		return err
	}
	return errors.Join(cfg.storageErrors()...)
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	errs := c.storageErrors()

	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT %d out of range", c.ServerPort))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}
	if c.Argon2Time == 0 || c.Argon2MemoryKiB < 8*uint32(c.Argon2Threads) || c.Argon2Threads == 0 {
		errs = append(errs, errors.New("ARGON2_* parameters are invalid"))
	}
	if (c.MasterKeysS3Bucket == "") != (c.MasterKeysS3Object == "") {
		errs = append(errs, errors.New("MASTER_KEYS_S3_BUCKET and MASTER_KEYS_S3_OBJECT must be set together"))
	}
	if !c.IsDevelopment() && !c.HasKeySource() {
		errs = append(errs, errors.New("one of MASTER_KEYS, MASTER_KEYS_FILE or MASTER_KEYS_S3_* is required outside development"))
	}

	return errors.Join(errs...)
}

// storageErrors checks the settings needed to open the store.
func (c *Config) storageErrors() []error {
	var errs []error

	switch c.StorageDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.StorageDriver))
	}
	return errs
}

// IsDevelopment reports whether the app runs in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.AppEnv, "development")
}

// HasKeySource reports whether a master key source is configured.
func (c *Config) HasKeySource() bool {
	return c.MasterKeys != "" || c.MasterKeysFile != "" || c.MasterKeysS3Bucket != ""
}

// KDF returns the Argon2id parameters.
func (c *Config) KDF() crypto.KDF {
	return crypto.KDF{
		Time:      c.Argon2Time,
		MemoryKiB: c.Argon2MemoryKiB,
		Threads:   c.Argon2Threads,
	}
}

// KeySource returns the master keyring source settings.
func (c *Config) KeySource() keysource.Config {
	return keysource.Config{
		Inline:         c.MasterKeys,
		File:           c.MasterKeysFile,
		S3Bucket:       c.MasterKeysS3Bucket,
		S3Object:       c.MasterKeysS3Object,
		AllowEphemeral: c.IsDevelopment(),
	}
}
