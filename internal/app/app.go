// Package app wires configuration into the storage and key dependencies
// shared by the server and the admin CLI.
package app

import (
	"context"
	"fmt"
	"os"

	"securenotes-backend/internal/auth"
	"securenotes-backend/internal/config"
	"securenotes-backend/internal/keysource"
	"securenotes-backend/internal/repository"

	"github.com/rs/zerolog"
)

// OpenStore connects to the configured storage driver and brings its schema
// up to date.
func OpenStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	logger := zerolog.Ctx(ctx)

	switch cfg.StorageDriver {
	case config.DriverPostgres:
		store, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := Migrate(ctx, store, cfg.MigrationsPath); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil

	case config.DriverSQLite:
		store, err := repository.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite database")
		return store, nil
	}

	return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
}

// Migrate applies the SQL migration at path to a Postgres store.
func Migrate(ctx context.Context, store *repository.PostgresStore, path string) error {
	migrationSQL, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read migration %s: %w", path, err)
	}
	if err := store.RunMigrations(ctx, string(migrationSQL)); err != nil {
		return fmt.Errorf("failed to apply migration %s: %w", path, err)
	}
	zerolog.Ctx(ctx).Info().Str("path", path).Msg("database migrations applied")
	return nil
}

// LoadKeyring reads the token master keyring from the configured source.
func LoadKeyring(ctx context.Context, cfg *config.Config) (*auth.Keyring, error) {
	src := cfg.KeySource()

	var s3Source *keysource.S3Source
	if src.S3Bucket != "" {
		client, err := keysource.NewS3Client(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		s3Source = keysource.NewS3Source(client)
	}

	keyring, err := keysource.NewLoader(src, s3Source).Load(ctx)
	if err != nil {
		return nil, err
	}
	current, _ := keyring.Current()
	zerolog.Ctx(ctx).Info().Str("current", current).Int("versions", keyring.Len()).Msg("master keyring loaded")
	return keyring, nil
}
