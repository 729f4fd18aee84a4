package main

import (
	"context"
	"fmt"

	"securenotes-backend/internal/app"
	"securenotes-backend/internal/auth"
	"securenotes-backend/internal/config"
	"securenotes-backend/internal/crypto"
	"securenotes-backend/internal/logging"
	"securenotes-backend/internal/repository"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	verbose bool
	envFile string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "notesctl",
		Short: "Administer a securenotes backend",
		Long: `notesctl performs maintenance on a securenotes deployment.

It reads the same environment (and optional .env file) as the server.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load if present")

	sessions := &cobra.Command{
		Use:   "sessions",
		Short: "Manage user sessions",
	}
	sessions.AddCommand(newPruneCmd())

	root.AddCommand(newKeygenCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(sessions)
	return root
}

func newKeygenCmd() *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print a new master keyring entry",
		Long: `Generates a random master key and prints it as a keyring entry.

Prepend the entry to MASTER_KEYS (or the keyring file) to rotate: the first
entry signs new tokens, older entries keep existing tokens valid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if version == "" {
				return fmt.Errorf("--version must not be empty")
			}
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			defer key.Zero()

			entry := auth.FormatKeyEntry(version, key)
			if _, err := auth.ParseKeyring(entry); err != nil {
				return fmt.Errorf("generated entry does not parse: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), entry)
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "v1", "key version label, used as the token kid")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			// Opening the store migrates it.
			store, err := app.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", cfg.StorageDriver)
			return nil
		},
	}
}

func newPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete expired sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			store, err := app.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			registry := auth.NewSessionRegistry()
			var pruned int64
			err = repository.WithTx(ctx, store, func(tx repository.Tx) error {
				n, err := registry.Prune(ctx, tx)
				pruned = n
				return err
			})
			if err != nil {
				return fmt.Errorf("prune sessions: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d expired sessions\n", pruned)
			return nil
		},
	}
}

// setup loads the environment and returns a context carrying the logger.
func setup(cmd *cobra.Command) (context.Context, *config.Config, error) {
	_ = godotenv.Load(envFile)

	var cfg config.Config
	if err := config.LoadStorage(&cfg); err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}

	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	logger := logging.New(cmd.ErrOrStderr(), level, cfg.LogPretty)
	return logger.WithContext(cmd.Context()), &cfg, nil
}
