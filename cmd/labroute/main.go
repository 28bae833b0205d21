package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/labroute/internal/config"
	"github.com/ehr/labroute/internal/domain/filter"
	"github.com/ehr/labroute/internal/domain/lineage"
	"github.com/ehr/labroute/internal/domain/schema"
	"github.com/ehr/labroute/internal/domain/settings"
	"github.com/ehr/labroute/internal/platform/db"
	"github.com/ehr/labroute/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "labroute",
		Short:         "Lab report transformation and routing engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(filtersCmd())
	rootCmd.AddCommand(lineageCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the routing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// loadConfig loads and validates the configuration and builds the logger
// every subcommand shares.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, logger, err
	}
	return cfg, logger, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func migrationsFS(cfg *config.Config) fs.FS {
	if cfg.MigrationsDir != "" {
		return os.DirFS(cfg.MigrationsDir)
	}
	return migrations.FS
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the lineage database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.UsesPostgres() {
				return errors.New("DATABASE_URL is required to run migrations")
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationsFS(cfg), logger).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.UsesPostgres() {
				return errors.New("DATABASE_URL is required to read migration status")
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationsFS(cfg), logger).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect translation schemas",
	}

	validateCmd := &cobra.Command{
		Use:   "validate <name>",
		Short: "Resolve a schema and report every violation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kindFlag, _ := cmd.Flags().GetString("kind")
			kind, err := schema.ParseKind(kindFlag)
			if err != nil {
				return err
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			source, err := schemaSource(cfg, nil)
			if err != nil {
				return err
			}
			resolver := schema.NewResolver(source, schema.WithTimeout(cfg.SchemaLoadTimeout), schema.WithLogger(logger))
			return validateSchema(cmd, resolver, args[0], kind)
		},
	}
	validateCmd.Flags().String("kind", string(schema.KindFHIRToHL7), "Schema kind: hl7-to-fhir, fhir-to-hl7 or fhir-transform")
	cmd.AddCommand(validateCmd)

	return cmd
}

func validateSchema(cmd *cobra.Command, resolver *schema.Resolver, name string, kind schema.Kind) error {
	s, err := resolver.Resolve(cmd.Context(), name, kind)
	if err != nil {
		if se, ok := schema.AsSchemaError(err); ok {
			for _, v := range se.Violations {
				fmt.Fprintln(cmd.ErrOrStderr(), v.String())
			}
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (revision %s)\n", s.URI, s.Revision)
	return nil
}

func filtersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filters",
		Short: "Inspect routing filters",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Compile every filter in the settings file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			return validateSettings(cmd, cfg.SettingsFile)
		},
	})

	return cmd
}

func validateSettings(cmd *cobra.Command, path string) error {
	s, err := settings.Load(path)
	if err != nil {
		return err
	}
	if err := s.Validate(filter.DefaultRegistry()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d organization(s), all filters compile\n", path, len(s.Organizations))
	return nil
}

func lineageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lineage",
		Short: "Query report lineage",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "root <report-id>",
		Short: "Print the submission a report descends from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid report id: %w", err)
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.UsesPostgres() {
				return errors.New("DATABASE_URL is required to query lineage")
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			return printRoot(cmd, lineage.NewService(lineage.NewRepoPG(pool), logger), id)
		},
	})

	return cmd
}

func printRoot(cmd *cobra.Command, svc *lineage.Service, id uuid.UUID) error {
	walk, err := svc.WalkToRoot(cmd.Context(), id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for i, hop := range walk.Path {
		fmt.Fprintf(out, "%d %s\n", i, hop)
	}
	for _, inc := range walk.Inconsistencies {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", inc.Error())
	}
	if len(walk.Path) == 1 && len(walk.Inconsistencies) == 0 {
		fmt.Fprintf(out, "%s is a submission\n", id)
		return nil
	}
	fmt.Fprintf(out, "root %s (%s, %s)\n", walk.Root.ID, walk.Root.Stage, walk.Root.CreatedAt.Format(time.RFC3339))
	return nil
}
