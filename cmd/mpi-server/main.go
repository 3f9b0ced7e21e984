package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/mpi/internal/config"
	"github.com/ehr/mpi/internal/domain/mpi"
	"github.com/ehr/mpi/internal/platform/db"
	"github.com/ehr/mpi/internal/platform/phi"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mpi-server",
		Short: "Master Patient Index matching engine",
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(rebuildCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			dir, _ := cmd.Flags().GetString("dir")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaFor(name))
			if err := db.CreateTenantSchema(ctx, pool, name, dir); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")
	createCmd.Flags().String("dir", "./migrations", "Path to migrations directory")

	cmd.AddCommand(createCmd)
	return cmd
}

// rebuildCmd hydrates the engine for a tenant from persisted state and
// reports the resulting index, master, and review counts. Useful after
// threshold or weight changes to verify the persisted state still loads.
func rebuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the in-memory index from persisted records",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			logger := newLogger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			var repo mpi.MasterRepository
			if cfg.PHIEncryptionKey != "" {
				key, err := phi.ParseKey(cfg.PHIEncryptionKey)
				if err != nil {
					return err
				}
				enc, err := phi.NewRotatingEncryptor(key, 1)
				if err != nil {
					return err
				}
				repo = mpi.NewMasterRepoWithEncryption(pool, enc)
				logger.Info().Msg("identifier encryption enabled")
			} else {
				repo = mpi.NewMasterRepoPG(pool)
				logger.Warn().Msg("PHI_ENCRYPTION_KEY not set; identifiers stored in plaintext")
			}

			engine, err := mpi.NewMatchEngine(mpi.EngineConfig{
				Tenant: tenant,
				Thresholds: mpi.Thresholds{
					Exact:    cfg.ExactThreshold,
					Probable: cfg.ProbableThreshold,
					Possible: cfg.PossibleThreshold,
				},
				Weights: mpi.ScoringWeights{
					FirstName:   cfg.WeightFirstName,
					LastName:    cfg.WeightLastName,
					DateOfBirth: cfg.WeightDOB,
					SSNLast4:    cfg.WeightSSNLast4,
				},
				CandidateCap:  cfg.CandidateCap,
				CommitRetries: cfg.CommitRetries,
				BirthYearPass: cfg.BlockingBirthYear,
			}, repo, logger)
			if err != nil {
				return err
			}

			err = db.WithTenantConn(ctx, pool, tenant, func(ctx context.Context) error {
				return engine.Hydrate(ctx)
			})
			if err != nil {
				return fmt.Errorf("rebuild tenant %s: %w", tenant, err)
			}

			stats := db.GetPoolStats(pool)
			logger.Info().
				Str("tenant", tenant).
				Int("masters", engine.Store().Count()).
				Int("indexed_records", engine.IndexLen()).
				Int("pending_reviews", engine.Reviews().Len()).
				Int32("pool_conns", stats.TotalConns).
				Msg("rebuild complete")
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "Tenant to rebuild (defaults to DEFAULT_TENANT)")
	return cmd
}
