package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/burstgate/internal/config"
	"github.com/nextlevelbuilder/burstgate/internal/upgrade"
)

var (
	migrationsDir string
	migrateDSN    string
)

// resolveMigrationsDir picks --migrations-dir, then BURSTGATE_MIGRATIONS_DIR,
// then ./migrations beside the binary.
func resolveMigrationsDir() string {
	if migrationsDir != "" {
		return migrationsDir
	}
	if v := os.Getenv("BURSTGATE_MIGRATIONS_DIR"); v != "" {
		return v
	}
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// resolveDSN prefers --dsn over the configured buffer DSN.
func resolveDSN() (string, error) {
	if migrateDSN != "" {
		return migrateDSN, nil
	}
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	if cfg.Buffer.PostgresDSN == "" {
		return "", errors.New("no postgres DSN: set BURSTGATE_POSTGRES_DSN or pass --dsn")
	}
	return cfg.Buffer.PostgresDSN, nil
}

// withMigrator opens a migrator on dsn, runs fn and logs the resulting version.
func withMigrator(dsn, op string, fn func(m *migrate.Migrate) error) error {
	m, err := migrate.New("file://"+resolveMigrationsDir(), dsn)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	if err := fn(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", op, err)
	}
	v, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read version: %w", err)
	}
	slog.Info("migrate."+op, "version", v, "dirty", dirty)
	return nil
}

// runMigrateUp applies every pending migration. serve calls it when
// BURSTGATE_AUTO_MIGRATE=true.
func runMigrateUp(dsn string) error {
	return withMigrator(dsn, "up", func(m *migrate.Migrate) error { return m.Up() })
}

// migrateRunE wraps a migrator operation as a cobra RunE.
func migrateRunE(op string, build func(args []string) (func(*migrate.Migrate) error, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		setupLogging()
		fn, err := build(args)
		if err != nil {
			return err
		}
		dsn, err := resolveDSN()
		if err != nil {
			return err
		}
		return withMigrator(dsn, op, fn)
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres buffer schema",
	}
	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "migrations directory (default: ./migrations beside the binary)")
	cmd.PersistentFlags().StringVar(&migrateDSN, "dsn", "", "postgres DSN (default: BURSTGATE_POSTGRES_DSN)")

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: migrateRunE("down", func([]string) (func(*migrate.Migrate) error, error) {
			if steps <= 0 {
				return nil, fmt.Errorf("--steps must be positive, got %d", steps)
			}
			return func(m *migrate.Migrate) error { return m.Steps(-steps) }, nil
		}),
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "number of migrations to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: migrateRunE("up", func([]string) (func(*migrate.Migrate) error, error) {
				return func(m *migrate.Migrate) error { return m.Up() }, nil
			}),
		},
		down,
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the recorded version without running migrations (clears dirty)",
			Args:  cobra.ExactArgs(1),
			RunE: migrateRunE("force", func(args []string) (func(*migrate.Migrate) error, error) {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return nil, fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				return func(m *migrate.Migrate) error { return m.Force(v) }, nil
			}),
		},
		&cobra.Command{
			Use:   "goto <version>",
			Short: "Migrate up or down to a specific version",
			Args:  cobra.ExactArgs(1),
			RunE: migrateRunE("goto", func(args []string) (func(*migrate.Migrate) error, error) {
				v, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return nil, fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				return func(m *migrate.Migrate) error { return m.Migrate(uint(v)) }, nil
			}),
		},
		migrateVersionCmd(),
	)
	return cmd
}

// migrateVersionCmd reports the schema through the same check serve runs at startup.
func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Aliases: []string{"status"},
		Short:   "Show the schema version and whether serve will accept it",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := resolveDSN()
			if err != nil {
				return err
			}
			db, err := sql.Open("pgx", dsn)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			status, err := upgrade.CheckSchema(context.Background(), db)
			if err != nil {
				return err
			}
			if status.CurrentVersion == 0 && !status.Dirty {
				fmt.Println("version: none (no migrations applied)")
			} else {
				fmt.Printf("version: %d, dirty: %v\n", status.CurrentVersion, status.Dirty)
			}
			fmt.Printf("required: %d\n", status.RequiredVersion)
			if !status.Compatible {
				fmt.Print(upgrade.FormatError(status))
			}
			return nil
		},
	}
}
