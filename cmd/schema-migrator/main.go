package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vitebski/mysql-schema-migrator/internal/config"
	"github.com/vitebski/mysql-schema-migrator/internal/connector"
	"github.com/vitebski/mysql-schema-migrator/internal/migrator"
	"github.com/vitebski/mysql-schema-migrator/internal/snapshot"
	"github.com/vitebski/mysql-schema-migrator/internal/utils"
	"github.com/vitebski/mysql-schema-migrator/pkg/models"
)

// app carries the flags and state shared by every command
type app struct {
	envFile       string
	logLevel      string
	directory     string
	dataDirectory string
	mapping       string

	logger *logrus.Logger
	config *config.Config
}

func main() {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "schema-migrator",
		Short: "Versioned and snapshot driven schema migrations for MySQL",
		Long: `MySQL Schema Migrator

Diffs entity mapping snapshots into DDL, and runs versioned migrations
across one or more MySQL stores under a lock, recording every run in a
ledger table.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.envFile, "env-file", "e", ".env", "Path to .env file")
	rootCmd.PersistentFlags().StringVarP(&a.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&a.directory, "directory", "d", "", "Migration directory (default: MIGRATOR_DIRECTORY or migrations)")
	rootCmd.PersistentFlags().StringVar(&a.dataDirectory, "data-directory", "", "Snapshot data directory (default: MIGRATOR_DATA_DIRECTORY or .data)")

	rootCmd.AddCommand(newMigrateCommand(a), newSnapshotCommand(a))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) setup() error {
	a.logger = utils.SetupLogging(a.logLevel)

	cfg, err := config.Load(a.envFile, a.logger)
	if err != nil {
		return err
	}
	if a.logLevel == "" && cfg.LogLevel != "" {
		if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			a.logger.SetLevel(level)
		}
	}
	if a.directory != "" {
		cfg.Directory = a.directory
	}
	if a.dataDirectory != "" {
		cfg.DataDirectory = a.dataDirectory
	}
	a.config = cfg
	return nil
}

// connect validates and opens every configured store
func (a *app) connect(ctx context.Context) (*connector.Manager, error) {
	for _, store := range a.config.Stores {
		if !utils.ValidateConnectionParams(store.Name, store.Host, store.User, store.Password, store.Database, store.Port, a.logger) {
			return nil, fmt.Errorf("invalid connection parameters for store %s", store.Name)
		}
	}
	return a.config.Connect(ctx, a.logger)
}

// runner builds a migration runner over stores with the migrations found in
// the configured directory
func (a *app) runner(stores *connector.Manager) (*migrator.Runner, error) {
	collection := migrator.NewCollection()
	if err := collection.LoadDirectory(a.config.Directory); err != nil {
		return nil, err
	}
	a.logger.Debugf("Loaded %d migration(s) from %s", collection.Len(), a.config.Directory)
	return migrator.NewRunner(collection, stores, a.config.MigratorOptions(), a.logger)
}

func (a *app) snapshots() *snapshot.Manager {
	return snapshot.NewManager(a.config.DataDirectory, false)
}

// snapshotName returns the optional snapshot name argument
func snapshotName(args []string) string {
	if len(args) == 0 {
		return snapshot.DefaultName
	}
	return args[0]
}

// currentMapping reads the snapshot of the entity mapping passed with --mapping
func (a *app) currentMapping() (models.Snapshot, error) {
	if a.mapping == "" {
		return nil, fmt.Errorf("--mapping is required")
	}
	return snapshot.LoadFile(a.mapping)
}
