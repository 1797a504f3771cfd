package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/vitebski/mysql-schema-migrator/internal/connector"
	"github.com/vitebski/mysql-schema-migrator/internal/migrator"
)

const (
	DefaultStoreName     = "defaultStore"
	DefaultDirectory     = "migrations"
	DefaultDataDirectory = ".data"
	DefaultTable         = "wetland_migrations"
	DefaultLockTable     = "wetland_migrations_lock"
)

var storeNameRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// StoreConfig holds the connection parameters of one store
type StoreConfig struct {
	Name     string
	Host     string
	User     string
	Password string
	Database string
	Port     string
}

// Config holds the migrator configuration.
type Config struct {
	DefaultStore  string
	Stores        []StoreConfig
	Directory     string
	DataDirectory string
	Table         string
	LockTable     string
	Template      string
	LogLevel      string
}

// Load reads configuration from envFile and environment variables. A missing
// env file is not an error.
func Load(envFile string, logger *logrus.Logger) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("loading %s: %w", envFile, err)
			}
			logger.Debugf("Loaded environment variables from %s", envFile)
		} else if _, err := os.Stat(envFile + ".sample"); err == nil {
			logger.Infof("No %s file found, but %s.sample exists. Consider copying it to %s.", envFile, envFile, envFile)
		}
	}

	return FromEnvironment()
}

// FromEnvironment builds the configuration from MYSQL_* and MIGRATOR_*
// variables. Every store named in MIGRATOR_STORES reads MYSQL_<NAME>_*
// and falls back to the default store for everything but the database.
func FromEnvironment() (*Config, error) {
	cfg := &Config{
		DefaultStore:  getEnv("MIGRATOR_DEFAULT_STORE", DefaultStoreName),
		Directory:     getEnv("MIGRATOR_DIRECTORY", DefaultDirectory),
		DataDirectory: getEnv("MIGRATOR_DATA_DIRECTORY", DefaultDataDirectory),
		Table:         getEnv("MIGRATOR_TABLE", DefaultTable),
		LockTable:     getEnv("MIGRATOR_LOCK_TABLE", DefaultLockTable),
		Template:      os.Getenv("MIGRATOR_TEMPLATE"),
		LogLevel:      os.Getenv("MIGRATOR_LOG_LEVEL"),
	}

	base := StoreConfig{
		Name:     cfg.DefaultStore,
		Host:     getEnv("MYSQL_HOST", "localhost"),
		User:     getEnv("MYSQL_USER", "root"),
		Password: os.Getenv("MYSQL_PASSWORD"),
		Database: os.Getenv("MYSQL_DATABASE"),
		Port:     getEnv("MYSQL_PORT", "3306"),
	}
	cfg.Stores = append(cfg.Stores, base)

	seen := map[string]bool{cfg.DefaultStore: true}
	for _, name := range strings.Split(os.Getenv("MIGRATOR_STORES"), ",") {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		if !storeNameRegex.MatchString(name) {
			return nil, fmt.Errorf("invalid store name %q in MIGRATOR_STORES", name)
		}
		seen[name] = true

		prefix := "MYSQL_" + strings.ToUpper(name) + "_"
		store := StoreConfig{
			Name:     name,
			Host:     getEnv(prefix+"HOST", base.Host),
			User:     getEnv(prefix+"USER", base.User),
			Password: getEnv(prefix+"PASSWORD", base.Password),
			Database: os.Getenv(prefix + "DATABASE"),
			Port:     getEnv(prefix+"PORT", base.Port),
		}
		if store.Database == "" {
			return nil, fmt.Errorf("%sDATABASE is required for store %s", prefix, name)
		}
		cfg.Stores = append(cfg.Stores, store)
	}

	return cfg, nil
}

// MigratorOptions returns the runner options
func (c *Config) MigratorOptions() migrator.Options {
	return migrator.Options{
		Table:         c.Table,
		LockTable:     c.LockTable,
		Directory:     c.Directory,
		DataDirectory: c.DataDirectory,
		Template:      c.Template,
	}
}

// Connect opens every configured store. Already opened stores are closed
// when one of them fails.
func (c *Config) Connect(ctx context.Context, logger *logrus.Logger) (*connector.Manager, error) {
	stores := c.Manager(logger)
	for _, name := range stores.Names() {
		conn, err := stores.Get(name)
		if err != nil {
			stores.Close()
			return nil, err
		}
		if err := conn.Connect(ctx); err != nil {
			stores.Close()
			return nil, fmt.Errorf("store %s: %w", name, err)
		}
	}
	return stores, nil
}

// Manager registers a connector per store without opening them
func (c *Config) Manager(logger *logrus.Logger) *connector.Manager {
	stores := connector.NewManager(c.DefaultStore, logger)
	for _, store := range c.Stores {
		stores.Register(store.Name, connector.NewDatabaseConnector(store.Host, store.User, store.Password, store.Database, store.Port, logger))
	}
	return stores
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
