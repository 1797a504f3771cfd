package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
)

// DatabaseConnector handles the connection to one store and query execution
type DatabaseConnector struct {
	Store    string
	Host     string
	User     string
	Password string
	Database string
	Port     string
	DB       *sql.DB
	Logger   *logrus.Logger
}

// NewDatabaseConnector creates a new database connector. Empty parameters
// fall back to the MYSQL_* environment variables.
func NewDatabaseConnector(host, user, password, database, port string, logger *logrus.Logger) *DatabaseConnector {
	if host == "" {
		host = getEnvOrDefault("MYSQL_HOST", "localhost")
	}
	if user == "" {
		user = getEnvOrDefault("MYSQL_USER", "root")
	}
	if password == "" {
		password = getEnvOrDefault("MYSQL_PASSWORD", "")
	}
	if database == "" {
		database = getEnvOrDefault("MYSQL_DATABASE", "")
	}
	if port == "" {
		port = getEnvOrDefault("MYSQL_PORT", "3306")
	}

	return &DatabaseConnector{
		Host:     host,
		User:     user,
		Password: password,
		Database: database,
		Port:     port,
		Logger:   logger,
	}
}

// FromDB wraps an already opened database
func FromDB(store string, db *sql.DB, logger *logrus.Logger) *DatabaseConnector {
	return &DatabaseConnector{Store: store, DB: db, Logger: logger}
}

// DSN builds the driver data source name
func (dc *DatabaseConnector) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = dc.User
	cfg.Passwd = dc.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(dc.Host, dc.Port)
	cfg.DBName = dc.Database
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

// Connect establishes a connection to the MySQL database
func (dc *DatabaseConnector) Connect(ctx context.Context) error {
	if dc.DB != nil {
		return nil
	}
	if dc.Database == "" {
		return fmt.Errorf("store %s: database name must be provided either as an argument or as MYSQL_DATABASE environment variable", dc.Store)
	}

	db, err := sql.Open("mysql", dc.DSN())
	if err != nil {
		dc.Logger.Errorf("Error connecting to MySQL database: %v", err)
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		dc.Logger.Errorf("Error pinging MySQL database: %v", err)
		db.Close()
		return err
	}

	dc.DB = db
	dc.Logger.Infof("Connected to MySQL database %s for store %s", dc.Database, dc.Store)
	return nil
}

// Disconnect closes the database connection
func (dc *DatabaseConnector) Disconnect() {
	if dc.DB == nil {
		return
	}
	if err := dc.DB.Close(); err != nil {
		dc.Logger.Errorf("Error closing database connection: %v", err)
	} else {
		dc.Logger.Debugf("MySQL connection for store %s closed", dc.Store)
	}
	dc.DB = nil
}

// ExecuteQuery executes a SQL query and returns the results
func (dc *DatabaseConnector) ExecuteQuery(ctx context.Context, query string, params ...interface{}) ([]map[string]interface{}, error) {
	if err := dc.Connect(ctx); err != nil {
		return nil, err
	}

	rows, err := dc.DB.QueryContext(ctx, query, params...)
	if err != nil {
		dc.logError("Error executing query", err)
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		dc.Logger.Errorf("Error getting columns: %v", err)
		return nil, err
	}

	var results []map[string]interface{}

	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range columns {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			dc.Logger.Errorf("Error scanning row: %v", err)
			return nil, err
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			// Text columns arrive as raw bytes
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}

		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		dc.Logger.Errorf("Error iterating rows: %v", err)
		return nil, err
	}

	return results, nil
}

// ExecuteStatement executes a SQL statement and returns the number of affected rows
func (dc *DatabaseConnector) ExecuteStatement(ctx context.Context, query string, params ...interface{}) (int64, error) {
	if err := dc.Connect(ctx); err != nil {
		return 0, err
	}

	result, err := dc.DB.ExecContext(ctx, query, params...)
	if err != nil {
		dc.logError("Error executing statement", err)
		return 0, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		dc.Logger.Errorf("Error getting affected rows: %v", err)
		return 0, err
	}

	return affected, nil
}

// Begin starts a transaction on the store
func (dc *DatabaseConnector) Begin(ctx context.Context) (*sql.Tx, error) {
	if err := dc.Connect(ctx); err != nil {
		return nil, err
	}

	tx, err := dc.DB.BeginTx(ctx, nil)
	if err != nil {
		dc.Logger.Errorf("Error starting transaction: %v", err)
		return nil, err
	}
	return tx, nil
}

// TableExists reports whether the current database has the table
func (dc *DatabaseConnector) TableExists(ctx context.Context, table string) (bool, error) {
	return dc.exists(ctx,
		"select count(*) from information_schema.tables where table_schema = database() and table_name = ?",
		table)
}

// ColumnExists reports whether the table in the current database has the column
func (dc *DatabaseConnector) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	return dc.exists(ctx,
		"select count(*) from information_schema.columns where table_schema = database() and table_name = ? and column_name = ?",
		table, column)
}

func (dc *DatabaseConnector) exists(ctx context.Context, query string, params ...interface{}) (bool, error) {
	if err := dc.Connect(ctx); err != nil {
		return false, err
	}

	var count int64
	if err := dc.DB.QueryRowContext(ctx, query, params...).Scan(&count); err != nil {
		dc.logError("Error inspecting schema", err)
		return false, err
	}
	return count > 0, nil
}

// logError adds the server error number when the driver reports one
func (dc *DatabaseConnector) logError(message string, err error) {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		dc.Logger.Errorf("%s on store %s: MySQL error %d: %s", message, dc.Store, mysqlErr.Number, mysqlErr.Message)
		return
	}
	dc.Logger.Errorf("%s on store %s: %v", message, dc.Store, err)
}

// getEnvOrDefault gets an environment variable or returns a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
