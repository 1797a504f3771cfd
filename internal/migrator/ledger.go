package migrator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vitebski/mysql-schema-migrator/internal/connector"
	"github.com/vitebski/mysql-schema-migrator/internal/schema"
	"github.com/vitebski/mysql-schema-migrator/pkg/models"
)

// Entry is one executed migration
type Entry struct {
	Name          string
	Run           int64
	MigrationTime time.Time
}

// Ledger records executed migrations in a table of the default store
type Ledger struct {
	conn   *connector.DatabaseConnector
	table  string
	logger *logrus.Logger
}

// NewLedger creates a ledger backed by table
func NewLedger(conn *connector.DatabaseConnector, table string, logger *logrus.Logger) *Ledger {
	return &Ledger{conn: conn, table: table, logger: logger}
}

// Exists reports whether the ledger table has been created
func (l *Ledger) Exists(ctx context.Context) (bool, error) {
	return l.conn.TableExists(ctx, l.table)
}

// Ensure creates the ledger table when missing
func (l *Ledger) Ensure(ctx context.Context) error {
	exists, err := l.Exists(ctx)
	if err != nil || exists {
		return err
	}

	builder := schema.NewBuilder(l.conn.Store)
	err = builder.CreateTable(models.CreateTable{
		TableName: l.table,
		Fields: []models.Field{
			{Name: "id", GeneratedValue: models.GeneratedAutoIncrement},
			{Name: "name", Type: models.TypeString},
			{Name: "run", Type: models.TypeInteger},
			{Name: "migration_time", Type: models.TypeTimestamp},
		},
		Index: []models.Index{
			{Name: l.table + "_run_index", Fields: []string{"run"}},
			{Name: l.table + "_migration_time_index", Fields: []string{"migration_time"}},
		},
	})
	if err != nil {
		return err
	}
	for _, statement := range builder.Statements() {
		if _, err := l.conn.ExecuteStatement(ctx, statement); err != nil {
			return fmt.Errorf("create ledger table: %w", err)
		}
	}
	l.logger.Infof("Created migration ledger table %s", l.table)
	return nil
}

// LastName returns the most recently executed migration, or an empty string
// when nothing ran yet
func (l *Ledger) LastName(ctx context.Context) (string, error) {
	exists, err := l.Exists(ctx)
	if err != nil || !exists {
		return "", err
	}

	rows, err := l.conn.ExecuteQuery(ctx,
		fmt.Sprintf("select name from %s order by id desc limit 1", schema.QuoteIdentifier(l.table)))
	if err != nil {
		return "", fmt.Errorf("read last migration: %w", err)
	}
	if len(rows) == 0 {
		return "", nil
	}
	return fmt.Sprint(rows[0]["name"]), nil
}

// LastRunNames returns the migrations of the most recent run, newest first
func (l *Ledger) LastRunNames(ctx context.Context) ([]string, error) {
	exists, err := l.Exists(ctx)
	if err != nil || !exists {
		return nil, err
	}

	table := schema.QuoteIdentifier(l.table)
	rows, err := l.conn.ExecuteQuery(ctx,
		fmt.Sprintf("select name from %s where run = (select max(run) from %s) order by id desc", table, table))
	if err != nil {
		return nil, fmt.Errorf("read last run: %w", err)
	}

	names := make([]string, 0, len(rows))
	for _, row := range rows {
		names = append(names, fmt.Sprint(row["name"]))
	}
	return names, nil
}

// NextRun returns the identifier for a new run
func (l *Ledger) NextRun(ctx context.Context) (int64, error) {
	if err := l.conn.Connect(ctx); err != nil {
		return 0, err
	}

	var last int64
	query := fmt.Sprintf("select coalesce(max(run), 0) from %s", schema.QuoteIdentifier(l.table))
	if err := l.conn.DB.QueryRowContext(ctx, query).Scan(&last); err != nil {
		return 0, fmt.Errorf("read last run: %w", err)
	}
	return last + 1, nil
}

// Entries returns every executed migration in execution order
func (l *Ledger) Entries(ctx context.Context) ([]Entry, error) {
	exists, err := l.Exists(ctx)
	if err != nil || !exists {
		return nil, err
	}

	query := fmt.Sprintf("select name, run, migration_time from %s order by id", schema.QuoteIdentifier(l.table))
	rows, err := l.conn.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.Name, &entry.Run, &entry.MigrationTime); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Record appends an entry inside the run's transaction
func (l *Ledger) Record(ctx context.Context, tx *sql.Tx, name string, run int64) error {
	query := fmt.Sprintf("insert into %s (name, run, migration_time) values (?, ?, ?)", schema.QuoteIdentifier(l.table))
	if _, err := tx.ExecContext(ctx, query, name, run, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return nil
}

// Remove deletes an entry inside the run's transaction
func (l *Ledger) Remove(ctx context.Context, tx *sql.Tx, name string) error {
	query := fmt.Sprintf("delete from %s where name = ?", schema.QuoteIdentifier(l.table))
	result, err := tx.ExecContext(ctx, query, name)
	if err != nil {
		return fmt.Errorf("remove migration %s: %w", name, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		l.logger.Warningf("Migration %s was not recorded in %s", name, l.table)
	}
	return nil
}
