package migrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vitebski/mysql-schema-migrator/internal/connector"
	"github.com/vitebski/mysql-schema-migrator/internal/schema"
	"github.com/vitebski/mysql-schema-migrator/pkg/models"
)

// Lock is the one-row lock table that keeps runs from overlapping
type Lock struct {
	conn   *connector.DatabaseConnector
	table  string
	logger *logrus.Logger
}

// NewLock creates a lock backed by table
func NewLock(conn *connector.DatabaseConnector, table string, logger *logrus.Logger) *Lock {
	return &Lock{conn: conn, table: table, logger: logger}
}

// lockRowID is the primary key of the only row of the lock table
const lockRowID = 1

// Ensure creates the lock table and seeds its row. Both statements are no-ops
// when another process got there first, so concurrent first runs end up with
// exactly one row.
func (l *Lock) Ensure(ctx context.Context) error {
	builder := schema.NewBuilder(l.conn.Store)
	err := builder.CreateTableIfNotExists(models.CreateTable{
		TableName: l.table,
		Fields: []models.Field{
			{Name: "id", Type: models.TypeInteger, Unsigned: true, Primary: true},
			{Name: "locked", Type: models.TypeBoolean},
		},
	})
	if err != nil {
		return err
	}
	builder.Raw(fmt.Sprintf("insert ignore into %s (id, locked) values (%d, 0)", schema.QuoteIdentifier(l.table), lockRowID))

	for _, statement := range builder.Statements() {
		if _, err := l.conn.ExecuteStatement(ctx, statement); err != nil {
			return fmt.Errorf("create lock table: %w", err)
		}
	}
	l.logger.Debugf("Migration lock table %s is ready", l.table)
	return nil
}

// Acquire takes the lock or fails with ErrLockHeld. The row is read with an
// exclusive row lock in the transaction that sets it, so two processes
// cannot both observe it unlocked.
func (l *Lock) Acquire(ctx context.Context) error {
	tx, err := l.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}

	table := schema.QuoteIdentifier(l.table)
	if err := l.take(ctx, tx, table); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			l.logger.Errorf("Error rolling back lock transaction: %v", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	l.logger.Debugf("Acquired migration lock %s", l.table)
	return nil
}

func (l *Lock) take(ctx context.Context, tx *sql.Tx, table string) error {
	var locked bool
	query := fmt.Sprintf("select locked from %s where id = %d for update", table, lockRowID)
	err := tx.QueryRowContext(ctx, query).Scan(&locked)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("acquire migration lock: lock row %d missing from %s", lockRowID, l.table)
	case err != nil:
	case locked:
		return ErrLockHeld
	default:
		_, err = tx.ExecContext(ctx, fmt.Sprintf("update %s set locked = 1 where id = %d", table, lockRowID))
	}
	if err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	return nil
}

// Release frees the lock
func (l *Lock) Release(ctx context.Context) error {
	query := fmt.Sprintf("update %s set locked = 0 where id = %d", schema.QuoteIdentifier(l.table), lockRowID)
	if _, err := l.conn.ExecuteStatement(ctx, query); err != nil {
		return fmt.Errorf("release migration lock: %w", err)
	}
	l.logger.Debugf("Released migration lock %s", l.table)
	return nil
}
