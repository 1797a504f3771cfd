package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vitebski/mysql-schema-migrator/internal/connector"
	"github.com/vitebski/mysql-schema-migrator/pkg/models"
)

// ErrNoStores is returned when applying without store connections
var ErrNoStores = errors.New("no store connections configured")

// Execer is satisfied by *sql.DB and *sql.Tx
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Executor turns an instruction set into per-store statements and either
// renders or applies them
type Executor struct {
	stores   *connector.Manager
	logger   *logrus.Logger
	builders map[string]*Builder
	order    []string
}

// NewExecutor creates an executor. stores may be nil when only rendering.
func NewExecutor(stores *connector.Manager, logger *logrus.Logger) *Executor {
	return &Executor{
		stores:   stores,
		logger:   logger,
		builders: make(map[string]*Builder),
	}
}

// Process renders the instructions into the executor's builders
func (e *Executor) Process(instructions models.Instructions) (*Executor, error) {
	for _, store := range instructions.Stores() {
		if err := Build(e.Builder(store), instructions[store]); err != nil {
			return nil, fmt.Errorf("store %s: %w", store, err)
		}
	}
	return e, nil
}

// Builder returns the builder of a store, creating it when needed
func (e *Executor) Builder(store string) *Builder {
	builder, ok := e.builders[store]
	if !ok {
		builder = NewBuilder(store)
		e.builders[store] = builder
		e.order = append(e.order, store)
	}
	return builder
}

// Stores returns the stores with pending statements, in processing order
func (e *Executor) Stores() []string {
	var stores []string
	for _, store := range e.order {
		if len(e.builders[store].statements) > 0 {
			stores = append(stores, store)
		}
	}
	return stores
}

// SQL renders every pending statement without executing anything
func (e *Executor) SQL() string {
	var scripts []string
	for _, store := range e.Stores() {
		scripts = append(scripts, e.builders[store].SQL())
	}
	return strings.Join(scripts, "\n")
}

// Apply runs each store's statements inside that store's transaction. Stores
// run concurrently; the first error cancels the others and is returned.
func (e *Executor) Apply(ctx context.Context) error {
	stores := e.Stores()
	if len(stores) == 0 {
		e.logger.Info("Schema is up to date, nothing to apply")
		return nil
	}
	if e.stores == nil {
		return ErrNoStores
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, store := range stores {
		store := store
		statements := e.builders[store].Statements()
		g.Go(func() error {
			return e.applyStore(ctx, store, statements)
		})
	}
	return g.Wait()
}

func (e *Executor) applyStore(ctx context.Context, store string, statements []string) error {
	conn, err := e.stores.Get(store)
	if err != nil {
		return err
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store %s: %w", store, err)
	}

	if err := ExecAll(ctx, tx, statements, e.logger); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			e.logger.Errorf("Error rolling back store %s: %v", store, rbErr)
		}
		return fmt.Errorf("store %s: %w", store, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store %s: commit: %w", store, err)
	}
	e.logger.Infof("Applied %d statement(s) to store %s", len(statements), store)
	return nil
}

// ExecAll executes statements in order and stops at the first failure
func ExecAll(ctx context.Context, execer Execer, statements []string, logger *logrus.Logger) error {
	for _, statement := range statements {
		logger.Debugf("Executing: %s", statement)
		if _, err := execer.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("executing %q: %w", statement, err)
		}
	}
	return nil
}

// Build appends the statements of one store's instructions to a builder.
// Renames run first since alters are keyed by the new table name; foreign
// keys are dropped before any table so no drop is blocked by a constraint.
func Build(builder *Builder, instructions *models.StoreInstructions) error {
	for _, rename := range instructions.Rename {
		builder.RenameTable(rename.From, rename.To)
	}

	tables := instructions.AlteredTables()
	for _, table := range tables {
		builder.DropForeign(table, instructions.Alter[table].DropForeign)
	}

	for _, table := range instructions.Drop {
		builder.DropTable(table)
	}

	for _, create := range instructions.Create {
		if err := builder.CreateTable(create); err != nil {
			return err
		}
	}

	dropped := make(map[string]bool, len(instructions.Drop))
	for _, table := range instructions.Drop {
		dropped[table] = true
	}
	for _, table := range tables {
		if dropped[table] && !recreated(instructions, table) {
			continue
		}
		if err := builder.AlterTable(table, instructions.Alter[table]); err != nil {
			return err
		}
	}
	return nil
}

func recreated(instructions *models.StoreInstructions, table string) bool {
	for _, create := range instructions.Create {
		if create.TableName == table {
			return true
		}
	}
	return false
}
