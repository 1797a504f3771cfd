// Package migrator runs versioned migrations under a lock and records them
// in a ledger.
package migrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vitebski/mysql-schema-migrator/internal/connector"
	"github.com/vitebski/mysql-schema-migrator/internal/differ"
	"github.com/vitebski/mysql-schema-migrator/internal/generator"
	"github.com/vitebski/mysql-schema-migrator/internal/schema"
	"github.com/vitebski/mysql-schema-migrator/internal/snapshot"
	"github.com/vitebski/mysql-schema-migrator/pkg/models"
)

// Options configures a Runner
type Options struct {
	Table         string
	LockTable     string
	Directory     string
	DataDirectory string
	Template      string
}

// Result describes what a run did or would do
type Result struct {
	Direction Direction
	Action    Action
	Names     []string
	Run       int64
	SQL       string
}

// Status is one migration as seen by the ledger
type Status struct {
	Name          string
	Applied       bool
	Run           int64
	MigrationTime time.Time
	// Missing marks a ledger entry whose migration is no longer known
	Missing bool
}

// Runner moves the ledger forward and backward through a collection
type Runner struct {
	collection   *Collection
	stores       *connector.Manager
	ledger       *Ledger
	lock         *Lock
	generator    *generator.MigrationGenerator
	devSnapshots *snapshot.Manager
	logger       *logrus.Logger
}

// NewRunner creates a runner. The ledger and lock tables live in the default store.
func NewRunner(collection *Collection, stores *connector.Manager, options Options, logger *logrus.Logger) (*Runner, error) {
	conn, err := stores.Get("")
	if err != nil {
		return nil, fmt.Errorf("ledger store: %w", err)
	}

	return &Runner{
		collection:   collection,
		stores:       stores,
		ledger:       NewLedger(conn, options.Table, logger),
		lock:         NewLock(conn, options.LockTable, logger),
		generator:    generator.NewMigrationGenerator(options.Directory, options.Template, logger),
		devSnapshots: snapshot.NewManager(options.DataDirectory, true),
		logger:       logger,
	}, nil
}

// Up runs the next pending migration
func (r *Runner) Up(ctx context.Context, action Action) (*Result, error) {
	pending, err := r.pending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) > 1 {
		pending = pending[:1]
	}
	return r.Run(ctx, Up, action, pending)
}

// Latest runs every pending migration as one run
func (r *Runner) Latest(ctx context.Context, action Action) (*Result, error) {
	pending, err := r.pending(ctx)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, Up, action, pending)
}

// Down reverts the most recently executed migration
func (r *Runner) Down(ctx context.Context, action Action) (*Result, error) {
	last, err := r.ledger.LastName(ctx)
	if err != nil {
		return nil, err
	}
	if last == "" {
		return r.Run(ctx, Down, action, nil)
	}
	return r.Run(ctx, Down, action, []string{last})
}

// Revert reverts every migration of the most recent run, newest first
func (r *Runner) Revert(ctx context.Context, action Action) (*Result, error) {
	names, err := r.ledger.LastRunNames(ctx)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, Down, action, names)
}

func (r *Runner) pending(ctx context.Context) ([]string, error) {
	last, err := r.ledger.LastName(ctx)
	if err != nil {
		return nil, err
	}
	return r.collection.After(last), nil
}

// Run executes or renders the named migrations in the given order. Rendering
// never touches the lock or the ledger.
func (r *Runner) Run(ctx context.Context, direction Direction, action Action, names []string) (*Result, error) {
	result := &Result{Direction: direction, Action: action, Names: names}
	if len(names) == 0 {
		r.logger.Info("No migrations to run")
		return result, nil
	}

	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		migration, err := r.collection.Get(name)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, migration)
	}

	if action == Render {
		return r.render(ctx, direction, migrations, result)
	}
	return r.execute(ctx, direction, migrations, result)
}

func (r *Runner) render(ctx context.Context, direction Direction, migrations []Migration, result *Result) (*Result, error) {
	current := newRun(ctx, Render, r.stores, r.logger)

	var scripts []string
	for _, migration := range migrations {
		script, err := current.migrate(migration, direction)
		if err != nil {
			return nil, err
		}
		if script != "" {
			scripts = append(scripts, script)
		}
	}

	result.SQL = strings.Join(scripts, "\n")
	return result, nil
}

func (r *Runner) execute(ctx context.Context, direction Direction, migrations []Migration, result *Result) (_ *Result, err error) {
	if err := r.lock.Ensure(ctx); err != nil {
		return nil, err
	}
	if err := r.ledger.Ensure(ctx); err != nil {
		return nil, err
	}

	if err := r.lock.Acquire(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if releaseErr := r.lock.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			r.logger.Errorf("Error releasing migration lock: %v", releaseErr)
			if err == nil {
				err = releaseErr
			}
		}
	}()

	if direction == Up {
		if result.Run, err = r.ledger.NextRun(ctx); err != nil {
			return nil, err
		}
	}

	current := newRun(ctx, Execute, r.stores, r.logger)
	if err := r.migrateAll(current, direction, migrations, result); err != nil {
		current.rollback()
		return nil, err
	}
	if err := current.commit(); err != nil {
		return nil, err
	}

	r.logger.Infof("Ran %d migration(s) %s: %s", len(result.Names), direction, strings.Join(result.Names, ", "))
	return result, nil
}

func (r *Runner) migrateAll(current *run, direction Direction, migrations []Migration, result *Result) error {
	var scripts []string
	for _, migration := range migrations {
		r.logger.Infof("Running migration %s (%s)", migration.Name, direction)
		script, err := current.migrate(migration, direction)
		if err != nil {
			return err
		}
		if script != "" {
			scripts = append(scripts, script)
		}
	}
	result.SQL = strings.Join(scripts, "\n")

	tx, err := current.transaction(r.ledger.conn.Store)
	if err != nil {
		return err
	}
	for _, migration := range migrations {
		if direction == Up {
			err = r.ledger.Record(current.ctx, tx, migration.Name, result.Run)
		} else {
			err = r.ledger.Remove(current.ctx, tx, migration.Name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Status lists every known migration with its ledger entry, followed by
// entries whose migration is no longer known
func (r *Runner) Status(ctx context.Context) ([]Status, error) {
	entries, err := r.ledger.Entries(ctx)
	if err != nil {
		return nil, err
	}

	applied := make(map[string]Entry, len(entries))
	for _, entry := range entries {
		applied[entry.Name] = entry
	}

	var statuses []Status
	for _, name := range r.collection.Names() {
		status := Status{Name: name}
		if entry, ok := applied[name]; ok {
			status.Applied = true
			status.Run = entry.Run
			status.MigrationTime = entry.MigrationTime
			delete(applied, name)
		}
		statuses = append(statuses, status)
	}
	for _, entry := range entries {
		if _, ok := applied[entry.Name]; ok {
			statuses = append(statuses, Status{
				Name:          entry.Name,
				Applied:       true,
				Run:           entry.Run,
				MigrationTime: entry.MigrationTime,
				Missing:       true,
			})
		}
	}
	return statuses, nil
}

// Create writes a new migration file from the template
func (r *Runner) Create(name string) (string, error) {
	return r.generator.Create(name)
}

// CreateFromDiff writes a migration whose up section migrates oldSnapshot to
// newSnapshot and whose down section migrates back
func (r *Runner) CreateFromDiff(name string, oldSnapshot, newSnapshot models.Snapshot) (string, error) {
	up, err := r.script(oldSnapshot, newSnapshot)
	if err != nil {
		return "", err
	}
	down, err := r.script(newSnapshot, oldSnapshot)
	if err != nil {
		return "", err
	}
	return r.generator.CreateFromSQL(name, up, down)
}

// script renders a diff as migration file statements, one store section at a time
func (r *Runner) script(from, to models.Snapshot) (string, error) {
	instructions, err := differ.Diff(from, to, r.stores.DefaultStore())
	if err != nil {
		return "", err
	}
	executor, err := schema.NewExecutor(nil, r.logger).Process(instructions)
	if err != nil {
		return "", err
	}

	var sections []string
	for _, store := range executor.Stores() {
		sections = append(sections, fmt.Sprintf("%sstore %s\n%s", directivePrefix, store, executor.Builder(store).SQL()))
	}
	return strings.Join(sections, "\n"), nil
}

// Dev brings the stores from the last dev snapshot to current without a
// migration file. When executing, current becomes the new dev snapshot.
func (r *Runner) Dev(ctx context.Context, action Action, current models.Snapshot) (*Result, error) {
	previous, err := r.devSnapshots.FetchOrEmpty(snapshot.DefaultName)
	if err != nil {
		return nil, err
	}

	instructions, err := differ.Diff(previous, current, r.stores.DefaultStore())
	if err != nil {
		return nil, err
	}
	executor, err := schema.NewExecutor(r.stores, r.logger).Process(instructions)
	if err != nil {
		return nil, err
	}

	result := &Result{Direction: Up, Action: action, SQL: executor.SQL()}
	if action == Render {
		return result, nil
	}

	if err := executor.Apply(ctx); err != nil {
		return nil, err
	}
	if err := r.devSnapshots.Save(snapshot.DefaultName, current); err != nil {
		return nil, err
	}
	return result, nil
}
