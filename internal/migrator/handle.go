package migrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vitebski/mysql-schema-migrator/internal/connector"
	"github.com/vitebski/mysql-schema-migrator/internal/schema"
)

// Handle gives a migration procedure access to the stores of the current run
type Handle struct {
	ctx      context.Context
	run      *run
	executor *schema.Executor
}

// Context returns the context of the run
func (h *Handle) Context() context.Context {
	return h.ctx
}

// Builder returns the DDL builder of a store. An empty name means the
// default store.
func (h *Handle) Builder(store string) *schema.Builder {
	return h.executor.Builder(h.run.resolve(store))
}

// Transaction returns the transaction of a store, shared by every migration
// of the run. It fails with ErrNoTransaction while rendering.
func (h *Handle) Transaction(store string) (*sql.Tx, error) {
	return h.run.transaction(h.run.resolve(store))
}

// run tracks the transactions opened while executing one batch of migrations
type run struct {
	ctx          context.Context
	action       Action
	stores       *connector.Manager
	logger       *logrus.Logger
	transactions map[string]*sql.Tx
	order        []string
}

func newRun(ctx context.Context, action Action, stores *connector.Manager, logger *logrus.Logger) *run {
	return &run{
		ctx:          ctx,
		action:       action,
		stores:       stores,
		logger:       logger,
		transactions: make(map[string]*sql.Tx),
	}
}

func (r *run) resolve(store string) string {
	if store == "" {
		return r.stores.DefaultStore()
	}
	return store
}

func (r *run) transaction(store string) (*sql.Tx, error) {
	if r.action == Render {
		return nil, ErrNoTransaction
	}
	if tx, ok := r.transactions[store]; ok {
		return tx, nil
	}

	conn, err := r.stores.Get(store)
	if err != nil {
		return nil, err
	}
	tx, err := conn.Begin(r.ctx)
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", store, err)
	}

	r.transactions[store] = tx
	r.order = append(r.order, store)
	r.logger.Debugf("Opened transaction on store %s", store)
	return tx, nil
}

// migrate runs one procedure and, when executing, its builders' statements
// inside the stores' transactions. It returns the rendered DDL.
func (r *run) migrate(migration Migration, direction Direction) (string, error) {
	executor := schema.NewExecutor(nil, r.logger)
	handle := &Handle{ctx: r.ctx, run: r, executor: executor}

	if err := migration.procedure(direction)(handle); err != nil {
		return "", fmt.Errorf("migration %s (%s): %w", migration.Name, direction, err)
	}
	if r.action == Render {
		return executor.SQL(), nil
	}

	for _, store := range executor.Stores() {
		tx, err := r.transaction(store)
		if err != nil {
			return "", err
		}
		if err := schema.ExecAll(r.ctx, tx, executor.Builder(store).Statements(), r.logger); err != nil {
			return "", fmt.Errorf("migration %s (%s) on store %s: %w", migration.Name, direction, store, err)
		}
	}
	return executor.SQL(), nil
}

// commit commits in the order the transactions were opened. A failed commit
// rolls back the stores not committed yet; stores already committed stay so.
func (r *run) commit() error {
	for i, store := range r.order {
		if err := r.transactions[store].Commit(); err != nil {
			r.rollbackStores(r.order[i+1:])
			return fmt.Errorf("commit store %s: %w", store, err)
		}
		r.logger.Debugf("Committed store %s", store)
	}
	return nil
}

// rollback rolls back every transaction of the run
func (r *run) rollback() {
	r.rollbackStores(r.order)
}

func (r *run) rollbackStores(stores []string) {
	for _, store := range stores {
		err := r.transactions[store].Rollback()
		if err != nil && !errors.Is(err, sql.ErrTxDone) {
			r.logger.Errorf("Error rolling back store %s: %v", store, err)
			continue
		}
		r.logger.Warningf("Rolled back store %s", store)
	}
}
