package migrator

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitebski/mysql-schema-migrator/internal/connector"
	"github.com/vitebski/mysql-schema-migrator/pkg/models"
)

const (
	ledgerTable = "wetland_migrations"
	lockTable   = "wetland_migrations_lock"
	first       = "20240101000000_create_users"
	second      = "20240102000000_create_posts"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func rawMigration(name, up, down string) Migration {
	return Migration{
		Name: name,
		Up: func(h *Handle) error {
			h.Builder("").Raw(up)
			return nil
		},
		Down: func(h *Handle) error {
			h.Builder("").Raw(down)
			return nil
		},
	}
}

type fixture struct {
	runner     *Runner
	stores     *connector.Manager
	collection *Collection
	db         *sql.DB
	mock       sqlmock.Sqlmock
	dataDir    string
	migrations string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testLogger()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	stores := connector.NewManager("defaultStore", logger)
	stores.Register("", connector.FromDB("", db, logger))

	collection := NewCollection()
	require.NoError(t, collection.Add(rawMigration(first, "create table users (id int)", "drop table users")))
	require.NoError(t, collection.Add(rawMigration(second, "create table posts (id int)", "drop table posts")))

	f := &fixture{
		stores:     stores,
		collection: collection,
		db:         db,
		mock:       mock,
		dataDir:    t.TempDir(),
		migrations: t.TempDir(),
	}
	f.runner, err = NewRunner(collection, stores, Options{
		Table:         ledgerTable,
		LockTable:     lockTable,
		Directory:     f.migrations,
		DataDirectory: f.dataDir,
	}, logger)
	require.NoError(t, err)
	return f
}

func (f *fixture) expectTableExists(table string, exists bool) {
	count := 0
	if exists {
		count = 1
	}
	f.mock.ExpectQuery(regexp.QuoteMeta("from information_schema.tables")).
		WithArgs(table).
		WillReturnRows(sqlmock.NewRows([]string{"count(*)"}).AddRow(count))
}

// addStore registers another mocked store next to the default one
func (f *fixture) addStore(t *testing.T, name string) sqlmock.Sqlmock {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	f.stores.Register(name, connector.FromDB(name, db, testLogger()))
	return mock
}

func (f *fixture) expectLastName(name string) {
	f.expectTableExists(ledgerTable, true)
	rows := sqlmock.NewRows([]string{"name"})
	if name != "" {
		rows.AddRow(name)
	}
	f.mock.ExpectQuery(regexp.QuoteMeta("select name from wetland_migrations order by id desc limit 1")).
		WillReturnRows(rows)
}

func (f *fixture) expectLockTable() {
	f.mock.ExpectExec(regexp.QuoteMeta("create table if not exists wetland_migrations_lock (id int unsigned not null, locked boolean not null, primary key (id))")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec(regexp.QuoteMeta("insert ignore into wetland_migrations_lock (id, locked) values (1, 0)")).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func (f *fixture) expectAcquire() {
	f.expectLockTable()
	f.expectTableExists(ledgerTable, true)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(regexp.QuoteMeta("select locked from wetland_migrations_lock where id = 1 for update")).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(false))
	f.mock.ExpectExec(regexp.QuoteMeta("update wetland_migrations_lock set locked = 1 where id = 1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
}

func (f *fixture) expectNextRun(last int64) {
	f.mock.ExpectQuery(regexp.QuoteMeta("select coalesce(max(run), 0) from wetland_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"run"}).AddRow(last))
}

func (f *fixture) expectRelease() {
	f.mock.ExpectExec(regexp.QuoteMeta("update wetland_migrations_lock set locked = 0 where id = 1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func (f *fixture) expectLedgerCount(count int) {
	f.mock.ExpectQuery(regexp.QuoteMeta("select count(*) from wetland_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"count(*)"}).AddRow(count))
}

func (f *fixture) ledgerCount(t *testing.T) int {
	t.Helper()
	var count int
	require.NoError(t, f.db.QueryRow("select count(*) from wetland_migrations").Scan(&count))
	return count
}

func TestUpRenderLeavesLedgerUnchanged(t *testing.T) {
	f := newFixture(t)

	f.expectLedgerCount(0)
	f.expectLastName("")
	f.expectLedgerCount(0)

	assert.Equal(t, 0, f.ledgerCount(t))
	result, err := f.runner.Up(context.Background(), Render)
	require.NoError(t, err)
	assert.Equal(t, 0, f.ledgerCount(t))

	assert.Equal(t, []string{first}, result.Names)
	assert.Equal(t, "create table users (id int);", result.SQL)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestLatestRecordsLedger(t *testing.T) {
	f := newFixture(t)

	f.expectLastName("")
	f.expectAcquire()
	f.expectNextRun(2)
	f.mock.ExpectBegin()
	f.mock.ExpectExec(regexp.QuoteMeta("create table users (id int)")).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec(regexp.QuoteMeta("create table posts (id int)")).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec(regexp.QuoteMeta("insert into wetland_migrations (name, run, migration_time) values (?, ?, ?)")).
		WithArgs(first, int64(3), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectExec(regexp.QuoteMeta("insert into wetland_migrations (name, run, migration_time) values (?, ?, ?)")).
		WithArgs(second, int64(3), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	f.mock.ExpectCommit()
	f.expectRelease()

	result, err := f.runner.Latest(context.Background(), Execute)
	require.NoError(t, err)

	assert.Equal(t, []string{first, second}, result.Names)
	assert.Equal(t, int64(3), result.Run)
	assert.Equal(t, "create table users (id int);\ncreate table posts (id int);", result.SQL)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestUpSkipsExecutedMigrations(t *testing.T) {
	f := newFixture(t)

	f.expectLastName(second)

	result, err := f.runner.Up(context.Background(), Execute)
	require.NoError(t, err)
	assert.Empty(t, result.Names)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestExecuteCreatesLedgerTables(t *testing.T) {
	f := newFixture(t)

	f.expectLockTable()
	f.expectTableExists(ledgerTable, false)
	f.mock.ExpectExec(regexp.QuoteMeta("create table wetland_migrations (id int unsigned not null auto_increment primary key, name varchar(255) not null, run int not null, migration_time timestamp not null)")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec(regexp.QuoteMeta("alter table wetland_migrations add index wetland_migrations_run_index (run)")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec(regexp.QuoteMeta("alter table wetland_migrations add index wetland_migrations_migration_time_index (migration_time)")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(regexp.QuoteMeta("select locked from wetland_migrations_lock where id = 1 for update")).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(int64(0)))
	f.mock.ExpectExec(regexp.QuoteMeta("update wetland_migrations_lock set locked = 1 where id = 1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	f.expectNextRun(0)
	f.mock.ExpectBegin()
	f.mock.ExpectExec(regexp.QuoteMeta("create table users (id int)")).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec(regexp.QuoteMeta("insert into wetland_migrations")).
		WithArgs(first, int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectCommit()
	f.expectRelease()

	result, err := f.runner.Run(context.Background(), Up, Execute, []string{first})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Run)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestExecuteFailsWhenLockHeld(t *testing.T) {
	f := newFixture(t)

	f.expectLockTable()
	f.expectTableExists(ledgerTable, true)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(regexp.QuoteMeta("select locked from wetland_migrations_lock where id = 1 for update")).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(int64(1)))
	f.mock.ExpectRollback()

	_, err := f.runner.Run(context.Background(), Up, Execute, []string{first})
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestExecuteFailsWhenLockRowMissing(t *testing.T) {
	f := newFixture(t)

	f.expectLockTable()
	f.expectTableExists(ledgerTable, true)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(regexp.QuoteMeta("select locked from wetland_migrations_lock where id = 1 for update")).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}))
	f.mock.ExpectRollback()

	_, err := f.runner.Run(context.Background(), Up, Execute, []string{first})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLockHeld)
	assert.ErrorContains(t, err, "lock row 1 missing")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func auditMigration(name string) Migration {
	return Migration{
		Name: name,
		Up: func(h *Handle) error {
			h.Builder("audit").Raw("insert into audit_log (event) values ('users created')")
			return nil
		},
		Down: func(h *Handle) error { return nil },
	}
}

func TestMultiStoreFailureRollsBackEveryStore(t *testing.T) {
	f := newFixture(t)
	audit := f.addStore(t, "audit")
	failure := errors.New("Table 'audit_log' doesn't exist")
	require.NoError(t, f.collection.Add(auditMigration("20240101000001_audit_users")))

	f.expectAcquire()
	f.expectNextRun(0)
	f.mock.ExpectBegin()
	f.mock.ExpectExec(regexp.QuoteMeta("create table users (id int)")).WillReturnResult(sqlmock.NewResult(0, 0))
	audit.ExpectBegin()
	audit.ExpectExec(regexp.QuoteMeta("insert into audit_log")).WillReturnError(failure)
	f.mock.ExpectRollback()
	audit.ExpectRollback()
	f.expectRelease()

	_, err := f.runner.Run(context.Background(), Up, Execute, []string{first, "20240101000001_audit_users"})
	assert.ErrorIs(t, err, failure)
	assert.NoError(t, f.mock.ExpectationsWereMet())
	assert.NoError(t, audit.ExpectationsWereMet())
}

func TestMultiStoreCommitFailureKeepsCommittedStores(t *testing.T) {
	f := newFixture(t)
	audit := f.addStore(t, "audit")
	failure := errors.New("connection lost")
	require.NoError(t, f.collection.Add(auditMigration("20240101000001_audit_users")))

	f.expectAcquire()
	f.expectNextRun(0)
	f.mock.ExpectBegin()
	f.mock.ExpectExec(regexp.QuoteMeta("create table users (id int)")).WillReturnResult(sqlmock.NewResult(0, 0))
	audit.ExpectBegin()
	audit.ExpectExec(regexp.QuoteMeta("insert into audit_log")).WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectExec(regexp.QuoteMeta("insert into wetland_migrations")).
		WithArgs(first, int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectExec(regexp.QuoteMeta("insert into wetland_migrations")).
		WithArgs("20240101000001_audit_users", int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	// The default store was opened first, so it commits before audit fails
	f.mock.ExpectCommit()
	audit.ExpectCommit().WillReturnError(failure)
	f.expectRelease()

	_, err := f.runner.Run(context.Background(), Up, Execute, []string{first, "20240101000001_audit_users"})
	assert.ErrorIs(t, err, failure)
	assert.ErrorContains(t, err, "commit store audit")
	assert.NoError(t, f.mock.ExpectationsWereMet())
	assert.NoError(t, audit.ExpectationsWereMet())
}

func TestExecuteFailureRollsBackAndReleases(t *testing.T) {
	f := newFixture(t)
	failure := errors.New("Table 'posts' already exists")

	f.expectAcquire()
	f.expectNextRun(0)
	f.mock.ExpectBegin()
	f.mock.ExpectExec(regexp.QuoteMeta("create table users (id int)")).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec(regexp.QuoteMeta("create table posts (id int)")).WillReturnError(failure)
	f.mock.ExpectRollback()
	f.expectRelease()

	_, err := f.runner.Run(context.Background(), Up, Execute, []string{first, second})
	assert.ErrorIs(t, err, failure)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestProcedureErrorReleasesLock(t *testing.T) {
	f := newFixture(t)
	failure := errors.New("boom")
	require.NoError(t, f.collection.Add(Migration{
		Name: "20240103000000_broken",
		Up:   func(h *Handle) error { return failure },
		Down: func(h *Handle) error { return nil },
	}))

	f.expectAcquire()
	f.expectNextRun(0)
	f.expectRelease()

	_, err := f.runner.Run(context.Background(), Up, Execute, []string{"20240103000000_broken"})
	assert.ErrorIs(t, err, failure)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRevertUndoesLastRun(t *testing.T) {
	f := newFixture(t)

	f.expectTableExists(ledgerTable, true)
	f.mock.ExpectQuery(regexp.QuoteMeta("select name from wetland_migrations where run = (select max(run) from wetland_migrations) order by id desc")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow(second).AddRow(first))
	f.expectAcquire()
	f.mock.ExpectBegin()
	f.mock.ExpectExec(regexp.QuoteMeta("drop table posts")).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec(regexp.QuoteMeta("drop table users")).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec(regexp.QuoteMeta("delete from wetland_migrations where name = ?")).
		WithArgs(second).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(regexp.QuoteMeta("delete from wetland_migrations where name = ?")).
		WithArgs(first).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	f.expectRelease()

	result, err := f.runner.Revert(context.Background(), Execute)
	require.NoError(t, err)
	assert.Equal(t, Down, result.Direction)
	assert.Equal(t, []string{second, first}, result.Names)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDownRendersLastMigration(t *testing.T) {
	f := newFixture(t)

	f.expectLastName(first)

	result, err := f.runner.Down(context.Background(), Render)
	require.NoError(t, err)
	assert.Equal(t, "drop table users;", result.SQL)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRunRejectsUnknownMigration(t *testing.T) {
	f := newFixture(t)

	_, err := f.runner.Run(context.Background(), Up, Render, []string{"20990101000000_missing"})
	assert.ErrorIs(t, err, ErrUnknownMigration)
}

func TestTransactionsAreSharedWithinRun(t *testing.T) {
	f := newFixture(t)

	var seen []*sql.Tx
	require.NoError(t, f.collection.Add(Migration{
		Name: "20240103000000_seed",
		Up: func(h *Handle) error {
			for i := 0; i < 2; i++ {
				tx, err := h.Transaction("")
				if err != nil {
					return err
				}
				seen = append(seen, tx)
			}
			_, err := seen[0].ExecContext(h.Context(), "insert into users (id) values (1)")
			return err
		},
		Down: func(h *Handle) error { return nil },
	}))

	f.expectAcquire()
	f.expectNextRun(0)
	f.mock.ExpectBegin()
	f.mock.ExpectExec(regexp.QuoteMeta("insert into users (id) values (1)")).WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectExec(regexp.QuoteMeta("insert into wetland_migrations")).WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectCommit()
	f.expectRelease()

	_, err := f.runner.Run(context.Background(), Up, Execute, []string{"20240103000000_seed"})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Same(t, seen[0], seen[1])
	assert.NoError(t, f.mock.ExpectationsWereMet())

	_, err = f.runner.Run(context.Background(), Up, Render, []string{"20240103000000_seed"})
	assert.ErrorIs(t, err, ErrNoTransaction)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	migrated := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	f.expectTableExists(ledgerTable, true)
	f.mock.ExpectQuery(regexp.QuoteMeta("select name, run, migration_time from wetland_migrations order by id")).
		WillReturnRows(sqlmock.NewRows([]string{"name", "run", "migration_time"}).
			AddRow("20231231000000_removed", int64(1), migrated).
			AddRow(first, int64(2), migrated))

	statuses, err := f.runner.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 3)

	assert.Equal(t, Status{Name: first, Applied: true, Run: 2, MigrationTime: migrated}, statuses[0])
	assert.Equal(t, Status{Name: second}, statuses[1])
	assert.Equal(t, "20231231000000_removed", statuses[2].Name)
	assert.True(t, statuses[2].Missing)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func devSnapshot() models.Snapshot {
	return models.Snapshot{
		"User": {
			Entity: models.Entity{TableName: "users"},
			Fields: map[string]models.Field{
				"id": {Type: models.TypeInteger, Primary: true, GeneratedValue: models.GeneratedAutoIncrement},
			},
		},
	}
}

func TestDev(t *testing.T) {
	f := newFixture(t)
	expected := "create table users (id int unsigned not null auto_increment primary key)"

	result, err := f.runner.Dev(context.Background(), Render, devSnapshot())
	require.NoError(t, err)
	assert.Equal(t, expected+";", result.SQL)

	f.mock.ExpectBegin()
	f.mock.ExpectExec(regexp.QuoteMeta(expected)).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectCommit()

	_, err = f.runner.Dev(context.Background(), Execute, devSnapshot())
	require.NoError(t, err)
	assert.NoError(t, f.mock.ExpectationsWereMet())

	result, err = f.runner.Dev(context.Background(), Render, devSnapshot())
	require.NoError(t, err)
	assert.Empty(t, result.SQL)
}

func TestCreateFromDiff(t *testing.T) {
	f := newFixture(t)

	path, err := f.runner.CreateFromDiff("create_users", models.Snapshot{}, devSnapshot())
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "-- +migrate store defaultStore\ncreate table users")
	assert.Contains(t, string(content), "drop table users;")

	collection := NewCollection()
	require.NoError(t, collection.LoadDirectory(f.migrations))
	require.Equal(t, 1, collection.Len())
}
