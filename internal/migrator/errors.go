package migrator

import "errors"

var (
	// ErrLockHeld is returned when another run holds the migration lock.
	// Nothing waits for the lock; retry the whole operation later.
	ErrLockHeld = errors.New("migration lock is held by another run")

	// ErrInvalidMigration is returned for a migration missing a procedure
	ErrInvalidMigration = errors.New("invalid migration")

	// ErrUnknownMigration is returned for a name no migration is registered under
	ErrUnknownMigration = errors.New("unknown migration")

	// ErrNoTransaction is returned when a transaction is requested while rendering
	ErrNoTransaction = errors.New("transactions are not available while rendering")
)
