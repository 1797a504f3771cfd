package differ

import (
	"errors"
	"fmt"
)

// ErrIntegrity is returned when applying a diff would leave an orphaned foreign key
var ErrIntegrity = errors.New("structural integrity violation")

// ErrCrossStoreRelation is returned when an owning relation targets an entity
// that lives in another store
var ErrCrossStoreRelation = errors.New("relation crosses stores")

// IntegrityError names the relation that still points at a dropped entity
type IntegrityError struct {
	Entity   string
	Property string
	Target   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: entity %s is dropped but %s.%s still holds a foreign key to it",
		ErrIntegrity, e.Target, e.Entity, e.Property)
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrity
}
