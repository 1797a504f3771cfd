package migrator

import (
	"fmt"
	"sort"
)

// Direction selects which procedure of a migration runs
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Action selects whether a run touches the stores
type Action string

const (
	// Execute applies the migrations under the lock and records them
	Execute Action = "execute"
	// Render only returns the DDL the migrations would run
	Render Action = "render"
)

// ActionFor maps a render flag onto an Action
func ActionFor(render bool) Action {
	if render {
		return Render
	}
	return Execute
}

// Procedure is one direction of a migration
type Procedure func(h *Handle) error

// Migration pairs a forward and a backward procedure under a name whose
// lexical order is its chronological order
type Migration struct {
	Name string
	Up   Procedure
	Down Procedure
}

func (m Migration) procedure(direction Direction) Procedure {
	if direction == Down {
		return m.Down
	}
	return m.Up
}

// Collection holds the known migrations
type Collection struct {
	migrations map[string]Migration
}

// NewCollection creates an empty collection
func NewCollection() *Collection {
	return &Collection{migrations: make(map[string]Migration)}
}

// Add registers a migration. Both procedures are required.
func (c *Collection) Add(migration Migration) error {
	if migration.Name == "" {
		return fmt.Errorf("%w: migration has no name", ErrInvalidMigration)
	}
	if migration.Up == nil || migration.Down == nil {
		return fmt.Errorf("%w: %s must define both up and down", ErrInvalidMigration, migration.Name)
	}
	if _, exists := c.migrations[migration.Name]; exists {
		return fmt.Errorf("%w: %s is registered twice", ErrInvalidMigration, migration.Name)
	}
	c.migrations[migration.Name] = migration
	return nil
}

// Get returns a migration by name
func (c *Collection) Get(name string) (Migration, error) {
	migration, ok := c.migrations[name]
	if !ok {
		return Migration{}, fmt.Errorf("%w: %s", ErrUnknownMigration, name)
	}
	return migration, nil
}

// Names returns every migration name in chronological order
func (c *Collection) Names() []string {
	names := make([]string, 0, len(c.migrations))
	for name := range c.migrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// After returns the names that sort after last, which are the pending ones
// when last is the most recently applied migration
func (c *Collection) After(last string) []string {
	var pending []string
	for _, name := range c.Names() {
		if name > last {
			pending = append(pending, name)
		}
	}
	return pending
}

// Len returns the number of migrations
func (c *Collection) Len() int {
	return len(c.migrations)
}
