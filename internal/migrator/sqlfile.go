package migrator

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	directivePrefix = "-- +migrate "
	sqlExtension    = ".sql"
)

type sqlStatement struct {
	store string
	sql   string
}

// LoadDirectory adds every .sql migration file of a directory. A missing
// directory holds no migrations.
func (c *Collection) LoadDirectory(directory string) error {
	entries, err := os.ReadDir(directory)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read migration directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != sqlExtension {
			continue
		}

		content, err := os.ReadFile(filepath.Join(directory, entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		migration, err := ParseSQLMigration(strings.TrimSuffix(entry.Name(), sqlExtension), string(content))
		if err != nil {
			return err
		}
		if err := c.Add(migration); err != nil {
			return err
		}
	}
	return nil
}

// ParseSQLMigration builds a migration from a file split into
// "-- +migrate up" and "-- +migrate down" sections. A "-- +migrate store
// <name>" line sends the statements after it to another store; each section
// starts on the default store.
func ParseSQLMigration(name, content string) (Migration, error) {
	sections := make(map[Direction][]sqlStatement)
	var (
		current Direction
		store   string
		pending strings.Builder
	)

	flush := func() {
		statement := strings.TrimSpace(pending.String())
		pending.Reset()
		statement = strings.TrimSpace(strings.TrimSuffix(statement, ";"))
		if statement != "" && current != "" {
			sections[current] = append(sections[current], sqlStatement{store: store, sql: statement})
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if directive, ok := strings.CutPrefix(trimmed, directivePrefix); ok {
			flush()
			fields := strings.Fields(directive)
			switch {
			case len(fields) == 1 && (fields[0] == string(Up) || fields[0] == string(Down)):
				current = Direction(fields[0])
				store = ""
				if _, seen := sections[current]; seen {
					return Migration{}, fmt.Errorf("%w: %s:%d: duplicate %s section", ErrInvalidMigration, name, lineNumber, current)
				}
				sections[current] = nil
			case len(fields) == 2 && fields[0] == "store":
				store = fields[1]
			default:
				return Migration{}, fmt.Errorf("%w: %s:%d: unknown directive %q", ErrInvalidMigration, name, lineNumber, trimmed)
			}
			continue
		}

		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		if current == "" {
			return Migration{}, fmt.Errorf("%w: %s:%d: statement outside of a section", ErrInvalidMigration, name, lineNumber)
		}

		pending.WriteString(line)
		pending.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	if err := scanner.Err(); err != nil {
		return Migration{}, fmt.Errorf("read migration %s: %w", name, err)
	}
	flush()

	up, hasUp := sections[Up]
	down, hasDown := sections[Down]
	if !hasUp || !hasDown {
		return Migration{}, fmt.Errorf("%w: %s must contain both an up and a down section", ErrInvalidMigration, name)
	}

	return Migration{
		Name: name,
		Up:   sqlProcedure(up),
		Down: sqlProcedure(down),
	}, nil
}

func sqlProcedure(statements []sqlStatement) Procedure {
	return func(h *Handle) error {
		for _, statement := range statements {
			h.Builder(statement.store).Raw(statement.sql)
		}
		return nil
	}
}
