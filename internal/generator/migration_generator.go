// Package generator writes new migration files.
package generator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidName is returned for a migration name that is not a plain identifier
	ErrInvalidName = errors.New("invalid migration name")

	// ErrExists is returned instead of overwriting an existing migration file
	ErrExists = errors.New("migration file already exists")
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// TimestampFormat prefixes file names so lexical order is chronological order
const TimestampFormat = "20060102150405"

// DefaultTemplate is used when no template file is configured
const DefaultTemplate = `-- +migrate up


-- +migrate down

`

// MigrationGenerator creates timestamped migration files in a directory
type MigrationGenerator struct {
	Directory string
	Template  string
	Now       func() time.Time
	Logger    *logrus.Logger
}

// NewMigrationGenerator creates a generator. template is the path of a
// template file and may be empty.
func NewMigrationGenerator(directory, template string, logger *logrus.Logger) *MigrationGenerator {
	return &MigrationGenerator{
		Directory: directory,
		Template:  template,
		Now:       time.Now,
		Logger:    logger,
	}
}

// FileName returns the file name a migration created now would get
func (g *MigrationGenerator) FileName(name string) string {
	return fmt.Sprintf("%s_%s.sql", g.Now().UTC().Format(TimestampFormat), name)
}

// Create copies the template into a new migration file and returns its path
func (g *MigrationGenerator) Create(name string) (string, error) {
	content := []byte(DefaultTemplate)
	if g.Template != "" {
		data, err := os.ReadFile(g.Template)
		if err != nil {
			return "", fmt.Errorf("read migration template: %w", err)
		}
		content = data
	}
	return g.write(name, content)
}

// CreateFromSQL writes a migration whose sections hold the given scripts
func (g *MigrationGenerator) CreateFromSQL(name, up, down string) (string, error) {
	var content strings.Builder
	content.WriteString("-- +migrate up\n")
	writeSection(&content, up)
	content.WriteString("\n-- +migrate down\n")
	writeSection(&content, down)
	return g.write(name, []byte(content.String()))
}

func writeSection(content *strings.Builder, script string) {
	script = strings.TrimSpace(script)
	if script == "" {
		return
	}
	content.WriteString(script)
	content.WriteString("\n")
}

func (g *MigrationGenerator) write(name string, content []byte) (string, error) {
	if !identifierRegex.MatchString(name) {
		return "", fmt.Errorf("%w: %q must start with a letter and contain only letters, numbers, and underscores", ErrInvalidName, name)
	}

	if err := os.MkdirAll(g.Directory, 0o755); err != nil {
		return "", fmt.Errorf("failed to create migration directory: %w", err)
	}

	path := filepath.Join(g.Directory, g.FileName(name))
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		return "", fmt.Errorf("%w: %s", ErrExists, path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create migration file: %w", err)
	}

	if _, err := file.Write(content); err != nil {
		file.Close()
		return "", fmt.Errorf("failed to write migration file: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("failed to write migration file: %w", err)
	}

	g.Logger.Infof("Created migration %s", path)
	return path, nil
}
