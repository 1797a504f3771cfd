// Package snapshot persists mapping snapshots as JSON files.
package snapshot

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/vitebski/mysql-schema-migrator/pkg/models"
)

// ErrNotFound is returned when no snapshot exists under a name
var ErrNotFound = errors.New("snapshot not found")

// DefaultName is the snapshot the dev workflow diffs against
const DefaultName = "latest"

// Manager reads and writes snapshots below a data directory
type Manager struct {
	directory string
}

// NewManager creates a manager storing snapshots in dataDirectory/snapshots,
// or dataDirectory/dev_snapshots for dev snapshots
func NewManager(dataDirectory string, dev bool) *Manager {
	sub := "snapshots"
	if dev {
		sub = "dev_snapshots"
	}
	return &Manager{directory: filepath.Join(dataDirectory, sub)}
}

// Path returns the file backing a snapshot name
func (m *Manager) Path(name string) string {
	if name == "" {
		name = DefaultName
	}
	return filepath.Join(m.directory, name+".json")
}

// Fetch reads a snapshot
func (m *Manager) Fetch(name string) (models.Snapshot, error) {
	data, err := os.ReadFile(m.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, m.Path(name))
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return models.ParseSnapshot(data)
}

// FetchOrEmpty reads a snapshot, treating a missing one as empty
func (m *Manager) FetchOrEmpty(name string) (models.Snapshot, error) {
	snapshot, err := m.Fetch(name)
	if errors.Is(err, ErrNotFound) {
		return models.Snapshot{}, nil
	}
	return snapshot, err
}

// Save replaces a snapshot. The file is written next to its destination and
// renamed into place so readers never observe a partial snapshot.
func (m *Manager) Save(name string, snapshot models.Snapshot) error {
	data, err := snapshot.Marshal()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.MkdirAll(m.directory, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(m.directory, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temporary snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.Path(name)); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Remove deletes a snapshot
func (m *Manager) Remove(name string) error {
	err := os.Remove(m.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, m.Path(name))
	}
	return err
}

// LoadFile reads a snapshot from an arbitrary path, such as an exported mapping
func LoadFile(path string) (models.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping: %w", err)
	}
	return models.ParseSnapshot(data)
}
