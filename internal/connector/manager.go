package connector

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// ErrUnknownStore is returned when no connector is registered under a store name
var ErrUnknownStore = errors.New("unknown store")

// Manager holds one connector per store name
type Manager struct {
	defaultStore string
	connectors   map[string]*DatabaseConnector
	logger       *logrus.Logger
}

// NewManager creates an empty manager. An empty store name resolves to defaultStore.
func NewManager(defaultStore string, logger *logrus.Logger) *Manager {
	return &Manager{
		defaultStore: defaultStore,
		connectors:   make(map[string]*DatabaseConnector),
		logger:       logger,
	}
}

// DefaultStore returns the name used for entities and migrations without a store
func (m *Manager) DefaultStore() string {
	return m.defaultStore
}

// Register adds or replaces the connector of a store
func (m *Manager) Register(store string, connector *DatabaseConnector) {
	if store == "" {
		store = m.defaultStore
	}
	connector.Store = store
	m.connectors[store] = connector
}

// Get returns the connector of a store
func (m *Manager) Get(store string) (*DatabaseConnector, error) {
	if store == "" {
		store = m.defaultStore
	}
	connector, ok := m.connectors[store]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, store)
	}
	return connector, nil
}

// Has reports whether a store is registered
func (m *Manager) Has(store string) bool {
	_, err := m.Get(store)
	return err == nil
}

// Names returns the registered store names in a stable order
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.connectors))
	for name := range m.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close disconnects every store
func (m *Manager) Close() {
	for _, name := range m.Names() {
		m.connectors[name].Disconnect()
	}
	m.logger.Debugf("Closed %d store connection(s)", len(m.connectors))
}
