package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrMissingMapping is returned when a snapshot lacks data required to derive a schema
var ErrMissingMapping = errors.New("missing mapping data")

// RelationType is the cardinality of a relation
type RelationType string

const (
	OneToOne   RelationType = "oneToOne"
	OneToMany  RelationType = "oneToMany"
	ManyToOne  RelationType = "manyToOne"
	ManyToMany RelationType = "manyToMany"
)

// DefaultPrimaryColumn is referenced by join columns when the target declares no primary field
const DefaultPrimaryColumn = "id"

// JoinColumn describes the column holding a single-valued relation
type JoinColumn struct {
	Name                 string `json:"name,omitempty"`
	ReferencedColumnName string `json:"referencedColumnName,omitempty"`
	Nullable             bool   `json:"nullable,omitempty"`
	Unique               bool   `json:"unique,omitempty"`
	OnDelete             string `json:"onDelete,omitempty"`
	OnUpdate             string `json:"onUpdate,omitempty"`
}

// JoinTable describes the table holding a many-to-many relation
type JoinTable struct {
	Name               string       `json:"name,omitempty"`
	JoinColumns        []JoinColumn `json:"joinColumns,omitempty"`
	InverseJoinColumns []JoinColumn `json:"inverseJoinColumns,omitempty"`
}

// Field represents a mapped property
type Field struct {
	Name           string      `json:"name,omitempty"`
	Type           FieldType   `json:"type,omitempty"`
	Size           int         `json:"size,omitempty"`
	Precision      int         `json:"precision,omitempty"`
	Scale          int         `json:"scale,omitempty"`
	Unsigned       bool        `json:"unsigned,omitempty"`
	Nullable       bool        `json:"nullable,omitempty"`
	Primary        bool        `json:"primary,omitempty"`
	GeneratedValue string      `json:"generatedValue,omitempty"`
	DefaultTo      *string     `json:"defaultTo,omitempty"`
	Enumeration    []string    `json:"enumeration,omitempty"`
	Relationship   bool        `json:"relationship,omitempty"`
	JoinColumn     *JoinColumn `json:"joinColumn,omitempty"`
	JoinTable      *JoinTable  `json:"joinTable,omitempty"`
}

// GeneratedAutoIncrement marks an auto-incrementing primary key
const GeneratedAutoIncrement = "autoIncrement"

// Relation represents a mapped relation
type Relation struct {
	Type         RelationType `json:"type"`
	TargetEntity string       `json:"targetEntity"`
	InversedBy   string       `json:"inversedBy,omitempty"`
	MappedBy     string       `json:"mappedBy,omitempty"`
}

// OwnsJoinColumn reports whether this side holds a foreign key column
func (r Relation) OwnsJoinColumn() bool {
	return r.Type == ManyToOne || (r.Type == OneToOne && r.MappedBy == "")
}

// OwnsJoinTable reports whether this side holds the join table
func (r Relation) OwnsJoinTable() bool {
	return r.Type == ManyToMany && r.MappedBy == ""
}

// Entity holds the table-level part of a mapping
type Entity struct {
	Name      string `json:"name,omitempty"`
	TableName string `json:"tableName"`
	Store     string `json:"store,omitempty"`
}

// EntityMapping describes one entity as it exists at a point in time
type EntityMapping struct {
	Entity    Entity              `json:"entity"`
	Fields    map[string]Field    `json:"fields"`
	Relations map[string]Relation `json:"relations,omitempty"`
	Index     map[string][]string `json:"index,omitempty"`
	Unique    map[string][]string `json:"unique,omitempty"`
}

// StoreName returns the owning store, falling back to defaultStore
func (e EntityMapping) StoreName(defaultStore string) string {
	if e.Entity.Store == "" {
		return defaultStore
	}
	return e.Entity.Store
}

// PrimaryColumn returns the column name of the primary field
func (e EntityMapping) PrimaryColumn() string {
	for _, property := range sortedKeys(e.Fields) {
		field := e.Fields[property]
		if field.Primary && !field.Relationship {
			return field.ColumnName(property)
		}
	}
	return DefaultPrimaryColumn
}

// Properties returns the field property names in a stable order
func (e EntityMapping) Properties() []string {
	return sortedKeys(e.Fields)
}

// RelationProperties returns the relation property names in a stable order
func (e EntityMapping) RelationProperties() []string {
	return sortedKeys(e.Relations)
}

// ColumnName returns the column backing a field
func (f Field) ColumnName(property string) string {
	if f.Name != "" {
		return f.Name
	}
	return property
}

// Snapshot maps entity names to their mapping
type Snapshot map[string]EntityMapping

// EntityNames returns the entity names in a stable order
func (s Snapshot) EntityNames() []string {
	return sortedKeys(s)
}

// Validate checks the snapshot carries the data the diff needs
func (s Snapshot) Validate() error {
	for _, name := range s.EntityNames() {
		mapping := s[name]
		if mapping.Entity.TableName == "" {
			return fmt.Errorf("%w: entity %s has no table name", ErrMissingMapping, name)
		}
		for _, property := range mapping.Properties() {
			field := mapping.Fields[property]
			if !field.Relationship && !field.Type.Valid() && field.GeneratedValue != GeneratedAutoIncrement {
				return fmt.Errorf("%w: %s.%s", ErrUnknownFieldType, name, property)
			}
		}
		for _, property := range mapping.RelationProperties() {
			relation := mapping.Relations[property]
			if relation.TargetEntity == "" {
				return fmt.Errorf("%w: relation %s.%s has no target entity", ErrMissingMapping, name, property)
			}
		}
	}
	return nil
}

// ParseSnapshot decodes and validates a JSON snapshot
func ParseSnapshot(data []byte) (Snapshot, error) {
	snapshot := Snapshot{}
	if len(data) == 0 {
		return snapshot, nil
	}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Marshal encodes the snapshot as indented JSON with sorted keys
func (s Snapshot) Marshal() ([]byte, error) {
	if s == nil {
		s = Snapshot{}
	}
	return json.MarshalIndent(s, "", "  ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
