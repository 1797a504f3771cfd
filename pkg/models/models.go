package models

import "sort"

// ForeignKey represents a foreign key constraint owned by a table
type ForeignKey struct {
	Name       string   `json:"name"`
	Columns    []string `json:"columns"`
	InTable    string   `json:"inTable"`
	References []string `json:"references"`
	OnDelete   string   `json:"onDelete,omitempty"`
	OnUpdate   string   `json:"onUpdate,omitempty"`
}

// Index represents a named index or unique constraint over a list of columns
type Index struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
}

// CreateTable describes a table to be created
type CreateTable struct {
	TableName string       `json:"tableName"`
	Fields    []Field      `json:"fields"`
	Index     []Index      `json:"index,omitempty"`
	Unique    []Index      `json:"unique,omitempty"`
	Foreign   []ForeignKey `json:"foreign,omitempty"`
}

// AlterTable describes the changes to an existing table
type AlterTable struct {
	Fields      []Field      `json:"fields,omitempty"`
	Change      []Field      `json:"change,omitempty"`
	DropColumn  []string     `json:"dropColumn,omitempty"`
	Index       []Index      `json:"index,omitempty"`
	DropIndex   []Index      `json:"dropIndex,omitempty"`
	Unique      []Index      `json:"unique,omitempty"`
	DropUnique  []Index      `json:"dropUnique,omitempty"`
	Foreign     []ForeignKey `json:"foreign,omitempty"`
	DropForeign []string     `json:"dropForeign,omitempty"`
}

// IsEmpty reports whether the alter carries no change at all
func (a *AlterTable) IsEmpty() bool {
	return len(a.Fields) == 0 && len(a.Change) == 0 && len(a.DropColumn) == 0 &&
		len(a.Index) == 0 && len(a.DropIndex) == 0 && len(a.Unique) == 0 &&
		len(a.DropUnique) == 0 && len(a.Foreign) == 0 && len(a.DropForeign) == 0
}

// Rename represents a table rename
type Rename struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// StoreInstructions holds the grouped operations for a single store
type StoreInstructions struct {
	Create []CreateTable          `json:"create"`
	Alter  map[string]*AlterTable `json:"alter"`
	Drop   []string               `json:"drop"`
	Rename []Rename               `json:"rename"`
}

// NewStoreInstructions returns an empty instruction set for one store
func NewStoreInstructions() *StoreInstructions {
	return &StoreInstructions{
		Create: []CreateTable{},
		Alter:  make(map[string]*AlterTable),
		Drop:   []string{},
		Rename: []Rename{},
	}
}

// AlterFor returns the alter entry for a table, creating it when needed
func (s *StoreInstructions) AlterFor(table string) *AlterTable {
	alter, ok := s.Alter[table]
	if !ok {
		alter = &AlterTable{}
		s.Alter[table] = alter
	}
	return alter
}

// AlteredTables returns the names of the altered tables in a stable order
func (s *StoreInstructions) AlteredTables() []string {
	tables := make([]string, 0, len(s.Alter))
	for table := range s.Alter {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	return tables
}

// IsEmpty reports whether the store has nothing to do
func (s *StoreInstructions) IsEmpty() bool {
	if len(s.Create) > 0 || len(s.Drop) > 0 || len(s.Rename) > 0 {
		return false
	}
	for _, alter := range s.Alter {
		if !alter.IsEmpty() {
			return false
		}
	}
	return true
}

// Instructions is the Instruction Set, keyed by store name
type Instructions map[string]*StoreInstructions

// Store returns the instructions for a store, creating them when needed
func (i Instructions) Store(name string) *StoreInstructions {
	store, ok := i[name]
	if !ok {
		store = NewStoreInstructions()
		i[name] = store
	}
	return store
}

// Stores returns the store names in a stable order
func (i Instructions) Stores() []string {
	names := make([]string, 0, len(i))
	for name := range i {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsEmpty reports whether no store has any work
func (i Instructions) IsEmpty() bool {
	for _, store := range i {
		if !store.IsEmpty() {
			return false
		}
	}
	return true
}
