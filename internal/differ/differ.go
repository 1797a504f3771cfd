// Package differ derives the instructions that migrate one mapping snapshot
// into another. It performs no I/O and holds no state between calls.
package differ

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/vitebski/mysql-schema-migrator/internal/analyzer"
	"github.com/vitebski/mysql-schema-migrator/pkg/models"
)

// storeState tracks the table dependencies discovered while diffing one store
type storeState struct {
	createDeps map[string][]string
	dropDeps   map[string][]string
	dropFKs    map[string][]models.ForeignKey
}

type differ struct {
	old          models.Snapshot
	new          models.Snapshot
	defaultStore string
	instructions models.Instructions
	stores       map[string]*storeState
}

// ownedColumn is a resolved join column together with the table it points at
type ownedColumn struct {
	column      models.JoinColumn
	targetTable string
}

// ownedJoinTable is a resolved join table together with both sides' tables
type ownedJoinTable struct {
	JoinTable   models.JoinTable `json:"joinTable"`
	OwnTable    string           `json:"ownTable"`
	TargetTable string           `json:"targetTable"`
}

// Diff derives the instructions that turn the schema described by oldSnapshot
// into the one described by newSnapshot. Entities without a store belong to
// defaultStore.
func Diff(oldSnapshot, newSnapshot models.Snapshot, defaultStore string) (models.Instructions, error) {
	if err := oldSnapshot.Validate(); err != nil {
		return nil, fmt.Errorf("old snapshot: %w", err)
	}
	if err := newSnapshot.Validate(); err != nil {
		return nil, fmt.Errorf("new snapshot: %w", err)
	}

	d := &differ{
		old:          oldSnapshot,
		new:          newSnapshot,
		defaultStore: defaultStore,
		instructions: models.Instructions{},
		stores:       make(map[string]*storeState),
	}
	if err := d.run(); err != nil {
		return nil, err
	}
	return d.instructions, nil
}

func (d *differ) run() error {
	dropped, created, remaining, moved := d.partition()

	removed := make(map[string]bool, len(dropped))
	for _, name := range dropped {
		removed[name] = true
	}
	if err := d.checkIntegrity(removed); err != nil {
		return err
	}

	for _, name := range append(created, moved...) {
		if err := d.createEntity(name); err != nil {
			return err
		}
	}
	for _, name := range remaining {
		if err := d.diffEntity(name); err != nil {
			return err
		}
	}
	for _, name := range append(dropped, moved...) {
		if err := d.dropEntity(name); err != nil {
			return err
		}
	}

	d.postDiffingOperations()
	return nil
}

// partition splits the entity names by set difference. An entity that moved
// to another store is both dropped from the old store and created in the new.
func (d *differ) partition() (dropped, created, remaining, moved []string) {
	for _, name := range d.old.EntityNames() {
		newMapping, ok := d.new[name]
		switch {
		case !ok:
			dropped = append(dropped, name)
		case newMapping.StoreName(d.defaultStore) != d.old[name].StoreName(d.defaultStore):
			moved = append(moved, name)
		default:
			remaining = append(remaining, name)
		}
	}
	for _, name := range d.new.EntityNames() {
		if _, ok := d.old[name]; !ok {
			created = append(created, name)
		}
	}
	return dropped, created, remaining, moved
}

// checkIntegrity refuses to drop an entity that another entity still owns a
// foreign key or join table to
func (d *differ) checkIntegrity(removed map[string]bool) error {
	for _, name := range d.new.EntityNames() {
		mapping := d.new[name]
		for _, property := range mapping.RelationProperties() {
			relation := mapping.Relations[property]
			if !relation.OwnsJoinColumn() && !relation.OwnsJoinTable() {
				continue
			}
			if removed[relation.TargetEntity] {
				return &IntegrityError{Entity: name, Property: property, Target: relation.TargetEntity}
			}
		}
	}
	return nil
}

func (d *differ) state(store string) *storeState {
	state, ok := d.stores[store]
	if !ok {
		state = &storeState{
			createDeps: make(map[string][]string),
			dropDeps:   make(map[string][]string),
			dropFKs:    make(map[string][]models.ForeignKey),
		}
		d.stores[store] = state
	}
	return state
}

func (d *differ) target(snapshot models.Snapshot, entity, property string, relation models.Relation, store string) (models.EntityMapping, error) {
	target, ok := snapshot[relation.TargetEntity]
	if !ok {
		return models.EntityMapping{}, fmt.Errorf("%w: %s.%s targets unknown entity %s",
			models.ErrMissingMapping, entity, property, relation.TargetEntity)
	}
	if store != "" && target.StoreName(d.defaultStore) != store {
		return models.EntityMapping{}, fmt.Errorf("%w: %s.%s targets %s in store %s",
			ErrCrossStoreRelation, entity, property, relation.TargetEntity, target.StoreName(d.defaultStore))
	}
	return target, nil
}

// ownedColumnOf resolves the join column held by an owning single-valued
// relation. store is empty when the cross-store check should be skipped.
func (d *differ) ownedColumnOf(snapshot models.Snapshot, entity, property, store string) (*ownedColumn, error) {
	mapping := snapshot[entity]
	relation, ok := mapping.Relations[property]
	if !ok || !relation.OwnsJoinColumn() {
		return nil, nil
	}
	target, err := d.target(snapshot, entity, property, relation, store)
	if err != nil {
		return nil, err
	}
	return &ownedColumn{
		column:      resolveJoinColumn(mapping.Fields[property], property, target),
		targetTable: target.Entity.TableName,
	}, nil
}

// ownedJoinTableOf resolves the join table held by the owning side of a
// many-to-many relation
func (d *differ) ownedJoinTableOf(snapshot models.Snapshot, entity, property, store string) (*ownedJoinTable, error) {
	mapping := snapshot[entity]
	relation, ok := mapping.Relations[property]
	if !ok || !relation.OwnsJoinTable() {
		return nil, nil
	}
	target, err := d.target(snapshot, entity, property, relation, store)
	if err != nil {
		return nil, err
	}
	return &ownedJoinTable{
		JoinTable:   resolveJoinTable(mapping.Fields[property], mapping, target),
		OwnTable:    mapping.Entity.TableName,
		TargetTable: target.Entity.TableName,
	}, nil
}

func (d *differ) createEntity(name string) error {
	mapping := d.new[name]
	store := mapping.StoreName(d.defaultStore)
	table := mapping.Entity.TableName
	instructions := d.instructions.Store(store)
	state := d.state(store)

	create := models.CreateTable{
		TableName: table,
		Fields:    plainColumns(mapping),
		Index:     indexes(mapping.Index),
		Unique:    indexes(mapping.Unique),
	}

	var joinTables []*ownedJoinTable
	for _, property := range mapping.RelationProperties() {
		owned, err := d.ownedColumnOf(d.new, name, property, store)
		if err != nil {
			return err
		}
		if owned != nil {
			create.Fields = append(create.Fields, joinColumnField(owned.column))
			create.Foreign = append(create.Foreign, joinColumnForeignKey(table, owned.targetTable, owned.column))
			if owned.column.Unique {
				create.Unique = append(create.Unique, uniqueIndex(table, owned.column))
			}
			state.createDeps[table] = append(state.createDeps[table], owned.targetTable)
			continue
		}

		joinTable, err := d.ownedJoinTableOf(d.new, name, property, store)
		if err != nil {
			return err
		}
		if joinTable != nil {
			joinTables = append(joinTables, joinTable)
		}
	}

	instructions.Create = append(instructions.Create, create)
	for _, joinTable := range joinTables {
		d.createJoinTable(store, *joinTable)
	}
	return nil
}

func (d *differ) dropEntity(name string) error {
	mapping := d.old[name]
	store := mapping.StoreName(d.defaultStore)
	table := mapping.Entity.TableName
	instructions := d.instructions.Store(store)
	state := d.state(store)

	instructions.Drop = append(instructions.Drop, table)

	for _, property := range mapping.RelationProperties() {
		owned, err := d.ownedColumnOf(d.old, name, property, "")
		if err != nil {
			return err
		}
		if owned != nil {
			state.dropDeps[table] = append(state.dropDeps[table], owned.targetTable)
			state.dropFKs[table] = append(state.dropFKs[table], joinColumnForeignKey(table, owned.targetTable, owned.column))
			continue
		}

		joinTable, err := d.ownedJoinTableOf(d.old, name, property, "")
		if err != nil {
			return err
		}
		if joinTable != nil {
			d.dropJoinTable(store, *joinTable)
		}
	}
	return nil
}

func (d *differ) diffEntity(name string) error {
	oldMapping := d.old[name]
	newMapping := d.new[name]
	store := newMapping.StoreName(d.defaultStore)
	instructions := d.instructions.Store(store)

	oldTable := oldMapping.Entity.TableName
	table := newMapping.Entity.TableName
	if oldTable != table {
		instructions.Rename = append(instructions.Rename, models.Rename{From: oldTable, To: table})
	}

	alter := instructions.AlterFor(table)
	diffFields(alter, oldMapping, newMapping)
	alter.Index, alter.DropIndex = diffIndexes(alter.Index, alter.DropIndex, oldMapping.Index, newMapping.Index)
	alter.Unique, alter.DropUnique = diffIndexes(alter.Unique, alter.DropUnique, oldMapping.Unique, newMapping.Unique)

	return d.diffRelations(store, alter, name, oldTable, table)
}

// diffFields compares the plain columns of an entity. A changed column keeps
// its name and is altered in place; a column whose name changed is dropped and
// added again, since a property rename cannot be told apart from an unrelated
// new column.
func diffFields(alter *models.AlterTable, oldMapping, newMapping models.EntityMapping) {
	dropped := make(map[string]models.Field)
	var added []models.Field

	for _, property := range unionKeys(oldMapping.Fields, newMapping.Fields) {
		oldField, inOld := oldMapping.Fields[property]
		newField, inNew := newMapping.Fields[property]
		inOld = inOld && !oldField.Relationship
		inNew = inNew && !newField.Relationship

		switch {
		case inOld && !inNew:
			column := columnField(oldField, property)
			dropped[column.Name] = column
		case !inOld && inNew:
			added = append(added, columnField(newField, property))
		case inOld && inNew:
			oldColumn := columnField(oldField, property)
			newColumn := columnField(newField, property)
			switch {
			case sameDescriptor(oldColumn, newColumn):
			case oldColumn.Name == newColumn.Name:
				alter.Change = append(alter.Change, newColumn)
			default:
				dropped[oldColumn.Name] = oldColumn
				added = append(added, newColumn)
			}
		}
	}

	// A column dropped under one property and added under another is the
	// same column
	for _, column := range added {
		oldColumn, ok := dropped[column.Name]
		if !ok {
			alter.Fields = append(alter.Fields, column)
			continue
		}
		delete(dropped, column.Name)
		if !sameDescriptor(oldColumn, column) {
			alter.Change = append(alter.Change, column)
		}
	}

	for _, column := range unionKeys(dropped, nil) {
		alter.DropColumn = append(alter.DropColumn, column)
	}
}

func diffIndexes(add, drop []models.Index, oldIndexes, newIndexes map[string][]string) ([]models.Index, []models.Index) {
	for _, name := range unionKeys(oldIndexes, newIndexes) {
		oldFields, inOld := oldIndexes[name]
		newFields, inNew := newIndexes[name]
		if inOld && inNew && sameDescriptor(oldFields, newFields) {
			continue
		}
		if inOld {
			drop = append(drop, models.Index{Name: name, Fields: oldFields})
		}
		if inNew {
			add = append(add, models.Index{Name: name, Fields: newFields})
		}
	}
	return add, drop
}

func (d *differ) diffRelations(store string, alter *models.AlterTable, name, oldTable, table string) error {
	oldMapping := d.old[name]
	newMapping := d.new[name]

	for _, property := range unionKeys(oldMapping.Relations, newMapping.Relations) {
		oldColumn, err := d.ownedColumnOf(d.old, name, property, "")
		if err != nil {
			return err
		}
		newColumn, err := d.ownedColumnOf(d.new, name, property, store)
		if err != nil {
			return err
		}
		diffJoinColumn(alter, oldTable, table, oldColumn, newColumn)

		oldJoinTable, err := d.ownedJoinTableOf(d.old, name, property, "")
		if err != nil {
			return err
		}
		newJoinTable, err := d.ownedJoinTableOf(d.new, name, property, store)
		if err != nil {
			return err
		}
		d.diffJoinTable(store, oldJoinTable, newJoinTable)
	}
	return nil
}

func diffJoinColumn(alter *models.AlterTable, oldTable, table string, oldColumn, newColumn *ownedColumn) {
	switch {
	case oldColumn == nil && newColumn == nil:
		return
	case newColumn == nil:
		removeJoinColumn(alter, oldTable, *oldColumn)
		return
	case oldColumn == nil:
		addJoinColumn(alter, table, *newColumn)
		return
	case oldColumn.column.Name != newColumn.column.Name:
		removeJoinColumn(alter, oldTable, *oldColumn)
		addJoinColumn(alter, table, *newColumn)
		return
	}

	if !sameDescriptor(joinColumnField(oldColumn.column), joinColumnField(newColumn.column)) {
		alter.Change = append(alter.Change, joinColumnField(newColumn.column))
	}

	oldForeign := joinColumnForeignKey(oldTable, oldColumn.targetTable, oldColumn.column)
	newForeign := joinColumnForeignKey(table, newColumn.targetTable, newColumn.column)
	if !sameDescriptor(oldForeign, newForeign) {
		alter.DropForeign = append(alter.DropForeign, oldForeign.Name)
		alter.Foreign = append(alter.Foreign, newForeign)
	}

	var oldUnique, newUnique *models.Index
	if oldColumn.column.Unique {
		index := uniqueIndex(oldTable, oldColumn.column)
		oldUnique = &index
	}
	if newColumn.column.Unique {
		index := uniqueIndex(table, newColumn.column)
		newUnique = &index
	}
	if sameDescriptor(oldUnique, newUnique) {
		return
	}
	if oldUnique != nil {
		alter.DropUnique = append(alter.DropUnique, *oldUnique)
	}
	if newUnique != nil {
		alter.Unique = append(alter.Unique, *newUnique)
	}
}

func addJoinColumn(alter *models.AlterTable, table string, owned ownedColumn) {
	alter.Fields = append(alter.Fields, joinColumnField(owned.column))
	alter.Foreign = append(alter.Foreign, joinColumnForeignKey(table, owned.targetTable, owned.column))
	if owned.column.Unique {
		alter.Unique = append(alter.Unique, uniqueIndex(table, owned.column))
	}
}

func removeJoinColumn(alter *models.AlterTable, table string, owned ownedColumn) {
	alter.DropForeign = append(alter.DropForeign, foreignKeyName(table, []string{owned.column.Name}))
	if owned.column.Unique {
		alter.DropUnique = append(alter.DropUnique, uniqueIndex(table, owned.column))
	}
	alter.DropColumn = append(alter.DropColumn, owned.column.Name)
}

// diffJoinTable drops and recreates a join table whose descriptor changed
func (d *differ) diffJoinTable(store string, oldJoinTable, newJoinTable *ownedJoinTable) {
	if oldJoinTable == nil && newJoinTable == nil {
		return
	}
	if oldJoinTable != nil && newJoinTable != nil && sameDescriptor(oldJoinTable, newJoinTable) {
		return
	}
	if oldJoinTable != nil {
		d.dropJoinTable(store, *oldJoinTable)
	}
	if newJoinTable != nil {
		d.createJoinTable(store, *newJoinTable)
	}
}

func (d *differ) createJoinTable(store string, joinTable ownedJoinTable) {
	instructions := d.instructions.Store(store)
	instructions.Create = append(instructions.Create,
		joinTableCreate(joinTable.JoinTable, joinTable.OwnTable, joinTable.TargetTable))

	state := d.state(store)
	state.createDeps[joinTable.JoinTable.Name] = []string{joinTable.OwnTable, joinTable.TargetTable}
}

func (d *differ) dropJoinTable(store string, joinTable ownedJoinTable) {
	instructions := d.instructions.Store(store)
	instructions.Drop = append(instructions.Drop, joinTable.JoinTable.Name)

	state := d.state(store)
	state.dropDeps[joinTable.JoinTable.Name] = []string{joinTable.OwnTable, joinTable.TargetTable}
	state.dropFKs[joinTable.JoinTable.Name] =
		joinTableCreate(joinTable.JoinTable, joinTable.OwnTable, joinTable.TargetTable).Foreign
}

// postDiffingOperations orders creates after the tables they reference and
// drops before the tables they reference, then removes redundant index drops
// and empty alters
func (d *differ) postDiffingOperations() {
	for _, store := range d.instructions.Stores() {
		instructions := d.instructions[store]
		state := d.state(store)

		d.orderCreates(instructions, state)
		d.orderDrops(instructions, state)

		for _, table := range instructions.AlteredTables() {
			alter := instructions.Alter[table]
			alter.DropIndex = pruneCovered(alter.DropIndex, alter.DropColumn)
			alter.DropUnique = pruneCovered(alter.DropUnique, alter.DropColumn)
			if alter.IsEmpty() {
				delete(instructions.Alter, table)
			}
		}
	}
}

func (d *differ) orderCreates(instructions *models.StoreInstructions, state *storeState) {
	if len(instructions.Create) < 2 {
		return
	}

	byTable := make(map[string]models.CreateTable, len(instructions.Create))
	tables := make([]string, 0, len(instructions.Create))
	for _, create := range instructions.Create {
		byTable[create.TableName] = create
		tables = append(tables, create.TableName)
	}

	orderedTables, circularTables := analyzer.NewSchemaAnalyzer(tables, state.createDeps).GetTableCreationOrder()

	ordered := make([]models.CreateTable, 0, len(orderedTables))
	for _, table := range orderedTables {
		create := byTable[table]
		if circularTables[table] && len(create.Foreign) > 0 {
			// Added once every table in the cycle exists
			alter := instructions.AlterFor(table)
			alter.Foreign = append(alter.Foreign, create.Foreign...)
			create.Foreign = nil
		}
		ordered = append(ordered, create)
	}
	instructions.Create = ordered
}

func (d *differ) orderDrops(instructions *models.StoreInstructions, state *storeState) {
	if len(instructions.Drop) < 2 {
		return
	}

	orderedTables, circularTables := analyzer.NewSchemaAnalyzer(instructions.Drop, state.dropDeps).GetTableDropOrder()
	for _, table := range orderedTables {
		if !circularTables[table] {
			continue
		}
		// Released before any table in the cycle is dropped
		alter := instructions.AlterFor(table)
		for _, foreign := range state.dropFKs[table] {
			alter.DropForeign = append(alter.DropForeign, foreign.Name)
		}
	}
	instructions.Drop = orderedTables
}

// pruneCovered removes index drops whose columns are all dropped as well
func pruneCovered(indexes []models.Index, droppedColumns []string) []models.Index {
	if len(indexes) == 0 || len(droppedColumns) == 0 {
		return indexes
	}

	dropped := make(map[string]bool, len(droppedColumns))
	for _, column := range droppedColumns {
		dropped[column] = true
	}

	var kept []models.Index
	for _, index := range indexes {
		covered := len(index.Fields) > 0
		for _, field := range index.Fields {
			if !dropped[field] {
				covered = false
				break
			}
		}
		if !covered {
			kept = append(kept, index)
		}
	}
	return kept
}

// plainColumns returns the entity's non-relationship columns, primary first
func plainColumns(mapping models.EntityMapping) []models.Field {
	var primary, rest []models.Field
	for _, property := range mapping.Properties() {
		field := mapping.Fields[property]
		if field.Relationship {
			continue
		}
		if field.Primary {
			primary = append(primary, columnField(field, property))
		} else {
			rest = append(rest, columnField(field, property))
		}
	}
	return append(primary, rest...)
}

// columnField strips the mapping-only parts of a field and names its column
func columnField(field models.Field, property string) models.Field {
	field.Name = field.ColumnName(property)
	field.JoinColumn = nil
	field.JoinTable = nil
	field.Relationship = false
	return field
}

func uniqueIndex(table string, column models.JoinColumn) models.Index {
	return models.Index{Name: uniqueName(table, []string{column.Name}), Fields: []string{column.Name}}
}

func indexes(declared map[string][]string) []models.Index {
	if len(declared) == 0 {
		return nil
	}
	result := make([]models.Index, 0, len(declared))
	for _, name := range unionKeys(declared, nil) {
		result = append(result, models.Index{Name: name, Fields: declared[name]})
	}
	return result
}

// sameDescriptor compares two descriptors by their serialized form
func sameDescriptor(a, b any) bool {
	left, errLeft := json.Marshal(a)
	right, errRight := json.Marshal(b)
	if errLeft != nil || errRight != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(left, right)
}

func unionKeys[V any](a, b map[string]V) []string {
	seen := make(map[string]bool, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for key := range a {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	for key := range b {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
