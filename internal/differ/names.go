package differ

import (
	"strings"

	"github.com/vitebski/mysql-schema-migrator/pkg/models"
)

func foreignKeyName(table string, columns []string) string {
	return table + "_" + strings.Join(columns, "_") + "_foreign"
}

func uniqueName(table string, columns []string) string {
	return table + "_" + strings.Join(columns, "_") + "_unique"
}

// resolveJoinColumn fills the defaults of a single-valued relation's column
func resolveJoinColumn(field models.Field, property string, target models.EntityMapping) models.JoinColumn {
	var column models.JoinColumn
	if field.JoinColumn != nil {
		column = *field.JoinColumn
	}
	if column.Name == "" {
		column.Name = property + "_id"
	}
	if column.ReferencedColumnName == "" {
		column.ReferencedColumnName = target.PrimaryColumn()
	}
	return column
}

// resolveJoinTable fills the defaults of a many-to-many join table
func resolveJoinTable(field models.Field, owner, target models.EntityMapping) models.JoinTable {
	ownTable := owner.Entity.TableName
	targetTable := target.Entity.TableName

	var joinTable models.JoinTable
	if field.JoinTable != nil {
		joinTable = *field.JoinTable
	}
	if joinTable.Name == "" {
		joinTable.Name = ownTable + "_" + targetTable
	}
	if len(joinTable.JoinColumns) == 0 {
		joinTable.JoinColumns = []models.JoinColumn{{Name: ownTable + "_id"}}
	}
	if len(joinTable.InverseJoinColumns) == 0 {
		joinTable.InverseJoinColumns = []models.JoinColumn{{Name: targetTable + "_id"}}
	}

	joinTable.JoinColumns = fillReferenced(joinTable.JoinColumns, owner.PrimaryColumn())
	joinTable.InverseJoinColumns = fillReferenced(joinTable.InverseJoinColumns, target.PrimaryColumn())
	return joinTable
}

func fillReferenced(columns []models.JoinColumn, primary string) []models.JoinColumn {
	filled := make([]models.JoinColumn, len(columns))
	for i, column := range columns {
		if column.ReferencedColumnName == "" {
			column.ReferencedColumnName = primary
		}
		filled[i] = column
	}
	return filled
}

// joinColumnField is the column definition backing a join column
func joinColumnField(column models.JoinColumn) models.Field {
	return models.Field{
		Name:     column.Name,
		Type:     models.TypeInteger,
		Unsigned: true,
		Nullable: column.Nullable,
	}
}

func joinColumnForeignKey(table, targetTable string, column models.JoinColumn) models.ForeignKey {
	return models.ForeignKey{
		Name:       foreignKeyName(table, []string{column.Name}),
		Columns:    []string{column.Name},
		InTable:    targetTable,
		References: []string{column.ReferencedColumnName},
		OnDelete:   column.OnDelete,
		OnUpdate:   column.OnUpdate,
	}
}

// joinTableCreate builds the create instruction for a join table. Both sides
// cascade on delete.
func joinTableCreate(joinTable models.JoinTable, ownTable, targetTable string) models.CreateTable {
	create := models.CreateTable{
		TableName: joinTable.Name,
		Fields: []models.Field{{
			Name:           models.DefaultPrimaryColumn,
			Type:           models.TypeInteger,
			Primary:        true,
			GeneratedValue: models.GeneratedAutoIncrement,
		}},
	}

	add := func(columns []models.JoinColumn, references string) {
		for _, column := range columns {
			create.Fields = append(create.Fields, models.Field{Name: column.Name, Type: models.TypeInteger, Unsigned: true})
			create.Foreign = append(create.Foreign, models.ForeignKey{
				Name:       foreignKeyName(joinTable.Name, []string{column.Name}),
				Columns:    []string{column.Name},
				InTable:    references,
				References: []string{column.ReferencedColumnName},
				OnDelete:   "cascade",
			})
		}
	}
	add(joinTable.JoinColumns, ownTable)
	add(joinTable.InverseJoinColumns, targetTable)

	return create
}
