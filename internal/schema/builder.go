// Package schema renders instruction sets as MySQL DDL and applies them.
package schema

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vitebski/mysql-schema-migrator/pkg/models"
)

var plainIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedWords are the MySQL keywords likely to collide with table or column names
var reservedWords = map[string]bool{
	"add": true, "all": true, "alter": true, "and": true, "as": true, "asc": true,
	"between": true, "by": true, "case": true, "change": true, "check": true,
	"column": true, "condition": true, "constraint": true, "create": true,
	"cross": true, "database": true, "default": true, "delete": true, "desc": true,
	"describe": true, "distinct": true, "drop": true, "else": true, "exists": true,
	"explain": true, "false": true, "fetch": true, "for": true, "force": true,
	"foreign": true, "from": true, "function": true, "grant": true, "group": true,
	"having": true, "if": true, "ignore": true, "in": true, "index": true,
	"inner": true, "insert": true, "int": true, "integer": true, "interval": true,
	"into": true, "is": true, "join": true, "key": true, "keys": true, "kill": true,
	"left": true, "like": true, "limit": true, "lines": true, "load": true,
	"lock": true, "match": true, "modify": true, "natural": true, "not": true,
	"null": true, "on": true, "option": true, "or": true, "order": true,
	"outer": true, "partition": true, "primary": true, "procedure": true,
	"range": true, "rank": true, "read": true, "references": true, "rename": true,
	"repeat": true, "replace": true, "require": true, "restrict": true,
	"return": true, "revoke": true, "right": true, "row": true, "rows": true,
	"schema": true, "select": true, "set": true, "show": true, "table": true,
	"then": true, "to": true, "trigger": true, "true": true, "union": true,
	"unique": true, "unsigned": true, "update": true, "usage": true, "use": true,
	"using": true, "values": true, "when": true, "where": true, "while": true,
	"with": true, "write": true,
}

// QuoteIdentifier backtick-quotes a name when it is reserved or not a plain word
func QuoteIdentifier(name string) string {
	if plainIdentifier.MatchString(name) && !reservedWords[strings.ToLower(name)] {
		return name
	}
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = QuoteIdentifier(name)
	}
	return strings.Join(quoted, ", ")
}

func quoteValue(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// Builder accumulates the DDL statements for one store
type Builder struct {
	store      string
	statements []string
}

// NewBuilder creates an empty builder for a store
func NewBuilder(store string) *Builder {
	return &Builder{store: store}
}

// Store returns the name of the store the statements target
func (b *Builder) Store() string {
	return b.store
}

// Statements returns the accumulated statements in order
func (b *Builder) Statements() []string {
	return append([]string(nil), b.statements...)
}

// SQL renders the accumulated statements as a script
func (b *Builder) SQL() string {
	if len(b.statements) == 0 {
		return ""
	}
	return strings.Join(b.statements, ";\n") + ";"
}

// Raw appends a statement verbatim
func (b *Builder) Raw(statement string) *Builder {
	statement = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(statement), ";"))
	if statement != "" {
		b.statements = append(b.statements, statement)
	}
	return b
}

// RenameTable appends a table rename
func (b *Builder) RenameTable(from, to string) *Builder {
	return b.Raw(fmt.Sprintf("rename table %s to %s", QuoteIdentifier(from), QuoteIdentifier(to)))
}

// DropTable appends a table drop
func (b *Builder) DropTable(table string) *Builder {
	return b.Raw("drop table " + QuoteIdentifier(table))
}

// DropForeign appends one drop per foreign key
func (b *Builder) DropForeign(table string, names []string) *Builder {
	for _, name := range names {
		b.Raw(fmt.Sprintf("alter table %s drop foreign key %s", QuoteIdentifier(table), QuoteIdentifier(name)))
	}
	return b
}

// Foreign appends one constraint per foreign key
func (b *Builder) Foreign(table string, keys []models.ForeignKey) *Builder {
	for _, key := range keys {
		statement := fmt.Sprintf("alter table %s add constraint %s foreign key (%s) references %s (%s)",
			QuoteIdentifier(table), QuoteIdentifier(key.Name), quoteList(key.Columns),
			QuoteIdentifier(key.InTable), quoteList(key.References))
		if key.OnDelete != "" {
			statement += " on delete " + strings.ToLower(key.OnDelete)
		}
		if key.OnUpdate != "" {
			statement += " on update " + strings.ToLower(key.OnUpdate)
		}
		b.Raw(statement)
	}
	return b
}

// CreateTable appends the table creation followed by its indexes, unique
// constraints and foreign keys
func (b *Builder) CreateTable(create models.CreateTable) error {
	return b.createTable("create table", create)
}

// CreateTableIfNotExists is CreateTable for tables several processes may
// create at the same time
func (b *Builder) CreateTableIfNotExists(create models.CreateTable) error {
	return b.createTable("create table if not exists", create)
}

func (b *Builder) createTable(command string, create models.CreateTable) error {
	if len(create.Fields) == 0 {
		return fmt.Errorf("%w: table %s has no columns", models.ErrMissingMapping, create.TableName)
	}

	definitions := make([]string, 0, len(create.Fields)+1)
	var primary []string
	for _, field := range create.Fields {
		definition, err := ColumnDefinition(field)
		if err != nil {
			return fmt.Errorf("create table %s: %w", create.TableName, err)
		}
		definitions = append(definitions, definition)
		if field.Primary && field.GeneratedValue != models.GeneratedAutoIncrement {
			primary = append(primary, field.Name)
		}
	}
	if len(primary) > 0 {
		definitions = append(definitions, fmt.Sprintf("primary key (%s)", quoteList(primary)))
	}

	b.Raw(fmt.Sprintf("%s %s (%s)", command, QuoteIdentifier(create.TableName), strings.Join(definitions, ", ")))
	b.addIndexes(create.TableName, "index", create.Index)
	b.addIndexes(create.TableName, "unique", create.Unique)
	b.Foreign(create.TableName, create.Foreign)
	return nil
}

// AlterTable appends everything an alter carries except foreign key drops,
// which must run before any table is dropped
func (b *Builder) AlterTable(table string, alter *models.AlterTable) error {
	name := QuoteIdentifier(table)

	b.dropIndexes(table, alter.DropUnique)
	b.dropIndexes(table, alter.DropIndex)
	for _, column := range alter.DropColumn {
		b.Raw(fmt.Sprintf("alter table %s drop column %s", name, QuoteIdentifier(column)))
	}
	for _, field := range alter.Change {
		// The table keeps its primary key, so a modified key column must not
		// declare it again
		definition, err := columnDefinition(field, false)
		if err != nil {
			return fmt.Errorf("alter table %s: %w", table, err)
		}
		b.Raw(fmt.Sprintf("alter table %s modify %s", name, definition))
	}
	for _, field := range alter.Fields {
		definition, err := ColumnDefinition(field)
		if err != nil {
			return fmt.Errorf("alter table %s: %w", table, err)
		}
		b.Raw(fmt.Sprintf("alter table %s add %s", name, definition))
	}
	b.addIndexes(table, "index", alter.Index)
	b.addIndexes(table, "unique", alter.Unique)
	b.Foreign(table, alter.Foreign)
	return nil
}

func (b *Builder) addIndexes(table, kind string, indexes []models.Index) {
	for _, index := range indexes {
		b.Raw(fmt.Sprintf("alter table %s add %s %s (%s)",
			QuoteIdentifier(table), kind, QuoteIdentifier(index.Name), quoteList(index.Fields)))
	}
}

func (b *Builder) dropIndexes(table string, indexes []models.Index) {
	for _, index := range indexes {
		b.Raw(fmt.Sprintf("alter table %s drop index %s", QuoteIdentifier(table), QuoteIdentifier(index.Name)))
	}
}

// ColumnDefinition renders a field as a column definition. Columns are not
// null unless the field is nullable.
func ColumnDefinition(field models.Field) (string, error) {
	return columnDefinition(field, true)
}

func columnDefinition(field models.Field, withKey bool) (string, error) {
	if field.Name == "" {
		return "", fmt.Errorf("%w: column without a name", models.ErrMissingMapping)
	}

	name := QuoteIdentifier(field.Name)
	if field.GeneratedValue == models.GeneratedAutoIncrement {
		integer := "int"
		if field.Type == models.TypeBigInteger {
			integer = "bigint"
		}
		definition := name + " " + integer + " unsigned not null auto_increment"
		if withKey {
			definition += " primary key"
		}
		return definition, nil
	}

	columnType, err := ColumnType(field)
	if err != nil {
		return "", fmt.Errorf("column %s: %w", field.Name, err)
	}

	definition := name + " " + columnType
	if field.Unsigned && numeric(field.Type) {
		definition += " unsigned"
	}
	if !field.Nullable {
		definition += " not null"
	}
	if field.DefaultTo != nil {
		definition += " default " + quoteValue(*field.DefaultTo)
	}
	return definition, nil
}

// ColumnType maps a field type onto its MySQL column type
func ColumnType(field models.Field) (string, error) {
	switch field.Type {
	case models.TypeInteger:
		return "int", nil
	case models.TypeBigInteger:
		return "bigint", nil
	case models.TypeText:
		return "text", nil
	case models.TypeString:
		return fmt.Sprintf("varchar(%d)", sizeOr(field.Size, 255)), nil
	case models.TypeFloat:
		return fmt.Sprintf("float(%d, %d)", sizeOr(field.Precision, 8), sizeOr(field.Scale, 2)), nil
	case models.TypeDecimal:
		return fmt.Sprintf("decimal(%d, %d)", sizeOr(field.Precision, 8), sizeOr(field.Scale, 2)), nil
	case models.TypeBoolean:
		return "boolean", nil
	case models.TypeDate:
		return "date", nil
	case models.TypeDateTime:
		return "datetime", nil
	case models.TypeTime:
		return "time", nil
	case models.TypeTimestamp:
		return "timestamp", nil
	case models.TypeBinary:
		return "blob", nil
	case models.TypeJSON, models.TypeJSONB:
		return "json", nil
	case models.TypeUUID:
		return "char(36)", nil
	case models.TypeEnumeration:
		if len(field.Enumeration) == 0 {
			return "", fmt.Errorf("%w: enumeration without values", models.ErrMissingMapping)
		}
		values := make([]string, len(field.Enumeration))
		for i, value := range field.Enumeration {
			values[i] = quoteValue(value)
		}
		return "enum(" + strings.Join(values, ", ") + ")", nil
	default:
		return "", fmt.Errorf("%w: %s", models.ErrUnknownFieldType, field.Type)
	}
}

func numeric(fieldType models.FieldType) bool {
	switch fieldType {
	case models.TypeInteger, models.TypeBigInteger, models.TypeFloat, models.TypeDecimal:
		return true
	}
	return false
}

func sizeOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
