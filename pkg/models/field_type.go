package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownFieldType is returned for a field type outside the supported set
var ErrUnknownFieldType = errors.New("unknown field type")

// FieldType is the declared type of a mapped field
type FieldType int

// Supported field types. The zero value means no type was declared, which is
// only valid for relationship fields.
const (
	TypeNone FieldType = iota
	TypeInteger
	TypeBigInteger
	TypeText
	TypeString
	TypeFloat
	TypeDecimal
	TypeBoolean
	TypeDate
	TypeDateTime
	TypeTime
	TypeTimestamp
	TypeBinary
	TypeJSON
	TypeJSONB
	TypeUUID
	TypeEnumeration
)

var fieldTypeNames = map[FieldType]string{
	TypeInteger:     "integer",
	TypeBigInteger:  "bigInteger",
	TypeText:        "text",
	TypeString:      "string",
	TypeFloat:       "float",
	TypeDecimal:     "decimal",
	TypeBoolean:     "boolean",
	TypeDate:        "date",
	TypeDateTime:    "dateTime",
	TypeTime:        "time",
	TypeTimestamp:   "timestamp",
	TypeBinary:      "binary",
	TypeJSON:        "json",
	TypeJSONB:       "jsonb",
	TypeUUID:        "uuid",
	TypeEnumeration: "enumeration",
}

// ParseFieldType converts a declared type name into a FieldType
func ParseFieldType(name string) (FieldType, error) {
	if name == "" {
		return TypeNone, nil
	}
	for fieldType, typeName := range fieldTypeNames {
		if typeName == name {
			return fieldType, nil
		}
	}
	return TypeNone, fmt.Errorf("%w: %q", ErrUnknownFieldType, name)
}

// String returns the declared name of the type
func (t FieldType) String() string {
	if name, ok := fieldTypeNames[t]; ok {
		return name
	}
	if t == TypeNone {
		return ""
	}
	return fmt.Sprintf("FieldType(%d)", int(t))
}

// Valid reports whether t is one of the supported types
func (t FieldType) Valid() bool {
	_, ok := fieldTypeNames[t]
	return ok
}

// MarshalJSON encodes the type as its declared name
func (t FieldType) MarshalJSON() ([]byte, error) {
	if t != TypeNone && !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFieldType, int(t))
	}
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a declared type name, rejecting unknown names
func (t *FieldType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("field type must be a string: %w", err)
	}
	parsed, err := ParseFieldType(name)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
