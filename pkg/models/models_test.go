package models

import (
	"errors"
	"testing"
)

func TestFieldTypeJSON(t *testing.T) {
	data, err := TypeBigInteger.MarshalJSON()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if string(data) != `"bigInteger"` {
		t.Errorf("Expected \"bigInteger\", got %s", data)
	}

	var parsed FieldType
	if err := parsed.UnmarshalJSON([]byte(`"enumeration"`)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if parsed != TypeEnumeration {
		t.Errorf("Expected enumeration, got %s", parsed)
	}

	if err := parsed.UnmarshalJSON([]byte(`"money"`)); !errors.Is(err, ErrUnknownFieldType) {
		t.Errorf("Expected ErrUnknownFieldType, got %v", err)
	}
	if _, err := FieldType(99).MarshalJSON(); !errors.Is(err, ErrUnknownFieldType) {
		t.Errorf("Expected ErrUnknownFieldType when marshalling, got %v", err)
	}
}

func TestParseSnapshot(t *testing.T) {
	snapshot, err := ParseSnapshot([]byte(`{
		"Book": {
			"entity": {"name": "Book", "tableName": "book"},
			"fields": {"id": {"name": "id", "primary": true, "generatedValue": "autoIncrement"},
			           "title": {"name": "title", "type": "string", "size": 120}}
		}
	}`))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := snapshot.EntityNames(); len(got) != 1 || got[0] != "Book" {
		t.Errorf("Expected [Book], got %v", got)
	}

	again, err := snapshot.Marshal()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	reparsed, err := ParseSnapshot(again)
	if err != nil {
		t.Fatalf("Unexpected error re-parsing: %v", err)
	}
	if reparsed["Book"].Fields["title"].Type != TypeString {
		t.Errorf("Expected title to stay a string field, got %s", reparsed["Book"].Fields["title"].Type)
	}

	empty, err := ParseSnapshot(nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("Expected an empty snapshot, got %v, %v", empty, err)
	}

	if _, err := ParseSnapshot([]byte(`{"Book": {"entity": {"name": "Book"}}}`)); !errors.Is(err, ErrMissingMapping) {
		t.Errorf("Expected ErrMissingMapping for a missing table name, got %v", err)
	}
	if _, err := ParseSnapshot([]byte(`{"Book": {"entity": {"tableName": "book"}, "fields": {"x": {"type": "money"}}}}`)); !errors.Is(err, ErrUnknownFieldType) {
		t.Errorf("Expected ErrUnknownFieldType for an unknown type, got %v", err)
	}
}

func TestInstructionsIsEmpty(t *testing.T) {
	instructions := Instructions{}
	if !instructions.IsEmpty() {
		t.Error("Expected new instructions to be empty")
	}

	instructions.Store("main").AlterFor("book")
	if !instructions.IsEmpty() {
		t.Error("Expected an empty alter not to count as work")
	}

	instructions.Store("main").Drop = append(instructions.Store("main").Drop, "book")
	if instructions.IsEmpty() {
		t.Error("Expected a drop to count as work")
	}
}
