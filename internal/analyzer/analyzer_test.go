package analyzer

import (
	"fmt"
	"testing"

	"github.com/jaswdr/faker"
)

func indexOf(tables []string, table string) int {
	for i, t := range tables {
		if t == table {
			return i
		}
	}
	return -1
}

func TestNewSchemaAnalyzer(t *testing.T) {
	analyzer := NewSchemaAnalyzer(
		[]string{"users", "posts"},
		map[string][]string{"posts": {"users", "posts", "unknown"}},
	)

	if analyzer.DependencyGraph == nil {
		t.Fatal("Expected analyzer.DependencyGraph to be initialized")
	}
	if analyzer.TableIndexMap["posts"] != 1 || analyzer.IndexTableMap[0] != "users" {
		t.Error("Expected table index maps to follow the input order")
	}
	if !analyzer.DependencyGraph.Edge(1, 0) {
		t.Error("Expected an edge from posts to users")
	}
	if analyzer.DependencyGraph.Edge(1, 1) {
		t.Error("Expected self references to be ignored")
	}
}

func TestGetCircularTables(t *testing.T) {
	analyzer := NewSchemaAnalyzer(
		[]string{"employees", "departments", "offices"},
		map[string][]string{
			"employees":   {"departments"},
			"departments": {"employees"},
			"offices":     {"departments"},
		},
	)

	circularTables := analyzer.GetCircularTables()

	if !circularTables["employees"] {
		t.Error("Expected employees to be detected as a circular table")
	}
	if !circularTables["departments"] {
		t.Error("Expected departments to be detected as a circular table")
	}
	if circularTables["offices"] {
		t.Error("Expected offices not to be detected as a circular table")
	}
	if len(analyzer.CircularComponents) != 1 || len(analyzer.CircularComponents[0]) != 2 {
		t.Errorf("Expected one circular component of two tables, got %v", analyzer.CircularComponents)
	}
}

func TestGetTableCreationOrder(t *testing.T) {
	analyzer := NewSchemaAnalyzer(
		[]string{"user_posts", "comments", "posts", "users"},
		map[string][]string{
			"posts":      {"users"},
			"comments":   {"posts"},
			"user_posts": {"users", "posts"},
		},
	)

	orderedTables, circularTables := analyzer.GetTableCreationOrder()

	if len(orderedTables) != 4 {
		t.Fatalf("Expected 4 tables in the ordered list, got %d", len(orderedTables))
	}
	if indexOf(orderedTables, "users") > indexOf(orderedTables, "posts") {
		t.Error("Expected users to come before posts in the ordered list")
	}
	if indexOf(orderedTables, "posts") > indexOf(orderedTables, "comments") {
		t.Error("Expected posts to come before comments in the ordered list")
	}
	if indexOf(orderedTables, "posts") > indexOf(orderedTables, "user_posts") {
		t.Error("Expected posts to come before user_posts in the ordered list")
	}
	if len(circularTables) != 0 {
		t.Errorf("Expected 0 circular tables, got %d", len(circularTables))
	}
}

func TestGetTableCreationOrderKeepsIndependentOrder(t *testing.T) {
	analyzer := NewSchemaAnalyzer([]string{"c", "a", "b"}, nil)

	orderedTables, _ := analyzer.GetTableCreationOrder()

	expected := []string{"c", "a", "b"}
	for i := range expected {
		if orderedTables[i] != expected[i] {
			t.Fatalf("Expected %v, got %v", expected, orderedTables)
		}
	}
}

func TestGetTableDropOrder(t *testing.T) {
	analyzer := NewSchemaAnalyzer(
		[]string{"users", "posts", "comments"},
		map[string][]string{
			"posts":    {"users"},
			"comments": {"posts"},
		},
	)

	orderedTables, _ := analyzer.GetTableDropOrder()

	if indexOf(orderedTables, "comments") > indexOf(orderedTables, "posts") {
		t.Error("Expected comments to be dropped before posts")
	}
	if indexOf(orderedTables, "posts") > indexOf(orderedTables, "users") {
		t.Error("Expected posts to be dropped before users")
	}
}

func TestGetTableCreationOrderWithCycle(t *testing.T) {
	analyzer := NewSchemaAnalyzer(
		[]string{"employees", "departments", "companies"},
		map[string][]string{
			"employees":   {"departments"},
			"departments": {"employees", "companies"},
		},
	)

	orderedTables, circularTables := analyzer.GetTableCreationOrder()

	if len(orderedTables) != 3 {
		t.Fatalf("Expected every table to be ordered, got %v", orderedTables)
	}
	if !circularTables["employees"] || !circularTables["departments"] {
		t.Errorf("Expected employees and departments to be circular, got %v", circularTables)
	}
	if indexOf(orderedTables, "companies") > indexOf(orderedTables, "departments") {
		t.Error("Expected companies to come before departments")
	}
}

func TestGetTableCreationOrderRandomChains(t *testing.T) {
	fake := faker.New()

	for round := 0; round < 20; round++ {
		length := fake.IntBetween(2, 12)

		// Build a chain t0 <- t1 <- ... and shuffle the input order
		chain := make([]string, length)
		for i := range chain {
			chain[i] = fmt.Sprintf("%s_%d", fake.Lorem().Word(), i)
		}
		dependencies := make(map[string][]string)
		for i := 1; i < length; i++ {
			dependencies[chain[i]] = []string{chain[i-1]}
		}
		tables := append([]string(nil), chain...)
		for i := len(tables) - 1; i > 0; i-- {
			j := fake.IntBetween(0, i)
			tables[i], tables[j] = tables[j], tables[i]
		}

		orderedTables, _ := NewSchemaAnalyzer(tables, dependencies).GetTableCreationOrder()

		for i := 1; i < length; i++ {
			if indexOf(orderedTables, chain[i-1]) > indexOf(orderedTables, chain[i]) {
				t.Fatalf("Expected %s before %s in %v", chain[i-1], chain[i], orderedTables)
			}
		}
	}
}
