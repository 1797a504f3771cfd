package analyzer

import (
	"sort"

	"github.com/yourbasic/graph"
)

// SchemaAnalyzer builds the foreign key dependency graph of a set of tables
// and derives the order in which they can be created or dropped
type SchemaAnalyzer struct {
	Tables             []string
	Dependencies       map[string][]string
	DependencyGraph    *graph.Mutable
	TableIndexMap      map[string]int
	IndexTableMap      map[int]string
	CircularComponents [][]string
}

// NewSchemaAnalyzer creates a new schema analyzer. dependencies maps a table
// to the tables its foreign keys reference; references to tables outside
// tables are ignored, as are self references.
func NewSchemaAnalyzer(tables []string, dependencies map[string][]string) *SchemaAnalyzer {
	sa := &SchemaAnalyzer{
		Tables:        append([]string(nil), tables...),
		Dependencies:  dependencies,
		TableIndexMap: make(map[string]int, len(tables)),
		IndexTableMap: make(map[int]string, len(tables)),
	}

	for i, table := range sa.Tables {
		sa.TableIndexMap[table] = i
		sa.IndexTableMap[i] = table
	}

	// Edges point from the dependent table to the referenced one
	sa.DependencyGraph = graph.New(len(sa.Tables))
	for table, references := range dependencies {
		srcIdx, ok := sa.TableIndexMap[table]
		if !ok {
			continue
		}
		for _, referenced := range references {
			destIdx, ok := sa.TableIndexMap[referenced]
			if !ok || destIdx == srcIdx {
				continue
			}
			sa.DependencyGraph.Add(srcIdx, destIdx)
		}
	}

	return sa
}

// GetCircularTables returns tables involved in circular dependencies
func (sa *SchemaAnalyzer) GetCircularTables() map[string]bool {
	circularTables := make(map[string]bool)
	sa.CircularComponents = nil

	for _, component := range graph.StrongComponents(sa.DependencyGraph) {
		if len(component) < 2 {
			continue
		}

		var tables []string
		for _, idx := range component {
			table := sa.IndexTableMap[idx]
			circularTables[table] = true
			tables = append(tables, table)
		}
		sort.Strings(tables)
		sa.CircularComponents = append(sa.CircularComponents, tables)
	}

	sort.Slice(sa.CircularComponents, func(i, j int) bool {
		return sa.CircularComponents[i][0] < sa.CircularComponents[j][0]
	})

	return circularTables
}

// GetTableCreationOrder orders the tables so that every table comes after the
// tables it references. Edges inside a circular dependency are ignored; the
// caller is expected to add those constraints once every table exists.
func (sa *SchemaAnalyzer) GetTableCreationOrder() ([]string, map[string]bool) {
	acyclic, circularTables := sa.acyclicGraph()
	return sa.sortTables(graph.Transpose(acyclic)), circularTables
}

// GetTableDropOrder orders the tables so that every table comes before the
// tables it references
func (sa *SchemaAnalyzer) GetTableDropOrder() ([]string, map[string]bool) {
	acyclic, circularTables := sa.acyclicGraph()
	return sa.sortTables(acyclic), circularTables
}

// acyclicGraph copies the dependency graph without the edges that belong to a
// circular dependency
func (sa *SchemaAnalyzer) acyclicGraph() (*graph.Mutable, map[string]bool) {
	circularTables := sa.GetCircularTables()

	componentOf := make(map[int]int)
	for i, component := range sa.CircularComponents {
		for _, table := range component {
			componentOf[sa.TableIndexMap[table]] = i
		}
	}

	acyclic := graph.New(len(sa.Tables))
	for v := 0; v < sa.DependencyGraph.Order(); v++ {
		sa.DependencyGraph.Visit(v, func(w int, c int64) bool {
			cv, inCycleV := componentOf[v]
			cw, inCycleW := componentOf[w]
			if inCycleV && inCycleW && cv == cw {
				return false
			}
			acyclic.AddCost(v, w, c)
			return false
		})
	}

	return acyclic, circularTables
}

// sortTables runs a topological sort over g. Neighbours are visited in index
// order so that independent tables keep their original relative order.
func (sa *SchemaAnalyzer) sortTables(g graph.Iterator) []string {
	order, ok := graph.TopSort(graph.Sort(g))
	if !ok {
		// Cannot happen once circular edges are removed; keep the input order
		return append([]string(nil), sa.Tables...)
	}

	orderedTables := make([]string, 0, len(order))
	for _, idx := range order {
		orderedTables = append(orderedTables, sa.IndexTableMap[idx])
	}
	return orderedTables
}
