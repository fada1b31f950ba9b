package graph

import (
	"sort"
	"sync"

	"github.com/mehmetymw/tablewatch/internal/types"
)

type ImpactLevel string

const (
	ImpactLow      ImpactLevel = "low"
	ImpactMedium   ImpactLevel = "medium"
	ImpactHigh     ImpactLevel = "high"
	ImpactCritical ImpactLevel = "critical"
)

type ImpactAnalysis struct {
	Table          string
	Level          ImpactLevel
	AffectedTables []string
	// DependencyChains lists one path per affected table, from the analyzed
	// table down to it.
	DependencyChains [][]string
}

// DependencyGraph is the directed foreign-key graph between monitored tables.
// An edge points child to parent: a row in the child references a row in the
// parent. Built from explicit registrations, shared across all monitors.
type DependencyGraph struct {
	mu       sync.RWMutex
	edges    map[string]types.DependencyEdge // keyed by constraint name
	critical map[string]bool
}

func NewDependencyGraph(criticalTables []string) *DependencyGraph {
	crit := make(map[string]bool, len(criticalTables))
	for _, t := range criticalTables {
		crit[t] = true
	}
	return &DependencyGraph{
		edges:    make(map[string]types.DependencyEdge),
		critical: crit,
	}
}

// RegisterForeignKey records one foreign-key relationship. Registering the
// same constraint name again replaces the previous edge rather than
// duplicating it.
func (g *DependencyGraph) RegisterForeignKey(parentTable, parentColumn, childTable, childColumn, constraintName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges[constraintName] = types.DependencyEdge{
		ParentTable:    parentTable,
		ParentColumn:   parentColumn,
		ChildTable:     childTable,
		ChildColumn:    childColumn,
		ConstraintName: constraintName,
	}
}

func (g *DependencyGraph) RemoveForeignKey(constraintName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges, constraintName)
}

// EdgesFor returns every edge touching the table, as parent or child, sorted
// by constraint name.
func (g *DependencyGraph) EdgesFor(table string) []types.DependencyEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []types.DependencyEdge
	for _, e := range g.edges {
		if e.ParentTable == table || e.ChildTable == table {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConstraintName < out[j].ConstraintName })
	return out
}

// children returns tables whose rows reference the given parent. Caller holds
// at least a read lock.
func (g *DependencyGraph) children(parent string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range g.edges {
		if e.ParentTable == parent && !seen[e.ChildTable] {
			seen[e.ChildTable] = true
			out = append(out, e.ChildTable)
		}
	}
	sort.Strings(out)
	return out
}

// AnalyzeImpact walks the graph transitively from the table toward its
// dependents. A visited set guarantees termination on cyclic graphs (a table
// indirectly referencing itself). The impact level is derived from the number
// of transitively affected tables and whether any of them is configured
// critical.
func (g *DependencyGraph) AnalyzeImpact(table string) ImpactAnalysis {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := map[string]bool{table: true}
	var affected []string
	var chains [][]string

	type frame struct {
		table string
		path  []string
	}
	queue := []frame{{table: table, path: []string{table}}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range g.children(cur.table) {
			if visited[child] {
				continue
			}
			visited[child] = true
			path := append(append([]string(nil), cur.path...), child)
			affected = append(affected, child)
			chains = append(chains, path)
			queue = append(queue, frame{table: child, path: path})
		}
	}
	sort.Strings(affected)

	return ImpactAnalysis{
		Table:            table,
		Level:            g.impactLevel(table, affected),
		AffectedTables:   affected,
		DependencyChains: chains,
	}
}

func (g *DependencyGraph) impactLevel(table string, affected []string) ImpactLevel {
	if g.critical[table] {
		return ImpactCritical
	}
	for _, t := range affected {
		if g.critical[t] {
			return ImpactCritical
		}
	}
	switch {
	case len(affected) >= 5:
		return ImpactHigh
	case len(affected) >= 1:
		return ImpactMedium
	default:
		return ImpactLow
	}
}
