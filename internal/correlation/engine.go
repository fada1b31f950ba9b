package correlation

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mehmetymw/tablewatch/internal/graph"
	"github.com/mehmetymw/tablewatch/internal/types"
	"github.com/mehmetymw/tablewatch/internal/util"
)

// bulkInsertThreshold is the number of inserts on one child table, referencing
// the same parent row inside the window, that qualifies as a bulk insert.
const bulkInsertThreshold = 3

// Engine keeps a sliding window of recent changes per table and matches new
// changes against the foreign-key graph to classify cross-table
// relationships. The window is an auxiliary index for correlation lookups
// only, never the system of record for the change stream.
type Engine struct {
	graph       *graph.DependencyGraph
	logger      *zap.Logger
	retention   time.Duration
	maxPerTable int

	mu      sync.RWMutex
	windows map[string][]types.DetailedChangeRecord
}

func NewEngine(g *graph.DependencyGraph, retention time.Duration, maxPerTable int, logger *zap.Logger) *Engine {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if maxPerTable <= 0 {
		maxPerTable = 10000
	}
	return &Engine{
		graph:       g,
		logger:      logger,
		retention:   retention,
		maxPerTable: maxPerTable,
		windows:     make(map[string][]types.DetailedChangeRecord),
	}
}

// RecordChange appends a change to the table's window, evicting entries past
// the retention period or the per-table bound.
func (e *Engine) RecordChange(table string, change types.DetailedChangeRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w := append(e.windows[table], change)
	cutoff := time.Now().Add(-e.retention)
	for len(w) > 0 && w[0].Timestamp.Before(cutoff) {
		w = w[1:]
	}
	if len(w) > e.maxPerTable {
		w = w[len(w)-e.maxPerTable:]
	}
	e.windows[table] = w
}

// FindCorrelated matches a change against the windows of tables related to it
// through the foreign-key graph and classifies each match. Related rows must
// satisfy the registered FK relationship and fall inside the time window
// around the primary change.
func (e *Engine) FindCorrelated(change types.DetailedChangeRecord, window time.Duration) []types.CorrelatedChange {
	edges := e.graph.EdgesFor(change.Table)
	if len(edges) == 0 {
		return nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []types.CorrelatedChange
	for _, edge := range edges {
		primaryIsParent := edge.ParentTable == change.Table

		var relatedTable, primaryColumn, relatedColumn string
		if primaryIsParent {
			relatedTable = edge.ChildTable
			primaryColumn = edge.ParentColumn
			relatedColumn = edge.ChildColumn
		} else {
			relatedTable = edge.ParentTable
			primaryColumn = edge.ChildColumn
			relatedColumn = edge.ParentColumn
		}

		key := fkValue(change, primaryColumn)
		if key == "" {
			continue
		}

		matches := e.matchesInWindow(relatedTable, relatedColumn, key, change, window)
		for _, rel := range matches {
			ctype := classify(change, rel, primaryIsParent)
			out = append(out, types.CorrelatedChange{
				Primary:    change,
				Related:    rel,
				Type:       ctype,
				Confidence: confidence(ctype, change.Timestamp, rel.Timestamp, window, len(matches)),
			})
		}

		// Sibling inserts on the same child table referencing the same
		// parent row look like one logical bulk load.
		if !primaryIsParent && change.Operation == types.OpInsert {
			siblings := e.matchesInWindow(change.Table, primaryColumn, key, change, window)
			if len(siblings) >= bulkInsertThreshold-1 {
				for _, rel := range siblings {
					if rel.Operation != types.OpInsert {
						continue
					}
					out = append(out, types.CorrelatedChange{
						Primary:    change,
						Related:    rel,
						Type:       types.CorrelationBulkInsert,
						Confidence: confidence(types.CorrelationBulkInsert, change.Timestamp, rel.Timestamp, window, len(siblings)),
					})
				}
			}
		}
	}
	return out
}

// matchesInWindow scans a table's window for changes whose value in column
// equals key, within the time window around the primary change. The primary
// change itself is excluded.
func (e *Engine) matchesInWindow(table, column, key string, primary types.DetailedChangeRecord, window time.Duration) []types.DetailedChangeRecord {
	var out []types.DetailedChangeRecord
	for _, rel := range e.windows[table] {
		if samePrimaryRecord(rel, primary) {
			continue
		}
		dt := primary.Timestamp.Sub(rel.Timestamp)
		if dt < 0 {
			dt = -dt
		}
		if dt > window {
			continue
		}
		if fkValue(rel, column) != key {
			continue
		}
		out = append(out, rel)
	}
	return out
}

func samePrimaryRecord(a, b types.DetailedChangeRecord) bool {
	return a.Table == b.Table && a.Position == b.Position &&
		util.PrimaryKeyString(a.PrimaryKey) == util.PrimaryKeyString(b.PrimaryKey)
}

// fkValue extracts a column's value from a change record, preferring the
// after image, then the before image, then the primary-key map.
func fkValue(c types.DetailedChangeRecord, column string) string {
	if v, ok := c.After[column]; ok && v != nil {
		return util.ValueString(v)
	}
	if v, ok := c.Before[column]; ok && v != nil {
		return util.ValueString(v)
	}
	if v, ok := c.PrimaryKey[column]; ok && v != nil {
		return util.ValueString(v)
	}
	return ""
}

func classify(primary, related types.DetailedChangeRecord, primaryIsParent bool) types.CorrelationType {
	switch {
	case primary.Operation == types.OpDelete && related.Operation == types.OpDelete:
		return types.CorrelationCascadingDelete
	case primary.Operation == types.OpUpdate && related.Operation == types.OpUpdate:
		return types.CorrelationCascadingUpdate
	case primaryIsParent && primary.Operation == types.OpDelete:
		// Child rows still touching a deleted parent key.
		return types.CorrelationReferentialIntegrity
	case primaryIsParent && primary.Operation == types.OpInsert && related.Operation != types.OpDelete:
		// Parent key appearing for rows that already reference it.
		return types.CorrelationReferentialIntegrity
	default:
		return types.CorrelationGeneral
	}
}

// confidence starts from a per-type base, decays with time distance inside
// the window and grows with the number of matching related rows. Clamped to
// [0, 1].
func confidence(ctype types.CorrelationType, primaryAt, relatedAt time.Time, window time.Duration, matchCount int) float64 {
	base := 0.4
	if ctype != types.CorrelationGeneral {
		base = 0.5
	}

	dt := primaryAt.Sub(relatedAt)
	if dt < 0 {
		dt = -dt
	}
	proximity := 0.0
	if window > 0 {
		proximity = 1 - float64(dt)/float64(window)
		if proximity < 0 {
			proximity = 0
		}
	}

	boost := float64(matchCount) / 10
	if boost > 1 {
		boost = 1
	}

	conf := base + 0.3*proximity + 0.2*boost
	if conf > 1 {
		conf = 1
	}
	if conf < 0 {
		conf = 0
	}
	return conf
}

// WindowSize reports how many changes are currently retained for a table.
func (e *Engine) WindowSize(table string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.windows[table])
}
