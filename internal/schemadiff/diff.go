package schemadiff

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mehmetymw/tablewatch/internal/types"
)

// kindRank fixes the ordering of change kinds in diff output so that a given
// pair of snapshots always produces the same sequence.
var kindRank = map[types.SchemaChangeKind]int{
	types.TableAdded:            0,
	types.TableRemoved:          1,
	types.ColumnAdded:           2,
	types.ColumnRemoved:         3,
	types.ColumnTypeChanged:     4,
	types.ColumnNullableChanged: 5,
	types.ColumnDefaultChanged:  6,
	types.IndexAdded:            7,
	types.IndexRemoved:          8,
	types.ForeignKeyAdded:       9,
	types.ForeignKeyRemoved:     10,
}

// Diff compares two snapshot collections keyed by table name. Tables present
// only in curr are added, only in prev removed; tables in both descend into
// the column, index and foreign-key diffs. Output ordering is stable: table,
// then kind, then object name.
func Diff(prev, curr map[string]types.TableSchema, now time.Time) []types.SchemaChange {
	var out []types.SchemaChange

	for name, schema := range curr {
		if _, ok := prev[name]; !ok {
			out = append(out, types.SchemaChange{
				Kind:        types.TableAdded,
				Table:       name,
				Object:      name,
				Description: fmt.Sprintf("table %s added with %d columns", name, len(schema.Columns)),
				After:       describeTable(schema),
				Timestamp:   now,
			})
		}
	}
	for name, schema := range prev {
		if _, ok := curr[name]; !ok {
			out = append(out, types.SchemaChange{
				Kind:        types.TableRemoved,
				Table:       name,
				Object:      name,
				Description: fmt.Sprintf("table %s removed", name),
				Before:      describeTable(schema),
				Timestamp:   now,
			})
		}
	}
	for name, c := range curr {
		if p, ok := prev[name]; ok {
			out = append(out, DiffTable(p, c, now)...)
		}
	}

	sortChanges(out)
	return out
}

// DiffTable diffs one table's previous and current snapshots.
func DiffTable(prev, curr types.TableSchema, now time.Time) []types.SchemaChange {
	var out []types.SchemaChange
	out = append(out, diffColumns(prev, curr, now)...)
	out = append(out, diffIndexes(prev, curr, now)...)
	out = append(out, diffForeignKeys(prev, curr, now)...)
	sortChanges(out)
	return out
}

func diffColumns(prev, curr types.TableSchema, now time.Time) []types.SchemaChange {
	prevCols := columnsByName(prev)
	currCols := columnsByName(curr)
	var out []types.SchemaChange

	for name, col := range currCols {
		if _, ok := prevCols[name]; !ok {
			out = append(out, types.SchemaChange{
				Kind:        types.ColumnAdded,
				Table:       curr.Name,
				Object:      name,
				Description: fmt.Sprintf("column %s added to %s", name, curr.Name),
				After:       describeColumn(col),
				Timestamp:   now,
			})
		}
	}
	for name, col := range prevCols {
		if _, ok := currCols[name]; !ok {
			out = append(out, types.SchemaChange{
				Kind:        types.ColumnRemoved,
				Table:       curr.Name,
				Object:      name,
				Description: fmt.Sprintf("column %s removed from %s", name, curr.Name),
				Before:      describeColumn(col),
				Timestamp:   now,
			})
		}
	}
	for name, c := range currCols {
		p, ok := prevCols[name]
		if !ok {
			continue
		}
		if !sameType(p, c) {
			out = append(out, types.SchemaChange{
				Kind:        types.ColumnTypeChanged,
				Table:       curr.Name,
				Object:      name,
				Description: fmt.Sprintf("column %s type changed from %s to %s", name, typeString(p), typeString(c)),
				Before:      describeColumn(p),
				After:       describeColumn(c),
				Timestamp:   now,
			})
		}
		if p.Nullable != c.Nullable {
			out = append(out, types.SchemaChange{
				Kind:        types.ColumnNullableChanged,
				Table:       curr.Name,
				Object:      name,
				Description: fmt.Sprintf("column %s nullability changed from %t to %t", name, p.Nullable, c.Nullable),
				Before:      describeColumn(p),
				After:       describeColumn(c),
				Timestamp:   now,
			})
		}
		if p.Default != c.Default {
			out = append(out, types.SchemaChange{
				Kind:        types.ColumnDefaultChanged,
				Table:       curr.Name,
				Object:      name,
				Description: fmt.Sprintf("column %s default changed from %q to %q", name, p.Default, c.Default),
				Before:      describeColumn(p),
				After:       describeColumn(c),
				Timestamp:   now,
			})
		}
	}
	return out
}

// diffIndexes reports attribute changes on a shared index name as a removal
// plus an addition, since an altered index is a drop-and-recreate in every
// supported backend.
func diffIndexes(prev, curr types.TableSchema, now time.Time) []types.SchemaChange {
	prevIdx := make(map[string]types.IndexSchema, len(prev.Indexes))
	for _, ix := range prev.Indexes {
		prevIdx[ix.Name] = ix
	}
	currIdx := make(map[string]types.IndexSchema, len(curr.Indexes))
	for _, ix := range curr.Indexes {
		currIdx[ix.Name] = ix
	}

	var out []types.SchemaChange
	for name, ix := range currIdx {
		p, shared := prevIdx[name]
		if shared && sameIndex(p, ix) {
			continue
		}
		if shared {
			out = append(out, indexRemoved(curr.Name, p, now))
		}
		out = append(out, types.SchemaChange{
			Kind:        types.IndexAdded,
			Table:       curr.Name,
			Object:      name,
			Description: fmt.Sprintf("index %s added on %s(%s)", name, curr.Name, strings.Join(ix.Columns, ",")),
			After:       describeIndex(ix),
			Timestamp:   now,
		})
	}
	for name, ix := range prevIdx {
		if _, ok := currIdx[name]; !ok {
			out = append(out, indexRemoved(curr.Name, ix, now))
		}
	}
	return out
}

func indexRemoved(table string, ix types.IndexSchema, now time.Time) types.SchemaChange {
	return types.SchemaChange{
		Kind:        types.IndexRemoved,
		Table:       table,
		Object:      ix.Name,
		Description: fmt.Sprintf("index %s removed from %s", ix.Name, table),
		Before:      describeIndex(ix),
		Timestamp:   now,
	}
}

func diffForeignKeys(prev, curr types.TableSchema, now time.Time) []types.SchemaChange {
	prevFK := make(map[string]types.ForeignKeySchema, len(prev.ForeignKeys))
	for _, fk := range prev.ForeignKeys {
		prevFK[fk.Name] = fk
	}
	currFK := make(map[string]types.ForeignKeySchema, len(curr.ForeignKeys))
	for _, fk := range curr.ForeignKeys {
		currFK[fk.Name] = fk
	}

	var out []types.SchemaChange
	for name, fk := range currFK {
		p, shared := prevFK[name]
		if shared && p == fk {
			continue
		}
		if shared {
			out = append(out, fkRemoved(curr.Name, p, now))
		}
		out = append(out, types.SchemaChange{
			Kind:        types.ForeignKeyAdded,
			Table:       curr.Name,
			Object:      name,
			Description: fmt.Sprintf("foreign key %s added: %s.%s references %s.%s", name, curr.Name, fk.Column, fk.ReferencedTable, fk.ReferencedColumn),
			After:       describeForeignKey(fk),
			Timestamp:   now,
		})
	}
	for name, fk := range prevFK {
		if _, ok := currFK[name]; !ok {
			out = append(out, fkRemoved(curr.Name, fk, now))
		}
	}
	return out
}

func fkRemoved(table string, fk types.ForeignKeySchema, now time.Time) types.SchemaChange {
	return types.SchemaChange{
		Kind:        types.ForeignKeyRemoved,
		Table:       table,
		Object:      fk.Name,
		Description: fmt.Sprintf("foreign key %s removed from %s", fk.Name, table),
		Before:      describeForeignKey(fk),
		Timestamp:   now,
	}
}

func sortChanges(changes []types.SchemaChange) {
	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].Table != changes[j].Table {
			return changes[i].Table < changes[j].Table
		}
		if kindRank[changes[i].Kind] != kindRank[changes[j].Kind] {
			return kindRank[changes[i].Kind] < kindRank[changes[j].Kind]
		}
		return changes[i].Object < changes[j].Object
	})
}

func columnsByName(schema types.TableSchema) map[string]types.ColumnSchema {
	m := make(map[string]types.ColumnSchema, len(schema.Columns))
	for _, c := range schema.Columns {
		m[c.Name] = c
	}
	return m
}

func sameType(a, b types.ColumnSchema) bool {
	return a.DataType == b.DataType && a.MaxLength == b.MaxLength &&
		a.Precision == b.Precision && a.Scale == b.Scale
}

func sameIndex(a, b types.IndexSchema) bool {
	if a.Unique != b.Unique || len(a.Columns) != len(b.Columns) {
		return false
	}
	for i := range a.Columns {
		if a.Columns[i] != b.Columns[i] {
			return false
		}
	}
	return true
}

func typeString(c types.ColumnSchema) string {
	switch {
	case c.MaxLength > 0:
		return fmt.Sprintf("%s(%d)", c.DataType, c.MaxLength)
	case c.Precision > 0:
		return fmt.Sprintf("%s(%d,%d)", c.DataType, c.Precision, c.Scale)
	default:
		return c.DataType
	}
}

func describeColumn(c types.ColumnSchema) string {
	null := "NOT NULL"
	if c.Nullable {
		null = "NULL"
	}
	s := fmt.Sprintf("%s %s %s", c.Name, typeString(c), null)
	if c.Default != "" {
		s += " DEFAULT " + c.Default
	}
	return s
}

func describeIndex(ix types.IndexSchema) string {
	kind := "INDEX"
	if ix.Unique {
		kind = "UNIQUE INDEX"
	}
	return fmt.Sprintf("%s %s (%s)", kind, ix.Name, strings.Join(ix.Columns, ","))
}

func describeForeignKey(fk types.ForeignKeySchema) string {
	return fmt.Sprintf("CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s(%s)", fk.Name, fk.Column, fk.ReferencedTable, fk.ReferencedColumn)
}

func describeTable(t types.TableSchema) string {
	cols := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		cols = append(cols, describeColumn(c))
	}
	return fmt.Sprintf("%s(%s)", t.Name, strings.Join(cols, "; "))
}
