package schemadiff

import (
	"testing"
	"time"

	"github.com/mehmetymw/tablewatch/internal/types"
)

func usersSchema(cols ...types.ColumnSchema) types.TableSchema {
	return types.TableSchema{Name: "users", Schema: "public", Columns: cols}
}

var (
	idCol    = types.ColumnSchema{Name: "id", DataType: "integer"}
	nameCol  = types.ColumnSchema{Name: "name", DataType: "text", Nullable: true}
	emailCol = types.ColumnSchema{Name: "email", DataType: "text", Nullable: true}
)

func TestDiffIdenticalSnapshotsIsEmpty(t *testing.T) {
	a := usersSchema(idCol, nameCol)
	got := DiffTable(a, a, time.Now())
	if len(got) != 0 {
		t.Fatalf("expected empty diff, got %d changes", len(got))
	}

	full := map[string]types.TableSchema{"users": a}
	if got := Diff(full, full, time.Now()); len(got) != 0 {
		t.Fatalf("expected empty collection diff, got %d changes", len(got))
	}
}

func TestDiffColumnAddedAndRemoved(t *testing.T) {
	a := usersSchema(idCol, nameCol)
	b := usersSchema(idCol, nameCol, emailCol)

	added := DiffTable(a, b, time.Now())
	if len(added) != 1 {
		t.Fatalf("expected exactly one change, got %d", len(added))
	}
	if added[0].Kind != types.ColumnAdded || added[0].Object != "email" {
		t.Fatalf("expected ColumnAdded(email), got %s(%s)", added[0].Kind, added[0].Object)
	}

	removed := DiffTable(b, a, time.Now())
	if len(removed) != 1 {
		t.Fatalf("expected exactly one change, got %d", len(removed))
	}
	if removed[0].Kind != types.ColumnRemoved || removed[0].Object != "email" {
		t.Fatalf("expected ColumnRemoved(email), got %s(%s)", removed[0].Kind, removed[0].Object)
	}
}

func TestDiffTableAddedAndRemoved(t *testing.T) {
	prev := map[string]types.TableSchema{"users": usersSchema(idCol)}
	curr := map[string]types.TableSchema{
		"users":  usersSchema(idCol),
		"orders": {Name: "orders", Columns: []types.ColumnSchema{idCol}},
	}

	got := Diff(prev, curr, time.Now())
	if len(got) != 1 || got[0].Kind != types.TableAdded || got[0].Table != "orders" {
		t.Fatalf("expected TableAdded(orders), got %+v", got)
	}

	got = Diff(curr, prev, time.Now())
	if len(got) != 1 || got[0].Kind != types.TableRemoved || got[0].Table != "orders" {
		t.Fatalf("expected TableRemoved(orders), got %+v", got)
	}
}

func TestDiffColumnAttributeChanges(t *testing.T) {
	prev := usersSchema(
		types.ColumnSchema{Name: "name", DataType: "varchar", MaxLength: 50},
		types.ColumnSchema{Name: "age", DataType: "integer", Nullable: false},
		types.ColumnSchema{Name: "status", DataType: "text", Default: "'new'"},
	)
	curr := usersSchema(
		types.ColumnSchema{Name: "name", DataType: "varchar", MaxLength: 100},
		types.ColumnSchema{Name: "age", DataType: "integer", Nullable: true},
		types.ColumnSchema{Name: "status", DataType: "text", Default: "'active'"},
	)

	got := DiffTable(prev, curr, time.Now())
	if len(got) != 3 {
		t.Fatalf("expected 3 changes, got %d: %+v", len(got), got)
	}

	kinds := map[string]types.SchemaChangeKind{}
	for _, c := range got {
		kinds[c.Object] = c.Kind
	}
	if kinds["name"] != types.ColumnTypeChanged {
		t.Errorf("name: expected type change, got %s", kinds["name"])
	}
	if kinds["age"] != types.ColumnNullableChanged {
		t.Errorf("age: expected nullable change, got %s", kinds["age"])
	}
	if kinds["status"] != types.ColumnDefaultChanged {
		t.Errorf("status: expected default change, got %s", kinds["status"])
	}
}

func TestDiffIndexChangeEmitsRemoveAndAdd(t *testing.T) {
	prev := usersSchema(idCol)
	prev.Indexes = []types.IndexSchema{{Name: "idx_users_name", Columns: []string{"name"}}}
	curr := usersSchema(idCol)
	curr.Indexes = []types.IndexSchema{{Name: "idx_users_name", Columns: []string{"name"}, Unique: true}}

	got := DiffTable(prev, curr, time.Now())
	if len(got) != 2 {
		t.Fatalf("expected remove+add pair, got %d: %+v", len(got), got)
	}
	// Stable ordering: IndexAdded ranks before IndexRemoved.
	if got[0].Kind != types.IndexAdded || got[1].Kind != types.IndexRemoved {
		t.Fatalf("unexpected kinds %s, %s", got[0].Kind, got[1].Kind)
	}
}

func TestDiffForeignKeys(t *testing.T) {
	fk := types.ForeignKeySchema{
		Name: "fk_orders_customer", Column: "customer_id",
		ReferencedTable: "customers", ReferencedColumn: "id",
	}
	prev := types.TableSchema{Name: "orders", Columns: []types.ColumnSchema{idCol}}
	curr := prev
	curr.ForeignKeys = []types.ForeignKeySchema{fk}

	got := DiffTable(prev, curr, time.Now())
	if len(got) != 1 || got[0].Kind != types.ForeignKeyAdded || got[0].Object != "fk_orders_customer" {
		t.Fatalf("expected ForeignKeyAdded, got %+v", got)
	}

	got = DiffTable(curr, prev, time.Now())
	if len(got) != 1 || got[0].Kind != types.ForeignKeyRemoved {
		t.Fatalf("expected ForeignKeyRemoved, got %+v", got)
	}
}

func TestDiffOrderingIsStable(t *testing.T) {
	prev := map[string]types.TableSchema{
		"b_table": usersSchema(idCol, nameCol),
		"a_table": usersSchema(idCol, nameCol),
	}
	curr := map[string]types.TableSchema{
		"b_table": usersSchema(idCol, nameCol, emailCol),
		"a_table": usersSchema(idCol),
	}

	first := Diff(prev, curr, time.Now())
	for i := 0; i < 10; i++ {
		again := Diff(prev, curr, time.Now())
		if len(again) != len(first) {
			t.Fatalf("diff length changed between runs")
		}
		for j := range again {
			if again[j].Kind != first[j].Kind || again[j].Table != first[j].Table || again[j].Object != first[j].Object {
				t.Fatalf("diff ordering changed between runs at %d", j)
			}
		}
	}
	if first[0].Table != "a_table" {
		t.Fatalf("expected a_table first, got %s", first[0].Table)
	}
}
