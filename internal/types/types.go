package types

import (
	"context"
	"errors"
	"time"
)

// ErrCapability marks a backend whose change-capture mechanism is disabled or
// whose credentials lack the required tracking/replication privilege. Callers
// are expected to degrade gracefully instead of retrying.
var ErrCapability = errors.New("change capture capability unavailable")

// ErrUnknownTable is returned for operations on a table that is not monitored.
var ErrUnknownTable = errors.New("table is not monitored")

// ErrNoSuchTable marks a table that does not exist in the source database,
// typically because it was dropped while being monitored.
var ErrNoSuchTable = errors.New("table does not exist")

type Operation string

const (
	OpInsert       Operation = "insert"
	OpUpdate       Operation = "update"
	OpDelete       Operation = "delete"
	OpSchemaChange Operation = "schema_change"
	OpUnknown      Operation = "unknown"
)

// Position is an opaque change-stream marker. Its ordering semantics belong to
// the provider that produced it; never compare positions from different
// backends or assume lexical ordering holds.
type Position string

type ChangeRecord struct {
	Table         string
	Operation     Operation
	PrimaryKey    map[string]any
	Position      Position
	Timestamp     time.Time
	Actor         string
	Application   string
	Host          string
	TransactionID string
}

// DetailedChangeRecord carries the row images alongside the base record.
// Before is populated for updates and deletes, After for inserts and updates.
type DetailedChangeRecord struct {
	ChangeRecord
	Before          map[string]any
	After           map[string]any
	AffectedColumns []string
	Metadata        map[string]any
}

type ColumnSchema struct {
	Name      string
	DataType  string
	Nullable  bool
	Default   string
	MaxLength int
	Precision int
	Scale     int
}

type IndexSchema struct {
	Name    string
	Columns []string
	Unique  bool
}

type ForeignKeySchema struct {
	Name             string
	Column           string
	ReferencedTable  string
	ReferencedColumn string
}

type TableSchema struct {
	Name        string
	Schema      string
	Columns     []ColumnSchema
	Indexes     []IndexSchema
	ForeignKeys []ForeignKeySchema
	CapturedAt  time.Time
}

type SchemaChangeKind string

const (
	TableAdded            SchemaChangeKind = "table_added"
	TableRemoved          SchemaChangeKind = "table_removed"
	ColumnAdded           SchemaChangeKind = "column_added"
	ColumnRemoved         SchemaChangeKind = "column_removed"
	ColumnTypeChanged     SchemaChangeKind = "column_type_changed"
	ColumnNullableChanged SchemaChangeKind = "column_nullable_changed"
	ColumnDefaultChanged  SchemaChangeKind = "column_default_changed"
	IndexAdded            SchemaChangeKind = "index_added"
	IndexRemoved          SchemaChangeKind = "index_removed"
	ForeignKeyAdded       SchemaChangeKind = "foreign_key_added"
	ForeignKeyRemoved     SchemaChangeKind = "foreign_key_removed"
)

type SchemaChange struct {
	Kind        SchemaChangeKind
	Table       string
	Object      string
	Description string
	Before      string
	After       string
	Timestamp   time.Time
}

type DependencyEdge struct {
	ParentTable    string
	ParentColumn   string
	ChildTable     string
	ChildColumn    string
	ConstraintName string
}

type CorrelationType string

const (
	CorrelationGeneral              CorrelationType = "general"
	CorrelationCascadingDelete      CorrelationType = "cascading_delete"
	CorrelationCascadingUpdate      CorrelationType = "cascading_update"
	CorrelationBulkInsert           CorrelationType = "bulk_insert"
	CorrelationReferentialIntegrity CorrelationType = "referential_integrity"
)

type CorrelatedChange struct {
	Primary    DetailedChangeRecord
	Related    DetailedChangeRecord
	Type       CorrelationType
	Confidence float64
}

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

type HealthReport struct {
	Status    HealthStatus
	Message   string
	Metrics   map[string]any
	CheckedAt time.Time
}

type ValidationResult struct {
	Valid    bool
	Messages []string
	Warnings []string
	Errors   []string
}

// Provider is the backend-facing contract. One implementation per
// change-capture mechanism; the engine never inspects which variant it holds,
// it only carries Position strings and TableSchema values across the boundary.
type Provider interface {
	// Name identifies the backend and connection for logs and error events.
	Name() string

	// Initialize opens the connection and verifies the backend's
	// change-capture mechanism is enabled. A disabled mechanism or a missing
	// privilege is reported as an error wrapping ErrCapability.
	Initialize(ctx context.Context) error

	// CurrentPosition returns the backend's "now" marker.
	CurrentPosition(ctx context.Context) (Position, error)

	// ChangesSince returns changes strictly after from and at or before to.
	// An empty to defaults to the current position. from == to yields an
	// empty slice.
	ChangesSince(ctx context.Context, table string, from, to Position) ([]DetailedChangeRecord, error)

	// SchemaOf captures the current structural snapshot of a table.
	SchemaOf(ctx context.Context, table string) (TableSchema, error)

	// Validate is a non-throwing self check run before monitoring starts.
	Validate(ctx context.Context) (ValidationResult, error)

	Health(ctx context.Context) (HealthReport, error)

	// ComparePositions orders two positions produced by this provider.
	// Returns <0, 0, >0. Positions from other backends are an error.
	ComparePositions(a, b Position) (int, error)

	// Cleanup delegates to the backend's own change-log retention mechanism.
	// Always safe to call; a no-op when the backend self manages retention.
	Cleanup(ctx context.Context, retention time.Duration) error

	Close() error
}

// Sink publishes delivered change batches to an external system. Used by the
// daemon, not by the engine itself.
type Sink interface {
	Publish(ctx context.Context, table string, batch []DetailedChangeRecord) error
	Close() error
}
