package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	"github.com/mehmetymw/tablewatch/internal/config"
	"github.com/mehmetymw/tablewatch/internal/types"
)

// Provider reads row changes from SQL Server change tracking. Positions are
// the database-wide change tracking version counter rendered in decimal.
type Provider struct {
	cfg    config.MSSQLSource
	logger *zap.Logger

	db *sql.DB

	mu      sync.Mutex
	pkCache map[string][]string
}

func New(cfg config.MSSQLSource, logger *zap.Logger) *Provider {
	return &Provider{cfg: cfg, logger: logger, pkCache: make(map[string][]string)}
}

func (p *Provider) Name() string {
	return "mssql/" + p.cfg.Database
}

// Initialize opens the connection and verifies change tracking is enabled on
// the database. Per-table tracking is verified lazily on first poll since
// tables are configured independently. Idempotent: the engine calls it once
// per monitored table, only the first call connects. The handle is retained
// only after every check passes.
func (p *Provider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return nil
	}

	db, err := sql.Open("sqlserver", p.cfg.DSN)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("connect: %w", err)
	}

	var enabled int
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sys.change_tracking_databases
		WHERE database_id = DB_ID()`).Scan(&enabled)
	if err != nil {
		db.Close()
		return fmt.Errorf("check change tracking: %w", err)
	}
	if enabled == 0 {
		db.Close()
		return fmt.Errorf("%w: change tracking is not enabled on database %s", types.ErrCapability, p.cfg.Database)
	}

	p.db = db
	p.logger.Info("mssql provider initialized", zap.String("database", p.cfg.Database))
	return nil
}

func (p *Provider) tableTracked(ctx context.Context, table string) error {
	var tracked int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sys.change_tracking_tables
		WHERE object_id = OBJECT_ID(@p1)`, table).Scan(&tracked)
	if err != nil {
		return fmt.Errorf("check table tracking: %w", err)
	}
	if tracked == 0 {
		return fmt.Errorf("%w: change tracking is not enabled on table %s", types.ErrCapability, table)
	}
	return nil
}

func (p *Provider) CurrentPosition(ctx context.Context) (types.Position, error) {
	var version sql.NullInt64
	err := p.db.QueryRowContext(ctx, "SELECT CHANGE_TRACKING_CURRENT_VERSION()").Scan(&version)
	if err != nil {
		return "", fmt.Errorf("current version: %w", err)
	}
	if !version.Valid {
		return "", fmt.Errorf("%w: CHANGE_TRACKING_CURRENT_VERSION() is NULL, change tracking disabled", types.ErrCapability)
	}
	return types.Position(strconv.FormatInt(version.Int64, 10)), nil
}

// ChangesSince queries CHANGETABLE for versions in (from, to]. Deleted rows
// surface with NULL live columns; their identity comes from the change-table
// primary-key columns.
func (p *Provider) ChangesSince(ctx context.Context, table string, from, to types.Position) ([]types.DetailedChangeRecord, error) {
	if to == "" {
		current, err := p.CurrentPosition(ctx)
		if err != nil {
			return nil, err
		}
		to = current
	}
	if from == to {
		return nil, nil
	}
	fromV, err := parseVersion(from)
	if err != nil {
		return nil, err
	}
	toV, err := parseVersion(to)
	if err != nil {
		return nil, err
	}
	if fromV >= toV {
		return nil, nil
	}
	if err := p.tableTracked(ctx, table); err != nil {
		return nil, err
	}

	pkCols, err := p.primaryKeyColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(pkCols) == 0 {
		return nil, fmt.Errorf("table %s has no primary key, change tracking requires one", table)
	}

	joins := make([]string, 0, len(pkCols))
	ctPK := make([]string, 0, len(pkCols))
	for _, c := range pkCols {
		joins = append(joins, fmt.Sprintf("CT.[%s] = T.[%s]", c, c))
		ctPK = append(ctPK, fmt.Sprintf("CT.[%s]", c))
	}

	query := fmt.Sprintf(`
		SELECT CT.SYS_CHANGE_OPERATION, CT.SYS_CHANGE_VERSION, %s, T.*
		FROM CHANGETABLE(CHANGES [%s], @p1) AS CT
		LEFT JOIN [%s] AS T ON %s
		WHERE CT.SYS_CHANGE_VERSION <= @p2
		ORDER BY CT.SYS_CHANGE_VERSION`,
		strings.Join(ctPK, ", "), table, table, strings.Join(joins, " AND "))

	rows, err := p.db.QueryContext(ctx, query, fromV, toV)
	if err != nil {
		return nil, fmt.Errorf("changetable query for %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []types.DetailedChangeRecord
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan change row: %w", err)
		}

		opCode := valueString(values[0])
		version, _ := values[1].(int64)

		pk := make(map[string]any, len(pkCols))
		for i, c := range pkCols {
			pk[c] = values[2+i]
		}

		// Live row columns follow the change-table columns.
		liveStart := 2 + len(pkCols)
		var after map[string]any
		rowPresent := false
		for i := liveStart; i < len(cols); i++ {
			if values[i] != nil {
				rowPresent = true
				break
			}
		}
		if rowPresent {
			after = make(map[string]any, len(cols)-liveStart)
			for i := liveStart; i < len(cols); i++ {
				after[cols[i]] = values[i]
			}
		}

		var op types.Operation
		var before map[string]any
		switch opCode {
		case "I":
			op = types.OpInsert
		case "U":
			op = types.OpUpdate
		case "D":
			op = types.OpDelete
			before = pkToMap(pk)
			after = nil
		default:
			op = types.OpUnknown
		}

		out = append(out, types.DetailedChangeRecord{
			ChangeRecord: types.ChangeRecord{
				Table:      table,
				Operation:  op,
				PrimaryKey: pk,
				Position:   types.Position(strconv.FormatInt(version, 10)),
				Timestamp:  time.Now(),
			},
			Before: before,
			After:  after,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change rows: %w", err)
	}
	return out, nil
}

func valueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", v)
	}
}

func pkToMap(pk map[string]any) map[string]any {
	m := make(map[string]any, len(pk))
	for k, v := range pk {
		m[k] = v
	}
	return m
}

func (p *Provider) primaryKeyColumns(ctx context.Context, table string) ([]string, error) {
	p.mu.Lock()
	if cols, ok := p.pkCache[table]; ok {
		p.mu.Unlock()
		return cols, nil
	}
	p.mu.Unlock()

	rows, err := p.db.QueryContext(ctx, `
		SELECT kcu.COLUMN_NAME
		FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
			ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
		WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY' AND tc.TABLE_NAME = @p1
		ORDER BY kcu.ORDINAL_POSITION`, table)
	if err != nil {
		return nil, fmt.Errorf("primary key of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.pkCache[table] = cols
	p.mu.Unlock()
	return cols, nil
}

func (p *Provider) SchemaOf(ctx context.Context, table string) (types.TableSchema, error) {
	schema := types.TableSchema{Name: table, Schema: "dbo", CapturedAt: time.Now()}

	rows, err := p.db.QueryContext(ctx, `
		SELECT COLUMN_NAME, DATA_TYPE,
			CASE WHEN IS_NULLABLE = 'YES' THEN 1 ELSE 0 END,
			COALESCE(COLUMN_DEFAULT, ''),
			COALESCE(CHARACTER_MAXIMUM_LENGTH, 0),
			COALESCE(NUMERIC_PRECISION, 0),
			COALESCE(NUMERIC_SCALE, 0)
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_NAME = @p1
		ORDER BY ORDINAL_POSITION`, table)
	if err != nil {
		return schema, fmt.Errorf("columns of %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var c types.ColumnSchema
		if err := rows.Scan(&c.Name, &c.DataType, &c.Nullable, &c.Default, &c.MaxLength, &c.Precision, &c.Scale); err != nil {
			return schema, err
		}
		schema.Columns = append(schema.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return schema, err
	}
	if len(schema.Columns) == 0 {
		return schema, fmt.Errorf("%w: %s", types.ErrNoSuchTable, table)
	}

	idxRows, err := p.db.QueryContext(ctx, `
		SELECT i.name, i.is_unique,
			STRING_AGG(c.name, ',') WITHIN GROUP (ORDER BY ic.key_ordinal)
		FROM sys.indexes i
		JOIN sys.index_columns ic ON i.object_id = ic.object_id AND i.index_id = ic.index_id
		JOIN sys.columns c ON ic.object_id = c.object_id AND ic.column_id = c.column_id
		WHERE i.object_id = OBJECT_ID(@p1) AND i.name IS NOT NULL
		GROUP BY i.name, i.is_unique
		ORDER BY i.name`, table)
	if err != nil {
		return schema, fmt.Errorf("indexes of %s: %w", table, err)
	}
	defer idxRows.Close()
	for idxRows.Next() {
		var ix types.IndexSchema
		var colList string
		if err := idxRows.Scan(&ix.Name, &ix.Unique, &colList); err != nil {
			return schema, err
		}
		ix.Columns = strings.Split(colList, ",")
		schema.Indexes = append(schema.Indexes, ix)
	}
	if err := idxRows.Err(); err != nil {
		return schema, err
	}

	fkRows, err := p.db.QueryContext(ctx, `
		SELECT fk.name, pc.name, OBJECT_NAME(fkc.referenced_object_id), rc.name
		FROM sys.foreign_keys fk
		JOIN sys.foreign_key_columns fkc ON fk.object_id = fkc.constraint_object_id
		JOIN sys.columns pc ON fkc.parent_object_id = pc.object_id AND fkc.parent_column_id = pc.column_id
		JOIN sys.columns rc ON fkc.referenced_object_id = rc.object_id AND fkc.referenced_column_id = rc.column_id
		WHERE fk.parent_object_id = OBJECT_ID(@p1)
		ORDER BY fk.name`, table)
	if err != nil {
		return schema, fmt.Errorf("foreign keys of %s: %w", table, err)
	}
	defer fkRows.Close()
	for fkRows.Next() {
		var fk types.ForeignKeySchema
		if err := fkRows.Scan(&fk.Name, &fk.Column, &fk.ReferencedTable, &fk.ReferencedColumn); err != nil {
			return schema, err
		}
		schema.ForeignKeys = append(schema.ForeignKeys, fk)
	}
	if err := fkRows.Err(); err != nil {
		return schema, err
	}

	return schema, nil
}

func (p *Provider) Validate(ctx context.Context) (types.ValidationResult, error) {
	result := types.ValidationResult{Valid: true}

	if p.db == nil {
		result.Valid = false
		result.Errors = append(result.Errors, "provider not initialized")
		return result, nil
	}
	if err := p.db.PingContext(ctx); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("connection failed: %v", err))
		return result, nil
	}
	result.Messages = append(result.Messages, "connection ok")

	var retention int
	var units string
	var autoCleanup bool
	err := p.db.QueryRowContext(ctx, `
		SELECT retention_period, retention_period_units_desc, is_auto_cleanup_on
		FROM sys.change_tracking_databases
		WHERE database_id = DB_ID()`).Scan(&retention, &units, &autoCleanup)
	switch {
	case err == sql.ErrNoRows:
		result.Valid = false
		result.Errors = append(result.Errors, "change tracking is not enabled on the database")
	case err != nil:
		result.Warnings = append(result.Warnings, fmt.Sprintf("change tracking check failed: %v", err))
	default:
		result.Messages = append(result.Messages,
			fmt.Sprintf("change tracking enabled, retention %d %s, auto cleanup %t", retention, strings.ToLower(units), autoCleanup))
		if !autoCleanup {
			result.Warnings = append(result.Warnings, "auto cleanup is off, change table growth is unbounded")
		}
	}

	return result, nil
}

func (p *Provider) Health(ctx context.Context) (types.HealthReport, error) {
	report := types.HealthReport{Status: types.HealthUnknown, CheckedAt: time.Now(), Metrics: map[string]any{}}
	if p.db == nil {
		report.Message = "provider not initialized"
		return report, nil
	}

	start := time.Now()
	if err := p.db.PingContext(ctx); err != nil {
		report.Status = types.HealthUnhealthy
		report.Message = err.Error()
		return report, nil
	}
	latency := time.Since(start)
	report.Metrics["ping_ms"] = latency.Milliseconds()

	if pos, err := p.CurrentPosition(ctx); err != nil {
		report.Status = types.HealthDegraded
		report.Message = fmt.Sprintf("tracking version unavailable: %v", err)
		return report, nil
	} else {
		report.Metrics["tracking_version"] = string(pos)
	}

	if latency > time.Second {
		report.Status = types.HealthDegraded
		report.Message = "ping latency above 1s"
	} else {
		report.Status = types.HealthHealthy
	}
	return report, nil
}

// ComparePositions orders two version counters numerically.
func (p *Provider) ComparePositions(a, b types.Position) (int, error) {
	va, err := parseVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := parseVersion(b)
	if err != nil {
		return 0, err
	}
	switch {
	case va < vb:
		return -1, nil
	case va > vb:
		return 1, nil
	default:
		return 0, nil
	}
}

func parseVersion(p types.Position) (int64, error) {
	v, err := strconv.ParseInt(string(p), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed tracking version %q: %w", p, err)
	}
	return v, nil
}

// Cleanup is a no-op: change-table retention is managed by the server's own
// CHANGE_RETENTION / AUTO_CLEANUP settings.
func (p *Provider) Cleanup(ctx context.Context, retention time.Duration) error {
	return nil
}

func (p *Provider) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}
