package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/mehmetymw/tablewatch/internal/config"
	"github.com/mehmetymw/tablewatch/internal/types"
)

// Provider reads row changes from the MySQL binary log. Positions are
// "file:offset" pairs as reported by SHOW MASTER STATUS.
type Provider struct {
	cfg    config.MySQLSource
	logger *zap.Logger

	db *sql.DB

	mu       sync.Mutex
	colCache map[string][]string
	pkCache  map[string][]string
}

func New(cfg config.MySQLSource, logger *zap.Logger) *Provider {
	return &Provider{
		cfg:      cfg,
		logger:   logger,
		colCache: make(map[string][]string),
		pkCache:  make(map[string][]string),
	}
}

func (p *Provider) Name() string {
	return fmt.Sprintf("mysql/%s:%d/%s", p.cfg.Host, p.cfg.Port, p.cfg.Database)
}

// Initialize opens the introspection connection and verifies the binary log
// is usable: log_bin on, row format, and the replication privileges granted.
// Idempotent: the engine calls it once per monitored table, only the first
// call connects. The handle is retained only after every check passes.
func (p *Provider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return nil
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		p.cfg.User, p.cfg.Password, p.cfg.Host, p.cfg.Port, p.cfg.Database)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("connect: %w", err)
	}

	if v, err := variable(ctx, db, "log_bin"); err != nil {
		db.Close()
		return err
	} else if !strings.EqualFold(v, "ON") && v != "1" {
		db.Close()
		return fmt.Errorf("%w: binary logging is disabled (log_bin=%s)", types.ErrCapability, v)
	}

	if v, err := variable(ctx, db, "binlog_format"); err != nil {
		db.Close()
		return err
	} else if !strings.EqualFold(v, "ROW") {
		db.Close()
		return fmt.Errorf("%w: binlog_format is %s, row-based logging required", types.ErrCapability, v)
	}

	if missing, err := missingGrants(ctx, db); err != nil {
		db.Close()
		return err
	} else if len(missing) > 0 {
		db.Close()
		return fmt.Errorf("%w: missing privileges: %s", types.ErrCapability, strings.Join(missing, ", "))
	}

	p.db = db
	p.logger.Info("mysql provider initialized",
		zap.String("host", p.cfg.Host), zap.String("database", p.cfg.Database))
	return nil
}

func variable(ctx context.Context, db *sql.DB, name string) (string, error) {
	var k, v string
	err := db.QueryRowContext(ctx, "SHOW VARIABLES LIKE '"+name+"'").Scan(&k, &v)
	if err != nil {
		return "", fmt.Errorf("read variable %s: %w", name, err)
	}
	return v, nil
}

func missingGrants(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		return nil, fmt.Errorf("read grants: %w", err)
	}
	defer rows.Close()

	var all strings.Builder
	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return nil, err
		}
		all.WriteString(strings.ToUpper(grant))
		all.WriteString("; ")
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	grants := all.String()
	var missing []string
	if !strings.Contains(grants, "ALL PRIVILEGES") {
		for _, priv := range []string{"REPLICATION SLAVE", "REPLICATION CLIENT", "SELECT"} {
			if !strings.Contains(grants, priv) {
				missing = append(missing, priv)
			}
		}
	}
	return missing, nil
}

func (p *Provider) CurrentPosition(ctx context.Context) (types.Position, error) {
	// SHOW MASTER STATUS returns a variable number of columns across
	// versions; scan generically and take the first two.
	rows, err := p.db.QueryContext(ctx, "SHOW MASTER STATUS")
	if err != nil {
		return "", fmt.Errorf("master status: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}
	if !rows.Next() {
		return "", fmt.Errorf("%w: SHOW MASTER STATUS returned no rows, binary logging disabled", types.ErrCapability)
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return "", err
	}

	file := valueString(values[0])
	var pos uint64
	switch v := values[1].(type) {
	case int64:
		pos = uint64(v)
	case uint64:
		pos = v
	default:
		pos, err = strconv.ParseUint(valueString(values[1]), 10, 64)
		if err != nil {
			return "", fmt.Errorf("parse binlog offset: %w", err)
		}
	}
	return types.Position(fmt.Sprintf("%s:%d", file, pos)), nil
}

// ChangesSince replays the binlog from the from position and collects row
// events for the requested table until the to position is reached. The syncer
// is per-call: the provider keeps no streaming session between polls.
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
	fromPos, err := parsePosition(from)
	if err != nil {
		return nil, err
	}
	toPos, err := parsePosition(to)
	if err != nil {
		return nil, err
	}
	if comparePositions(fromPos, toPos) >= 0 {
		return nil, nil
	}

	cols, err := p.columns(ctx, table)
	if err != nil {
		return nil, err
	}
	pkCols, err := p.primaryKeyColumns(ctx, table)
	if err != nil {
		return nil, err
	}

	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: p.cfg.ServerID,
		Flavor:   p.cfg.Flavor,
		Host:     p.cfg.Host,
		Port:     uint16(p.cfg.Port),
		User:     p.cfg.User,
		Password: p.cfg.Password,
	})
	defer syncer.Close()

	streamer, err := syncer.StartSync(fromPos)
	if err != nil {
		return nil, fmt.Errorf("start binlog sync at %s: %w", from, err)
	}

	var out []types.DetailedChangeRecord
	current := fromPos
	for comparePositions(current, toPos) < 0 {
		ev, err := streamer.GetEvent(ctx)
		if err != nil {
			return nil, fmt.Errorf("read binlog event: %w", err)
		}

		if rot, ok := ev.Event.(*replication.RotateEvent); ok {
			current = gomysql.Position{Name: string(rot.NextLogName), Pos: uint32(rot.Position)}
			continue
		}
		if ev.Header.LogPos > 0 {
			current.Pos = ev.Header.LogPos
		}
		if comparePositions(current, toPos) > 0 {
			break
		}

		rowsEv, ok := ev.Event.(*replication.RowsEvent)
		if !ok {
			continue
		}
		if string(rowsEv.Table.Schema) != p.cfg.Database || string(rowsEv.Table.Table) != table {
			continue
		}

		op := rowsEventOperation(ev.Header.EventType)
		if op == types.OpUnknown {
			continue
		}
		pos := types.Position(fmt.Sprintf("%s:%d", current.Name, current.Pos))
		ts := time.Unix(int64(ev.Header.Timestamp), 0)
		out = append(out, p.mapRows(rowsEv, op, table, cols, pkCols, pos, ts)...)
	}
	return out, nil
}

func rowsEventOperation(t replication.EventType) types.Operation {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return types.OpInsert
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return types.OpUpdate
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return types.OpDelete
	default:
		return types.OpUnknown
	}
}

// mapRows turns one binlog rows event into change records. Update events
// carry before/after row pairs; inserts and deletes one row each.
func (p *Provider) mapRows(ev *replication.RowsEvent, op types.Operation, table string, cols, pkCols []string, pos types.Position, ts time.Time) []types.DetailedChangeRecord {
	var out []types.DetailedChangeRecord

	emit := func(before, after map[string]any) {
		source := after
		if op == types.OpDelete {
			source = before
		}
		pk := make(map[string]any, len(pkCols))
		for _, c := range pkCols {
			if v, ok := source[c]; ok {
				pk[c] = v
			}
		}
		var affected []string
		if op == types.OpUpdate {
			for _, c := range cols {
				if !equalValue(before[c], after[c]) {
					affected = append(affected, c)
				}
			}
		} else {
			affected = append(affected, cols...)
		}
		out = append(out, types.DetailedChangeRecord{
			ChangeRecord: types.ChangeRecord{
				Table:      table,
				Operation:  op,
				PrimaryKey: pk,
				Position:   pos,
				Timestamp:  ts,
			},
			Before:          before,
			After:           after,
			AffectedColumns: affected,
		})
	}

	if op == types.OpUpdate {
		for i := 0; i+1 < len(ev.Rows); i += 2 {
			emit(rowMap(cols, ev.Rows[i]), rowMap(cols, ev.Rows[i+1]))
		}
		return out
	}
	for _, row := range ev.Rows {
		m := rowMap(cols, row)
		if op == types.OpDelete {
			emit(m, nil)
		} else {
			emit(nil, m)
		}
	}
	return out
}

func rowMap(cols []string, row []any) map[string]any {
	m := make(map[string]any, len(cols))
	for i, c := range cols {
		if i < len(row) {
			m[c] = row[i]
		}
	}
	return m
}

func equalValue(a, b any) bool {
	return valueString(a) == valueString(b)
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

func (p *Provider) columns(ctx context.Context, table string) ([]string, error) {
	p.mu.Lock()
	if cols, ok := p.colCache[table]; ok {
		p.mu.Unlock()
		return cols, nil
	}
	p.mu.Unlock()

	rows, err := p.db.QueryContext(ctx, `
		SELECT COLUMN_NAME
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, p.cfg.Database, table)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
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
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", types.ErrNoSuchTable, table)
	}

	p.mu.Lock()
	p.colCache[table] = cols
	p.mu.Unlock()
	return cols, nil
}

func (p *Provider) primaryKeyColumns(ctx context.Context, table string) ([]string, error) {
	p.mu.Lock()
	if cols, ok := p.pkCache[table]; ok {
		p.mu.Unlock()
		return cols, nil
	}
	p.mu.Unlock()

	rows, err := p.db.QueryContext(ctx, `
		SELECT COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION`, p.cfg.Database, table)
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
	schema := types.TableSchema{Name: table, Schema: p.cfg.Database, CapturedAt: time.Now()}

	rows, err := p.db.QueryContext(ctx, `
		SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE = 'YES',
			COALESCE(COLUMN_DEFAULT, ''),
			COALESCE(CHARACTER_MAXIMUM_LENGTH, 0),
			COALESCE(NUMERIC_PRECISION, 0),
			COALESCE(NUMERIC_SCALE, 0)
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, p.cfg.Database, table)
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
		SELECT INDEX_NAME, NON_UNIQUE = 0,
			GROUP_CONCAT(COLUMN_NAME ORDER BY SEQ_IN_INDEX)
		FROM INFORMATION_SCHEMA.STATISTICS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		GROUP BY INDEX_NAME, NON_UNIQUE
		ORDER BY INDEX_NAME`, p.cfg.Database, table)
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
		SELECT CONSTRAINT_NAME, COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND REFERENCED_TABLE_NAME IS NOT NULL
		ORDER BY CONSTRAINT_NAME`, p.cfg.Database, table)
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

	if v, err := variable(ctx, p.db, "log_bin"); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("log_bin check failed: %v", err))
	} else if strings.EqualFold(v, "ON") || v == "1" {
		result.Messages = append(result.Messages, "binary logging enabled")
	} else {
		result.Valid = false
		result.Errors = append(result.Errors, "binary logging disabled")
	}

	if v, err := variable(ctx, p.db, "binlog_format"); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("binlog_format check failed: %v", err))
	} else if strings.EqualFold(v, "ROW") {
		result.Messages = append(result.Messages, "binlog_format is ROW")
	} else {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("binlog_format is %s, need ROW", v))
	}

	if missing, err := missingGrants(ctx, p.db); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("grants check failed: %v", err))
	} else if len(missing) > 0 {
		result.Valid = false
		result.Errors = append(result.Errors, "missing privileges: "+strings.Join(missing, ", "))
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
		report.Message = fmt.Sprintf("binlog position unavailable: %v", err)
		return report, nil
	} else {
		report.Metrics["binlog_position"] = string(pos)
	}

	if latency > time.Second {
		report.Status = types.HealthDegraded
		report.Message = "ping latency above 1s"
	} else {
		report.Status = types.HealthHealthy
	}
	return report, nil
}

// ComparePositions orders two "file:offset" positions: binlog file name
// first, then offset within the file.
func (p *Provider) ComparePositions(a, b types.Position) (int, error) {
	pa, err := parsePosition(a)
	if err != nil {
		return 0, err
	}
	pb, err := parsePosition(b)
	if err != nil {
		return 0, err
	}
	return comparePositions(pa, pb), nil
}

func comparePositions(a, b gomysql.Position) int {
	if a.Name != b.Name {
		if a.Name < b.Name {
			return -1
		}
		return 1
	}
	switch {
	case a.Pos < b.Pos:
		return -1
	case a.Pos > b.Pos:
		return 1
	default:
		return 0
	}
}

func parsePosition(p types.Position) (gomysql.Position, error) {
	s := string(p)
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return gomysql.Position{}, fmt.Errorf("malformed binlog position %q, want file:offset", s)
	}
	pos, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return gomysql.Position{}, fmt.Errorf("malformed binlog offset in %q: %w", s, err)
	}
	return gomysql.Position{Name: s[:i], Pos: uint32(pos)}, nil
}

// Cleanup purges binlog files older than the retention period. MySQL also
// expires them on its own via binlog_expire_logs_seconds; this just asks for
// it explicitly.
func (p *Provider) Cleanup(ctx context.Context, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	before := time.Now().Add(-retention).Format("2006-01-02 15:04:05")
	_, err := p.db.ExecContext(ctx, "PURGE BINARY LOGS BEFORE ?", before)
	if err != nil {
		return fmt.Errorf("purge binary logs: %w", err)
	}
	return nil
}

func (p *Provider) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}
