package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mehmetymw/tablewatch/internal/config"
	"github.com/mehmetymw/tablewatch/internal/types"
)

// Provider reads row changes from a logical replication slot decoded with
// wal2json and positions expressed as WAL LSNs.
type Provider struct {
	cfg    config.PostgresSource
	logger *zap.Logger

	pool *pgxpool.Pool

	mu      sync.Mutex
	pkCache map[string][]string
}

func New(cfg config.PostgresSource, logger *zap.Logger) *Provider {
	return &Provider{cfg: cfg, logger: logger, pkCache: make(map[string][]string)}
}

func (p *Provider) Name() string {
	return "postgres/" + p.cfg.Slot
}

// Initialize opens the pool and verifies logical decoding is available:
// wal_level must be logical, the role needs the replication attribute, and
// the configured slot must exist (created here when create_slot is set).
// Idempotent: the engine calls it once per monitored table, only the first
// call connects. The pool is retained only after every check passes.
func (p *Provider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool != nil {
		return nil
	}

	pool, err := pgxpool.New(ctx, p.cfg.DSN)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	var walLevel string
	if err := pool.QueryRow(ctx, "SHOW wal_level").Scan(&walLevel); err != nil {
		pool.Close()
		return fmt.Errorf("read wal_level: %w", err)
	}
	if walLevel != "logical" {
		pool.Close()
		return fmt.Errorf("%w: wal_level is %q, logical decoding requires \"logical\"", types.ErrCapability, walLevel)
	}

	var canReplicate bool
	err = pool.QueryRow(ctx,
		"SELECT rolreplication OR rolsuper FROM pg_roles WHERE rolname = current_user").Scan(&canReplicate)
	if err != nil {
		pool.Close()
		return fmt.Errorf("read role attributes: %w", err)
	}
	if !canReplicate {
		pool.Close()
		return fmt.Errorf("%w: role %q lacks the replication attribute", types.ErrCapability, "current_user")
	}

	var slotExists bool
	err = pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)", p.cfg.Slot).Scan(&slotExists)
	if err != nil {
		pool.Close()
		return fmt.Errorf("check slot: %w", err)
	}
	if !slotExists {
		if !p.cfg.CreateSlot {
			pool.Close()
			return fmt.Errorf("%w: replication slot %q does not exist", types.ErrCapability, p.cfg.Slot)
		}
		_, err = pool.Exec(ctx,
			"SELECT pg_create_logical_replication_slot($1, 'wal2json')", p.cfg.Slot)
		if err != nil {
			pool.Close()
			return fmt.Errorf("create slot %q: %w", p.cfg.Slot, err)
		}
		p.logger.Info("created replication slot", zap.String("slot", p.cfg.Slot))
	}

	p.pool = pool
	p.logger.Info("postgres provider initialized", zap.String("slot", p.cfg.Slot))
	return nil
}

func (p *Provider) CurrentPosition(ctx context.Context) (types.Position, error) {
	var lsn string
	if err := p.pool.QueryRow(ctx, "SELECT pg_current_wal_lsn()::text").Scan(&lsn); err != nil {
		return "", fmt.Errorf("current wal lsn: %w", err)
	}
	return types.Position(lsn), nil
}

// walMessage is one wal2json format-version-2 change line.
type walMessage struct {
	Action   string      `json:"action"`
	Schema   string      `json:"schema"`
	Table    string      `json:"table"`
	Columns  []walColumn `json:"columns"`
	Identity []walColumn `json:"identity"`
}

type walColumn struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// ChangesSince drains the slot up to the target LSN and maps decoded rows for
// the requested table. The slot's confirmed position makes "strictly after
// from" hold across calls; the filter below keeps it true even if the backend
// re-serves an already-confirmed span.
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
	fromLSN, err := pglogrepl.ParseLSN(string(from))
	if err != nil {
		return nil, fmt.Errorf("parse from position %q: %w", from, err)
	}

	pkCols, err := p.primaryKeyColumns(ctx, table)
	if err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, `
		SELECT lsn::text, xid::text, data
		FROM pg_logical_slot_get_changes($1, $2::pg_lsn, NULL,
			'format-version', '2',
			'add-tables', $3,
			'actions', 'insert,update,delete')`,
		p.cfg.Slot, string(to), "public."+table)
	if err != nil {
		return nil, fmt.Errorf("read slot changes: %w", err)
	}
	defer rows.Close()

	var out []types.DetailedChangeRecord
	for rows.Next() {
		var lsnText, xid string
		var data []byte
		if err := rows.Scan(&lsnText, &xid, &data); err != nil {
			return nil, fmt.Errorf("scan slot change: %w", err)
		}
		lsn, err := pglogrepl.ParseLSN(lsnText)
		if err != nil || lsn <= fromLSN {
			continue
		}

		var msg walMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.Warn("undecodable wal2json line skipped", zap.Error(err))
			continue
		}
		if msg.Table != table {
			continue
		}

		rec, ok := p.toRecord(msg, table, lsnText, xid, pkCols)
		if !ok {
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slot changes: %w", err)
	}
	return out, nil
}

func (p *Provider) toRecord(msg walMessage, table, lsn, xid string, pkCols []string) (types.DetailedChangeRecord, bool) {
	var op types.Operation
	switch msg.Action {
	case "I":
		op = types.OpInsert
	case "U":
		op = types.OpUpdate
	case "D":
		op = types.OpDelete
	default:
		return types.DetailedChangeRecord{}, false
	}

	after := columnMap(msg.Columns)
	before := columnMap(msg.Identity)

	source := after
	if op == types.OpDelete {
		source = before
	}
	pk := make(map[string]any, len(pkCols))
	for _, col := range pkCols {
		if v, ok := source[col]; ok {
			pk[col] = v
		}
	}

	var affected []string
	for _, c := range msg.Columns {
		affected = append(affected, c.Name)
	}

	return types.DetailedChangeRecord{
		ChangeRecord: types.ChangeRecord{
			Table:         table,
			Operation:     op,
			PrimaryKey:    pk,
			Position:      types.Position(lsn),
			Timestamp:     time.Now(),
			TransactionID: xid,
		},
		Before:          before,
		After:           after,
		AffectedColumns: affected,
	}, true
}

func columnMap(cols []walColumn) map[string]any {
	if len(cols) == 0 {
		return nil
	}
	m := make(map[string]any, len(cols))
	for _, c := range cols {
		m[c.Name] = c.Value
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

	rows, err := p.pool.Query(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
			AND tc.table_schema = 'public'
			AND tc.table_name = $1
		ORDER BY kcu.ordinal_position`, table)
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
	schema := types.TableSchema{Name: table, Schema: "public", CapturedAt: time.Now()}

	rows, err := p.pool.Query(ctx, `
		SELECT column_name, data_type, is_nullable = 'YES',
			COALESCE(column_default, ''),
			COALESCE(character_maximum_length, 0),
			COALESCE(numeric_precision, 0),
			COALESCE(numeric_scale, 0)
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`, table)
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

	idxRows, err := p.pool.Query(ctx, `
		SELECT i.relname, ix.indisunique,
			array_agg(a.attname ORDER BY array_position(ix.indkey, a.attnum))
		FROM pg_index ix
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		WHERE t.relname = $1 AND t.relkind = 'r'
		GROUP BY i.relname, ix.indisunique
		ORDER BY i.relname`, table)
	if err != nil {
		return schema, fmt.Errorf("indexes of %s: %w", table, err)
	}
	defer idxRows.Close()
	for idxRows.Next() {
		var ix types.IndexSchema
		if err := idxRows.Scan(&ix.Name, &ix.Unique, &ix.Columns); err != nil {
			return schema, err
		}
		schema.Indexes = append(schema.Indexes, ix)
	}
	if err := idxRows.Err(); err != nil {
		return schema, err
	}

	fkRows, err := p.pool.Query(ctx, `
		SELECT tc.constraint_name, kcu.column_name, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
			AND tc.table_schema = 'public' AND tc.table_name = $1
		ORDER BY tc.constraint_name`, table)
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

// Validate re-runs the capability checks without failing hard, collecting the
// findings for the caller.
func (p *Provider) Validate(ctx context.Context) (types.ValidationResult, error) {
	result := types.ValidationResult{Valid: true}

	if p.pool == nil {
		result.Valid = false
		result.Errors = append(result.Errors, "provider not initialized")
		return result, nil
	}
	if err := p.pool.Ping(ctx); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("connection failed: %v", err))
		return result, nil
	}
	result.Messages = append(result.Messages, "connection ok")

	var walLevel string
	if err := p.pool.QueryRow(ctx, "SHOW wal_level").Scan(&walLevel); err == nil {
		if walLevel == "logical" {
			result.Messages = append(result.Messages, "wal_level is logical")
		} else {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("wal_level is %q, need logical", walLevel))
		}
	}

	var active bool
	err := p.pool.QueryRow(ctx,
		"SELECT active FROM pg_replication_slots WHERE slot_name = $1", p.cfg.Slot).Scan(&active)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("replication slot %q does not exist", p.cfg.Slot))
	case err != nil:
		result.Warnings = append(result.Warnings, fmt.Sprintf("slot check failed: %v", err))
	case active:
		result.Warnings = append(result.Warnings, fmt.Sprintf("slot %q is active in another session", p.cfg.Slot))
	default:
		result.Messages = append(result.Messages, fmt.Sprintf("slot %q present", p.cfg.Slot))
	}

	return result, nil
}

func (p *Provider) Health(ctx context.Context) (types.HealthReport, error) {
	report := types.HealthReport{Status: types.HealthUnknown, CheckedAt: time.Now(), Metrics: map[string]any{}}
	if p.pool == nil {
		report.Message = "provider not initialized"
		return report, nil
	}

	start := time.Now()
	if err := p.pool.Ping(ctx); err != nil {
		report.Status = types.HealthUnhealthy
		report.Message = err.Error()
		return report, nil
	}
	latency := time.Since(start)
	report.Metrics["ping_ms"] = latency.Milliseconds()

	var lagBytes int64
	err := p.pool.QueryRow(ctx, `
		SELECT COALESCE(pg_wal_lsn_diff(pg_current_wal_lsn(), confirmed_flush_lsn), 0)
		FROM pg_replication_slots WHERE slot_name = $1`, p.cfg.Slot).Scan(&lagBytes)
	if err != nil {
		report.Status = types.HealthDegraded
		report.Message = fmt.Sprintf("slot lag unavailable: %v", err)
		return report, nil
	}
	report.Metrics["slot_lag_bytes"] = lagBytes

	switch {
	case lagBytes > 1<<30:
		report.Status = types.HealthDegraded
		report.Message = "replication slot lag above 1GiB"
	case latency > time.Second:
		report.Status = types.HealthDegraded
		report.Message = "ping latency above 1s"
	default:
		report.Status = types.HealthHealthy
	}
	return report, nil
}

// ComparePositions orders two WAL LSNs.
func (p *Provider) ComparePositions(a, b types.Position) (int, error) {
	la, err := pglogrepl.ParseLSN(string(a))
	if err != nil {
		return 0, fmt.Errorf("parse position %q: %w", a, err)
	}
	lb, err := pglogrepl.ParseLSN(string(b))
	if err != nil {
		return 0, fmt.Errorf("parse position %q: %w", b, err)
	}
	switch {
	case la < lb:
		return -1, nil
	case la > lb:
		return 1, nil
	default:
		return 0, nil
	}
}

// Cleanup is a no-op: WAL retention is bounded by the slot's confirmed
// position, which advances as changes are consumed.
func (p *Provider) Cleanup(ctx context.Context, retention time.Duration) error {
	return nil
}

func (p *Provider) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}
