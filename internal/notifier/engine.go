package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mehmetymw/tablewatch/internal/correlation"
	"github.com/mehmetymw/tablewatch/internal/graph"
	"github.com/mehmetymw/tablewatch/internal/snapshot"
	"github.com/mehmetymw/tablewatch/internal/types"
)

// Options tunes the engine. Zero values fall back to the defaults below.
type Options struct {
	ErrorThreshold         int
	SchemaCheckEvery       int
	CallTimeout            time.Duration
	CorrelationWindow      time.Duration
	CorrelationRetention   time.Duration
	CorrelationMaxPerTable int
	CriticalTables         []string
}

func (o *Options) applyDefaults() {
	if o.ErrorThreshold <= 0 {
		o.ErrorThreshold = 20
	}
	if o.SchemaCheckEvery <= 0 {
		o.SchemaCheckEvery = 10
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.CorrelationWindow <= 0 {
		o.CorrelationWindow = 5 * time.Minute
	}
	if o.CorrelationRetention <= 0 {
		o.CorrelationRetention = 24 * time.Hour
	}
	if o.CorrelationMaxPerTable <= 0 {
		o.CorrelationMaxPerTable = 10000
	}
}

// Engine is the change-capture engine facade: it owns one polling monitor per
// table plus the shared snapshot store, dependency graph and correlation
// window, and dispatches events to the hosting application's Handlers.
type Engine struct {
	provider   types.Provider
	handlers   Handlers
	logger     *zap.Logger
	opts       Options
	store      *snapshot.Store
	graph      *graph.DependencyGraph
	correlator *correlation.Engine

	mu       sync.Mutex
	monitors map[string]*tableMonitor
}

func NewEngine(provider types.Provider, handlers Handlers, opts Options, logger *zap.Logger) *Engine {
	opts.applyDefaults()
	g := graph.NewDependencyGraph(opts.CriticalTables)
	return &Engine{
		provider:   provider,
		handlers:   handlers,
		logger:     logger,
		opts:       opts,
		store:      snapshot.NewStore(),
		graph:      g,
		correlator: correlation.NewEngine(g, opts.CorrelationRetention, opts.CorrelationMaxPerTable, logger),
		monitors:   make(map[string]*tableMonitor),
	}
}

// Start begins monitoring one table with its own poll and health-check
// cadence. Starting an already-monitored table is an error; a table whose
// monitor faulted must be stopped first.
func (e *Engine) Start(ctx context.Context, table string, pollInterval, healthCheckInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 60 * time.Second
	}
	if healthCheckInterval <= 0 {
		healthCheckInterval = 5 * time.Minute
	}

	e.mu.Lock()
	if _, exists := e.monitors[table]; exists {
		e.mu.Unlock()
		return fmt.Errorf("table %s is already monitored", table)
	}
	m := &tableMonitor{
		table:               table,
		provider:            e.provider,
		handlers:            e.handlers,
		logger:              e.logger,
		store:               e.store,
		graph:               e.graph,
		correlator:          e.correlator,
		pollInterval:        pollInterval,
		healthCheckInterval: healthCheckInterval,
		errorThreshold:      e.opts.ErrorThreshold,
		schemaCheckEvery:    e.opts.SchemaCheckEvery,
		callTimeout:         e.opts.CallTimeout,
		correlationWindow:   e.opts.CorrelationWindow,
		state:               StateStopped,
		stopCh:              make(chan struct{}),
		faultCh:             make(chan struct{}),
		done:                make(chan struct{}),
	}
	e.monitors[table] = m
	e.mu.Unlock()

	if err := m.start(ctx); err != nil {
		e.mu.Lock()
		delete(e.monitors, table)
		e.mu.Unlock()
		return err
	}
	return nil
}

// Stop ends monitoring for one table. Cooperative: pending ticks are disarmed
// immediately, a poll already past its single-flight gate runs to completion
// and its result is discarded.
func (e *Engine) Stop(table string) error {
	e.mu.Lock()
	m, ok := e.monitors[table]
	if ok {
		delete(e.monitors, table)
	}
	e.mu.Unlock()
	if !ok {
		return types.ErrUnknownTable
	}
	m.stop()
	return nil
}

// StopAll stops every monitor and waits for their trigger loops to exit.
func (e *Engine) StopAll() {
	e.mu.Lock()
	monitors := make([]*tableMonitor, 0, len(e.monitors))
	for _, m := range e.monitors {
		monitors = append(monitors, m)
	}
	e.monitors = make(map[string]*tableMonitor)
	e.mu.Unlock()

	for _, m := range monitors {
		m.stop()
	}
	for _, m := range monitors {
		<-m.done
	}
}

// GetHealth returns the monitor's current state snapshot.
func (e *Engine) GetHealth(table string) (TableStatus, error) {
	e.mu.Lock()
	m, ok := e.monitors[table]
	e.mu.Unlock()
	if !ok {
		return TableStatus{}, types.ErrUnknownTable
	}
	return m.status(), nil
}

// Statuses reports every monitored table, for the daemon's health endpoint.
func (e *Engine) Statuses() []TableStatus {
	e.mu.Lock()
	monitors := make([]*tableMonitor, 0, len(e.monitors))
	for _, m := range e.monitors {
		monitors = append(monitors, m)
	}
	e.mu.Unlock()

	out := make([]TableStatus, 0, len(monitors))
	for _, m := range monitors {
		out = append(out, m.status())
	}
	return out
}

// ValidateConfiguration runs the provider's non-throwing self check and
// verifies the table's schema is reachable.
func (e *Engine) ValidateConfiguration(ctx context.Context, table string) (types.ValidationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	result, err := e.provider.Validate(ctx)
	if err != nil {
		return types.ValidationResult{}, err
	}
	if _, err := e.provider.SchemaOf(ctx, table); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("schema of %s not readable: %v", table, err))
	}
	return result, nil
}

// RegisterForeignKey declares a foreign-key relationship to the correlation
// layer. Idempotent by constraint name.
func (e *Engine) RegisterForeignKey(parentTable, parentColumn, childTable, childColumn, constraintName string) {
	e.graph.RegisterForeignKey(parentTable, parentColumn, childTable, childColumn, constraintName)
}

// GetDependencyGraph returns the registered edges touching a table.
func (e *Engine) GetDependencyGraph(table string) []types.DependencyEdge {
	return e.graph.EdgesFor(table)
}

// AnalyzeImpact walks the dependency graph transitively from the table.
func (e *Engine) AnalyzeImpact(table string) graph.ImpactAnalysis {
	return e.graph.AnalyzeImpact(table)
}

// GetSchemaHistory returns schema changes detected for the table in [from, to].
func (e *Engine) GetSchemaHistory(table string, from, to time.Time) []types.SchemaChange {
	return e.store.History(table, from, to)
}

// Cleanup delegates to the provider's own retention mechanism. Always safe to
// call; a no-op when the backend self manages retention.
func (e *Engine) Cleanup(ctx context.Context, retention time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	return e.provider.Cleanup(ctx, retention)
}
