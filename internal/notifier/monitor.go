package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mehmetymw/tablewatch/internal/correlation"
	"github.com/mehmetymw/tablewatch/internal/graph"
	"github.com/mehmetymw/tablewatch/internal/schemadiff"
	"github.com/mehmetymw/tablewatch/internal/snapshot"
	"github.com/mehmetymw/tablewatch/internal/types"
)

type State string

const (
	StateStopped      State = "stopped"
	StateInitializing State = "initializing"
	StatePolling      State = "polling"
	StateDegraded     State = "degraded"
	StateFaulted      State = "faulted"
)

// TableStatus is a point-in-time snapshot of a monitor's state, served to
// health and status queries.
type TableStatus struct {
	Table             string
	State             State
	Position          types.Position
	ConsecutiveErrors int
	Running           bool
	LastPollAt        time.Time
	LastHealth        types.HealthStatus
}

// tableMonitor owns all mutable state for one monitored table. Loops for
// different tables share nothing but the snapshot store, graph and
// correlation window, so unrelated tables never serialize on each other.
type tableMonitor struct {
	table               string
	provider            types.Provider
	handlers            Handlers
	logger              *zap.Logger
	store               *snapshot.Store
	graph               *graph.DependencyGraph
	correlator          *correlation.Engine
	pollInterval        time.Duration
	healthCheckInterval time.Duration
	errorThreshold      int
	schemaCheckEvery    int
	callTimeout         time.Duration
	correlationWindow   time.Duration

	// inFlight is the single-flight gate: a tick arriving while a poll is
	// running is dropped, not queued. Change volume is re-derived from the
	// position on the next successful tick.
	inFlight atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	faultCh  chan struct{}
	done     chan struct{}

	mu         sync.Mutex
	state      State
	position   types.Position
	errorCount int
	pollCount  int
	lastPollAt time.Time
	lastHealth types.HealthStatus
}

func (m *tableMonitor) start(ctx context.Context) error {
	m.mu.Lock()
	m.state = StateInitializing
	m.lastHealth = types.HealthUnknown
	m.mu.Unlock()

	initCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	if err := m.provider.Initialize(initCtx); err != nil {
		m.setState(StateStopped)
		return fmt.Errorf("initialize %s: %w", m.table, err)
	}

	pos, err := m.provider.CurrentPosition(initCtx)
	if err != nil {
		m.setState(StateStopped)
		return fmt.Errorf("seed position for %s: %w", m.table, err)
	}

	m.mu.Lock()
	m.position = pos
	m.state = StatePolling
	m.mu.Unlock()

	// Baseline snapshot so the first diff cycle has something to compare
	// against. Best effort: monitoring starts regardless.
	if schema, err := m.provider.SchemaOf(initCtx, m.table); err == nil {
		m.store.Replace(m.table, schema)
	} else {
		m.logger.Warn("baseline schema capture failed",
			zap.String("table", m.table), zap.Error(err))
	}

	go m.run()

	m.logger.Info("monitoring started",
		zap.String("table", m.table),
		zap.String("position", string(pos)),
		zap.Duration("poll_interval", m.pollInterval),
		zap.Duration("health_check_interval", m.healthCheckInterval))
	return nil
}

// run drives the two independent periodic triggers. The poll trigger is
// disarmed when the circuit breaker trips; the health trigger keeps running
// until stop so a faulted table stays observable.
func (m *tableMonitor) run() {
	defer close(m.done)

	pollTicker := time.NewTicker(m.pollInterval)
	defer pollTicker.Stop()
	healthTicker := time.NewTicker(m.healthCheckInterval)
	defer healthTicker.Stop()

	pollC := pollTicker.C
	// faultCh stays closed once tripped; nil the local after the first receive
	// so the select does not spin on the always-ready closed channel.
	faultC := m.faultCh
	for {
		select {
		case <-m.stopCh:
			return
		case <-faultC:
			pollTicker.Stop()
			pollC = nil
			faultC = nil
		case <-pollC:
			go m.pollOnce()
		case <-healthTicker.C:
			go m.healthCheck()
		}
	}
}

func (m *tableMonitor) stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		if m.state != StateFaulted {
			m.state = StateStopped
		}
		m.mu.Unlock()
		m.logger.Info("monitoring stopped", zap.String("table", m.table))
	})
}

// pollOnce is one poll cycle behind the single-flight gate. Runs on its own
// goroutine so a slow backend call never blocks the trigger loop or the
// health checks.
func (m *tableMonitor) pollOnce() {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.logger.Debug("poll already in flight, tick skipped", zap.String("table", m.table))
		return
	}
	defer m.inFlight.Store(false)

	m.mu.Lock()
	if m.state != StatePolling && m.state != StateDegraded {
		m.mu.Unlock()
		return
	}
	from := m.position
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.callTimeout)
	defer cancel()

	to, err := m.provider.CurrentPosition(ctx)
	if err != nil {
		m.recordError("current position query failed", err)
		return
	}

	switch cmp, err := m.provider.ComparePositions(to, from); {
	case err != nil:
		// An unorderable position disables the backwards guard for this
		// cycle; the poll itself still proceeds.
		m.logger.Warn("position compare failed",
			zap.String("table", m.table),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Error(err))
	case cmp < 0:
		// Backend reported a position behind the one already consumed.
		// Treated as a data error: batch dropped, loop continues.
		m.logger.Warn("backend position went backwards, poll skipped",
			zap.String("table", m.table),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		m.handlers.emitError(m.table, "backend position went backwards", nil)
		return
	}

	changes, err := m.provider.ChangesSince(ctx, m.table, from, to)
	if err != nil {
		m.recordError("change retrieval failed", err)
		return
	}

	m.mu.Lock()
	if m.state != StatePolling && m.state != StateDegraded {
		// Stopped while the poll was in flight; the result is discarded.
		m.mu.Unlock()
		return
	}
	// Position advances even on an empty poll, otherwise the same span is
	// re-scanned forever.
	m.position = to
	m.errorCount = 0
	m.state = StatePolling
	m.lastPollAt = time.Now()
	m.pollCount++
	pollCount := m.pollCount
	m.mu.Unlock()

	if len(changes) > 0 {
		// One event per batch, not per record.
		m.handlers.emitChanged(m.table, changes)
		m.correlate(changes)
	}

	if pollCount%m.schemaCheckEvery == 0 {
		m.schemaCheck()
	}
}

// correlate feeds the batch to the correlation engine. Best effort: a fault
// here must never reach the poll loop.
func (m *tableMonitor) correlate(changes []types.DetailedChangeRecord) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("correlation panic",
				zap.String("table", m.table), zap.Any("panic", r))
			m.handlers.emitError(m.table, "correlation failed", fmt.Errorf("panic: %v", r))
		}
	}()

	for _, c := range changes {
		m.correlator.RecordChange(m.table, c)
	}
	for _, c := range changes {
		for _, corr := range m.correlator.FindCorrelated(c, m.correlationWindow) {
			m.handlers.emitCorrelation(m.table, corr)
		}
	}
}

// schemaCheck runs the diff cycle on its coarser cadence. Failures are
// reported but never counted toward the circuit breaker.
func (m *tableMonitor) schemaCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), m.callTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("schema check panic",
				zap.String("table", m.table), zap.Any("panic", r))
			m.handlers.emitError(m.table, "schema check failed", fmt.Errorf("panic: %v", r))
		}
	}()

	current, err := m.provider.SchemaOf(ctx, m.table)
	if err != nil {
		previous, had := m.store.Get(m.table)
		if had && errors.Is(err, types.ErrNoSuchTable) {
			// The monitored table disappeared from the source. Reported once:
			// the snapshot is dropped, the history kept.
			changes := schemadiff.Diff(
				map[string]types.TableSchema{m.table: previous}, nil, time.Now())
			m.store.Record(m.table, changes)
			m.store.DropSnapshot(m.table)
			m.handlers.emitSchemaChanges(m.table, changes)
			m.logger.Warn("monitored table dropped from source",
				zap.String("table", m.table))
			return
		}
		m.logger.Warn("schema capture failed",
			zap.String("table", m.table), zap.Error(err))
		m.handlers.emitError(m.table, "schema capture failed", err)
		return
	}

	previous, ok := m.store.Get(m.table)
	if ok {
		changes := schemadiff.DiffTable(previous, current, time.Now())
		if len(changes) > 0 {
			m.store.Record(m.table, changes)
			m.handlers.emitSchemaChanges(m.table, changes)
			m.logger.Info("schema drift detected",
				zap.String("table", m.table), zap.Int("changes", len(changes)))
		}
	}
	m.store.Replace(m.table, current)
}

func (m *tableMonitor) healthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), m.callTimeout)
	defer cancel()

	report, err := m.provider.Health(ctx)
	if err != nil {
		report = types.HealthReport{
			Status:    types.HealthUnknown,
			Message:   err.Error(),
			CheckedAt: time.Now(),
		}
	}

	m.mu.Lock()
	m.lastHealth = report.Status
	m.mu.Unlock()

	// Advisory only: a degraded backend is observable but does not halt
	// ingestion.
	m.handlers.emitHealth(m.table, report)
}

// recordError applies the transient-error policy: count, report, and trip the
// circuit breaker at the threshold. A cancelled or timed-out call lands here
// like any other transient failure.
func (m *tableMonitor) recordError(message string, cause error) {
	m.mu.Lock()
	m.errorCount++
	count := m.errorCount
	tripped := count >= m.errorThreshold && m.state != StateFaulted
	if tripped {
		m.state = StateFaulted
	} else if m.state == StatePolling {
		m.state = StateDegraded
	}
	m.mu.Unlock()

	m.logger.Warn("poll failed",
		zap.String("table", m.table),
		zap.Int("consecutive_errors", count),
		zap.Error(cause))
	m.handlers.emitError(m.table, message, cause)

	if tripped {
		close(m.faultCh)
		m.logger.Error("error threshold exceeded, polling stopped",
			zap.String("table", m.table),
			zap.String("provider", m.provider.Name()),
			zap.Int("threshold", m.errorThreshold))
		m.handlers.emitError(m.table,
			fmt.Sprintf("monitoring for table %s on %s stopped after %d consecutive failures",
				m.table, m.provider.Name(), count), cause)
	}
}

func (m *tableMonitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *tableMonitor) status() TableStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return TableStatus{
		Table:             m.table,
		State:             m.state,
		Position:          m.position,
		ConsecutiveErrors: m.errorCount,
		Running:           m.state == StatePolling || m.state == StateDegraded,
		LastPollAt:        m.lastPollAt,
		LastHealth:        m.lastHealth,
	}
}
