package notifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mehmetymw/tablewatch/internal/types"
)

// fakeProvider is a scriptable backend: positions, pending batches and
// injected failures are mutated mid-test to drive the monitor through its
// states.
type fakeProvider struct {
	mu           sync.Mutex
	position     types.Position
	pending      []types.DetailedChangeRecord
	schema       types.TableSchema
	initErr      error
	positionErr  error
	changesErr   error
	schemaErr    error
	changesDelay time.Duration

	changesInFlight int32
	maxInFlight     int32
	cleanupCalls    int32
}

func newFakeProvider(pos types.Position) *fakeProvider {
	return &fakeProvider{
		position: pos,
		schema: types.TableSchema{
			Name:    "users",
			Columns: []types.ColumnSchema{{Name: "id", DataType: "integer"}},
		},
	}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initErr
}

func (f *fakeProvider) CurrentPosition(context.Context) (types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.positionErr != nil {
		return "", f.positionErr
	}
	return f.position, nil
}

func (f *fakeProvider) ChangesSince(_ context.Context, _ string, from, to types.Position) ([]types.DetailedChangeRecord, error) {
	cur := atomic.AddInt32(&f.changesInFlight, 1)
	defer atomic.AddInt32(&f.changesInFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, cur) {
			break
		}
	}

	f.mu.Lock()
	delay := f.changesDelay
	err := f.changesErr
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	if from == to {
		return nil, nil
	}

	f.mu.Lock()
	batch := f.pending
	f.pending = nil
	f.mu.Unlock()
	return batch, nil
}

func (f *fakeProvider) SchemaOf(context.Context, string) (types.TableSchema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.schemaErr != nil {
		return types.TableSchema{}, f.schemaErr
	}
	return f.schema, nil
}

func (f *fakeProvider) Validate(context.Context) (types.ValidationResult, error) {
	return types.ValidationResult{Valid: true}, nil
}

func (f *fakeProvider) Health(context.Context) (types.HealthReport, error) {
	return types.HealthReport{Status: types.HealthHealthy, CheckedAt: time.Now()}, nil
}

func (f *fakeProvider) ComparePositions(a, b types.Position) (int, error) {
	av, err := strconv.Atoi(string(a))
	if err != nil {
		return 0, err
	}
	bv, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, err
	}
	return av - bv, nil
}

func (f *fakeProvider) Cleanup(context.Context, time.Duration) error {
	atomic.AddInt32(&f.cleanupCalls, 1)
	return nil
}

func (f *fakeProvider) Close() error { return nil }

func (f *fakeProvider) set(mutate func(*fakeProvider)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mutate(f)
}

// recorder captures every dispatched event for assertions.
type recorder struct {
	mu            sync.Mutex
	batches       [][]types.DetailedChangeRecord
	errors        []string
	schemaChanges [][]types.SchemaChange
	healthCount   int
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnChanged: func(_ string, batch []types.DetailedChangeRecord) {
			r.mu.Lock()
			r.batches = append(r.batches, batch)
			r.mu.Unlock()
		},
		OnError: func(_, message string, _ error) {
			r.mu.Lock()
			r.errors = append(r.errors, message)
			r.mu.Unlock()
		},
		OnHealthCheck: func(string, types.HealthReport) {
			r.mu.Lock()
			r.healthCount++
			r.mu.Unlock()
		},
		OnSchemaChangeDetected: func(_ string, changes []types.SchemaChange) {
			r.mu.Lock()
			r.schemaChanges = append(r.schemaChanges, changes)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) batchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *recorder) errorsContaining(substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.errors {
		if strings.Contains(e, substr) {
			n++
		}
	}
	return n
}

func (r *recorder) healthChecks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthCount
}

func (r *recorder) schemaChangeBatches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.schemaChanges)
}

func insertRecord(pos types.Position) types.DetailedChangeRecord {
	return types.DetailedChangeRecord{
		ChangeRecord: types.ChangeRecord{
			Table:      "users",
			Operation:  types.OpInsert,
			PrimaryKey: map[string]any{"id": 1},
			Position:   pos,
			Timestamp:  time.Now(),
		},
		After: map[string]any{"id": 1, "name": "acme"},
	}
}

func startEngine(t *testing.T, provider types.Provider, rec *recorder, opts Options) *Engine {
	t.Helper()
	if opts.CallTimeout == 0 {
		opts.CallTimeout = time.Second
	}
	e := NewEngine(provider, rec.handlers(), opts, zap.NewNop())
	require.NoError(t, e.Start(context.Background(), "users", 5*time.Millisecond, time.Hour))
	t.Cleanup(e.StopAll)
	return e
}

func TestEngineDeliversBatchOnceAndAdvancesPosition(t *testing.T) {
	provider := newFakeProvider("5")
	rec := &recorder{}
	e := startEngine(t, provider, rec, Options{ErrorThreshold: 20})

	provider.set(func(f *fakeProvider) {
		f.position = "10"
		f.pending = []types.DetailedChangeRecord{insertRecord("10")}
	})

	require.Eventually(t, func() bool {
		return rec.batchCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		st, err := e.GetHealth("users")
		return err == nil && st.Position == "10" && st.State == StatePolling
	}, 2*time.Second, 5*time.Millisecond)

	// Subsequent empty polls must not replay the batch.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, rec.batchCount())
}

func TestEngineSingleFlight(t *testing.T) {
	provider := newFakeProvider("5")
	provider.set(func(f *fakeProvider) { f.changesDelay = 40 * time.Millisecond })
	rec := &recorder{}
	startEngine(t, provider, rec, Options{ErrorThreshold: 20})

	provider.set(func(f *fakeProvider) { f.position = "6" })

	// Ticks fire every 5ms while each retrieval holds the gate for 40ms.
	time.Sleep(250 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&provider.maxInFlight),
		"overlapping polls must be coalesced, not stacked")
}

func TestEngineCircuitBreaker(t *testing.T) {
	provider := newFakeProvider("5")
	rec := &recorder{}
	e := startEngine(t, provider, rec, Options{ErrorThreshold: 3})

	provider.set(func(f *fakeProvider) { f.positionErr = errors.New("connection refused") })

	require.Eventually(t, func() bool {
		st, err := e.GetHealth("users")
		return err == nil && st.State == StateFaulted
	}, 2*time.Second, 5*time.Millisecond)

	// Exactly one terminal notification, no further poll attempts.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, rec.errorsContaining("stopped after 3 consecutive failures"))

	st, err := e.GetHealth("users")
	require.NoError(t, err)
	require.Equal(t, 3, st.ConsecutiveErrors)
	require.False(t, st.Running)
}

func TestEngineFaultedMonitorStaysIdle(t *testing.T) {
	provider := newFakeProvider("5")
	rec := &recorder{}
	e := startEngine(t, provider, rec, Options{ErrorThreshold: 3})

	provider.set(func(f *fakeProvider) { f.positionErr = errors.New("down") })
	require.Eventually(t, func() bool {
		st, err := e.GetHealth("users")
		return err == nil && st.State == StateFaulted
	}, 2*time.Second, 5*time.Millisecond)

	// A parked monitor must not consume CPU while faulted.
	var before, after syscall.Rusage
	require.NoError(t, syscall.Getrusage(syscall.RUSAGE_SELF, &before))
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, syscall.Getrusage(syscall.RUSAGE_SELF, &after))

	used := time.Duration(after.Utime.Nano()+after.Stime.Nano()) -
		time.Duration(before.Utime.Nano()+before.Stime.Nano())
	require.Less(t, used, 150*time.Millisecond,
		"faulted monitor should park, not spin")
}

func TestEngineHealthChecksSurviveFault(t *testing.T) {
	provider := newFakeProvider("5")
	rec := &recorder{}
	opts := Options{ErrorThreshold: 2, CallTimeout: time.Second}
	e := NewEngine(provider, rec.handlers(), opts, zap.NewNop())
	require.NoError(t, e.Start(context.Background(), "users", 5*time.Millisecond, 10*time.Millisecond))
	t.Cleanup(e.StopAll)

	provider.set(func(f *fakeProvider) { f.positionErr = errors.New("down") })
	require.Eventually(t, func() bool {
		st, err := e.GetHealth("users")
		return err == nil && st.State == StateFaulted
	}, 2*time.Second, 5*time.Millisecond)

	before := rec.healthChecks()
	require.Eventually(t, func() bool {
		return rec.healthChecks() > before
	}, 2*time.Second, 5*time.Millisecond, "faulted table must stay observable")
}

func TestEngineRecoversFromTransientErrors(t *testing.T) {
	provider := newFakeProvider("5")
	rec := &recorder{}
	e := startEngine(t, provider, rec, Options{ErrorThreshold: 50})

	provider.set(func(f *fakeProvider) { f.positionErr = errors.New("timeout") })
	require.Eventually(t, func() bool {
		st, err := e.GetHealth("users")
		return err == nil && st.State == StateDegraded
	}, 2*time.Second, 5*time.Millisecond)

	provider.set(func(f *fakeProvider) { f.positionErr = nil })
	require.Eventually(t, func() bool {
		st, err := e.GetHealth("users")
		return err == nil && st.State == StatePolling && st.ConsecutiveErrors == 0
	}, 2*time.Second, 5*time.Millisecond, "success must reset the error counter")
}

func TestEngineSkipsBackwardsPosition(t *testing.T) {
	provider := newFakeProvider("10")
	rec := &recorder{}
	e := startEngine(t, provider, rec, Options{ErrorThreshold: 3})

	provider.set(func(f *fakeProvider) {
		f.position = "5"
		f.pending = []types.DetailedChangeRecord{insertRecord("5")}
	})

	require.Eventually(t, func() bool {
		return rec.errorsContaining("position went backwards") > 0
	}, 2*time.Second, 5*time.Millisecond)

	st, err := e.GetHealth("users")
	require.NoError(t, err)
	require.Equal(t, types.Position("10"), st.Position)
	require.Equal(t, 0, st.ConsecutiveErrors, "a backwards position is a data error, not a transient failure")
	require.NotEqual(t, StateFaulted, st.State)
	require.Equal(t, 0, rec.batchCount())
}

func TestEngineDetectsSchemaDrift(t *testing.T) {
	provider := newFakeProvider("5")
	rec := &recorder{}
	e := startEngine(t, provider, rec, Options{ErrorThreshold: 20, SchemaCheckEvery: 1})

	provider.set(func(f *fakeProvider) {
		f.schema.Columns = append(f.schema.Columns,
			types.ColumnSchema{Name: "email", DataType: "text", Nullable: true})
	})

	require.Eventually(t, func() bool {
		return rec.schemaChangeBatches() > 0
	}, 2*time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	first := rec.schemaChanges[0]
	rec.mu.Unlock()
	require.Len(t, first, 1)
	require.Equal(t, types.ColumnAdded, first[0].Kind)
	require.Equal(t, "email", first[0].Object)

	history := e.GetSchemaHistory("users", time.Now().Add(-time.Minute), time.Time{})
	require.NotEmpty(t, history)
}

func TestEngineReportsDroppedTable(t *testing.T) {
	provider := newFakeProvider("5")
	rec := &recorder{}
	e := startEngine(t, provider, rec, Options{ErrorThreshold: 20, SchemaCheckEvery: 1})

	provider.set(func(f *fakeProvider) {
		f.schemaErr = fmt.Errorf("%w: users", types.ErrNoSuchTable)
	})

	require.Eventually(t, func() bool {
		return rec.schemaChangeBatches() > 0
	}, 2*time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	first := rec.schemaChanges[0]
	rec.mu.Unlock()
	require.Len(t, first, 1)
	require.Equal(t, types.TableRemoved, first[0].Kind)
	require.Equal(t, "users", first[0].Table)

	history := e.GetSchemaHistory("users", time.Now().Add(-time.Minute), time.Time{})
	require.NotEmpty(t, history)

	// Reported once: with the snapshot gone, later checks stay quiet.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, rec.schemaChangeBatches())
}

func TestEnginePollSurvivesUnorderablePositions(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	provider := newFakeProvider("X")
	rec := &recorder{}
	e := NewEngine(provider, rec.handlers(), Options{ErrorThreshold: 20, CallTimeout: time.Second}, zap.New(core))
	require.NoError(t, e.Start(context.Background(), "users", 5*time.Millisecond, time.Hour))
	t.Cleanup(e.StopAll)

	provider.set(func(f *fakeProvider) {
		f.position = "Y"
		f.pending = []types.DetailedChangeRecord{insertRecord("Y")}
	})

	// The unparseable positions disable the backwards guard but the poll
	// still delivers, and the failure is logged rather than swallowed.
	require.Eventually(t, func() bool {
		return rec.batchCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("position compare failed").Len() > 0
	}, 2*time.Second, 5*time.Millisecond)

	st, err := e.GetHealth("users")
	require.NoError(t, err)
	require.Equal(t, types.Position("Y"), st.Position)
	require.Equal(t, 0, st.ConsecutiveErrors)
}

func TestEngineStartStopLifecycle(t *testing.T) {
	provider := newFakeProvider("5")
	rec := &recorder{}
	e := startEngine(t, provider, rec, Options{ErrorThreshold: 20})

	err := e.Start(context.Background(), "users", time.Second, time.Hour)
	require.Error(t, err, "double start must be rejected")

	require.NoError(t, e.Stop("users"))
	_, err = e.GetHealth("users")
	require.ErrorIs(t, err, types.ErrUnknownTable)

	require.ErrorIs(t, e.Stop("ghosts"), types.ErrUnknownTable)
}

func TestEngineStartFailsWhenInitializeFails(t *testing.T) {
	provider := newFakeProvider("5")
	provider.set(func(f *fakeProvider) { f.initErr = types.ErrCapability })

	e := NewEngine(provider, Handlers{}, Options{}, zap.NewNop())
	err := e.Start(context.Background(), "users", time.Second, time.Hour)
	require.ErrorIs(t, err, types.ErrCapability)

	_, err = e.GetHealth("users")
	require.ErrorIs(t, err, types.ErrUnknownTable)
}

func TestEngineValidateConfiguration(t *testing.T) {
	provider := newFakeProvider("5")
	e := NewEngine(provider, Handlers{}, Options{}, zap.NewNop())

	result, err := e.ValidateConfiguration(context.Background(), "users")
	require.NoError(t, err)
	require.True(t, result.Valid)

	provider.set(func(f *fakeProvider) { f.schemaErr = errors.New("permission denied") })
	result, err = e.ValidateConfiguration(context.Background(), "users")
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.NotEmpty(t, result.Errors)
}

func TestEngineCleanupDelegates(t *testing.T) {
	provider := newFakeProvider("5")
	e := NewEngine(provider, Handlers{}, Options{}, zap.NewNop())

	require.NoError(t, e.Cleanup(context.Background(), 24*time.Hour))
	require.Equal(t, int32(1), atomic.LoadInt32(&provider.cleanupCalls))
}
