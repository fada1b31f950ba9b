package notifier

import (
	"github.com/mehmetymw/tablewatch/internal/types"
)

// Handlers is the event surface exposed to the hosting application. Any field
// may be left nil; dispatch is nil-safe. Handlers are invoked from monitor
// goroutines and must not block for long.
type Handlers struct {
	OnChanged                   func(table string, batch []types.DetailedChangeRecord)
	OnError                     func(table, message string, cause error)
	OnHealthCheck               func(table string, report types.HealthReport)
	OnSchemaChangeDetected      func(table string, changes []types.SchemaChange)
	OnChangeCorrelationDetected func(table string, corr types.CorrelatedChange)
}

func (h Handlers) emitChanged(table string, batch []types.DetailedChangeRecord) {
	if h.OnChanged != nil {
		h.OnChanged(table, batch)
	}
}

func (h Handlers) emitError(table, message string, cause error) {
	if h.OnError != nil {
		h.OnError(table, message, cause)
	}
}

func (h Handlers) emitHealth(table string, report types.HealthReport) {
	if h.OnHealthCheck != nil {
		h.OnHealthCheck(table, report)
	}
}

func (h Handlers) emitSchemaChanges(table string, changes []types.SchemaChange) {
	if h.OnSchemaChangeDetected != nil {
		h.OnSchemaChangeDetected(table, changes)
	}
}

func (h Handlers) emitCorrelation(table string, corr types.CorrelatedChange) {
	if h.OnChangeCorrelationDetected != nil {
		h.OnChangeCorrelationDetected(table, corr)
	}
}
