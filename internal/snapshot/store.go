package snapshot

import (
	"sync"
	"time"

	"github.com/mehmetymw/tablewatch/internal/types"
)

// maxHistoryPerTable bounds the retained schema-change history so a noisy
// table cannot grow the store without limit.
const maxHistoryPerTable = 1000

// Store holds the last-known structural snapshot per monitored table, plus a
// bounded history of the schema changes detected against it. Shared across
// all table monitors; guarded by a read-write lock since status queries read
// while at most one diff cycle writes.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]types.TableSchema
	history   map[string][]types.SchemaChange
}

func NewStore() *Store {
	return &Store{
		snapshots: make(map[string]types.TableSchema),
		history:   make(map[string][]types.SchemaChange),
	}
}

// Get returns the stored snapshot for a table, if any.
func (s *Store) Get(table string) (types.TableSchema, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[table]
	return snap, ok
}

// Replace swaps in a new snapshot wholesale. There is no partial or merge
// update; the diff engine has already extracted what differed.
func (s *Store) Replace(table string, snap types.TableSchema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[table] = snap
}

// Record appends detected schema changes to the table's history, trimming the
// oldest entries past the retention bound.
func (s *Store) Record(table string, changes []types.SchemaChange) {
	if len(changes) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.history[table], changes...)
	if len(h) > maxHistoryPerTable {
		h = h[len(h)-maxHistoryPerTable:]
	}
	s.history[table] = h
}

// History returns recorded schema changes for a table whose timestamps fall
// in [from, to]. A zero to means "until now".
func (s *Store) History(table string, from, to time.Time) []types.SchemaChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if to.IsZero() {
		to = time.Now()
	}
	var out []types.SchemaChange
	for _, c := range s.history[table] {
		if c.Timestamp.Before(from) || c.Timestamp.After(to) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// DropSnapshot removes a table's snapshot but keeps its recorded history, used
// when the table disappears from the source.
func (s *Store) DropSnapshot(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, table)
}

// Forget drops a table's snapshot and history, used when monitoring stops.
func (s *Store) Forget(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, table)
	delete(s.history, table)
}
