package optimistic

import "sync"

// LocalState is the caller-side state that speculative values are applied to.
type LocalState interface {
	// Snapshot returns the current value of a record, if any.
	Snapshot(entity, id string) (any, bool)
	// Apply stores value as the record's current value.
	Apply(entity, id string, value any)
	// Remove drops the record.
	Remove(entity, id string)
}

// MemoryState is an in-memory LocalState keyed by entity and record id.
type MemoryState struct {
	mu      sync.RWMutex
	records map[string]map[string]any
}

// NewMemoryState creates an empty MemoryState.
func NewMemoryState() *MemoryState {
	return &MemoryState{records: make(map[string]map[string]any)}
}

// Snapshot implements LocalState.
func (s *MemoryState) Snapshot(entity, id string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.records[entity][id]
	return v, ok
}

// Apply implements LocalState.
func (s *MemoryState) Apply(entity, id string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.records[entity]
	if !ok {
		rows = make(map[string]any)
		s.records[entity] = rows
	}
	rows[id] = value
}

// Remove implements LocalState.
func (s *MemoryState) Remove(entity, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records[entity], id)
}

// Len returns the number of records held for entity.
func (s *MemoryState) Len(entity string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[entity])
}
