package printer

import (
	"sync"
	"time"

	"github.com/john/k1bridge/k1ws"
)

// UpdateFunc is called with a fresh snapshot whenever the state changes.
// It must not call back into the Store's writers.
type UpdateFunc func(state PrinterState)

// PrinterState is the merged, latest-known printer state. Safe to copy by
// value.
type PrinterState struct {
	k1ws.StatusFrame

	// UpdatedAt is when the last status frame was merged. Zero when nothing
	// is known.
	UpdatedAt time.Time `json:"updated_at"`
}

// Known reports whether any status has been merged since the last reset.
func (s PrinterState) Known() bool {
	return !s.UpdatedAt.IsZero()
}

// Store provides thread-safe access to PrinterState.
type Store struct {
	// writeMu serializes writers so subscribers see updates in order.
	writeMu sync.Mutex

	mu   sync.RWMutex
	data PrinterState

	subMu   sync.Mutex
	subs    map[int]UpdateFunc
	nextSub int
}

// NewStore creates a store with every field unknown.
func NewStore() *Store {
	return &Store{subs: make(map[int]UpdateFunc)}
}

// Snapshot returns a copy of the current state. It never blocks on I/O.
func (s *Store) Snapshot() PrinterState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

// Merge folds a status frame into the state field by field. Fields the
// frame does not carry keep their previous value. It reports whether any
// field changed.
func (s *Store) Merge(frame k1ws.StatusFrame) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	changed := s.data.Merge(frame)
	s.data.UpdatedAt = time.Now()
	snap := s.data
	s.mu.Unlock()

	s.notify(snap)
	return changed
}

// Reset clears every field to unknown.
func (s *Store) Reset() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.data = PrinterState{}
	snap := s.data
	s.mu.Unlock()

	s.notify(snap)
}

// apply mutates the state in place, for optimistic command updates. The
// update is skipped when valid, checked under the write lock, reports false.
func (s *Store) apply(valid func() bool, fn func(*PrinterState)) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if valid != nil && !valid() {
		return false
	}

	s.mu.Lock()
	fn(&s.data)
	snap := s.data
	s.mu.Unlock()

	s.notify(snap)
	return true
}

// Subscribe registers fn for change notifications. The returned function
// removes the subscription.
func (s *Store) Subscribe(fn UpdateFunc) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(snap PrinterState) {
	s.subMu.Lock()
	fns := make([]UpdateFunc, 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
