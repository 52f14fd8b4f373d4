package offline0

import (
	"log/slog"
	"slices"
	"sync"
)

// Subject holds a current value and notifies subscribers when it changes.
// New subscribers receive the current value immediately. Setting the value
// it already holds is a no-op, so subscribers never see the same value twice
// in a row. Subscribers must not call Set or Subscribe on the Subject that
// is notifying them.
type Subject[T comparable] struct {
	mu     sync.Mutex
	value  T
	nextID int
	subs   map[int]func(T)

	// emitMu keeps deliveries in the order values were set.
	emitMu sync.Mutex
}

func NewSubject[T comparable](initial T) *Subject[T] {
	return &Subject[T]{value: initial, subs: map[int]func(T){}}
}

func (s *Subject[T]) Value() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set stores v and reports whether it differed from the previous value.
// Subscribers are called synchronously, outside the value lock.
func (s *Subject[T]) Set(v T) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.value == v {
		s.mu.Unlock()
		return false
	}
	s.value = v
	subs := s.snapshotLocked()
	s.mu.Unlock()

	for _, fn := range subs {
		safeCall(fn, v)
	}
	return true
}

// Subscribe registers fn, replays the current value to it and returns a
// function that removes the subscription.
func (s *Subject[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	cur := s.value
	s.mu.Unlock()

	safeCall(fn, cur)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *Subject[T]) snapshotLocked() []func(T) {
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(T), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.subs[id])
	}
	return out
}

func safeCall[T any](fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Default().Error("subscriber panicked", "panic", r)
		}
	}()
	fn(v)
}
