package vars

import (
	sc "sync"
	"sync/atomic"

	"github.com/zeusync/haptics/internal/core/sync"
)

var _ sync.Variable[int] = (*Slot[int])(nil)

// Slot is an RWMutex-guarded value with a version counter.
// T is expected to be a plain value type; copies go in and out, so a Slot of
// a struct without pointers never shares memory with its callers.
type Slot[T any] struct {
	valueMu sc.RWMutex
	value   T

	version  atomic.Uint64
	onChange atomic.Pointer[func(old, new T)]
}

func NewSlot[T any](initialValue T) *Slot[T] {
	s := &Slot[T]{value: initialValue}
	s.version.Store(1)
	return s
}

func (s *Slot[T]) Get() T {
	s.valueMu.RLock()
	defer s.valueMu.RUnlock()
	return s.value
}

func (s *Slot[T]) Snapshot() (T, uint64) {
	s.valueMu.RLock()
	defer s.valueMu.RUnlock()
	return s.value, s.version.Load()
}

// Set stores newValue and returns the new version.
func (s *Slot[T]) Set(newValue T) uint64 {
	s.valueMu.Lock()
	oldValue := s.value
	s.value = newValue
	newVersion := s.version.Add(1)
	s.valueMu.Unlock()

	if onChangeFunc := s.onChange.Load(); onChangeFunc != nil {
		(*onChangeFunc)(oldValue, newValue)
	}

	return newVersion
}

func (s *Slot[T]) Version() uint64 {
	return s.version.Load()
}

// OnChange replaces the change hook. A nil handler removes it.
func (s *Slot[T]) OnChange(eventHandler func(oldValue, newValue T)) {
	if eventHandler == nil {
		s.onChange.Store(nil)
		return
	}
	s.onChange.Store(&eventHandler)
}
