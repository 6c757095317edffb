package monitor

import (
	"sync"
	"time"
)

// Sentinel is the session-scoped marker that a reload already happened
type Sentinel interface {
	Get() (time.Time, bool)
	Set(at time.Time)
	Clear()
}

// MemorySentinel keeps the marker for the lifetime of the process
type MemorySentinel struct {
	mu  sync.Mutex
	at  time.Time
	set bool
}

func NewMemorySentinel() *MemorySentinel {
	return &MemorySentinel{}
}

func (s *MemorySentinel) Get() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.at, s.set
}

func (s *MemorySentinel) Set(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.at = at
	s.set = true
}

func (s *MemorySentinel) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.at = time.Time{}
	s.set = false
}
