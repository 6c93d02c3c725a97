// Package runlock provides per-run mutual exclusion. Entries exist only
// while some caller holds or waits for them, so a long-lived process does
// not accumulate one mutex per run it has ever seen.
package runlock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Set is a set of mutexes keyed by run id. The zero value is ready to use.
type Set struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Lock blocks until runID is free and returns the function that frees it.
func (s *Set) Lock(runID string) (unlock func()) {
	e := s.acquire(runID)
	e.mu.Lock()
	return s.unlocker(runID, e)
}

// TryLock locks runID if it is free. ok is false when another caller holds
// it.
func (s *Set) TryLock(runID string) (unlock func(), ok bool) {
	e := s.acquire(runID)
	if !e.mu.TryLock() {
		s.release(runID, e)
		return nil, false
	}
	return s.unlocker(runID, e), true
}

// Len reports how many runs are held or waited on.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Set) acquire(runID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[string]*entry)
	}
	e, ok := s.entries[runID]
	if !ok {
		e = &entry{}
		s.entries[runID] = e
	}
	e.refs++
	return e
}

func (s *Set) release(runID string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(s.entries, runID)
	}
}

func (s *Set) unlocker(runID string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			s.release(runID, e)
		})
	}
}
