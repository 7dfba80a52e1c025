package engine

import "sync"

// Locker hands out per-entity mutexes. Entries are reference counted and
// dropped when the last holder unlocks, so the map stays bounded by the
// number of entities currently being mutated.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewLocker() *Locker {
	return &Locker{entries: map[string]*lockEntry{}}
}

// Lock blocks until key is free and returns the matching unlock func.
func (l *Locker) Lock(key string) func() {
	l.mu.Lock()
	ent, ok := l.entries[key]
	if !ok {
		ent = &lockEntry{}
		l.entries[key] = ent
	}
	ent.refs++
	l.mu.Unlock()

	ent.mu.Lock()
	return func() {
		ent.mu.Unlock()
		l.mu.Lock()
		ent.refs--
		if ent.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}

func requirementKey(lineageID string) string { return "requirement:" + lineageID }
func testCaseKey(id string) string           { return "test_case:" + id }
