package transactor

import "sync"

// lockTable hands out one mutex per agent id. Pair locks are always
// acquired in lexicographic id order so two Execute calls touching the
// same agents in opposite roles cannot deadlock.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

func (lt *lockTable) get(id string) *sync.Mutex {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	m, ok := lt.locks[id]
	if !ok {
		m = &sync.Mutex{}
		lt.locks[id] = m
	}
	return m
}

// lockPair locks both agents' mutexes and returns the unlock function.
// A self-pair locks once.
func (lt *lockTable) lockPair(a, b string) func() {
	if a == b {
		m := lt.get(a)
		m.Lock()
		return m.Unlock
	}
	if b < a {
		a, b = b, a
	}

	first, second := lt.get(a), lt.get(b)
	first.Lock()
	second.Lock()
	return func() {
		second.Unlock()
		first.Unlock()
	}
}
