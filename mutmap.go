package rpchub

import (
	"sync"
)

// Mutexmap is a generic map protected by a sync.RWMutex.
// Every method is a single critical section, so
// GetOrSet and DelIf are atomic compare-and-swap style
// primitives: nothing observes the map between the
// check and the insert (or delete).
type Mutexmap[K comparable, V any] struct {
	mut sync.RWMutex
	m   map[K]V
}

// NewMutexmap creates a new mutex-protected map.
func NewMutexmap[K comparable, V any]() *Mutexmap[K, V] {
	return &Mutexmap[K, V]{
		m: make(map[K]V),
	}
}

// Get returns the value val for key.
func (m *Mutexmap[K, V]) Get(key K) (val V, ok bool) {
	m.mut.RLock()
	val, ok = m.m[key]
	m.mut.RUnlock()
	return
}

func (m *Mutexmap[K, V]) Len() (n int) {
	m.mut.RLock()
	n = len(m.m)
	m.mut.RUnlock()
	return
}

// GetValSlice returns all the values in the map in slc.
func (m *Mutexmap[K, V]) GetValSlice() (slc []V) {
	m.mut.RLock()
	for _, v := range m.m {
		slc = append(slc, v)
	}
	m.mut.RUnlock()
	return
}

// GetKeySlice returns all the keys in the map in slc.
func (m *Mutexmap[K, V]) GetKeySlice() (slc []K) {
	m.mut.RLock()
	for k := range m.m {
		slc = append(slc, k)
	}
	m.mut.RUnlock()
	return
}

// Set a single key to value val.
func (m *Mutexmap[K, V]) Set(key K, val V) {
	m.mut.Lock()
	m.m[key] = val
	m.mut.Unlock()
}

// GetOrSet returns the value already stored under key, or
// stores and returns the value made by mk. mk runs under
// the lock, at most once, and only when key is absent.
// added reports whether mk's value was stored.
func (m *Mutexmap[K, V]) GetOrSet(key K, mk func() V) (val V, added bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	val, ok := m.m[key]
	if ok {
		return val, false
	}
	val = mk()
	m.m[key] = val
	return val, true
}

// DelIf deletes key only while pred holds for its current value.
func (m *Mutexmap[K, V]) DelIf(key K, pred func(cur V) bool) (deleted bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	cur, ok := m.m[key]
	if ok && pred(cur) {
		delete(m.m, key)
		return true
	}
	return false
}
