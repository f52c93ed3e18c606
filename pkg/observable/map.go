// Package observable provides a map that notifies listeners when keys are
// added or removed.
package observable

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// AddFunc is called once for every key that becomes present.
type AddFunc[K comparable, V any] func(key K, value V) error

// RemoveFunc is called once for every key that stops being present, with the
// value it held.
type RemoveFunc[K comparable, V any] func(key K, value V) error

// Map is safe for concurrent use. Mutations are serialized and their
// listeners run synchronously on the mutating goroutine, in registration
// order, before the next mutation starts. Listeners may read the map but
// must not mutate it.
type Map[K comparable, V any] struct {
	// writeMu serializes mutations together with their notifications.
	writeMu sync.Mutex

	mu    sync.RWMutex
	items map[K]V

	listenersMu sync.RWMutex
	onAdd       []AddFunc[K, V]
	onRemove    []RemoveFunc[K, V]
}

func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{items: make(map[K]V)}
}

// OnAdd registers fn for genuinely new keys.
func (m *Map[K, V]) OnAdd(fn AddFunc[K, V]) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.onAdd = append(m.onAdd, fn)
}

// OnRemove registers fn for removed keys, including those dropped by Clear.
func (m *Map[K, V]) OnRemove(fn RemoveFunc[K, V]) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.onRemove = append(m.onRemove, fn)
}

func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok
}

func (m *Map[K, V]) Has(key K) bool {
	_, ok := m.Get(key)
	return ok
}

func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Insert sets key to value. Add listeners fire only when key was absent;
// their errors are returned combined after all of them ran.
func (m *Map[K, V]) Insert(key K, value V) error {
	return m.Upsert(key, func(V, bool) V { return value })
}

// Upsert stores fn(old, exists) under key atomically with respect to other
// mutations.
func (m *Map[K, V]) Upsert(key K, fn func(old V, exists bool) V) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	old, exists := m.items[key]
	value := fn(old, exists)
	m.items[key] = value
	m.mu.Unlock()

	if exists {
		return nil
	}
	return m.notifyAdd(key, value)
}

// Remove deletes key. It reports whether the key was present; removing an
// absent key fires nothing.
func (m *Map[K, V]) Remove(key K) (bool, error) {
	return m.RemoveFunc(key, nil)
}

// RemoveFunc deletes key only if match (when non-nil) accepts its current
// value.
func (m *Map[K, V]) RemoveFunc(key K, match func(V) bool) (bool, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	value, exists := m.items[key]
	if !exists || (match != nil && !match(value)) {
		m.mu.Unlock()
		return false, nil
	}
	delete(m.items, key)
	m.mu.Unlock()

	return true, m.notifyRemove(key, value)
}

// Clear empties the map and fires one remove notification per key that was
// present, in no particular order.
func (m *Map[K, V]) Clear() error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	prev := m.items
	m.items = make(map[K]V)
	m.mu.Unlock()

	var errs error
	for k, v := range prev {
		errs = multierr.Append(errs, m.notifyRemove(k, v))
	}
	return errs
}

// Range calls fn for a snapshot of the entries until fn returns false.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	m.mu.RLock()
	keys := make([]K, 0, len(m.items))
	values := make([]V, 0, len(m.items))
	for k, v := range m.items {
		keys = append(keys, k)
		values = append(values, v)
	}
	m.mu.RUnlock()

	for i := range keys {
		if !fn(keys[i], values[i]) {
			return
		}
	}
}

func (m *Map[K, V]) Keys() []K {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]K, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	return keys
}

func (m *Map[K, V]) Values() []V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	values := make([]V, 0, len(m.items))
	for _, v := range m.items {
		values = append(values, v)
	}
	return values
}

func (m *Map[K, V]) notifyAdd(key K, value V) error {
	m.listenersMu.RLock()
	listeners := append([]AddFunc[K, V](nil), m.onAdd...)
	m.listenersMu.RUnlock()

	var errs error
	for _, fn := range listeners {
		errs = multierr.Append(errs, safeCall(func() error { return fn(key, value) }))
	}
	return errs
}

func (m *Map[K, V]) notifyRemove(key K, value V) error {
	m.listenersMu.RLock()
	listeners := append([]RemoveFunc[K, V](nil), m.onRemove...)
	m.listenersMu.RUnlock()

	var errs error
	for _, fn := range listeners {
		errs = multierr.Append(errs, safeCall(func() error { return fn(key, value) }))
	}
	return errs
}

// safeCall turns a listener panic into an error so later listeners still run.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn()
}
