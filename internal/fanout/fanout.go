// Package fanout implements an observer list that is safe to mutate from
// inside a callback.
package fanout

import "sync"

// List holds registered listeners for values of type T. Emit iterates over a
// snapshot of the listeners, so a listener may unsubscribe itself (or others)
// while being called. The zero value is ready to use.
type List[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []entry[T]
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

// Add registers fn and returns a function that removes it. The returned
// function is idempotent.
func (l *List[T]) Add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.subs = append(l.subs, entry[T]{id: id, fn: fn})
	return func() { l.remove(id) }
}

func (l *List[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.subs {
		if e.id == id {
			l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
			return
		}
	}
}

// Emit calls every listener registered at the time of the call, in
// registration order.
func (l *List[T]) Emit(v T) {
	l.mu.Lock()
	snapshot := make([]func(T), len(l.subs))
	for i, e := range l.subs {
		snapshot[i] = e.fn
	}
	l.mu.Unlock()

	for _, fn := range snapshot {
		fn(v)
	}
}

// Len returns the number of registered listeners.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Clear removes every listener.
func (l *List[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = nil
}
