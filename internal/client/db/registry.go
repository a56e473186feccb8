package db

import "sync"

// Registry is an ordered list of subscribers for one kind of event.
// Emit calls subscribers synchronously in subscription order.
type Registry[T any] struct {
	subs map[uint64]func(T)
	ids  []uint64
	next uint64
	mu   sync.Mutex
}

// Subscribe adds fn and returns a function that removes it
func (r *Registry[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.subs == nil {
		r.subs = make(map[uint64]func(T))
	}
	id := r.next
	r.next++
	r.subs[id] = fn
	r.ids = append(r.ids, id)

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.subs, id)
	for i, v := range r.ids {
		if v == id {
			r.ids = append(r.ids[:i], r.ids[i+1:]...)
			break
		}
	}
}

// Emit delivers v to every subscriber. Subscribers may subscribe or
// unsubscribe while being called; changes apply to the next Emit.
func (r *Registry[T]) Emit(v T) {
	r.mu.Lock()
	fns := make([]func(T), 0, len(r.ids))
	for _, id := range r.ids {
		fns = append(fns, r.subs[id])
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of subscribers
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}
