package rpchub

import (
	"sort"
	"sync"
)

// callRegistry holds the calls of one Peer in one direction,
// keyed by correlation id. Registration is a single
// insert-if-absent step; once closed, nothing new gets in.
type callRegistry[C comparable] struct {
	mu        sync.Mutex
	byID      map[int64]C
	closedErr error
}

func newCallRegistry[C comparable]() *callRegistry[C] {
	return &callRegistry[C]{
		byID: make(map[int64]C),
	}
}

// getOrRegister stores c under id unless another call is already
// there, in which case that call is returned and added is false.
// err is non-nil only after close.
func (r *callRegistry[C]) getOrRegister(id int64, c C) (cur C, added bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closedErr != nil {
		return cur, false, r.closedErr
	}
	if prev, ok := r.byID[id]; ok {
		return prev, false, nil
	}
	r.byID[id] = c
	return c, true, nil
}

// unregister removes id only if it still maps to c.
func (r *callRegistry[C]) unregister(id int64, c C) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byID[id]; ok && cur == c {
		delete(r.byID, id)
		return true
	}
	return false
}

func (r *callRegistry[C]) get(id int64) (c C, ok bool) {
	r.mu.Lock()
	c, ok = r.byID[id]
	r.mu.Unlock()
	return
}

func (r *callRegistry[C]) len() (n int) {
	r.mu.Lock()
	n = len(r.byID)
	r.mu.Unlock()
	return
}

// snapshot returns the registered calls in correlation id order.
func (r *callRegistry[C]) snapshot() []C {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]C, len(ids))
	for i, id := range ids {
		out[i] = r.byID[id]
	}
	r.mu.Unlock()
	return out
}

// close refuses further registrations with err and hands
// back everything that was still registered.
func (r *callRegistry[C]) close(err error) (drained []C) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closedErr != nil {
		return nil
	}
	r.closedErr = err
	for _, c := range r.byID {
		drained = append(drained, c)
	}
	clear(r.byID)
	return
}
