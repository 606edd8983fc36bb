package rpchub

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ObjectKind says which side of a Peer owns a shared object.
type ObjectKind int

const (
	ObjectLocal  ObjectKind = 1
	ObjectRemote ObjectKind = 2
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectLocal:
		return "local"
	case ObjectRemote:
		return "remote"
	}
	return fmt.Sprintf("ObjectKind(%v)", int(k))
}

// SharedObject lives across the call boundary: a stream or a
// subscription whose lifetime is not tied to any single call.
//
// Reconnect restores the object after its Peer reconnects; token
// names the new connection. Disconnect releases the local
// resources without necessarily destroying the remote side.
type SharedObject interface {
	ObjectID() int64
	Kind() ObjectKind
	Reconnect(ctx context.Context, token string) error
	Disconnect()
}

type trackedObject struct {
	obj      SharedObject
	lastSeen time.Time
}

// SharedObjectTracker is the per-Peer table of shared objects.
//
// Local objects are kept alive by KeepAlive system calls from
// the peer that holds their remote counterparts; Sweep
// disconnects the ones not refreshed within the timeout.
// Remote objects are the ones this side keeps alive.
type SharedObjectTracker struct {
	mu     sync.Mutex
	objs   map[int64]*trackedObject
	nextID atomic.Int64
}

func NewSharedObjectTracker() *SharedObjectTracker {
	return &SharedObjectTracker{
		objs: make(map[int64]*trackedObject),
	}
}

// NextID hands out object ids that are unique per tracker.
func (t *SharedObjectTracker) NextID() int64 {
	return t.nextID.Add(1)
}

// Register starts tracking obj, and counts as a first keepalive.
func (t *SharedObjectTracker) Register(obj SharedObject) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := obj.ObjectID()
	if _, dup := t.objs[id]; dup {
		return fmt.Errorf("rpchub: shared object %v already registered", id)
	}
	t.objs[id] = &trackedObject{obj: obj, lastSeen: time.Now()}
	return nil
}

// Unregister stops tracking id without disconnecting it.
func (t *SharedObjectTracker) Unregister(id int64) (found bool) {
	t.mu.Lock()
	_, found = t.objs[id]
	delete(t.objs, id)
	t.mu.Unlock()
	return
}

func (t *SharedObjectTracker) Get(id int64) (obj SharedObject, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.objs[id]
	if !ok {
		return nil, false
	}
	return o.obj, true
}

func (t *SharedObjectTracker) Len() (n int) {
	t.mu.Lock()
	n = len(t.objs)
	t.mu.Unlock()
	return
}

// KeepAlive refreshes the last-seen time of the listed
// local objects and returns how many it found.
func (t *SharedObjectTracker) KeepAlive(ids []int64, now time.Time) (n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		if o, ok := t.objs[id]; ok && o.obj.Kind() == ObjectLocal {
			o.lastSeen = now
			n++
		}
	}
	return
}

// LastSeen reports the last keepalive of id.
func (t *SharedObjectTracker) LastSeen(id int64) (tm time.Time, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.objs[id]
	if !ok {
		return
	}
	return o.lastSeen, true
}

// RemoteIDs lists the remote objects, the ones this side refreshes.
func (t *SharedObjectTracker) RemoteIDs() (ids []int64) {
	t.mu.Lock()
	for id, o := range t.objs {
		if o.obj.Kind() == ObjectRemote {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return
}

// Sweep disconnects and drops every local object whose last
// keepalive is older than timeout. It returns their ids.
func (t *SharedObjectTracker) Sweep(now time.Time, timeout time.Duration) (stale []int64) {
	var objs []SharedObject
	t.mu.Lock()
	for id, o := range t.objs {
		if o.obj.Kind() == ObjectLocal && now.Sub(o.lastSeen) > timeout {
			stale = append(stale, id)
			objs = append(objs, o.obj)
			delete(t.objs, id)
		}
	}
	t.mu.Unlock()

	// Disconnect runs outside the lock; it may call back into us.
	for _, obj := range objs {
		obj.Disconnect()
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	return
}

// DisconnectIDs serves the Disconnect system call.
func (t *SharedObjectTracker) DisconnectIDs(ids []int64) {
	var objs []SharedObject
	t.mu.Lock()
	for _, id := range ids {
		if o, ok := t.objs[id]; ok {
			objs = append(objs, o.obj)
			delete(t.objs, id)
		}
	}
	t.mu.Unlock()
	for _, obj := range objs {
		obj.Disconnect()
	}
}

func (t *SharedObjectTracker) snapshot() (objs []SharedObject) {
	t.mu.Lock()
	for _, o := range t.objs {
		objs = append(objs, o.obj)
	}
	t.mu.Unlock()
	sort.Slice(objs, func(i, j int) bool { return objs[i].ObjectID() < objs[j].ObjectID() })
	return
}

// reconnectAll runs after the owning Peer reconnects. It returns
// the first error but still tries every object.
func (t *SharedObjectTracker) reconnectAll(ctx context.Context, token string) (err0 error) {
	now := time.Now()
	for _, obj := range t.snapshot() {
		if err := obj.Reconnect(ctx, token); err != nil && err0 == nil {
			err0 = fmt.Errorf("reconnecting shared object %v: %w", obj.ObjectID(), err)
		}
		t.KeepAlive([]int64{obj.ObjectID()}, now)
	}
	return
}

// disconnectAll runs once the owning Peer is terminal.
func (t *SharedObjectTracker) disconnectAll() {
	all := t.snapshot()
	t.mu.Lock()
	clear(t.objs)
	t.mu.Unlock()
	for _, obj := range all {
		obj.Disconnect()
	}
}
