package rpchub

import (
	"cmp"
	"fmt"
	"sync"

	"github.com/glycerine/idem"
	rb "github.com/glycerine/rbtree"
)

// Topology is an ordered set of peer refs that a Router picks
// from. The order is (Kind, Key), so every process holding the
// same members sees the same sequence, and hash routing
// agrees across processes.
type Topology struct {
	mu      sync.Mutex
	tree    *rb.Tree
	version int64
	changed *idem.IdemCloseChan

	// cache of the ordered members, valid for cacheVersion.
	ordercache   []PeerRef
	cacheversion int64
}

type topoItem struct {
	ref PeerRef
}

func compareRefs(a, b PeerRef) int {
	if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
		return c
	}
	return cmp.Compare(a.Key, b.Key)
}

func NewTopology(refs ...PeerRef) *Topology {
	t := &Topology{
		tree: rb.NewTree(func(a, b rb.Item) int {
			return compareRefs(a.(*topoItem).ref, b.(*topoItem).ref)
		}),
		changed:      idem.NewIdemCloseChan(),
		cacheversion: -1,
	}
	for _, ref := range refs {
		t.tree.Insert(&topoItem{ref: ref})
	}
	return t
}

// bump must be called with mu held.
func (t *Topology) bump() {
	t.version++
	old := t.changed
	t.changed = idem.NewIdemCloseChan()
	old.Close()
}

// Add inserts ref; it reports false if ref was already a member.
func (t *Topology) Add(ref PeerRef) (added bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	added = t.tree.Insert(&topoItem{ref: ref})
	if added {
		t.bump()
	}
	return
}

// Remove deletes ref; it reports false if ref was not a member.
func (t *Topology) Remove(ref PeerRef) (found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	found = t.tree.DeleteWithKey(&topoItem{ref: ref})
	if found {
		t.bump()
	}
	return
}

func (t *Topology) Has(ref PeerRef) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, exact := t.tree.FindGE_isEqual(&topoItem{ref: ref})
	return exact
}

func (t *Topology) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tree.Len()
}

// Version increases with every membership change.
func (t *Topology) Version() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// Changed returns a channel that is closed at the next
// membership change. Watchers use it together with
// OutboundContext.IsPeerChanged.
func (t *Topology) Changed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changed.Chan
}

// Refs returns the members in order, along with the
// version they belong to.
func (t *Topology) Refs() (refs []PeerRef, version int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cacheversion != t.version {
		t.ordercache = t.ordercache[:0]
		for it := t.tree.Min(); !it.Limit(); it = it.Next() {
			t.ordercache = append(t.ordercache, it.Item().(*topoItem).ref)
		}
		t.cacheversion = t.version
	}
	return append([]PeerRef{}, t.ordercache...), t.version
}

func (t *Topology) String() string {
	refs, vers := t.Refs()
	return fmt.Sprintf("Topology{version:%v %v}", vers, refs)
}
