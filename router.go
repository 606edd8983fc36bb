package rpchub

import (
	"encoding/binary"
	"fmt"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
)

// Router maps a call to the peer that should serve it. It must
// be deterministic for a fixed topology: the same method and
// arguments give the same PeerRef until membership changes.
// The engine only asks again when told to reroute.
type Router interface {
	Route(md *MethodDef, args []any) (PeerRef, error)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(md *MethodDef, args []any) (PeerRef, error)

func (f RouterFunc) Route(md *MethodDef, args []any) (PeerRef, error) {
	return f(md, args)
}

// StaticRouter sends every call to one peer.
type StaticRouter struct {
	Ref PeerRef
}

func (r *StaticRouter) Route(md *MethodDef, args []any) (PeerRef, error) {
	if md.BackendOnly {
		return DefaultBackendRef, nil
	}
	return r.Ref, nil
}

// HashRouter spreads calls over a Topology by the blake3 hash of
// a routing key. BackendOnly methods, and all calls while the
// topology is empty, go to Default.
type HashRouter struct {
	Topology *Topology

	// Default is DefaultBackendRef when left zero.
	Default PeerRef

	// KeyOf extracts the routing key. The default is the
	// method name plus the first argument.
	KeyOf func(md *MethodDef, args []any) string
}

func NewHashRouter(topo *Topology) *HashRouter {
	return &HashRouter{
		Topology: topo,
		Default:  DefaultBackendRef,
	}
}

func (r *HashRouter) defaultRef() PeerRef {
	if r.Default.IsZero() {
		return DefaultBackendRef
	}
	return r.Default
}

func (r *HashRouter) Route(md *MethodDef, args []any) (PeerRef, error) {
	if md == nil {
		return PeerRef{}, ErrNoMethod
	}
	if md.BackendOnly || r.Topology == nil {
		return r.defaultRef(), nil
	}
	refs, _ := r.Topology.Refs()
	if len(refs) == 0 {
		return r.defaultRef(), nil
	}
	key := r.routingKey(md, args)
	sum := routingSum(key)
	i := binary.BigEndian.Uint64(sum[:8]) % uint64(len(refs))
	return refs[i], nil
}

func (r *HashRouter) routingKey(md *MethodDef, args []any) string {
	if r.KeyOf != nil {
		return r.KeyOf(md, args)
	}
	if len(args) == 0 {
		return md.FullName()
	}
	return fmt.Sprintf("%v|%v", md.FullName(), args[0])
}

// routingSum is goroutine safe: it makes a new hasher every time.
func routingSum(key string) []byte {
	h := blake3.New(64, nil)
	h.Write([]byte(key))
	return h.Sum(nil)
}

// RoutingKeyString renders the hash of a routing key, for logs.
func RoutingKeyString(key string) string {
	return "blake3.33B-" + cristalbase64.URLEncoding.EncodeToString(routingSum(key)[:33])
}
