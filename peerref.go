package rpchub

import (
	"fmt"
)

type PeerKind int

const (
	PeerKindClient  PeerKind = 1
	PeerKindServer  PeerKind = 2
	PeerKindBackend PeerKind = 3
)

func (k PeerKind) String() string {
	switch k {
	case PeerKindClient:
		return "client"
	case PeerKindServer:
		return "server"
	case PeerKindBackend:
		return "backend"
	}
	return fmt.Sprintf("PeerKind(%v)", int(k))
}

// PeerRef names a logical peer. It is a comparable value
// and serves as the Hub's registry key; the Peer object
// behind a given PeerRef may be replaced over time.
type PeerRef struct {
	Kind PeerKind
	Key  string
}

// DefaultBackendRef is the canonical backend that
// server-originated calls are routed to.
var DefaultBackendRef = PeerRef{Kind: PeerKindBackend, Key: "default"}

func ClientRef(key string) PeerRef { return PeerRef{Kind: PeerKindClient, Key: key} }

func ServerRef(key string) PeerRef { return PeerRef{Kind: PeerKindServer, Key: key} }

func BackendRef(key string) PeerRef { return PeerRef{Kind: PeerKindBackend, Key: key} }

// IsServer is true for peers that accept connections rather than dial them.
func (r PeerRef) IsServer() bool { return r.Kind == PeerKindServer }

func (r PeerRef) IsZero() bool { return r.Kind == 0 && r.Key == "" }

func (r PeerRef) String() string {
	return r.Kind.String() + "://" + r.Key
}
