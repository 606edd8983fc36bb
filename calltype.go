package rpchub

import (
	"fmt"
)

// OutboundCallFactory builds the call for a prepared context.
// Returning nil means the context needs no network call.
type OutboundCallFactory func(oc *OutboundContext) *OutboundCall

// InboundCallFactory builds the call for a received message.
// md is nil when the target could not be resolved.
type InboundCallFactory func(p *Peer, msg *Message, md *MethodDef) *InboundCall

// CallTypeDef pairs the constructors for one CallTypeID.
type CallTypeDef struct {
	ID          CallTypeID
	NewOutbound OutboundCallFactory
	NewInbound  InboundCallFactory
}

// CallTypeRegistry maps CallTypeID to its constructors. It is
// populated once at startup; there is no reflective fallback.
type CallTypeRegistry struct {
	defs *Mutexmap[CallTypeID, *CallTypeDef]
}

// NewCallTypeRegistry holds the regular and cache-probe types.
func NewCallTypeRegistry() *CallTypeRegistry {
	r := &CallTypeRegistry{
		defs: NewMutexmap[CallTypeID, *CallTypeDef](),
	}
	r.Register(&CallTypeDef{
		ID:          CallTypeRegular,
		NewOutbound: newOutboundCall,
		NewInbound:  newInboundCall,
	})
	// cache probes never leave the process: no constructors.
	r.Register(&CallTypeDef{
		ID: CallTypeCacheProbe,
	})
	return r
}

// Register installs or replaces the definition for def.ID.
func (r *CallTypeRegistry) Register(def *CallTypeDef) {
	r.defs.Set(def.ID, def)
}

func (r *CallTypeRegistry) Get(id CallTypeID) (*CallTypeDef, error) {
	def, ok := r.defs.Get(id)
	if !ok {
		return nil, fmt.Errorf("rpchub: no call type registered for %v", id)
	}
	return def, nil
}
