package rpchub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/loquet"
	"github.com/nuclio/errors"
)

var errRerouted = fmt.Errorf("rpchub: call was rerouted to another peer")

// OutboundContext carries one logical outbound call through
// preparation, routing and any rerouting. It is passed
// explicitly, and travels in a context.Context only
// between Activate and Deactivate.
type OutboundContext struct {
	hub *Hub

	CallTypeID CallTypeID
	Headers    []Header

	// NoWait forces fire-and-forget even if the method is not marked so.
	NoWait bool

	// Bound by the first PrepareCall.
	Method  *MethodDef
	Args    []any
	CallCtx context.Context

	// Peer is the routing target. Setting it before
	// PrepareCall pre-selects the peer and skips the Router.
	Peer *Peer

	Call *OutboundCall

	active atomic.Bool
}

// NewOutboundContext starts a fresh, inactive context.
func (h *Hub) NewOutboundContext() *OutboundContext {
	return &OutboundContext{hub: h}
}

type outboundKeyType int

var outboundKey outboundKeyType = 44

// Activate makes oc the active outbound context of the
// returned ctx. Activating while a different context is
// still active in the chain is a programming error.
func (oc *OutboundContext) Activate(ctx context.Context) (context.Context, error) {
	if cur, ok := OutboundContextFrom(ctx); ok && cur != oc && cur.active.Load() {
		return ctx, ErrNestedOutboundContext
	}
	oc.active.Store(true)
	return context.WithValue(ctx, outboundKey, oc), nil
}

// Deactivate ends the scope begun by Activate.
func (oc *OutboundContext) Deactivate() {
	oc.active.Store(false)
}

func (oc *OutboundContext) IsActive() bool {
	return oc.active.Load()
}

// OutboundContextFrom returns the outbound context carried by ctx.
func OutboundContextFrom(ctx context.Context) (*OutboundContext, bool) {
	oc, ok := ctx.Value(outboundKey).(*OutboundContext)
	return oc, ok && oc != nil
}

// DetachOutbound hides any outbound context in ctx, so
// that an unrelated call can be started from within one.
func DetachOutbound(ctx context.Context) context.Context {
	return context.WithValue(ctx, outboundKey, (*OutboundContext)(nil))
}

// PrepareCall binds md and args on first use, picks the
// target peer, and builds the call. It returns a nil call,
// and no error, when the call type needs no network call.
func (oc *OutboundContext) PrepareCall(ctx context.Context, md *MethodDef, args ...any) (*OutboundCall, error) {
	if oc.Method == nil {
		if md == nil {
			return nil, ErrNoMethod
		}
		if ctx == nil {
			ctx = context.Background()
		}
		oc.Method = md
		oc.Args = args
		oc.CallCtx = ctx
	}
	def, err := oc.hub.CallTypes.Get(oc.CallTypeID)
	if err != nil {
		return nil, err
	}
	if def.NewOutbound == nil {
		return nil, nil
	}
	if oc.Peer == nil {
		p, err := oc.hub.routeToPeer(oc.Method, oc.Args)
		if err != nil {
			return nil, err
		}
		oc.Peer = p
	}
	return oc.newCall(def)
}

func (oc *OutboundContext) newCall(def *CallTypeDef) (*OutboundCall, error) {
	call := def.NewOutbound(oc)
	if call == nil {
		oc.Call = nil
		return nil, nil
	}
	for _, mw := range oc.hub.outboundMiddlewares {
		if err := mw(oc.CallCtx, call); err != nil {
			return nil, errors.Wrapf(err, "outbound middleware rejected %v", oc.Method.FullName())
		}
	}
	oc.Call = call
	return call, nil
}

// PrepareReroutedCall asks the Router again and rebinds the
// context to the peer it names. When that is the peer we
// already have, the existing call is kept as is and a
// warning is logged: a router that keeps answering the same
// peer will loop forever, so callers must bound their retries.
func (oc *OutboundContext) PrepareReroutedCall() (*OutboundCall, error) {
	if oc.Method == nil {
		return nil, ErrNoMethod
	}
	p, err := oc.hub.routeToPeer(oc.Method, oc.Args)
	if err != nil {
		return nil, err
	}
	if p == oc.Peer && oc.Call != nil {
		oc.hub.log.WarnWith("Rerouted call resolved to the same peer",
			"method", oc.Method.FullName(),
			"peer", p.Ref.String(),
			"peerID", p.ID)
		return oc.Call, nil
	}
	if old := oc.Call; old != nil {
		old.abandon()
	}
	oc.Peer = p
	def, err := oc.hub.CallTypes.Get(oc.CallTypeID)
	if err != nil {
		return nil, err
	}
	if def.NewOutbound == nil {
		return nil, nil
	}
	return oc.newCall(def)
}

// IsPeerChanged reports whether the Router would now pick a
// different peer, or whether the bound peer has gone terminal.
func (oc *OutboundContext) IsPeerChanged() bool {
	if oc.Method == nil || oc.Peer == nil {
		return false
	}
	if oc.Peer.IsTerminal() {
		return true
	}
	ref, err := oc.hub.Router.Route(oc.Method, oc.Args)
	if err != nil {
		return false
	}
	return ref != oc.Peer.Ref
}

// OutboundCall is one attempt at delivering a call to one Peer.
// The Peer's outbound registry owns it from Start until it
// settles; the Peer pointer here is only for sending.
type OutboundCall struct {
	Context *OutboundContext
	Method  *MethodDef
	Args    []any
	Peer    *Peer
	NoWait  bool

	// ID is the correlation id, assigned by Start.
	ID int64

	// Headers go out with the call; outbound middlewares may add to them.
	Headers []Header

	// ResultHeaders arrive with the Complete.
	ResultHeaders []Header

	// DoneCh.WhenClosed() is closed once the call settles.
	DoneCh *loquet.Chan[OutboundCall]

	ctx        context.Context
	msg        *Message
	started    time.Time
	registered atomic.Bool

	mu        sync.Mutex
	settled   bool
	result    any
	err       error
	startOnce sync.Once
}

func newOutboundCall(oc *OutboundContext) *OutboundCall {
	c := &OutboundCall{
		Context: oc,
		Method:  oc.Method,
		Args:    oc.Args,
		Peer:    oc.Peer,
		NoWait:  oc.NoWait || oc.Method.NoWait,
		Headers: append([]Header{}, oc.Headers...),
		ctx:     oc.CallCtx,
	}
	c.DoneCh = loquet.NewChan(c)
	return c
}

// Start serializes the arguments, registers the call, and
// sends it. Serialization errors are returned before
// anything is sent. A registered call that cannot be sent
// right now stays pending and goes out on reconnect.
func (c *OutboundCall) Start() (err error) {
	started := false
	c.startOnce.Do(func() {
		started = true
		err = c.start()
	})
	if !started {
		return fmt.Errorf("rpchub: call %v already started", c.Method.FullName())
	}
	return
}

func (c *OutboundCall) start() error {
	p := c.Peer
	ser := p.Serializer()
	data, err := ser.WriteArgs(c.Args)
	if err != nil {
		return errors.Wrapf(err, "serializing arguments of %v", c.Method.FullName())
	}
	msg := &Message{
		CallTypeID:   c.Context.CallTypeID,
		Service:      c.Method.Service,
		Method:       c.Method.Name,
		ArgumentData: data,
		Headers:      c.Headers,
	}
	c.started = time.Now()

	if c.NoWait {
		msg.RelatedID = NoWaitID
		c.msg = msg
		err = p.sendWhenConnected(c.ctx, msg)
		c.settle(nil, err)
		p.hub.metrics.observe("outbound", outcomeOf(err))
		return err
	}

	id := p.nextCallID.Add(1)
	msg.RelatedID = id
	c.ID = id
	c.msg = msg
	c.registered.Store(true)
	p.hub.metrics.started("outbound")
	if _, _, err := p.outbound.getOrRegister(id, c); err != nil {
		c.settle(nil, err)
		return err
	}
	go c.watchCancel()

	if err := p.sendRegistered(msg); err != nil {
		// still registered: the reconnect resend or the
		// terminal drain will take care of it.
		p.log.DebugWith("Outbound call send deferred",
			"method", c.Method.FullName(),
			"id", id,
			"err", err.Error())
	}
	return nil
}

func (c *OutboundCall) watchCancel() {
	select {
	case <-c.ctx.Done():
		if c.Peer.outbound.unregister(c.ID, c) {
			c.Peer.sendSystem(newCancelMessage(c.ID))
			c.settle(nil, fmt.Errorf("%w: %v", ErrCancelled, c.ctx.Err()))
		}
	case <-c.DoneCh.WhenClosed():
	}
}

// abandon drops a call that was superseded by a reroute.
func (c *OutboundCall) abandon() {
	if c.ID != NoWaitID && c.Peer.outbound.unregister(c.ID, c) {
		c.Peer.sendSystem(newCancelMessage(c.ID))
	}
	c.settle(nil, errRerouted)
}

// settle records the outcome. The first outcome wins.
func (c *OutboundCall) settle(result any, err error) bool {
	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		return false
	}
	c.settled = true
	c.result = result
	c.err = err
	c.mu.Unlock()

	if c.registered.Load() {
		c.Peer.recordLatency(time.Since(c.started))
		c.Peer.hub.metrics.finished("outbound", outcomeOf(err))
	}
	c.DoneCh.Close()
	return true
}

// complete resolves the call from a Complete system call.
func (c *OutboundCall) complete(msg *Message, comp *completion) {
	c.mu.Lock()
	c.ResultHeaders = msg.Headers
	c.mu.Unlock()
	if comp.Error != nil {
		c.settle(nil, comp.Error)
		return
	}
	ptr := c.Method.NewResult()
	if err := c.Peer.Serializer().ReadValue(comp.Result, ptr); err != nil {
		c.settle(nil, errors.Wrapf(err, "decoding result of %v", c.Method.FullName()))
		return
	}
	c.settle(c.Method.Deref(ptr), nil)
}

// IsSettled reports whether the outcome is known.
func (c *OutboundCall) IsSettled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settled
}

// Result waits for the call to settle, or for ctx.
func (c *OutboundCall) Result(ctx context.Context) (any, error) {
	select {
	case <-c.DoneCh.WhenClosed():
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err
}

// Message returns the envelope sent for this call, nil before Start.
func (c *OutboundCall) Message() *Message {
	return c.msg
}

func (c *OutboundCall) String() string {
	return fmt.Sprintf("OutboundCall{%v id:%v peer:%v}", c.Method.FullName(), c.ID, c.Peer.Ref)
}
