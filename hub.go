package rpchub

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
	"golang.org/x/sync/errgroup"
)

// Hub is the process-wide directory of Peers, and the holder of
// everything the call path shares: services, serializers, call
// types, the Router and the Connector.
//
// Fill in the exported collaborators, Register methods, and
// add middlewares before the first call; after that the Hub
// is safe for concurrent use.
type Hub struct {
	Name string
	Cfg  *Config
	Halt *idem.Halter

	Services    *ServiceRegistry
	Serializers *SerializerResolver
	CallTypes   *CallTypeRegistry

	Router    Router
	Connector Connector

	// SessionResolver names sessions for connections
	// that arrive without a session property.
	SessionResolver SessionResolver

	// ArgumentValidator vets inbound calls to DynamicArgs methods.
	ArgumentValidator ArgumentValidator

	// TerminalErrorDetector decides which connection errors end a
	// Peer. DefaultTerminalErrorDetector is used when nil.
	TerminalErrorDetector func(err error) bool

	// PeerFactory makes new Peers; NewPeer when nil. It runs
	// while the peer directory is locked, so it must be quick
	// and must not call back into the Hub.
	PeerFactory func(h *Hub, ref PeerRef) *Peer

	log     logger.Logger
	metrics *CallMetrics

	inboundMiddlewares  []InboundMiddleware
	outboundMiddlewares []OutboundMiddleware

	peers        *Mutexmap[PeerRef, *Peer]
	disposing    atomic.Bool
	peersCreated atomic.Int64
}

// NewHub makes a Hub. A nil cfg means NewConfig(); unset
// fields of a given cfg take their defaults.
func NewHub(cfg *Config) (*Hub, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log, err = NewLogger(cfg.Name, cfg.LogLevel)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to create logger")
		}
	}
	metrics, err := NewCallMetrics(cfg.Name, cfg.MetricsRegisterer)
	if err != nil {
		return nil, err
	}
	h := &Hub{
		Name:        cfg.Name,
		Cfg:         cfg,
		Halt:        idem.NewHalter(),
		Services:    NewServiceRegistry(),
		Serializers: NewSerializerResolver(),
		CallTypes:   NewCallTypeRegistry(),
		Router:      &StaticRouter{Ref: DefaultBackendRef},
		log:         log,
		metrics:     metrics,
		peers:       NewMutexmap[PeerRef, *Peer](),
	}
	if err := h.Serializers.SetDefault(cfg.DefaultFormat); err != nil {
		return nil, err
	}
	return h, nil
}

// Logger is the Hub's root logger; each Peer logs through a child.
func (h *Hub) Logger() logger.Logger { return h.log }

func (h *Hub) Metrics() *CallMetrics { return h.metrics }

// Register adds methods to the Hub's service table.
func (h *Hub) Register(mds ...*MethodDef) error {
	return h.Services.Register(mds...)
}

// GetPeer returns the live Peer for ref, creating and starting
// one if there is none. Concurrent first calls for one ref
// create exactly one Peer. A Peer found terminal is removed
// and replaced; the number of tries is bounded by
// Config.MaxGetPeerAttempts.
func (h *Hub) GetPeer(ref PeerRef) (*Peer, error) {
	if ref.IsZero() {
		return nil, fmt.Errorf("rpchub: GetPeer on zero PeerRef")
	}
	max := h.Cfg.MaxGetPeerAttempts
	if max <= 0 {
		max = 16
	}
	for i := 0; i < max; i++ {
		if h.disposing.Load() {
			return nil, ErrAlreadyDisposed
		}
		p, added := h.peers.GetOrSet(ref, func() *Peer {
			return h.newPeer(ref)
		})
		if added {
			p.start()
			// Dispose may have listed the peers before our insert.
			if h.disposing.Load() {
				p.Terminate(ErrAlreadyDisposed)
				return nil, ErrAlreadyDisposed
			}
			h.peersCreated.Add(1)
			return p, nil
		}
		if !p.IsTerminal() && !p.Halt.Done.IsClosed() {
			return p, nil
		}
		h.peers.DelIf(ref, func(cur *Peer) bool { return cur == p })
	}
	return nil, fmt.Errorf("%w: %v after %v attempts", ErrPeerRetriesExhausted, ref, max)
}

func (h *Hub) newPeer(ref PeerRef) *Peer {
	if h.PeerFactory != nil {
		return h.PeerFactory(h, ref)
	}
	return NewPeer(h, ref)
}

// forgetPeer drops p from the directory unless it was already replaced.
func (h *Hub) forgetPeer(p *Peer) {
	h.peers.DelIf(p.Ref, func(cur *Peer) bool { return cur == p })
}

// LookupPeer returns the current Peer for ref without creating one.
func (h *Hub) LookupPeer(ref PeerRef) (*Peer, bool) {
	return h.peers.Get(ref)
}

// Peers lists the Peers currently in the directory.
func (h *Hub) Peers() []*Peer {
	return h.peers.GetValSlice()
}

// PeersCreated counts the Peers this Hub has started.
func (h *Hub) PeersCreated() int64 {
	return h.peersCreated.Load()
}

func (h *Hub) isTerminalError(err error) bool {
	if err == nil {
		return false
	}
	if h.TerminalErrorDetector != nil {
		return h.TerminalErrorDetector(err)
	}
	return DefaultTerminalErrorDetector(err)
}

// routeToPeer asks the Router and returns the live Peer it names.
func (h *Hub) routeToPeer(md *MethodDef, args []any) (*Peer, error) {
	if h.Router == nil {
		return nil, fmt.Errorf("rpchub: hub %v has no Router", h.Name)
	}
	ref, err := h.Router.Route(md, args)
	if err != nil {
		return nil, errors.Wrapf(err, "routing %v", md.FullName())
	}
	return h.GetPeer(ref)
}

// Accept hands an incoming connection to the server peer for
// its session. The session comes from the connection's
// "session" property, else from the SessionResolver, else
// it is generated. The first of these to answer wins.
func (h *Hub) Accept(ctx context.Context, conn *Connection) (*Peer, error) {
	p, err := h.serverPeerFor(ctx, conn)
	if err != nil {
		return nil, err
	}
	if err := p.Accept(ctx, conn); err != nil {
		return nil, err
	}
	return p, nil
}

// serverPeerFor resolves the session of conn, fills it into
// conn.Properties, and returns its server peer with the
// format already bound.
func (h *Hub) serverPeerFor(ctx context.Context, conn *Connection) (*Peer, error) {
	params, err := conn.Params()
	if err != nil {
		return nil, err
	}
	session := params.Session
	if session == "" && h.SessionResolver != nil {
		session, err = h.SessionResolver(ctx, conn)
		if err != nil {
			return nil, fmt.Errorf("%w: resolving session: %v", ErrConnectionRejected, err)
		}
	}
	if session == "" {
		session = newSessionID()
	}
	if conn.Properties == nil {
		conn.Properties = map[string]any{}
	}
	conn.Properties[PropSession] = session

	p, err := h.GetPeer(ServerRef(session))
	if err != nil {
		return nil, err
	}
	if err := p.bindFormat(params.Format); err != nil {
		return nil, err
	}
	return p, nil
}

// Call routes md to a peer, waits for the result, and reroutes
// when the peer turns out to be terminal, up to
// Config.MaxRerouteAttempts times. A cache-probe call type
// returns (nil, nil) without touching the network.
func (h *Hub) Call(ctx context.Context, md *MethodDef, args ...any) (any, error) {
	oc := h.NewOutboundContext()
	return h.CallWith(ctx, oc, md, args...)
}

// CallWith is Call with a caller-supplied OutboundContext, for
// setting headers, a call type, or a pre-selected Peer.
func (h *Hub) CallWith(ctx context.Context, oc *OutboundContext, md *MethodDef, args ...any) (any, error) {
	ctx, err := oc.Activate(ctx)
	if err != nil {
		return nil, err
	}
	defer oc.Deactivate()

	call, err := oc.PrepareCall(ctx, md, args...)
	if err != nil || call == nil {
		return nil, err
	}
	delay := newExpBackoff(h.Cfg.RerouteDelay)
	for attempt := 0; ; attempt++ {
		err = call.Start()
		var res any
		if err == nil {
			if call.NoWait {
				return nil, nil
			}
			res, err = call.Result(ctx)
		}
		if err == nil || !IsTerminal(err) {
			return res, err
		}
		if attempt >= h.Cfg.MaxRerouteAttempts {
			return nil, fmt.Errorf("%w: %v after %v reroutes: %v", ErrRerouteLimit, md.FullName(), attempt, err)
		}
		select {
		case <-time.After(delay.next()):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		prev := call
		call, err = oc.PrepareReroutedCall()
		if err != nil {
			return nil, err
		}
		if call == nil {
			return nil, nil
		}
		if call == prev {
			// the router keeps answering the dead peer.
			return nil, fmt.Errorf("%w: %v: router returned the same terminal peer", ErrRerouteLimit, md.FullName())
		}
	}
}

// Send makes a fire-and-forget call. Errors are local: failure to
// serialize or to send. Nothing comes back from the remote side.
func (h *Hub) Send(ctx context.Context, md *MethodDef, args ...any) error {
	oc := h.NewOutboundContext()
	oc.NoWait = true
	_, err := h.CallWith(ctx, oc, md, args...)
	return err
}

// Call is Hub.Call with a typed result.
func Call[R any](ctx context.Context, h *Hub, md *MethodDef, args ...any) (r R, err error) {
	if md != nil && md.NoWait {
		return r, ErrNoWaitResult
	}
	res, err := h.Call(ctx, md, args...)
	if err != nil || res == nil {
		return r, err
	}
	r, ok := res.(R)
	if !ok {
		return r, fmt.Errorf("rpchub: %v returned %T, not %T", md.FullName(), res, r)
	}
	return r, nil
}

// Dispose stops every Peer and waits for all of them before the
// Hub finishes its own teardown. Peers requested after Dispose
// begins get ErrAlreadyDisposed.
func (h *Hub) Dispose(ctx context.Context) error {
	if !h.disposing.CompareAndSwap(false, true) {
		select {
		case <-h.Halt.Done.Chan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.Halt.ReqStop.Close()

	peers := h.peers.GetValSlice()
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			return p.Stop(gctx)
		})
	}
	err := g.Wait()
	h.log.InfoWith("Hub disposed",
		"hub", h.Name,
		"peers", len(peers))
	h.Halt.Done.Close()
	if err != nil {
		return errors.Wrap(err, "Failed to drain peers")
	}
	return nil
}

// Close disposes the Hub within Config.DisposeTimeout.
func (h *Hub) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.Cfg.DisposeTimeout)
	defer cancel()
	return h.Dispose(ctx)
}

func (h *Hub) IsDisposed() bool {
	return h.disposing.Load()
}
