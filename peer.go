package rpchub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	tdigest "github.com/caio/go-tdigest"
	"github.com/glycerine/idem"
	"github.com/nuclio/logger"
	"github.com/rs/xid"
)

var errNotConnected = fmt.Errorf("rpchub: peer not connected")

// Peer is one logical RPC endpoint: the connection to one
// remote side, the registries of calls in flight to and from
// it, and the run loop that (re)connects it.
//
// Client and backend peers dial through the Hub's Connector.
// Server peers wait for connections handed to them by
// Hub.Accept, and are bound to one session for life.
//
// A Peer that goes Terminal is never revived; the Hub
// creates a new instance on the next GetPeer.
type Peer struct {
	Ref PeerRef

	// ID is unique per instance, so a replaced Peer
	// can be told apart from its successor.
	ID string

	Halt *idem.Halter

	// Objects holds the shared objects living on this connection.
	Objects *SharedObjectTracker

	hub       *Hub
	log       logger.Logger
	ctx       context.Context
	cancelCtx context.CancelFunc

	outbound   *callRegistry[*OutboundCall]
	inbound    *callRegistry[*InboundCall]
	nextCallID atomic.Int64

	incoming chan *Connection
	acceptMu sync.Mutex
	accepted *Connection

	mu           sync.Mutex
	state        ConnectionState
	stateChanged *idem.IdemCloseChan
	subs         []chan ConnectionState
	ch           Channel
	format       string
	ser          Serializer
	remoteAddr   string
	termErr      error

	terminateOnce sync.Once

	latMu      sync.Mutex
	outLatency *tdigest.TDigest
	inLatency  *tdigest.TDigest
}

// NewPeer makes a Peer for ref without starting it.
// Hub.GetPeer is the usual way to obtain one.
func NewPeer(h *Hub, ref PeerRef) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		Ref:          ref,
		ID:           xid.New().String(),
		Halt:         idem.NewHalter(),
		Objects:      NewSharedObjectTracker(),
		hub:          h,
		ctx:          ctx,
		cancelCtx:    cancel,
		outbound:     newCallRegistry[*OutboundCall](),
		inbound:      newCallRegistry[*InboundCall](),
		incoming:     make(chan *Connection, 1),
		stateChanged: idem.NewIdemCloseChan(),
		state: ConnectionState{
			State: PeerConnecting,
			Since: time.Now(),
		},
	}
	p.log = h.log.GetChild(ref.String())
	if !ref.IsServer() {
		// dialing peers pick the format; server
		// peers learn it from their first connection.
		p.format = h.Cfg.DefaultFormat
	}
	ser, err := h.Serializers.Resolve(p.format)
	if err != nil {
		ser, _ = h.Serializers.Resolve("")
	}
	p.ser = ser
	p.outLatency, _ = tdigest.New(tdigest.Compression(100))
	p.inLatency, _ = tdigest.New(tdigest.Compression(100))
	return p
}

func (p *Peer) String() string {
	return fmt.Sprintf("Peer{%v id:%v %v}", p.Ref, p.ID, p.ConnectionState().State)
}

// Serializer is the format bound to this Peer's connection.
func (p *Peer) Serializer() Serializer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ser
}

// Format is the negotiated serialization key; "" on a
// server peer that has not been connected yet.
func (p *Peer) Format() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format
}

// Session is the bound session of a server peer.
func (p *Peer) Session() string {
	if p.Ref.IsServer() {
		return p.Ref.Key
	}
	return ""
}

func (p *Peer) RemoteAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteAddr
}

// bindFormat fixes the format on first connection. A later
// connection naming a different format is rejected.
func (p *Peer) bindFormat(format string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.format != "" {
		if format != "" && format != p.format {
			return fmt.Errorf("%w: %v is bound to format %q, connection asked for %q",
				ErrConnectionRejected, p.Ref, p.format, format)
		}
		return nil
	}
	ser, err := p.hub.Serializers.Resolve(format)
	if err != nil {
		return err
	}
	p.format = ser.Format()
	p.ser = ser
	return nil
}

// Accept hands an incoming connection to a server peer.
// A connection that is already being served is superseded.
func (p *Peer) Accept(ctx context.Context, conn *Connection) error {
	if !p.Ref.IsServer() {
		return fmt.Errorf("rpchub: %v does not accept connections", p.Ref)
	}
	params, err := conn.Params()
	if err != nil {
		return err
	}
	if params.Session != "" && params.Session != p.Ref.Key {
		return fmt.Errorf("%w: session %q offered to peer bound to %q",
			ErrConnectionRejected, params.Session, p.Ref.Key)
	}
	if err := p.bindFormat(params.Format); err != nil {
		return err
	}

	// one handoff at a time: the newest connection wins.
	p.acceptMu.Lock()
	defer p.acceptMu.Unlock()
	if p.Halt.ReqStop.IsClosed() {
		return p.terminalErr()
	}
	// whether still queued, being picked up, or live, the
	// previous connection is done. serve moves on to conn.
	if p.accepted != nil {
		p.accepted.Channel.Close()
		p.accepted = nil
	}
	select {
	case stale := <-p.incoming:
		stale.Channel.Close()
	default:
	}
	// incoming is empty and only Accept sends, so this cannot block.
	select {
	case p.incoming <- conn:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.accepted = conn
	return nil
}

// ConnectionState returns a snapshot.
func (p *Peer) ConnectionState() ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) IsTerminal() bool {
	return p.ConnectionState().State == PeerTerminal
}

func (p *Peer) IsConnected() bool {
	return p.ConnectionState().State == PeerConnected
}

func (p *Peer) terminalErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.termErr != nil {
		return p.termErr
	}
	return ErrPeerTerminal
}

// WhenConnected waits until the Peer is Connected. It
// fails if the Peer goes Terminal first, or on ctx.
func (p *Peer) WhenConnected(ctx context.Context) error {
	for {
		p.mu.Lock()
		st := p.state.State
		changed := p.stateChanged
		p.mu.Unlock()

		switch st {
		case PeerConnected:
			return nil
		case PeerTerminal:
			return p.terminalErr()
		}
		select {
		case <-changed.Chan:
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for %v: %v", ErrCancelled, p.Ref, ctx.Err())
		}
	}
}

// StateChanges subscribes to state transitions. Slow readers
// miss transitions; ConnectionState always has the latest.
// The channel is closed once the Peer is Terminal.
func (p *Peer) StateChanges() <-chan ConnectionState {
	sub := make(chan ConnectionState, 16)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.State == PeerTerminal {
		sub <- p.state
		close(sub)
		return sub
	}
	p.subs = append(p.subs, sub)
	return sub
}

// setState moves to next if allowedTransitions permits it.
func (p *Peer) setState(next PeerState, err error, try int, reconnectsAt time.Time) bool {
	p.mu.Lock()
	cur := p.state.State
	if !cur.canMoveTo(next) {
		p.mu.Unlock()
		if cur != PeerTerminal {
			ie := newInternalError("peer %v: illegal transition %v -> %v", p.Ref, cur, next)
			p.log.ErrorWith("Illegal peer state transition", "err", ie.Error())
		}
		return false
	}
	p.state = ConnectionState{
		State:        next,
		Err:          err,
		TryIndex:     try,
		ReconnectsAt: reconnectsAt,
		Since:        time.Now(),
	}
	st := p.state
	old := p.stateChanged
	p.stateChanged = idem.NewIdemCloseChan()
	for _, sub := range p.subs {
		select {
		case sub <- st:
		default:
		}
	}
	if next == PeerTerminal {
		for _, sub := range p.subs {
			close(sub)
		}
		p.subs = nil
	}
	p.mu.Unlock()
	old.Close()

	p.log.DebugWith("Peer state changed",
		"peer", p.Ref.String(),
		"from", cur.String(),
		"to", next.String(),
		"try", try)
	return true
}

func (p *Peer) channel() Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch
}

// sendWhenConnected waits out disconnections. It is used for
// fire-and-forget calls, which nobody would resend.
func (p *Peer) sendWhenConnected(ctx context.Context, msg *Message) error {
	for {
		if ch := p.channel(); ch != nil {
			return ch.Send(ctx, msg)
		}
		if err := p.WhenConnected(ctx); err != nil {
			return err
		}
	}
}

// sendRegistered sends a registered call if connected. When not,
// the call stays registered and goes out on the next connect.
func (p *Peer) sendRegistered(msg *Message) error {
	ch := p.channel()
	if ch == nil {
		return errNotConnected
	}
	return ch.Send(p.ctx, msg)
}

// sendSystem sends a system call; it is dropped when not connected.
func (p *Peer) sendSystem(msg *Message) error {
	ch := p.channel()
	if ch == nil {
		return errNotConnected
	}
	return ch.Send(p.ctx, msg)
}

func (p *Peer) recordLatency(d time.Duration) {
	p.latMu.Lock()
	p.outLatency.Add(float64(d))
	p.latMu.Unlock()
}

func (p *Peer) recordInbound(d time.Duration) {
	p.latMu.Lock()
	p.inLatency.Add(float64(d))
	p.latMu.Unlock()
}

// LatencyQuantile reports the q-th quantile of outbound
// round trip times seen on this Peer.
func (p *Peer) LatencyQuantile(q float64) time.Duration {
	p.latMu.Lock()
	defer p.latMu.Unlock()
	return time.Duration(p.outLatency.Quantile(q))
}

// InboundQuantile reports the q-th quantile of inbound
// call durations, from arrival to completion.
func (p *Peer) InboundQuantile(q float64) time.Duration {
	p.latMu.Lock()
	defer p.latMu.Unlock()
	return time.Duration(p.inLatency.Quantile(q))
}

// PendingOutbound counts outbound calls awaiting a Complete.
func (p *Peer) PendingOutbound() int { return p.outbound.len() }

// PendingInbound counts inbound calls not yet completed.
func (p *Peer) PendingInbound() int { return p.inbound.len() }

// ReleaseObjects stops keeping the listed remote objects alive
// and tells the other side to disconnect them.
func (p *Peer) ReleaseObjects(ids ...int64) error {
	for _, id := range ids {
		p.Objects.Unregister(id)
	}
	msg, err := newObjectsMessage(p.Serializer(), SysDisconnect, ids)
	if err != nil {
		return err
	}
	return p.sendSystem(msg)
}

// Terminate moves the Peer to Terminal. Every outbound call
// still registered fails with cause, every inbound call is
// cancelled, and no new call can register. Only the first
// call has any effect.
func (p *Peer) Terminate(cause error) {
	p.terminateOnce.Do(func() {
		if cause == nil {
			cause = ErrPeerTerminal
		} else if !isErr(cause, ErrPeerTerminal) {
			cause = fmt.Errorf("%w: %w", ErrPeerTerminal, cause)
		}
		p.mu.Lock()
		p.termErr = cause
		ch := p.ch
		p.ch = nil
		p.mu.Unlock()

		// refuse registrations before anyone can see Terminal.
		drainedOut := p.outbound.close(cause)
		drainedIn := p.inbound.close(cause)

		p.setState(PeerTerminal, cause, 0, time.Time{})
		p.Halt.ReqStop.CloseWithReason(cause)
		p.cancelCtx()
		if ch != nil {
			ch.Close()
		}
		p.acceptMu.Lock()
		if p.accepted != nil {
			p.accepted.Channel.Close()
			p.accepted = nil
		}
		p.acceptMu.Unlock()
		for _, c := range drainedOut {
			c.settle(nil, cause)
		}
		for _, c := range drainedIn {
			c.Cancel()
		}
		p.Objects.disconnectAll()
		p.hub.forgetPeer(p)

		p.log.WarnWith("Peer is terminal",
			"peer", p.Ref.String(),
			"peerID", p.ID,
			"failedCalls", len(drainedOut),
			"err", cause.Error())
	})
}

// Stop terminates the Peer and waits for its run loop to finish.
func (p *Peer) Stop(ctx context.Context) error {
	p.Terminate(fmt.Errorf("%w: peer stopped", ErrPeerTerminal))
	select {
	case <-p.Halt.Done.Chan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Peer) start() {
	go p.run()
}

// run is the connection loop: connect, serve until the channel
// fails, classify the failure, back off, and go again.
func (p *Peer) run() {
	var cause error
	defer func() {
		p.Terminate(cause)
		p.Halt.Done.Close()
	}()

	bo := newExpBackoff(p.hub.Cfg.Reconnect)
	try := 0
	for cycle := 1; ; cycle++ {
		var connected bool
		conn, err := p.connect()
		if err == nil {
			connected, err = p.serve(conn, cycle)
		}
		if p.Halt.ReqStop.IsClosed() {
			return
		}
		if p.hub.isTerminalError(err) {
			cause = err
			return
		}
		if connected {
			bo.reset()
			try = 0
		}
		try++
		if max := p.hub.Cfg.MaxReconnectAttempts; max > 0 && try > max {
			cause = fmt.Errorf("%w: gave up after %v reconnect attempts: %v", ErrPeerTerminal, max, err)
			return
		}
		p.setState(PeerDisconnected, err, try, time.Time{})

		var delay time.Duration
		if !p.Ref.IsServer() {
			delay = bo.next()
		}
		p.setState(PeerReconnecting, err, try, time.Now().Add(delay))
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-p.Halt.ReqStop.Chan:
				return
			}
		}
	}
}

func (p *Peer) connect() (*Connection, error) {
	if p.Ref.IsServer() {
		var idle <-chan time.Time
		d := p.hub.Cfg.ServerIdleTimeout
		if d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			idle = t.C
		}
		select {
		case conn := <-p.incoming:
			return conn, nil
		case <-idle:
			return nil, fmt.Errorf("%w: no connection to %v within %v", ErrPeerTerminal, p.Ref, d)
		case <-p.Halt.ReqStop.Chan:
			return nil, p.terminalErr()
		}
	}
	if p.hub.Connector == nil {
		return nil, fmt.Errorf("%w: hub %v has no Connector for %v", ErrConnectionRejected, p.hub.Name, p.Ref)
	}
	conn, err := p.hub.Connector.Connect(p.ctx, p)
	if err == nil && (conn == nil || conn.Channel == nil) {
		err = fmt.Errorf("%w: Connector returned no channel", ErrConnectionRejected)
	}
	return conn, err
}

// serve runs one connection cycle. connected reports whether
// the Peer got as far as Connected.
func (p *Peer) serve(conn *Connection, cycle int) (connected bool, err error) {
	params, err := conn.Params()
	if err == nil {
		err = p.bindFormat(params.Format)
	}
	if err != nil {
		conn.Channel.Close()
		return false, err
	}

	ctx, cancel := context.WithCancel(p.ctx)
	p.mu.Lock()
	p.ch = conn.Channel
	p.remoteAddr = params.RemoteAddr
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		if p.ch == conn.Channel {
			p.ch = nil
		}
		p.mu.Unlock()
		conn.Channel.Close()
	}()

	if !p.setState(PeerConnected, nil, 0, time.Time{}) {
		return false, p.terminalErr()
	}
	p.resendPending(conn.Channel)

	token := fmt.Sprintf("%v/%v", p.ID, cycle)
	if err := p.Objects.reconnectAll(ctx, token); err != nil {
		p.log.WarnWith("Shared object did not reconnect",
			"peer", p.Ref.String(),
			"err", err.Error())
	}
	go p.keepAlive(ctx)

	return true, p.readLoop(ctx, conn.Channel)
}

// resendPending re-sends every registered outbound call with its
// original id; the receiver's dedup makes repeats harmless.
func (p *Peer) resendPending(ch Channel) {
	for _, c := range p.outbound.snapshot() {
		msg := c.Message()
		if msg == nil {
			continue
		}
		if err := ch.Send(p.ctx, msg); err != nil {
			p.log.DebugWith("Resend failed",
				"peer", p.Ref.String(),
				"id", msg.RelatedID,
				"err", err.Error())
			return
		}
	}
}

func (p *Peer) readLoop(ctx context.Context, ch Channel) error {
	for {
		msg, err := ch.Recv(ctx)
		if err != nil {
			return err
		}
		if msg.IsSystem() {
			err = p.handleSystemCall(msg)
		} else {
			err = p.dispatchInbound(msg)
		}
		if err != nil {
			return err
		}
	}
}

func (p *Peer) dispatchInbound(msg *Message) error {
	def, err := p.hub.CallTypes.Get(msg.CallTypeID)
	if err != nil || def.NewInbound == nil {
		return fmt.Errorf("%w: call type %v cannot be received", ErrProtocolViolation, msg.CallTypeID)
	}
	md, _ := p.hub.Services.Lookup(msg.Service, msg.Method)
	call := def.NewInbound(p, msg, md)
	if call == nil {
		return nil
	}
	call.Run()
	return nil
}

// keepAlive refreshes our remote objects on the other side,
// and sweeps local objects the other side stopped refreshing.
func (p *Peer) keepAlive(ctx context.Context) {
	period := p.hub.Cfg.KeepAlivePeriod
	if period <= 0 {
		return
	}
	tick := time.NewTicker(period)
	defer tick.Stop()
	for {
		select {
		case now := <-tick.C:
			if ids := p.Objects.RemoteIDs(); len(ids) > 0 {
				msg, err := newObjectsMessage(p.Serializer(), SysKeepAlive, ids)
				if err == nil {
					err = p.sendSystem(msg)
				}
				if err != nil {
					p.log.DebugWith("KeepAlive not sent", "peer", p.Ref.String(), "err", err.Error())
				}
			}
			if timeout := p.hub.Cfg.KeepAliveTimeout; timeout > 0 {
				if stale := p.Objects.Sweep(now, timeout); len(stale) > 0 {
					p.log.DebugWith("Swept stale shared objects",
						"peer", p.Ref.String(),
						"ids", stale)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
