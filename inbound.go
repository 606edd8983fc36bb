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

// InboundHandler runs an inbound call; middlewares wrap it.
type InboundHandler func(ctx context.Context, call *InboundCall) (any, error)

// InboundCall is created for every received non-system message.
//
// Its lifecycle is Created, Registered, Deserialized,
// Invoking, and then either Completed (Complete sent)
// or CancelledNoResult.
type InboundCall struct {
	Peer    *Peer
	Message *Message

	// Method is nil when the target could not be resolved.
	Method *MethodDef

	// ID is the correlation id; NoWaitID for fire-and-forget.
	ID int64

	// Args are filled by deserialization, at most once.
	Args []any

	// Ctx is cancelled by a Cancel system call or
	// when the peer stops, whichever comes first.
	Ctx             context.Context
	cancel          context.CancelFunc
	cancelRequested atomic.Bool

	// DoneCh.WhenClosed() is closed once the result settles.
	DoneCh *loquet.Chan[InboundCall]

	mu       sync.Mutex
	argsRead bool
	argsErr  error
	settled  bool
	result   any
	err      error
	started  time.Time
}

type inboundKeyType int

var inboundKey inboundKeyType = 45

// InboundCallFromContext gives handlers access to the
// call they are serving, including its headers.
func InboundCallFromContext(ctx context.Context) (*InboundCall, bool) {
	c, ok := ctx.Value(inboundKey).(*InboundCall)
	return c, ok
}

func newInboundCall(p *Peer, msg *Message, md *MethodDef) *InboundCall {
	c := &InboundCall{
		Peer:    p,
		Message: msg,
		Method:  md,
		ID:      msg.RelatedID,
		started: time.Now(),
	}
	ctx, cancel := context.WithCancel(p.ctx)
	c.Ctx = context.WithValue(ctx, inboundKey, c)
	c.cancel = cancel
	c.DoneCh = loquet.NewChan(c)
	return c
}

// IsNotFound is true for calls whose target did not resolve.
func (c *InboundCall) IsNotFound() bool {
	return c.Method == nil
}

// Run processes the call on the peer's read path. It returns
// once the call is registered and its arguments are read;
// the invocation itself continues on its own goroutine.
func (c *InboundCall) Run() {
	if c.Method == nil {
		c.runNotFound()
		return
	}
	if c.ID == NoWaitID {
		go c.runNoWait()
		return
	}

	cur, added, err := c.Peer.inbound.getOrRegister(c.ID, c)
	if err != nil {
		// peer is terminal; nobody is listening for the answer.
		c.cancel()
		return
	}
	if !added {
		c.cancel()
		c.Peer.hub.metrics.observe("inbound", "duplicate")
		cur.startCompletion()
		return
	}
	c.Peer.hub.metrics.started("inbound")

	if err := c.readArgs(); err != nil {
		c.settle(nil, err)
		c.startCompletion()
		return
	}
	go func() {
		res, err := c.invoke(c.Peer.hub.inboundChain())
		c.settle(res, err)
	}()
	c.startCompletion()
}

func (c *InboundCall) runNotFound() {
	defer c.cancel()
	if c.ID == NoWaitID {
		c.Peer.log.DebugWith("Fire-and-forget call to unknown target dropped",
			"service", c.Message.Service,
			"method", c.Message.Method)
		return
	}
	msg, err := newNotFoundMessage(c.Peer.Serializer(), c.ID, c.Message.Service, c.Message.Method)
	if err != nil {
		c.Peer.log.WarnWith("Could not build NotFound", "err", err.Error())
		return
	}
	c.Peer.hub.metrics.observe("inbound", "not_found")
	c.Peer.sendSystem(msg)
}

// runNoWait invokes the target directly. Nothing is
// registered and nothing is sent back, even on failure.
func (c *InboundCall) runNoWait() {
	defer c.cancel()
	var res any
	err := c.readArgs()
	if err == nil {
		res, err = c.invoke(invokeTarget)
	}
	c.settle(res, err)
	c.Peer.hub.metrics.observe("inbound", outcomeOf(err))
	if err != nil {
		c.Peer.log.DebugWith("Fire-and-forget call failed",
			"method", c.Method.FullName(),
			"err", err.Error())
	}
}

// readArgs deserializes the arguments once; later calls
// return the first outcome.
func (c *InboundCall) readArgs() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.argsRead {
		return c.argsErr
	}
	c.argsRead = true
	if c.Method.DynamicArgs {
		if v := c.Peer.hub.ArgumentValidator; v != nil {
			if err := v(c.Method, c.Message); err != nil {
				c.argsErr = errors.Wrapf(err, "arguments of %v rejected", c.Method.FullName())
				return c.argsErr
			}
		}
	}
	args := c.Method.NewArgs()
	if err := c.Peer.Serializer().ReadArgs(c.Message.ArgumentData, args); err != nil {
		c.argsErr = errors.Wrapf(err, "deserializing arguments of %v", c.Method.FullName())
		return c.argsErr
	}
	c.Args = args
	return nil
}

func (c *InboundCall) invoke(h InboundHandler) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %v: %v", c.Method.FullName(), r)
			c.Peer.log.ErrorWith("Inbound call panicked",
				"method", c.Method.FullName(),
				"panic", fmt.Sprintf("%v", r),
				"stack", stack())
		}
	}()
	return h(c.Ctx, c)
}

func (c *InboundCall) settle(res any, err error) {
	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		return
	}
	c.settled = true
	c.result = res
	c.err = err
	c.mu.Unlock()
	c.DoneCh.Close()
}

// IsSettled reports whether the invocation has finished.
func (c *InboundCall) IsSettled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settled
}

// Result returns the settled outcome; ok is false before that.
func (c *InboundCall) Result() (res any, err error, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err, c.settled
}

// Cancel triggers the call's cancellation token.
func (c *InboundCall) Cancel() {
	c.cancelRequested.Store(true)
	c.cancel()
}

// IsCancelled is true once Cancel ran or the peer began stopping.
func (c *InboundCall) IsCancelled() bool {
	return c.cancelRequested.Load() || c.Peer.ctx.Err() != nil
}

// startCompletion arranges for one completion delivery once
// the result settles. A duplicate arrival calls it again,
// which re-sends the Complete instead of re-invoking.
func (c *InboundCall) startCompletion() {
	go func() {
		select {
		case <-c.DoneCh.WhenClosed():
		case <-c.Peer.Halt.ReqStop.Chan:
			return
		}
		c.completeAndSend()
	}()
}

func (c *InboundCall) completeAndSend() {
	if c.Peer.inbound.unregister(c.ID, c) {
		_, err, _ := c.Result()
		c.Peer.hub.metrics.finished("inbound", outcomeOf(err))
		c.Peer.recordInbound(time.Since(c.started))
	}
	if c.IsCancelled() {
		// the caller already gave up on this id.
		return
	}
	if err := c.sendResult(); err != nil {
		c.Peer.log.DebugWith("Complete not sent",
			"id", c.ID,
			"err", err.Error())
	}
	// release the context; a later duplicate only
	// looks at the settled result and the flags above.
	c.cancel()
}

// sendResult sends the Complete for a settled call. Calling it
// earlier is an engine bug, reported as an *InternalError
// without sending anything.
func (c *InboundCall) sendResult() error {
	res, err, ok := c.Result()
	if !ok {
		ie := newInternalError("sendResult on unsettled inbound call %v id %v", c.Message.Method, c.ID)
		c.Peer.log.ErrorWith("Attempt to send an unsettled result",
			"id", c.ID,
			"err", ie.Error())
		return ie
	}
	if err != nil && !IsCancelled(err) {
		c.Peer.log.DebugWith("Inbound call failed",
			"method", c.Method.FullName(),
			"id", c.ID,
			"err", err.Error())
	}
	msg, merr := newCompleteMessage(c.Peer.Serializer(), c.ID, res, err, nil)
	if merr != nil {
		// the result itself would not serialize; report that instead.
		msg, merr = newCompleteMessage(c.Peer.Serializer(), c.ID, nil, merr, nil)
		if merr != nil {
			return merr
		}
	}
	return c.Peer.sendSystem(msg)
}

func (c *InboundCall) String() string {
	name := c.Message.Service + "." + c.Message.Method
	return fmt.Sprintf("InboundCall{%v id:%v peer:%v}", name, c.ID, c.Peer.Ref)
}
