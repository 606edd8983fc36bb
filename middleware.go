package rpchub

import (
	"context"
	"time"
)

// InboundMiddleware wraps the invocation of inbound calls.
// Middlewares run in the order given to Hub.Use: the first one
// is outermost, seeing the call first and the result last.
// An error it returns becomes the call's result.
type InboundMiddleware func(next InboundHandler) InboundHandler

// OutboundMiddleware inspects or amends an outbound call after
// it is built and before it is started, typically to add
// headers. An error rejects the call.
type OutboundMiddleware func(ctx context.Context, call *OutboundCall) error

// Use appends inbound middlewares. Call it during setup,
// before the Hub serves any peer.
func (h *Hub) Use(mws ...InboundMiddleware) {
	h.inboundMiddlewares = append(h.inboundMiddlewares, mws...)
}

// UseOutbound appends outbound middlewares, also at setup time.
func (h *Hub) UseOutbound(mws ...OutboundMiddleware) {
	h.outboundMiddlewares = append(h.outboundMiddlewares, mws...)
}

func invokeTarget(ctx context.Context, call *InboundCall) (any, error) {
	return call.Method.Invoke(ctx, call.Args)
}

// inboundChain composes the middlewares around the target.
func (h *Hub) inboundChain() InboundHandler {
	handler := InboundHandler(invokeTarget)
	for i := len(h.inboundMiddlewares) - 1; i >= 0; i-- {
		handler = h.inboundMiddlewares[i](handler)
	}
	return handler
}

// CallLogger logs every inbound call at debug level with
// its duration and outcome.
func CallLogger() InboundMiddleware {
	return func(next InboundHandler) InboundHandler {
		return func(ctx context.Context, call *InboundCall) (any, error) {
			t0 := time.Now()
			res, err := next(ctx, call)
			vars := []interface{}{
				"method", call.Method.FullName(),
				"id", call.ID,
				"peer", call.Peer.Ref.String(),
				"elapsed", time.Since(t0).String(),
				"outcome", outcomeOf(err),
			}
			if err != nil {
				vars = append(vars, "err", err.Error())
			}
			call.Peer.log.DebugWith("Inbound call", vars...)
			return res, err
		}
	}
}

// HeaderInjector adds a fixed header to every outbound call.
func HeaderInjector(key, value string) OutboundMiddleware {
	return func(ctx context.Context, call *OutboundCall) error {
		call.Headers = append(call.Headers, Header{Key: key, Value: value})
		return nil
	}
}
