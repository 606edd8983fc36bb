package rpchub

import (
	"fmt"
	"time"
)

// completion is the ArgumentData of a Complete system call:
// either the serialized result or the remote error.
type completion struct {
	Result []byte       `msgpack:"r,omitempty" json:"r,omitempty"`
	Error  *RemoteError `msgpack:"e,omitempty" json:"e,omitempty"`
}

type notFound struct {
	Service string `msgpack:"s" json:"s"`
	Method  string `msgpack:"m" json:"m"`
}

type objectIDs struct {
	IDs []int64 `msgpack:"ids" json:"ids"`
}

func newSystemMessage(method string, id int64) *Message {
	return &Message{
		Service:   SystemService,
		Method:    method,
		RelatedID: id,
	}
}

// newCancelMessage asks the remote side to abort call id.
// It carries no payload, so it needs no serializer.
func newCancelMessage(id int64) *Message {
	return newSystemMessage(SysCancel, id)
}

// newCompleteMessage builds the Complete for call id. When err is
// set only its base cause crosses the wire, as a *RemoteError.
func newCompleteMessage(ser Serializer, id int64, res any, err error, headers []Header) (*Message, error) {
	comp := &completion{}
	if err != nil {
		base := baseError(err)
		if re, ok := base.(*RemoteError); ok {
			comp.Error = re
		} else {
			comp.Error = &RemoteError{
				Kind:    errorKind(base),
				Message: base.Error(),
			}
		}
	} else {
		by, werr := ser.WriteValue(res)
		if werr != nil {
			return nil, fmt.Errorf("serializing result of call %v: %w", id, werr)
		}
		comp.Result = by
	}
	data, werr := ser.WriteValue(comp)
	if werr != nil {
		return nil, werr
	}
	msg := newSystemMessage(SysComplete, id)
	msg.ArgumentData = data
	msg.Headers = headers
	return msg, nil
}

func newNotFoundMessage(ser Serializer, id int64, service, method string) (*Message, error) {
	data, err := ser.WriteValue(&notFound{Service: service, Method: method})
	if err != nil {
		return nil, err
	}
	msg := newSystemMessage(SysNotFound, id)
	msg.ArgumentData = data
	return msg, nil
}

func newObjectsMessage(ser Serializer, method string, ids []int64) (*Message, error) {
	data, err := ser.WriteValue(&objectIDs{IDs: ids})
	if err != nil {
		return nil, err
	}
	msg := newSystemMessage(method, NoWaitID)
	msg.ArgumentData = data
	return msg, nil
}

// handleSystemCall dispatches one system message received by p.
// A non-nil error is a protocol violation and ends the connection.
func (p *Peer) handleSystemCall(msg *Message) error {
	ser := p.Serializer()
	switch msg.Method {
	case SysComplete:
		c, ok := p.outbound.get(msg.RelatedID)
		if !ok || !p.outbound.unregister(msg.RelatedID, c) {
			// already resolved, cancelled, or never ours.
			vv("dropping Complete for unknown id %v on %v", msg.RelatedID, p.Ref)
			return nil
		}
		comp := &completion{}
		if err := ser.ReadValue(msg.ArgumentData, comp); err != nil {
			c.settle(nil, fmt.Errorf("%w: bad Complete for %v: %v", ErrProtocolViolation, msg.RelatedID, err))
			return nil
		}
		c.complete(msg, comp)

	case SysNotFound:
		c, ok := p.outbound.get(msg.RelatedID)
		if !ok || !p.outbound.unregister(msg.RelatedID, c) {
			return nil
		}
		nf := &notFound{}
		if err := ser.ReadValue(msg.ArgumentData, nf); err != nil {
			nf.Service, nf.Method = c.Method.Service, c.Method.Name
		}
		c.settle(nil, fmt.Errorf("%w: %v.%v", ErrNotFound, nf.Service, nf.Method))

	case SysCancel:
		c, ok := p.inbound.get(msg.RelatedID)
		if !ok {
			return nil
		}
		if c.cancelRequested.CompareAndSwap(false, true) {
			p.log.DebugWith("Inbound call cancelled by caller",
				"method", c.Message.Method,
				"id", c.ID)
			c.cancel()
		}

	case SysKeepAlive, SysDisconnect:
		ids := &objectIDs{}
		if err := ser.ReadValue(msg.ArgumentData, ids); err != nil {
			return fmt.Errorf("%w: bad %v payload: %v", ErrProtocolViolation, msg.Method, err)
		}
		if msg.Method == SysKeepAlive {
			p.Objects.KeepAlive(ids.IDs, time.Now())
		} else {
			p.Objects.DisconnectIDs(ids.IDs)
		}

	default:
		return fmt.Errorf("%w: unknown system call %q", ErrProtocolViolation, msg.Method)
	}
	return nil
}
