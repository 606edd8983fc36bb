package rpchub

import (
	"context"
	"io"

	"github.com/glycerine/idem"
)

// Channel is one bidirectional Message stream. Send must be safe
// for concurrent callers; Recv has a single reader, the Peer.
// Once closed, Recv returns io.EOF and Send ErrChannelClosed.
type Channel interface {
	Send(ctx context.Context, msg *Message) error
	Recv(ctx context.Context) (*Message, error)
	Close() error
}

// memChannel is one end of an in-process pair. Messages cross
// as greenpack bytes, so neither side can alias the other's
// Message, just as over a real wire.
type memChannel struct {
	out  chan<- []byte
	in   <-chan []byte
	done *idem.IdemCloseChan
}

// NewChannelPair returns the two connected ends of an
// in-memory channel. Closing either end closes both.
func NewChannelPair(buffer int) (a, b Channel) {
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	done := idem.NewIdemCloseChan()
	a = &memChannel{out: ab, in: ba, done: done}
	b = &memChannel{out: ba, in: ab, done: done}
	return
}

func (c *memChannel) Send(ctx context.Context, msg *Message) error {
	if c.done.IsClosed() {
		return ErrChannelClosed
	}
	by, err := msg.MarshalMsg(nil)
	if err != nil {
		return err
	}
	select {
	case c.out <- by:
		return nil
	case <-c.done.Chan:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memChannel) Recv(ctx context.Context) (*Message, error) {
	select {
	case by := <-c.in:
		return MessageFromGreenpack(by)
	case <-c.done.Chan:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memChannel) Close() error {
	c.done.Close()
	return nil
}
