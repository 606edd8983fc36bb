package rpchub

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/glycerine/idem"
)

const (
	maxMessage = 1024 * 1024 // 1MB max frame by default

	handshakeTimeout = 10 * time.Second

	// sysHello opens every net.Conn channel. It never
	// reaches a Peer; the transport consumes it.
	sysHello = "Hello"
)

// =========================
//
// frame structure
//
// 1. frameLen: first 8 bytes, big endian uint64: the
//                number of bytes that follow, codec included.
//
// 2. codec: 1 byte: codecNone, codecZstd or codecLz4.
//
// 3. payload: frameLen-1 bytes: the (possibly compressed)
//                greenpack encoding of one Message.
//
// =========================

// netChannel is a Channel over a net.Conn.
type netChannel struct {
	conn   net.Conn
	comp   *frameCompressor
	maxMsg int
	wmu    sync.Mutex
	done   *idem.IdemCloseChan
}

func newNetChannel(conn net.Conn, compression string, maxMsg int) (*netChannel, error) {
	comp, err := newFrameCompressor(compression)
	if err != nil {
		return nil, err
	}
	if maxMsg <= 0 {
		maxMsg = maxMessage
	}
	return &netChannel{
		conn:   conn,
		comp:   comp,
		maxMsg: maxMsg,
		done:   idem.NewIdemCloseChan(),
	}, nil
}

// NewNetChannel wraps conn, for transports that dial or accept
// on their own. compression is "", "zstd" or "lz4".
func NewNetChannel(conn net.Conn, compression string, maxMsg int) (Channel, error) {
	return newNetChannel(conn, compression, maxMsg)
}

func (c *netChannel) Send(ctx context.Context, msg *Message) error {
	if c.done.IsClosed() {
		return ErrChannelClosed
	}
	by, err := msg.MarshalMsg(nil)
	if err != nil {
		return err
	}
	codec, payload, err := c.comp.compress(by)
	if err != nil {
		return err
	}
	if len(payload) > c.maxMsg {
		return fmt.Errorf("rpchub: message of %v bytes is over the %v limit", len(payload), c.maxMsg)
	}
	var hdr [9]byte
	binary.BigEndian.PutUint64(hdr[:8], uint64(len(payload)+1))
	hdr[8] = codec

	c.wmu.Lock()
	defer c.wmu.Unlock()

	// ctx ends the write by expiring the deadline; ioErr then
	// sees ctx.Err() already set.
	c.conn.SetWriteDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := writeFull(c.conn, hdr[:]); err != nil {
		return c.ioErr(ctx, err)
	}
	if err := writeFull(c.conn, payload); err != nil {
		return c.ioErr(ctx, err)
	}
	return nil
}

// Recv has a single caller at a time: the owning Peer's read loop.
func (c *netChannel) Recv(ctx context.Context) (*Message, error) {
	c.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var hdr [9]byte
	if err := readFull(c.conn, hdr[:]); err != nil {
		return nil, c.ioErr(ctx, err)
	}
	n := binary.BigEndian.Uint64(hdr[:8])
	if n < 1 || n-1 > uint64(c.maxMsg) {
		return nil, fmt.Errorf("%w: frame length %v is out of range (limit %v)", ErrProtocolViolation, n, c.maxMsg)
	}
	payload := make([]byte, n-1)
	if err := readFull(c.conn, payload); err != nil {
		return nil, c.ioErr(ctx, err)
	}
	by, err := c.comp.decompress(hdr[8], payload, c.maxMsg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return MessageFromGreenpack(by)
}

func (c *netChannel) ioErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if c.done.IsClosed() {
		return ErrChannelClosed
	}
	return err
}

func (c *netChannel) Close() error {
	if c.done.IsClosed() {
		return nil
	}
	c.done.Close()
	c.comp.Close()
	return c.conn.Close()
}

// readFull reads exactly len(buf) bytes from conn
func readFull(conn net.Conn, buf []byte) error {
	need := len(buf)
	total := 0
	for total < need {
		n, err := conn.Read(buf[total:])
		total += n
		if total == need {
			// probably just EOF
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// writeFull writes all bytes in buf to conn
func writeFull(conn net.Conn, buf []byte) error {
	need := len(buf)
	total := 0
	for total < need {
		n, err := conn.Write(buf[total:])
		total += n
		if total == need {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func newHelloMessage(session, format string) *Message {
	msg := newSystemMessage(sysHello, NoWaitID)
	msg.Headers = []Header{
		{Key: PropSession, Value: session},
		{Key: PropFormat, Value: format},
	}
	return msg
}

func helloProperties(hello *Message, remote net.Addr) map[string]any {
	props := map[string]any{}
	if s, ok := hello.Header(PropSession); ok && s != "" {
		props[PropSession] = s
	}
	if f, ok := hello.Header(PropFormat); ok && f != "" {
		props[PropFormat] = f
	}
	if remote != nil {
		props[PropRemoteAddr] = remote.String()
	}
	return props
}

// NetConnector dials a Hub that runs Serve, for client and
// backend peers. The first frame each way is a Hello that
// settles the session and the format.
type NetConnector struct {
	Network string // "tcp" when empty
	Addr    string

	// Session defaults to the dialing Peer's ID.
	Session string

	Compression    string
	MaxMessageSize int
	DialTimeout    time.Duration
}

func (nc *NetConnector) Connect(ctx context.Context, p *Peer) (*Connection, error) {
	network := nc.Network
	if network == "" {
		network = "tcp"
	}
	d := net.Dialer{Timeout: nc.DialTimeout}
	raw, err := d.DialContext(ctx, network, nc.Addr)
	if err != nil {
		return nil, err
	}
	ch, err := newNetChannel(raw, nc.Compression, nc.MaxMessageSize)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionRejected, err)
	}
	session := nc.Session
	if session == "" {
		session = p.ID
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := ch.Send(hctx, newHelloMessage(session, p.Format())); err != nil {
		ch.Close()
		return nil, err
	}
	reply, err := ch.Recv(hctx)
	if err != nil {
		ch.Close()
		return nil, err
	}
	if reply.Service != SystemService || reply.Method != sysHello {
		ch.Close()
		return nil, fmt.Errorf("%w: expected Hello, got %v", ErrProtocolViolation, reply)
	}
	if why, ok := reply.Header("error"); ok {
		ch.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionRejected, why)
	}
	return &Connection{
		Channel:    ch,
		Properties: helloProperties(reply, raw.RemoteAddr()),
	}, nil
}

// Serve accepts connections on lis until ctx is done or the
// Hub is disposed. Each connection becomes, or reconnects,
// the server peer of its session.
func (h *Hub) Serve(ctx context.Context, lis net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-h.Halt.ReqStop.Chan:
		case <-stop:
			return
		}
		lis.Close()
	}()

	h.log.InfoWith("Serving", "hub", h.Name, "addr", lis.Addr().String())
	for {
		raw, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || h.Halt.ReqStop.IsClosed() {
				return nil
			}
			return err
		}
		go h.serveConn(ctx, raw)
	}
}

func (h *Hub) serveConn(ctx context.Context, raw net.Conn) {
	nc, err := newNetChannel(raw, h.Cfg.Compression, h.Cfg.MaxMessageSize)
	if err != nil {
		raw.Close()
		h.log.WarnWith("Could not set up connection", "err", err.Error())
		return
	}
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	hello, err := nc.Recv(hctx)
	if err != nil || hello.Service != SystemService || hello.Method != sysHello {
		nc.Close()
		h.log.DebugWith("Dropped connection without Hello", "remote", raw.RemoteAddr().String())
		return
	}
	conn := &Connection{
		Channel:    nc,
		Properties: helloProperties(hello, raw.RemoteAddr()),
	}

	// the reply must go out before the Peer owns the channel.
	p, err := h.serverPeerFor(hctx, conn)
	if err != nil {
		reply := newSystemMessage(sysHello, NoWaitID).WithHeader("error", err.Error())
		nc.Send(hctx, reply)
		nc.Close()
		h.log.DebugWith("Rejected connection",
			"remote", raw.RemoteAddr().String(),
			"err", err.Error())
		return
	}
	if err := nc.Send(hctx, newHelloMessage(p.Ref.Key, p.Format())); err != nil {
		nc.Close()
		return
	}
	if err := p.Accept(ctx, conn); err != nil {
		nc.Close()
		h.log.DebugWith("Server peer refused connection",
			"peer", p.Ref.String(),
			"err", err.Error())
	}
}
