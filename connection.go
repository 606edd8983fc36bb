package rpchub

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Connection is what a transport hands to a Peer: a Message
// channel plus a bag of transport-level properties, such
// as the session hint and the negotiated format.
type Connection struct {
	Channel    Channel
	Properties map[string]any
}

// ConnectionParams is the typed view of Connection.Properties.
type ConnectionParams struct {
	Session    string `mapstructure:"session"`
	Format     string `mapstructure:"format"`
	RemoteAddr string `mapstructure:"remote_addr"`
}

// well-known property keys
const (
	PropSession    = "session"
	PropFormat     = "format"
	PropRemoteAddr = "remote_addr"
)

// Params decodes the property bag. Unknown keys are ignored.
func (c *Connection) Params() (params ConnectionParams, err error) {
	if len(c.Properties) == 0 {
		return
	}
	err = mapstructure.Decode(c.Properties, &params)
	if err != nil {
		err = fmt.Errorf("%w: bad connection properties: %v", ErrConnectionRejected, err)
	}
	return
}

// Connector dials the remote side for client and backend peers.
// Errors the hub's TerminalErrorDetector calls terminal end
// the Peer; anything else is retried with backoff.
type Connector interface {
	Connect(ctx context.Context, p *Peer) (*Connection, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, p *Peer) (*Connection, error)

func (f ConnectorFunc) Connect(ctx context.Context, p *Peer) (*Connection, error) {
	return f(ctx, p)
}

// SessionResolver names the session of an incoming connection
// that did not carry a session property. It is asked once per
// connection; an empty answer lets the hub make one up.
type SessionResolver func(ctx context.Context, conn *Connection) (session string, err error)

// LocalConnector connects client peers to a Hub in the same
// process over an in-memory channel pair. Tests and
// embedded deployments use it.
type LocalConnector struct {
	Server *Hub

	// Session defaults to the dialing Peer's ID, so that
	// reconnects of one Peer land on one server peer.
	Session string

	// Format defaults to the dialing Peer's format.
	Format string

	// Buffer defaults to the server's Config.ChannelBuffer.
	Buffer int
}

func (lc *LocalConnector) Connect(ctx context.Context, p *Peer) (*Connection, error) {
	session := lc.Session
	if session == "" {
		session = p.ID
	}
	format := lc.Format
	if format == "" {
		format = p.Format()
	}
	props := map[string]any{
		PropSession: session,
		PropFormat:  format,
	}
	buffer := lc.Buffer
	if buffer <= 0 {
		buffer = lc.Server.Cfg.ChannelBuffer
	}
	mine, theirs := NewChannelPair(buffer)
	_, err := lc.Server.Accept(ctx, &Connection{
		Channel: theirs,
		Properties: map[string]any{
			PropSession:    session,
			PropFormat:     format,
			PropRemoteAddr: "local:" + p.Ref.String(),
		},
	})
	if err != nil {
		mine.Close()
		return nil, err
	}
	return &Connection{Channel: mine, Properties: props}, nil
}
