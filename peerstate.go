package rpchub

import (
	"fmt"
	"time"
)

// PeerState is the connection state of one Peer instance.
type PeerState int

const (
	PeerConnecting   PeerState = 0
	PeerConnected    PeerState = 1
	PeerDisconnected PeerState = 2
	PeerReconnecting PeerState = 3

	// PeerTerminal is absorbing. The Hub replaces the Peer.
	PeerTerminal PeerState = 4
)

func (s PeerState) String() string {
	switch s {
	case PeerConnecting:
		return "Connecting"
	case PeerConnected:
		return "Connected"
	case PeerDisconnected:
		return "Disconnected"
	case PeerReconnecting:
		return "Reconnecting"
	case PeerTerminal:
		return "Terminal"
	}
	return fmt.Sprintf("PeerState(%v)", int(s))
}

var allowedTransitions = map[PeerState][]PeerState{
	PeerConnecting:   {PeerConnected, PeerDisconnected, PeerTerminal},
	PeerConnected:    {PeerDisconnected, PeerTerminal},
	PeerDisconnected: {PeerReconnecting, PeerTerminal},
	PeerReconnecting: {PeerConnected, PeerDisconnected, PeerTerminal},
}

func (s PeerState) canMoveTo(next PeerState) bool {
	for _, ok := range allowedTransitions[s] {
		if ok == next {
			return true
		}
	}
	return false
}

// ConnectionState is a snapshot of a Peer's connection.
type ConnectionState struct {
	State PeerState

	// Err is the error that caused the last disconnect, if any.
	Err error

	// TryIndex counts reconnect attempts since the
	// last time the Peer was Connected.
	TryIndex int

	// ReconnectsAt is set while Reconnecting: when
	// the next connection attempt is due.
	ReconnectsAt time.Time

	Since time.Time
}

func (cs ConnectionState) IsConnected() bool { return cs.State == PeerConnected }

func (cs ConnectionState) IsTerminal() bool { return cs.State == PeerTerminal }

func (cs ConnectionState) String() string {
	s := fmt.Sprintf("ConnectionState{%v try:%v", cs.State, cs.TryIndex)
	if cs.Err != nil {
		s += fmt.Sprintf(" err:'%v'", cs.Err)
	}
	if !cs.ReconnectsAt.IsZero() {
		s += " reconnectsAt:" + cs.ReconnectsAt.In(gtz).Format(rfc3339NanoNumericTZ0pad)
	}
	return s + "}"
}
