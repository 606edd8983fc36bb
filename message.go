package rpchub

import (
	"bytes"
	"fmt"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/greenpack/msgp"
)

// CallTypeID selects the pair of call constructors used on
// both sides of the wire. See calltype.go.
type CallTypeID byte

const (
	CallTypeRegular CallTypeID = 0

	// CallTypeCacheProbe captures a call for its cache key only;
	// it never produces an outbound call or touches the network.
	CallTypeCacheProbe CallTypeID = 1
)

func (ct CallTypeID) String() string {
	switch ct {
	case CallTypeRegular:
		return "CallTypeRegular"
	case CallTypeCacheProbe:
		return "CallTypeCacheProbe"
	}
	return fmt.Sprintf("CallTypeID(%v)", int(ct))
}

// NoWaitID is the correlation id of fire-and-forget calls.
// Calls carrying it are never registered anywhere.
const NoWaitID int64 = 0

// SystemService is the service name shared by all system calls.
const SystemService = "$sys"

// system call method names.
const (
	SysCancel     = "Cancel"
	SysComplete   = "Complete"
	SysNotFound   = "NotFound"
	SysKeepAlive  = "KeepAlive"
	SysDisconnect = "Disconnect"
)

// Header is one protocol metadata entry. Order is preserved.
type Header struct {
	Key   string `zid:"0"`
	Value string `zid:"1"`
}

// Message is the wire envelope. Treat it as immutable once
// handed to a Channel; use Clone or WithHeader to derive variants.
//
// RelatedID is the correlation id. For ordinary calls it
// is the caller's id for the call; for system calls it names
// the call being cancelled or completed.
type Message struct {
	CallTypeID   CallTypeID `zid:"0"`
	Service      string     `zid:"1"`
	Method       string     `zid:"2"`
	RelatedID    int64      `zid:"3"`
	ArgumentData []byte     `zid:"4"`
	Headers      []Header   `zid:"5"`
}

// IsSystem reports whether m belongs to the system call set.
func (m *Message) IsSystem() bool {
	return m.Service == SystemService
}

// IsNoWait reports whether m is a fire-and-forget call.
func (m *Message) IsNoWait() bool {
	return m.RelatedID == NoWaitID
}

// Header returns the value of the first header named key.
func (m *Message) Header(key string) (val string, ok bool) {
	for _, h := range m.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return
}

// Clone makes a deep copy of m.
func (m *Message) Clone() *Message {
	c := *m
	if m.ArgumentData != nil {
		c.ArgumentData = append([]byte{}, m.ArgumentData...)
	}
	if m.Headers != nil {
		c.Headers = append([]Header{}, m.Headers...)
	}
	return &c
}

// WithHeader returns a copy of m with the header appended.
func (m *Message) WithHeader(key, val string) *Message {
	c := m.Clone()
	c.Headers = append(c.Headers, Header{Key: key, Value: val})
	return c
}

func (m *Message) String() string {
	arg := cristalbase64.URLEncoding.EncodeToString(m.ArgumentData)
	if len(arg) > 40 {
		arg = arg[:40] + "..."
	}
	return fmt.Sprintf("&Message{%v %v.%v RelatedID:%v Args:%q Headers:%v}",
		m.CallTypeID, m.Service, m.Method, m.RelatedID, arg, m.Headers)
}

// MessageFromGreenpack unmarshals by into a new Message.
func MessageFromGreenpack(by []byte) (*Message, error) {
	msg := &Message{}
	_, err := msg.UnmarshalMsg(by)
	return msg, err
}

// AsGreenpack marshals m, reusing scratch when it is large enough.
func (m *Message) AsGreenpack(scratch []byte) (o []byte, err error) {
	return m.MarshalMsg(scratch[:0])
}

// AsJSON renders the greenpack encoding of m as JSON, for logs and debugging.
func (m *Message) AsJSON(scratch []byte) (o []byte, err error) {
	o, err = m.MarshalMsg(scratch[:0])
	if err != nil {
		return
	}
	var jsonBuf bytes.Buffer
	_, err = msgp.UnmarshalAsJSON(&jsonBuf, o)
	if err != nil {
		return
	}
	o = jsonBuf.Bytes()
	return
}
