package rpchub

import (
	"fmt"

	"github.com/glycerine/greenpack/msgp"
)

// The Message encoding is a fixed msgpack array, in zid order:
//
//	[ callTypeID uint8, service str, method str, relatedId int64,
//	  argumentData bin, headers [ [key str, value str] ... ] ]

const messageFieldCount = 6

const minHeaderSize = 3

// Msgsize returns an upper bound on the encoded size of m.
func (m *Message) Msgsize() (s int) {
	s = msgp.ArrayHeaderSize + msgp.Uint8Size +
		msgp.StringPrefixSize + len(m.Service) +
		msgp.StringPrefixSize + len(m.Method) +
		msgp.Int64Size +
		msgp.BytesPrefixSize + len(m.ArgumentData) +
		msgp.ArrayHeaderSize
	for i := range m.Headers {
		s += msgp.ArrayHeaderSize +
			msgp.StringPrefixSize + len(m.Headers[i].Key) +
			msgp.StringPrefixSize + len(m.Headers[i].Value)
	}
	return
}

// MarshalMsg appends the encoding of m to b.
func (m *Message) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.Require(b, m.Msgsize())
	o = msgp.AppendArrayHeader(o, messageFieldCount)
	o = msgp.AppendUint8(o, uint8(m.CallTypeID))
	o = msgp.AppendString(o, m.Service)
	o = msgp.AppendString(o, m.Method)
	o = msgp.AppendInt64(o, m.RelatedID)
	o = msgp.AppendBytes(o, m.ArgumentData)
	o = msgp.AppendArrayHeader(o, uint32(len(m.Headers)))
	for i := range m.Headers {
		o = msgp.AppendArrayHeader(o, 2)
		o = msgp.AppendString(o, m.Headers[i].Key)
		o = msgp.AppendString(o, m.Headers[i].Value)
	}
	return
}

// UnmarshalMsg decodes m from bts and returns the remaining bytes.
// A malformed envelope is a protocol violation.
func (m *Message) UnmarshalMsg(bts []byte) (o []byte, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("%w: decoding Message: %v", ErrProtocolViolation, err)
		}
	}()

	var nbs msgp.NilBitsStack
	var sz uint32
	sz, bts, err = nbs.ReadArrayHeaderBytes(bts)
	if err != nil {
		return
	}
	if sz != messageFieldCount {
		err = fmt.Errorf("array of len %v, want %v", sz, messageFieldCount)
		return
	}
	var ct uint8
	ct, bts, err = nbs.ReadUint8Bytes(bts)
	if err != nil {
		return
	}
	m.CallTypeID = CallTypeID(ct)
	m.Service, bts, err = nbs.ReadStringBytes(bts)
	if err != nil {
		return
	}
	m.Method, bts, err = nbs.ReadStringBytes(bts)
	if err != nil {
		return
	}
	m.RelatedID, bts, err = nbs.ReadInt64Bytes(bts)
	if err != nil {
		return
	}
	m.ArgumentData, bts, err = nbs.ReadBytesBytes(bts, nil)
	if err != nil {
		return
	}
	var nh uint32
	nh, bts, err = nbs.ReadArrayHeaderBytes(bts)
	if err != nil {
		return
	}
	// each header takes at least 3 bytes: a fixarray
	// and two empty strings.
	if nh > uint32(len(bts)/minHeaderSize) {
		err = fmt.Errorf("%v headers cannot fit in %v bytes", nh, len(bts))
		return
	}
	m.Headers = nil
	if nh > 0 {
		m.Headers = make([]Header, nh)
	}
	for i := range m.Headers {
		var pair uint32
		pair, bts, err = nbs.ReadArrayHeaderBytes(bts)
		if err != nil {
			return
		}
		if pair != 2 {
			err = fmt.Errorf("header %v is an array of len %v, want 2", i, pair)
			return
		}
		m.Headers[i].Key, bts, err = nbs.ReadStringBytes(bts)
		if err != nil {
			return
		}
		m.Headers[i].Value, bts, err = nbs.ReadStringBytes(bts)
		if err != nil {
			return
		}
	}
	o = bts
	return
}
