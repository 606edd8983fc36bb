package rpchub

import (
	"bytes"
	"fmt"
	"sort"

	gjson "github.com/goccy/go-json"
	"github.com/nuclio/errors"
	"github.com/vmihailenco/msgpack/v4"
)

// format keys
const (
	FormatMsgpack = "msgpack"
	FormatJSON    = "json"

	DefaultFormat = FormatMsgpack
)

// Serializer turns argument lists and result values into
// ArgumentData bytes and back. Implementations must be safe
// for concurrent use.
//
// ReadArgs fills dst, whose elements are pointers supplied
// by the method descriptor's argument constructor.
type Serializer interface {
	Format() string
	WriteArgs(args []any) ([]byte, error)
	ReadArgs(data []byte, dst []any) error
	WriteValue(v any) ([]byte, error)
	ReadValue(data []byte, dst any) error
}

// SerializerResolver maps a negotiated format key to a Serializer.
type SerializerResolver struct {
	byFormat   *Mutexmap[string, Serializer]
	defaultKey string
}

// NewSerializerResolver returns a resolver holding the
// msgpack and json serializers, with msgpack as default.
func NewSerializerResolver() *SerializerResolver {
	r := &SerializerResolver{
		byFormat:   NewMutexmap[string, Serializer](),
		defaultKey: DefaultFormat,
	}
	r.Register(&MsgpackSerializer{})
	r.Register(&JSONSerializer{})
	return r
}

func (r *SerializerResolver) Register(s Serializer) {
	r.byFormat.Set(s.Format(), s)
}

// SetDefault changes the key used for an empty format.
func (r *SerializerResolver) SetDefault(format string) error {
	if _, ok := r.byFormat.Get(format); !ok {
		return errors.Wrapf(ErrUnknownFormat, "cannot make %q the default", format)
	}
	r.defaultKey = format
	return nil
}

// Resolve returns the serializer for format; "" selects the default.
func (r *SerializerResolver) Resolve(format string) (Serializer, error) {
	if format == "" {
		format = r.defaultKey
	}
	s, ok := r.byFormat.Get(format)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return s, nil
}

// Formats lists the registered keys, sorted.
func (r *SerializerResolver) Formats() (keys []string) {
	keys = r.byFormat.GetKeySlice()
	sort.Strings(keys)
	return
}

// MsgpackSerializer is the default binary format. Argument
// lists are a msgpack array with one element per argument.
type MsgpackSerializer struct{}

func (s *MsgpackSerializer) Format() string { return FormatMsgpack }

func (s *MsgpackSerializer) WriteArgs(args []any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(len(args)); err != nil {
		return nil, err
	}
	for i, a := range args {
		if err := enc.Encode(a); err != nil {
			return nil, errors.Wrapf(err, "encoding argument %v", i)
		}
	}
	return buf.Bytes(), nil
}

func (s *MsgpackSerializer) ReadArgs(data []byte, dst []any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return errors.Wrap(err, "decoding argument list")
	}
	if n != len(dst) {
		return fmt.Errorf("argument count mismatch: got %v, want %v", n, len(dst))
	}
	for i := range dst {
		if err := dec.Decode(dst[i]); err != nil {
			return errors.Wrapf(err, "decoding argument %v", i)
		}
	}
	return nil
}

func (s *MsgpackSerializer) WriteValue(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (s *MsgpackSerializer) ReadValue(data []byte, dst any) error {
	return msgpack.Unmarshal(data, dst)
}

// JSONSerializer is the human readable fallback format.
type JSONSerializer struct{}

func (s *JSONSerializer) Format() string { return FormatJSON }

func (s *JSONSerializer) WriteArgs(args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return gjson.Marshal(args)
}

func (s *JSONSerializer) ReadArgs(data []byte, dst []any) error {
	var raw []gjson.RawMessage
	if err := gjson.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "decoding argument list")
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("argument count mismatch: got %v, want %v", len(raw), len(dst))
	}
	for i := range dst {
		if err := gjson.Unmarshal(raw[i], dst[i]); err != nil {
			return errors.Wrapf(err, "decoding argument %v", i)
		}
	}
	return nil
}

func (s *JSONSerializer) WriteValue(v any) ([]byte, error) {
	return gjson.Marshal(v)
}

func (s *JSONSerializer) ReadValue(data []byte, dst any) error {
	return gjson.Unmarshal(data, dst)
}
