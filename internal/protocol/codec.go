package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// Codec encodes frames after the handshake.
type Codec interface {
	Name() string
	// Binary reports whether frames are sent as websocket binary messages.
	Binary() bool
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte, v any) error
}

// CodecFor resolves a HELLO codec name; empty selects JSON.
func CodecFor(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return jsonCodec{}, nil
	case CodecMsgpack:
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("protocol: unsupported codec %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string                    { return CodecJSON }
func (jsonCodec) Binary() bool                    { return false }
func (jsonCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// msgpackCodec reuses the json struct tags so both codecs share one set of
// field names.
type msgpackCodec struct{}

func (msgpackCodec) Name() string { return CodecMsgpack }
func (msgpackCodec) Binary() bool { return true }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(b []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

// Decode routes a frame by type.
func Decode(c Codec, b []byte) (BaseMessage, error) {
	var m BaseMessage
	if err := c.Unmarshal(b, &m); err != nil {
		return m, err
	}
	if m.Type == "" {
		return m, fmt.Errorf("protocol: missing type")
	}
	return m, nil
}
