// Package codec turns protocol messages into websocket frame payloads and
// back.
//
// Text frames carry JSON, binary frames carry CBOR (RFC 8949 core
// deterministic encoding). A response is always encoded with the codec of
// the frame it answers.
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes and decodes protocol values.
type Codec interface {
	Name() string
	// Binary reports whether payloads travel in binary frames.
	Binary() bool
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	// JSON is the default text-frame codec.
	JSON Codec = jsonCodec{}
	// CBOR is the binary-frame codec.
	CBOR Codec = cborCodec{}
)

// ForFrame returns the codec for a text (false) or binary (true) frame.
func ForFrame(binary bool) Codec {
	if binary {
		return CBOR
	}
	return JSON
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Binary() bool                       { return false }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	// Decoding into any must produce map[string]any so payloads look the
	// same whichever codec carried them.
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) Name() string                       { return "cbor" }
func (cborCodec) Binary() bool                       { return true }
func (cborCodec) Marshal(v any) ([]byte, error)      { return cborEnc.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return cborDec.Unmarshal(data, v) }

// Message is the minimal typed envelope: a message type plus an arbitrary
// payload.
type Message struct {
	Type    string `json:"type" cbor:"type"`
	Payload any    `json:"payload" cbor:"payload"`
}

// NewMessage builds an envelope.
func NewMessage(msgType string, payload any) Message {
	return Message{Type: msgType, Payload: payload}
}

// ParseMessage returns the envelope's type and payload.
func ParseMessage(m Message) (string, any) {
	return m.Type, m.Payload
}

// Serialize encodes v with c.
func Serialize(c Codec, v any) ([]byte, error) {
	data, err := c.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s encode: %w", c.Name(), err)
	}
	return data, nil
}

// Deserialize decodes data into a Message.
func Deserialize(c Codec, data []byte) (Message, error) {
	var m Message
	if err := c.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%s decode: %w", c.Name(), err)
	}
	return m, nil
}
