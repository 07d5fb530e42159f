// Package protocol implements the text-JSON client control protocol: one
// encoder producing server frames and one decoder parsing client frames.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/wazo-platform/wazo-websocketd/internal/wsproto"
)

// Response codes carried on every server frame.
const (
	CodeSuccess = 0
	CodeFailure = 1
)

// Client-to-server operation names.
const (
	OpStart     = "start"
	OpSubscribe = "subscribe"
	OpToken     = "token"
	OpPing      = "ping"
)

// Server-to-client operation names.
const (
	OpInit  = "init"
	OpEvent = "event"
	OpPong  = "pong"
)

type frame struct {
	Op   string      `json:"op"`
	Code int         `json:"code"`
	Data interface{} `json:"data"`
}

func encode(op string, data interface{}, code int) ([]byte, error) {
	return json.Marshal(frame{Op: op, Code: code, Data: data})
}

// EncodeInit builds the first frame sent on every accepted connection.
func EncodeInit(version int) ([]byte, error) {
	return encode(OpInit, map[string]interface{}{"version": version}, CodeSuccess)
}

// EncodeStart acknowledges a "start" request.
func EncodeStart(code int) ([]byte, error) {
	return encode(OpStart, nil, code)
}

// EncodeSubscribe acknowledges a "subscribe" request.
func EncodeSubscribe(code int) ([]byte, error) {
	return encode(OpSubscribe, nil, code)
}

// EncodeToken acknowledges a "token" request; code is CodeFailure when the
// new token could not be validated.
func EncodeToken(code int) ([]byte, error) {
	return encode(OpToken, nil, code)
}

// EncodePong answers a v2 ping with the same payload.
func EncodePong(payload string) ([]byte, error) {
	return encode(OpPong, map[string]interface{}{"payload": payload}, CodeSuccess)
}

// EncodeEvent re-wraps a decoded event payload for v2 streaming.
func EncodeEvent(payload interface{}) ([]byte, error) {
	return encode(OpEvent, payload, CodeSuccess)
}

// Message is a decoded client frame: an operation name plus its data object,
// if any.
type Message struct {
	Op   string
	Data map[string]interface{}
}

// Decode parses one client text frame. Any deviation from the wire shape
// (non-JSON, non-object root, missing/non-string "op") is reported as a
// SessionProtocolError, matching the decoder errors table in the component
// design.
func Decode(raw []byte) (*Message, error) {
	var root map[string]interface{}
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, &wsproto.SessionProtocolError{Reason: "frame is not a JSON object: " + err.Error()}
	}

	opRaw, ok := root["op"]
	if !ok {
		return nil, &wsproto.SessionProtocolError{Reason: "frame has no \"op\" field"}
	}
	op, ok := opRaw.(string)
	if !ok {
		return nil, &wsproto.SessionProtocolError{Reason: "\"op\" field is not a string"}
	}

	data, _ := root["data"].(map[string]interface{})
	return &Message{Op: op, Data: data}, nil
}

// StringField extracts a required string field from the message's data
// object, matching the generic _get(attribute, operation, data) validator
// shared by every operation that needs one typed argument.
func (m *Message) StringField(field string) (string, error) {
	if m.Data == nil {
		return "", &wsproto.SessionProtocolError{
			Reason: fmt.Sprintf("%q requires a data object with field %q", m.Op, field),
		}
	}
	v, ok := m.Data[field]
	if !ok {
		return "", &wsproto.SessionProtocolError{
			Reason: fmt.Sprintf("%q requires a data object with field %q", m.Op, field),
		}
	}
	s, ok := v.(string)
	if !ok {
		return "", &wsproto.SessionProtocolError{
			Reason: fmt.Sprintf("field %q must be a string", field),
		}
	}
	return s, nil
}
