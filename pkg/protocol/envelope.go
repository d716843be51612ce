package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
)

// Envelope is the outer webhook payload.
// Fields stay raw: the platform's JSON is loosely typed, and D's shape
// depends on the op code and event type.
type Envelope struct {
	Op json.RawMessage `json:"op,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
	S  json.RawMessage `json:"s,omitempty"`
	T  json.RawMessage `json:"t,omitempty"`
	ID json.RawMessage `json:"id,omitempty"`
}

// ErrMalformedBody is returned by ParseEnvelope when the body is not JSON.
var ErrMalformedBody = errors.New("malformed webhook body")

// ParseEnvelope decodes a raw webhook body. Any valid JSON is accepted;
// a non-object body yields an empty envelope whose op code is -1.
func ParseEnvelope(raw []byte) (Envelope, error) {
	if !json.Valid(raw) {
		return Envelope{}, ErrMalformedBody
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, nil
	}
	return env, nil
}

// OpCode returns the envelope op code, or -1 when it is absent or not an integer.
func (e Envelope) OpCode() int {
	var op float64
	if len(e.Op) == 0 || json.Unmarshal(e.Op, &op) != nil {
		return -1
	}
	if op != math.Trunc(op) {
		return -1
	}
	return int(op)
}

// EventType returns the "t" field, or "" when it is not a string.
func (e Envelope) EventType() string {
	var t string
	if len(e.T) == 0 || json.Unmarshal(e.T, &t) != nil {
		return ""
	}
	return t
}

// Sequence returns d as a number, defaulting to 0.
func (e Envelope) Sequence() float64 {
	var seq float64
	if len(e.D) == 0 || json.Unmarshal(e.D, &seq) != nil {
		return 0
	}
	return seq
}

// DataObject reports whether D is a JSON object.
func (e Envelope) DataObject() bool {
	trimmed := bytes.TrimSpace(e.D)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// ValidationRequest is the op 13 payload.
type ValidationRequest struct {
	PlainToken string `json:"plain_token"`
	EventTS    string `json:"event_ts"`
}

// ValidationResponse answers an op 13 request.
type ValidationResponse struct {
	PlainToken string `json:"plain_token"`
	Signature  string `json:"signature"`
}

// Ack is the {op, d} reply used for heartbeat and dispatch acknowledgements.
type Ack struct {
	Op int     `json:"op"`
	D  float64 `json:"d"`
}

// HeartbeatAck echoes the heartbeat sequence.
func HeartbeatAck(seq float64) Ack { return Ack{Op: OpHeartbeatAck, D: seq} }

// DispatchAck acknowledges a dispatch; d is 0 on success and 1 on failure.
func DispatchAck(success bool) Ack {
	if success {
		return Ack{Op: OpDispatchAck, D: 0}
	}
	return Ack{Op: OpDispatchAck, D: 1}
}

// OutboundMessage is the body of the group/user message send endpoints.
type OutboundMessage struct {
	Content string `json:"content"`
	MsgType int    `json:"msg_type"`
	MsgID   string `json:"msg_id,omitempty"`
}
