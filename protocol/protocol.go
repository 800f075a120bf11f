// Package protocol defines the real-time wire schema between clients and the
// gateway.
//
// Every frame is a JSON object with a type tag and a typed body:
//
//	{"type": "message", "data": {"peerId": "...", "text": "hi"}}
//
// Inbound frames decode into one dedicated struct per type. Decoding is
// strict: unknown types and unknown fields are rejected before anything
// reaches the lifecycle controller.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Type tags a frame.
type Type string

// Inbound frame types.
const (
	TypeProfileSubmit Type = "profileSubmit"
	TypeMatchIntent   Type = "matchIntent"
	TypeLeave         Type = "leave"
	TypeMessage       Type = "message"
	TypeTyping        Type = "typing"
	TypeListPresence  Type = "listPresence"
)

// Outbound frame types. TypeMessage and TypeTyping are used in both
// directions with different bodies.
const (
	TypePresenceJoined Type = "presenceJoined"
	TypePresenceLeft   Type = "presenceLeft"
	TypeMatched        Type = "matched"
	TypeQueued         Type = "queued"
	TypePartnerLeft    Type = "partnerLeft"
	TypePresenceList   Type = "presenceList"
	TypeSession        Type = "session"
	TypeDenied         Type = "denied"
	TypeError          Type = "error"
)

var (
	// ErrMalformed is returned for frames that are not valid JSON or do not
	// match the body shape of their type.
	ErrMalformed = errors.New("protocol: malformed frame")
	// ErrUnknownType is returned for frames whose type is not an inbound type.
	ErrUnknownType = errors.New("protocol: unknown frame type")
)

// Frame is the envelope every message travels in.
type Frame struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound is implemented by every client-to-server body.
type Inbound interface {
	FrameType() Type
	Validate() error
}

// Outbound is implemented by every server-to-client body.
type Outbound interface {
	FrameType() Type
}

var inboundTypes = map[Type]func() Inbound{
	TypeProfileSubmit: func() Inbound { return &ProfileSubmit{} },
	TypeMatchIntent:   func() Inbound { return &MatchIntent{} },
	TypeLeave:         func() Inbound { return &Leave{} },
	TypeMessage:       func() Inbound { return &Message{} },
	TypeTyping:        func() Inbound { return &Typing{} },
	TypeListPresence:  func() Inbound { return &ListPresence{} },
}

// Decode parses one inbound frame. It does not validate field values; call
// Validate on the result for that.
func Decode(data []byte) (Inbound, error) {
	var f Frame
	if err := strictUnmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	newBody, ok := inboundTypes[f.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}

	body := newBody()
	raw := f.Data
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = []byte("{}")
	}
	if err := strictUnmarshal(raw, body); err != nil {
		return nil, fmt.Errorf("%s: %w", f.Type, err)
	}
	return body, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	return nil
}

// Payload encodes just the body of an outbound frame.
func Payload(o Outbound) (json.RawMessage, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", o.FrameType(), err)
	}
	return data, nil
}

// NewFrame wraps an outbound body in its frame.
func NewFrame(o Outbound) (Frame, error) {
	data, err := Payload(o)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: o.FrameType(), Data: data}, nil
}

// Encode renders an outbound body as a complete wire frame.
func Encode(o Outbound) ([]byte, error) {
	f, err := NewFrame(o)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}
