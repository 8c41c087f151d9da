package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownKind indicates an envelope with a kind tag this build
	// does not understand.
	ErrUnknownKind = errors.New("unknown message kind")
	// ErrNilBody indicates an attempt to marshal a message without a body.
	ErrNilBody = errors.New("message body is nil")
)

// envelope is the serialized form of a Message. The body is kept raw until
// the kind tag selects the concrete type.
type envelope struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Channel   string          `json:"ch,omitempty"`
	Timestamp int64           `json:"ts"`
	Body      json.RawMessage `json:"body"`
}

// Marshal serializes a message for transmission.
func Marshal(m *Message) ([]byte, error) {
	if m.Body == nil {
		return nil, ErrNilBody
	}

	body, err := json.Marshal(m.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal body: %w", err)
	}

	env := envelope{
		ID:        m.ID,
		Kind:      m.Body.Kind().String(),
		From:      m.From,
		To:        m.To,
		Channel:   m.Channel,
		Timestamp: m.Timestamp.UnixMilli(),
		Body:      body,
	}
	return json.Marshal(&env)
}

// Unmarshal parses a serialized message. The kind tag selects the concrete
// body type; an unrecognized tag returns ErrUnknownKind so callers can skip
// traffic from newer builds without failing the whole stream.
func Unmarshal(data []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}

	body, err := bodyForTag(env.Kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(env.Body, body); err != nil {
		return nil, fmt.Errorf("failed to parse %s body: %w", env.Kind, err)
	}

	return &Message{
		ID:        env.ID,
		From:      env.From,
		To:        env.To,
		Channel:   env.Channel,
		Timestamp: time.UnixMilli(env.Timestamp).UTC(),
		Body:      deref(body),
	}, nil
}

// bodyForTag returns a pointer to a zero value of the body type for the tag.
func bodyForTag(tag string) (interface{}, error) {
	switch tag {
	case "text":
		return &Text{}, nil
	case "position":
		return &Position{}, nil
	case "nodeinfo":
		return &NodeInfo{}, nil
	case "waypoint":
		return &Waypoint{}, nil
	case "route":
		return &Route{}, nil
	case "sos":
		return &SOS{}, nil
	case "checkin":
		return &CheckIn{}, nil
	case "ack":
		return &Ack{}, nil
	case "read":
		return &ReadReceipt{}, nil
	case "keyoffer":
		return &KeyOffer{}, nil
	case "keyreq":
		return &KeyRequest{}, nil
	case "dm":
		return &DirectMessage{}, nil
	case "tracereq":
		return &TraceRequest{}, nil
	case "tracereply":
		return &TraceReply{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, tag)
	}
}

// deref converts the decoded *T back to the value type the Body interface
// is implemented on.
func deref(body interface{}) Body {
	switch b := body.(type) {
	case *Text:
		return *b
	case *Position:
		return *b
	case *NodeInfo:
		return *b
	case *Waypoint:
		return *b
	case *Route:
		return *b
	case *SOS:
		return *b
	case *CheckIn:
		return *b
	case *Ack:
		return *b
	case *ReadReceipt:
		return *b
	case *KeyOffer:
		return *b
	case *KeyRequest:
		return *b
	case *DirectMessage:
		return *b
	case *TraceRequest:
		return *b
	case *TraceReply:
		return *b
	default:
		// bodyForTag and this switch cover the same set of types.
		panic(fmt.Sprintf("wire: no value conversion for %T", body))
	}
}
