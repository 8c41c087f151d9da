// Package wire defines the logical message model for the mesh protocol.
//
// Every packet exchanged over the mesh is a Message: a small envelope
// (id, kind, sender, destination, channel, timestamp) around one concrete
// body type per message kind. The codec in this package is self-describing
// JSON; the binary framing around it lives in the framing package.
package wire

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind tags the concrete body type carried by a Message.
type Kind uint8

const (
	// KindText is a plain text message on a broadcast channel.
	KindText Kind = iota + 1
	// KindPosition is a node position report.
	KindPosition
	// KindNodeInfo announces a node's identity and hardware state.
	KindNodeInfo
	// KindWaypoint shares a named map location.
	KindWaypoint
	// KindRoute shares an ordered list of waypoints.
	KindRoute
	// KindSOS is an emergency broadcast.
	KindSOS
	// KindCheckIn is a periodic "I am fine" status report.
	KindCheckIn
	// KindAck acknowledges mesh-level receipt of an earlier message.
	KindAck
	// KindReadReceipt confirms a direct message was read.
	KindReadReceipt
	// KindKeyOffer carries a node's public key.
	KindKeyOffer
	// KindKeyRequest asks a peer to send its public key.
	KindKeyRequest
	// KindDirectMessage is an end-to-end encrypted point-to-point message.
	KindDirectMessage
	// KindTraceRequest is a route-discovery probe.
	KindTraceRequest
	// KindTraceReply answers a route-discovery probe.
	KindTraceReply
)

// String returns the wire tag for the kind. The same tags appear in the
// serialized envelope.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindPosition:
		return "position"
	case KindNodeInfo:
		return "nodeinfo"
	case KindWaypoint:
		return "waypoint"
	case KindRoute:
		return "route"
	case KindSOS:
		return "sos"
	case KindCheckIn:
		return "checkin"
	case KindAck:
		return "ack"
	case KindReadReceipt:
		return "read"
	case KindKeyOffer:
		return "keyoffer"
	case KindKeyRequest:
		return "keyreq"
	case KindDirectMessage:
		return "dm"
	case KindTraceRequest:
		return "tracereq"
	case KindTraceReply:
		return "tracereply"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Body is implemented by every concrete message body.
type Body interface {
	Kind() Kind
}

// Message is the logical unit exchanged over the mesh. The envelope is
// immutable once created; delivery state lives in the delivery package.
type Message struct {
	ID        string
	From      string
	To        string // empty means broadcast
	Channel   string
	Timestamp time.Time
	Body      Body
}

// Kind returns the kind of the message body.
func (m *Message) Kind() Kind {
	return m.Body.Kind()
}

// Broadcast reports whether the message has no single destination.
func (m *Message) Broadcast() bool {
	return m.To == ""
}

// NewID generates a globally unique message id for the given sender.
// Uniqueness comes from the sender id plus a random UUID suffix, so two
// nodes can never collide and one node never repeats.
func NewID(sender string) string {
	return sender + "-" + uuid.NewString()[:8]
}

// New creates a message envelope with a fresh id and the current time.
func New(from, to, channel string, body Body) *Message {
	return &Message{
		ID:        NewID(from),
		From:      from,
		To:        to,
		Channel:   channel,
		Timestamp: time.Now().UTC(),
		Body:      body,
	}
}

// Text is a plain text broadcast message.
type Text struct {
	Text string `json:"text"`
}

// Position reports a node location.
type Position struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Altitude  int     `json:"alt,omitempty"`
}

// NodeInfo announces node identity and hardware state.
type NodeInfo struct {
	LongName  string `json:"long_name"`
	ShortName string `json:"short_name"`
	Battery   int    `json:"battery,omitempty"`
}

// Waypoint shares a named map location.
type Waypoint struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Notes     string  `json:"notes,omitempty"`
}

// Route shares an ordered sequence of waypoints.
type Route struct {
	Name   string     `json:"name"`
	Points []Waypoint `json:"points"`
}

// SOS is an emergency broadcast carrying the sender's situation.
type SOS struct {
	Text      string  `json:"text"`
	Latitude  float64 `json:"lat,omitempty"`
	Longitude float64 `json:"lon,omitempty"`
}

// CheckIn is a routine status report.
type CheckIn struct {
	Status    string  `json:"status"`
	Latitude  float64 `json:"lat,omitempty"`
	Longitude float64 `json:"lon,omitempty"`
}

// Ack confirms mesh-level receipt of the message with the given id.
type Ack struct {
	AckID string `json:"ack_id"`
}

// ReadReceipt confirms a direct message was read by the recipient.
type ReadReceipt struct {
	MessageID string `json:"msg_id"`
}

// KeyOffer carries the sender's public key.
type KeyOffer struct {
	PublicKey []byte `json:"public_key"`
}

// KeyRequest asks the destination node for its public key.
type KeyRequest struct{}

// DirectMessage carries an end-to-end encrypted payload. The nonce is
// prepended to the ciphertext by the crypto layer.
type DirectMessage struct {
	Ciphertext []byte `json:"ciphertext"`
}

// Hop is one relay step in a discovered route.
type Hop struct {
	NodeID    string `json:"node_id"`
	HopNumber int    `json:"hop"`
}

// TraceRequest is a route-discovery probe. Each relay appends itself to
// Route and increments HopCount before forwarding.
type TraceRequest struct {
	RequestID string `json:"request_id"`
	Target    string `json:"target"`
	Route     []Hop  `json:"route"`
	HopCount  int    `json:"hop_count"`
	MaxHops   int    `json:"max_hops"`
}

// TraceReply carries the accumulated route back to the origin.
type TraceReply struct {
	RequestID string `json:"request_id"`
	Route     []Hop  `json:"route"`
}

func (Text) Kind() Kind          { return KindText }
func (Position) Kind() Kind      { return KindPosition }
func (NodeInfo) Kind() Kind      { return KindNodeInfo }
func (Waypoint) Kind() Kind      { return KindWaypoint }
func (Route) Kind() Kind         { return KindRoute }
func (SOS) Kind() Kind           { return KindSOS }
func (CheckIn) Kind() Kind       { return KindCheckIn }
func (Ack) Kind() Kind           { return KindAck }
func (ReadReceipt) Kind() Kind   { return KindReadReceipt }
func (KeyOffer) Kind() Kind      { return KindKeyOffer }
func (KeyRequest) Kind() Kind    { return KindKeyRequest }
func (DirectMessage) Kind() Kind { return KindDirectMessage }
func (TraceRequest) Kind() Kind  { return KindTraceRequest }
func (TraceReply) Kind() Kind    { return KindTraceReply }
