// Package transport defines the link abstraction between the meshnet core
// and a physical radio connection.
//
// The core never contains transport-specific logic: Bluetooth, serial/USB
// and simulated links all implement the same interface. This package ships
// only the in-memory implementation used for tests and simulation; real
// device transports live outside the core.
package transport

import "errors"

// State describes the current link status.
type State int

const (
	// StateDisconnected means no link is established.
	StateDisconnected State = iota
	// StateConnecting means a connection attempt is in progress.
	StateConnecting
	// StateConnected means the link is up.
	StateConnected
	// StateError means the last connection attempt or the link itself failed.
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

var (
	// ErrNotConnected indicates a write on a down link.
	ErrNotConnected = errors.New("transport not connected")
	// ErrWriteFailed indicates the link accepted the write call but failed
	// to transmit.
	ErrWriteFailed = errors.New("transport write failed")
)

// Transport is the abstraction over a physical radio link. Implementations
// must be safe for concurrent use.
type Transport interface {
	// Connect establishes the link. Idempotent if already connected.
	Connect() error
	// Disconnect tears the link down. Idempotent if already disconnected.
	Disconnect() error
	// Write sends raw bytes over the link.
	Write(data []byte) error
	// Frames returns the channel of inbound raw byte reads. The channel is
	// closed when the link goes down; Connect establishes a fresh one.
	Frames() <-chan []byte
	// State returns the current link state.
	State() State
}
