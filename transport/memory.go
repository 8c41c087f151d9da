package transport

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// MemoryTransport is an in-process Transport wired directly to a peer
// MemoryTransport. It backs the test suite and mesh simulations.
type MemoryTransport struct {
	mu       sync.Mutex
	name     string
	peer     *MemoryTransport
	state    State
	frames   chan []byte
	writeErr error
	sent     [][]byte
}

// NewMemoryPair creates two connected-capable transports that deliver each
// other's writes as inbound frames.
func NewMemoryPair() (*MemoryTransport, *MemoryTransport) {
	a := &MemoryTransport{name: "a"}
	b := &MemoryTransport{name: "b"}
	a.peer = b
	b.peer = a
	return a, b
}

// NewLoopback creates a transport without a peer; writes are recorded and
// discarded. Useful when a test only exercises the outbound path.
func NewLoopback() *MemoryTransport {
	return &MemoryTransport{name: "loopback"}
}

// Connect brings the simulated link up.
func (t *MemoryTransport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateConnected {
		return nil
	}
	t.frames = make(chan []byte, 256)
	t.state = StateConnected
	return nil
}

// Disconnect brings the link down and closes the frames channel. Calling it
// while already disconnected is a no-op.
func (t *MemoryTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateConnected {
		t.state = StateDisconnected
		return nil
	}
	close(t.frames)
	t.frames = nil
	t.state = StateDisconnected
	return nil
}

// Write delivers the bytes to the peer transport's inbound channel.
func (t *MemoryTransport) Write(data []byte) error {
	t.mu.Lock()
	if t.state != StateConnected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if t.writeErr != nil {
		err := t.writeErr
		t.mu.Unlock()
		return err
	}
	t.sent = append(t.sent, append([]byte(nil), data...))
	peer := t.peer
	t.mu.Unlock()

	if peer == nil {
		return nil
	}
	return peer.deliver(data)
}

// deliver places bytes on the inbound channel if the link is up.
func (t *MemoryTransport) deliver(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateConnected || t.frames == nil {
		// A down peer just loses the frame, like a radio out of range.
		return nil
	}
	select {
	case t.frames <- append([]byte(nil), data...):
	default:
		logrus.WithFields(logrus.Fields{
			"function":  "deliver",
			"transport": t.name,
		}).Warn("Inbound buffer full, frame dropped")
	}
	return nil
}

// Frames returns the current inbound channel.
func (t *MemoryTransport) Frames() <-chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}

// State returns the current link state.
func (t *MemoryTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetWriteError makes every subsequent Write fail with err until cleared
// with nil. Used to simulate link failures.
func (t *MemoryTransport) SetWriteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// Sent returns a copy of everything successfully written so far.
func (t *MemoryTransport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}
