package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshnet/event"
	"github.com/opd-ai/meshnet/store"
)

var (
	// ErrNoPeerKey indicates no public key is known for the peer yet.
	ErrNoPeerKey = errors.New("no public key known for peer")
	// ErrBadPeerKey indicates a malformed public key in a key offer.
	ErrBadPeerKey = errors.New("malformed peer public key")
)

// PeerKey is the record kept per peer node. The shared secret is derived
// once on first use and cached; it is never persisted or transmitted.
type PeerKey struct {
	NodeID     string
	PublicKey  [32]byte
	ReceivedAt time.Time
	Verified   bool

	secret  [32]byte
	derived bool
}

// PendingDM is a direct message composed before the recipient's key
// arrived, held until the key exchange completes.
type PendingDM struct {
	MessageID string
	Plaintext []byte
	QueuedAt  time.Time
}

// persistedPeerKey is the storable subset of a PeerKey.
type persistedPeerKey struct {
	PublicKey  []byte    `json:"public_key"`
	ReceivedAt time.Time `json:"received_at"`
	Verified   bool      `json:"verified"`
}

// persistedKeyPair is the storable form of the local key pair.
type persistedKeyPair struct {
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

// keyRequest is one armed key-request timeout. The generation number lets
// an expiry callback recognize that it was superseded by a re-request.
type keyRequest struct {
	timer *clock.Timer
	gen   uint64
}

// Manager owns the local key pair, the per-peer key records and the queue
// of direct messages awaiting a key exchange.
type Manager struct {
	mu             sync.Mutex
	self           *KeyPair
	peers          map[string]*PeerKey
	pending        map[string][]PendingDM
	requests       map[string]*keyRequest
	requestGen     uint64
	st             store.Store
	bus            *event.Bus
	clk            clock.Clock
	requestTimeout time.Duration
}

// NewManager creates a key manager backed by the given store. Peer keys
// already on disk are loaded immediately; the local key pair is created by
// EnsureKeyPair.
func NewManager(st store.Store, bus *event.Bus, clk clock.Clock, requestTimeout time.Duration) (*Manager, error) {
	m := &Manager{
		peers:          make(map[string]*PeerKey),
		pending:        make(map[string][]PendingDM),
		requests:       make(map[string]*keyRequest),
		st:             st,
		bus:            bus,
		clk:            clk,
		requestTimeout: requestTimeout,
	}
	if err := m.loadPeers(); err != nil {
		return nil, err
	}
	return m, nil
}

// EnsureKeyPair loads the persisted local key pair or generates and
// persists a new one on first use.
func (m *Manager) EnsureKeyPair() (*KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.self != nil {
		return m.self, nil
	}

	raw, err := m.st.Get(store.NSKeys, "self")
	if err == nil {
		var p persistedKeyPair
		if err := json.Unmarshal(raw, &p); err != nil || len(p.Public) != 32 || len(p.Private) != 32 {
			return nil, fmt.Errorf("corrupted local key pair: %w", err)
		}
		kp := &KeyPair{}
		copy(kp.Public[:], p.Public)
		copy(kp.Private[:], p.Private)
		m.self = kp
		return kp, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	raw, err = json.Marshal(persistedKeyPair{Public: kp.Public[:], Private: kp.Private[:]})
	if err != nil {
		return nil, err
	}
	if err := m.st.Put(store.NSKeys, "self", raw); err != nil {
		return nil, fmt.Errorf("failed to persist key pair: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "EnsureKeyPair",
		"key_prefix": fmt.Sprintf("%x", kp.Public[:8]),
	}).Info("Generated new local key pair")

	m.self = kp
	return kp, nil
}

// PublicKey returns the local public key. EnsureKeyPair must have been
// called first.
func (m *Manager) PublicKey() ([32]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.self == nil {
		return [32]byte{}, errors.New("key pair not initialized")
	}
	return m.self.Public, nil
}

// HasPeerKey reports whether a public key is known for the peer.
func (m *Manager) HasPeerKey(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.peers[peerID]
	return ok
}

// PeerKeyInfo returns a copy of the peer's key record.
func (m *Manager) PeerKeyInfo(peerID string) (PeerKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, ok := m.peers[peerID]
	if !ok {
		return PeerKey{}, false
	}
	out := *pk
	out.secret = [32]byte{}
	out.derived = false
	return out, true
}

// HandleKeyOffer records a peer's public key, cancels any outstanding key
// request timer for that peer, and returns the direct messages queued while
// waiting for the key, in original submission order. The caller encrypts
// and sends them.
func (m *Manager) HandleKeyOffer(peerID string, publicKey []byte) ([]PendingDM, error) {
	if len(publicKey) != 32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadPeerKey, len(publicKey))
	}
	var pub [32]byte
	copy(pub[:], publicKey)
	if err := validatePublicKey(pub); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPeerKey, err)
	}

	m.mu.Lock()

	pk, known := m.peers[peerID]
	if known && pk.PublicKey == pub {
		// Re-announcement of the same key: nothing to update, but still
		// flush anything pending.
	} else {
		pk = &PeerKey{
			NodeID:     peerID,
			PublicKey:  pub,
			ReceivedAt: m.clk.Now(),
		}
		m.peers[peerID] = pk
	}

	if req, ok := m.requests[peerID]; ok {
		req.timer.Stop()
		delete(m.requests, peerID)
	}

	flush := m.pending[peerID]
	delete(m.pending, peerID)

	if err := m.persistPeerLocked(pk); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "HandleKeyOffer",
		"peer":        peerID,
		"pending_dms": len(flush),
	}).Info("Peer public key recorded")

	m.bus.Publish(event.TypeKeyReceived, peerID)
	return flush, nil
}

// QueuePending holds a direct message for a peer whose key has not arrived
// yet. Messages are flushed in submission order by HandleKeyOffer.
func (m *Manager) QueuePending(peerID, messageID string, plaintext []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending[peerID] = append(m.pending[peerID], PendingDM{
		MessageID: messageID,
		Plaintext: append([]byte(nil), plaintext...),
		QueuedAt:  m.clk.Now(),
	})
}

// PendingCount returns how many direct messages await the peer's key.
func (m *Manager) PendingCount(peerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[peerID])
}

// StartKeyRequest arms the timeout for an outgoing public key request. If
// no key offer arrives within the window, a key-request-timeout event is
// published. Re-requesting while a timer is armed resets it.
func (m *Manager) StartKeyRequest(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req, ok := m.requests[peerID]; ok {
		req.timer.Stop()
	}
	m.requestGen++
	gen := m.requestGen
	m.requests[peerID] = &keyRequest{
		gen: gen,
		timer: m.clk.AfterFunc(m.requestTimeout, func() {
			m.keyRequestExpired(peerID, gen)
		}),
	}
}

// keyRequestExpired finalizes one key-request timeout. An expiry whose
// request was superseded by a re-request finds a newer generation in the
// map and must not touch it or publish.
func (m *Manager) keyRequestExpired(peerID string, gen uint64) {
	m.mu.Lock()
	req, ok := m.requests[peerID]
	if !ok || req.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.requests, peerID)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "keyRequestExpired",
		"peer":     peerID,
	}).Warn("Public key request timed out")
	m.bus.Publish(event.TypeKeyRequestTimeout, peerID)
}

// SetVerified marks a peer's key as verified out-of-band. This is advisory
// trust metadata only; it never gates encryption.
func (m *Manager) SetVerified(peerID string, verified bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pk, ok := m.peers[peerID]
	if !ok {
		return ErrNoPeerKey
	}
	pk.Verified = verified
	return m.persistPeerLocked(pk)
}

// EncryptFor encrypts plaintext for the peer with the cached shared secret,
// deriving it on first use.
func (m *Manager) EncryptFor(peerID string, plaintext []byte) ([]byte, error) {
	secret, err := m.sharedSecret(peerID)
	if err != nil {
		return nil, err
	}
	return Seal(secret, plaintext)
}

// DecryptFrom decrypts a direct message from the peer. Authentication
// failures come back as ErrDecryptionFailed; a missing key as ErrNoPeerKey.
func (m *Manager) DecryptFrom(peerID string, ciphertext []byte) ([]byte, error) {
	secret, err := m.sharedSecret(peerID)
	if err != nil {
		return nil, err
	}
	return Open(secret, ciphertext)
}

// sharedSecret returns the cached per-peer secret, deriving and caching it
// on first use. The ECDH computation runs once per peer, never per message.
func (m *Manager) sharedSecret(peerID string) ([32]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pk, ok := m.peers[peerID]
	if !ok {
		return [32]byte{}, ErrNoPeerKey
	}
	if pk.derived {
		return pk.secret, nil
	}
	if m.self == nil {
		return [32]byte{}, errors.New("key pair not initialized")
	}

	secret, err := DeriveSharedSecret(pk.PublicKey, m.self.Private)
	if err != nil {
		return [32]byte{}, err
	}
	pk.secret = secret
	pk.derived = true
	return secret, nil
}

// persistPeerLocked writes the storable part of a peer key record. The
// derived secret is deliberately excluded.
func (m *Manager) persistPeerLocked(pk *PeerKey) error {
	raw, err := json.Marshal(persistedPeerKey{
		PublicKey:  pk.PublicKey[:],
		ReceivedAt: pk.ReceivedAt,
		Verified:   pk.Verified,
	})
	if err != nil {
		return err
	}
	if err := m.st.Put(store.NSPeerKeys, pk.NodeID, raw); err != nil {
		return fmt.Errorf("failed to persist peer key: %w", err)
	}
	return nil
}

// loadPeers restores peer key records from the store.
func (m *Manager) loadPeers() error {
	entries, err := m.st.List(store.NSPeerKeys)
	if err != nil {
		return fmt.Errorf("failed to load peer keys: %w", err)
	}
	for peerID, raw := range entries {
		var p persistedPeerKey
		if err := json.Unmarshal(raw, &p); err != nil || len(p.PublicKey) != 32 {
			logrus.WithFields(logrus.Fields{
				"function": "loadPeers",
				"peer":     peerID,
			}).Warn("Skipping corrupted peer key record")
			continue
		}
		pk := &PeerKey{
			NodeID:     peerID,
			ReceivedAt: p.ReceivedAt,
			Verified:   p.Verified,
		}
		copy(pk.PublicKey[:], p.PublicKey)
		m.peers[peerID] = pk
	}
	return nil
}
