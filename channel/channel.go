// Package channel manages the set of logical broadcast channels: the fixed
// defaults, user-created PSK channels, the active-channel selection and the
// per-channel unread bookkeeping.
//
// Unread counts are computed from a persisted last-read timestamp against
// channel-scoped message history rather than a decrementing counter, which
// makes mark-as-read idempotent and crash-safe.
package channel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshnet/store"
)

var (
	// ErrDefaultChannel indicates an attempt to delete a default channel.
	ErrDefaultChannel = errors.New("default channels cannot be deleted")
	// ErrUnknownChannel indicates the channel id is not registered.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrBadConfig indicates an import blob that could not be decoded.
	ErrBadConfig = errors.New("malformed channel config")
)

// Channel is one logical broadcast channel.
type Channel struct {
	ID           string `json:"id"`
	Index        int    `json:"index"`
	Name         string `json:"name"`
	PreSharedKey []byte `json:"psk,omitempty"`
	IsDefault    bool   `json:"is_default"`
	IsPrivate    bool   `json:"is_private"`
}

// The default channels that always exist.
const (
	PrimaryID   = "primary"
	EmergencyID = "emergency"
	MedicalID   = "medical"
)

func defaultChannels() []*Channel {
	return []*Channel{
		{ID: PrimaryID, Index: 0, Name: "Primary", IsDefault: true},
		{ID: EmergencyID, Index: 1, Name: "Emergency", IsDefault: true},
		{ID: MedicalID, Index: 2, Name: "Medical", IsDefault: true},
	}
}

// CountSinceFunc counts channel messages newer than the given time. The
// registry uses it to compute unread counts from history.
type CountSinceFunc func(channelID string, since time.Time) int

// exportBlob is the portable serialized form of a channel config.
type exportBlob struct {
	Name string `json:"name"`
	PSK  []byte `json:"psk,omitempty"`
}

// Registry owns the channel set and the active selection.
type Registry struct {
	mu         sync.Mutex
	channels   map[string]*Channel
	active     string
	st         store.Store
	clk        clock.Clock
	countSince CountSinceFunc
}

// metaActiveKey stores the active channel selection in the channel
// namespace without clashing with uuid channel ids.
const metaActiveKey = "meta:active"

// New creates the registry, seeds the default channels and restores
// persisted custom channels and the active selection.
func New(st store.Store, clk clock.Clock, countSince CountSinceFunc) (*Registry, error) {
	r := &Registry{
		channels:   make(map[string]*Channel),
		active:     PrimaryID,
		st:         st,
		clk:        clk,
		countSince: countSince,
	}
	for _, ch := range defaultChannels() {
		r.channels[ch.ID] = ch
	}

	records, err := st.List(store.NSChannels)
	if err != nil {
		return nil, fmt.Errorf("failed to load channels: %w", err)
	}
	for key, raw := range records {
		if key == metaActiveKey {
			r.active = string(raw)
			continue
		}
		var ch Channel
		if err := json.Unmarshal(raw, &ch); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "New",
				"channel":  key,
			}).Warn("Skipping corrupted channel record")
			continue
		}
		if !ch.IsDefault {
			r.channels[ch.ID] = &ch
		}
	}
	if _, ok := r.channels[r.active]; !ok {
		r.active = PrimaryID
	}
	return r, nil
}

// Create registers a new channel. A non-empty pre-shared key marks the
// channel private.
func (r *Registry) Create(name string, psk []byte) (*Channel, error) {
	if name == "" {
		return nil, errors.New("channel name required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ch := &Channel{
		ID:           uuid.NewString(),
		Index:        r.nextIndexLocked(),
		Name:         name,
		PreSharedKey: append([]byte(nil), psk...),
		IsPrivate:    len(psk) > 0,
	}
	if err := r.persistLocked(ch); err != nil {
		return nil, err
	}
	r.channels[ch.ID] = ch

	logrus.WithFields(logrus.Fields{
		"function": "Create",
		"channel":  ch.ID,
		"name":     name,
		"private":  ch.IsPrivate,
	}).Info("Channel created")
	return ch, nil
}

// Delete removes a custom channel. Default channels are immutable. If the
// active channel is deleted the selection falls back to Primary.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[id]
	if !ok {
		return ErrUnknownChannel
	}
	if ch.IsDefault {
		return ErrDefaultChannel
	}
	delete(r.channels, id)
	if err := r.st.Delete(store.NSChannels, id); err != nil {
		return err
	}
	if r.active == id {
		r.active = PrimaryID
		_ = r.st.Put(store.NSChannels, metaActiveKey, []byte(r.active))
	}
	return nil
}

// Get returns a copy of a channel.
func (r *Registry) Get(id string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	if !ok {
		return Channel{}, false
	}
	return *ch, true
}

// List returns all channels ordered by index.
func (r *Registry) List() []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, *ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Active returns the currently selected channel.
func (r *Registry) Active() Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.channels[r.active]
}

// SetActive switches the selection and implicitly marks the channel read.
func (r *Registry) SetActive(id string) error {
	r.mu.Lock()
	if _, ok := r.channels[id]; !ok {
		r.mu.Unlock()
		return ErrUnknownChannel
	}
	r.active = id
	err := r.st.Put(store.NSChannels, metaActiveKey, []byte(id))
	r.mu.Unlock()

	if err != nil {
		return err
	}
	return r.MarkRead(id)
}

// MarkRead moves the channel's last-read marker to now. Calling it twice
// in a row yields the same unread count of zero.
func (r *Registry) MarkRead(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[id]; !ok {
		return ErrUnknownChannel
	}
	ts := fmt.Sprintf("%d", r.clk.Now().UnixMilli())
	return r.st.Put(store.NSReadMarks, id, []byte(ts))
}

// Unread computes the unread count from the last-read marker and message
// history.
func (r *Registry) Unread(id string) int {
	r.mu.Lock()
	if _, ok := r.channels[id]; !ok {
		r.mu.Unlock()
		return 0
	}
	countSince := r.countSince
	r.mu.Unlock()

	lastRead := time.Time{}
	if raw, err := r.st.Get(store.NSReadMarks, id); err == nil {
		var ms int64
		if _, err := fmt.Sscanf(string(raw), "%d", &ms); err == nil {
			lastRead = time.UnixMilli(ms)
		}
	}
	if countSince == nil {
		return 0
	}
	return countSince(id, lastRead)
}

// Export encodes a channel's shareable config as a portable base58 blob.
func (r *Registry) Export(id string) (string, error) {
	r.mu.Lock()
	ch, ok := r.channels[id]
	if !ok {
		r.mu.Unlock()
		return "", ErrUnknownChannel
	}
	blob := exportBlob{Name: ch.Name, PSK: append([]byte(nil), ch.PreSharedKey...)}
	r.mu.Unlock()

	raw, err := json.Marshal(blob)
	if err != nil {
		return "", err
	}
	return base58.Encode(raw), nil
}

// Import decodes an exported config blob and registers the channel. A
// channel with the same name and key already present is returned as-is
// rather than duplicated.
func (r *Registry) Import(encoded string) (*Channel, error) {
	raw, err := base58.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	var blob exportBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	if blob.Name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrBadConfig)
	}

	r.mu.Lock()
	for _, ch := range r.channels {
		if ch.Name == blob.Name && bytes.Equal(ch.PreSharedKey, blob.PSK) {
			existing := *ch
			r.mu.Unlock()
			return &existing, nil
		}
	}
	r.mu.Unlock()

	return r.Create(blob.Name, blob.PSK)
}

// nextIndexLocked returns one past the highest index in use.
func (r *Registry) nextIndexLocked() int {
	next := 0
	for _, ch := range r.channels {
		if ch.Index >= next {
			next = ch.Index + 1
		}
	}
	return next
}

// persistLocked stores a custom channel definition.
func (r *Registry) persistLocked(ch *Channel) error {
	raw, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	if err := r.st.Put(store.NSChannels, ch.ID, raw); err != nil {
		return fmt.Errorf("failed to persist channel: %w", err)
	}
	return nil
}
