// Package meshnet implements the protocol core of a mesh radio messaging
// client: connection lifecycle, packet framing, message dispatch, reliable
// delivery with bounded retries, a persisted store-and-forward outbound
// queue, channel management, end-to-end encrypted direct messaging and
// multi-hop traceroute.
//
// One Client is created per connected device; there is no process-wide
// state. The physical link is abstracted behind transport.Transport and
// persistence behind store.Store, so the core runs identically over
// Bluetooth, serial or an in-memory test harness.
//
// Example:
//
//	opts := meshnet.NewOptions()
//	opts.NodeID = "node-a1"
//
//	client, err := meshnet.New(radio, db, opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	events, cancel := client.Events(16)
//	defer cancel()
//
//	if err := client.Connect(); err != nil {
//	    log.Fatal(err)
//	}
//	client.SendText(channel.PrimaryID, "anyone copy?")
package meshnet

import (
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshnet/channel"
	"github.com/opd-ai/meshnet/crypto"
	"github.com/opd-ai/meshnet/delivery"
	"github.com/opd-ai/meshnet/event"
	"github.com/opd-ai/meshnet/framing"
	"github.com/opd-ai/meshnet/nodes"
	"github.com/opd-ai/meshnet/queue"
	"github.com/opd-ai/meshnet/store"
	"github.com/opd-ai/meshnet/trace"
	"github.com/opd-ai/meshnet/transport"
	"github.com/opd-ai/meshnet/wire"
)

var (
	// ErrNoNodeID indicates Options without a NodeID.
	ErrNoNodeID = errors.New("options require a NodeID")
	// ErrUnknownChannel indicates a send on an unregistered channel.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrMessageGone indicates a retransmission of a message no longer in
	// the outbound cache.
	ErrMessageGone = errors.New("message no longer available for resend")
)

// DirectMessageEvent is the payload of a direct-message event.
type DirectMessageEvent struct {
	From      string
	MessageID string
	Text      string
}

// UndecryptableEvent is the payload published when an inbound direct
// message cannot be decrypted. The ciphertext is preserved so the message
// can be retried after a key exchange.
type UndecryptableEvent struct {
	From       string
	MessageID  string
	Ciphertext []byte
}

// Client is one protocol session against one radio. All mutation of
// connection state, queue contents and key material goes through its
// methods; no concurrent external writer is assumed.
type Client struct {
	opts Options
	tr   transport.Transport
	bus  *event.Bus
	clk  clock.Clock

	enc      *framing.Encoder
	keys     *crypto.Manager
	tracker  *delivery.Tracker
	outbox   *queue.Queue
	channels *channel.Registry
	traces   *trace.Engine
	nodes    *nodes.Table
	history  *historyLog

	seen     *lru.Cache[string, struct{}]
	outbound *lru.Cache[string, *wire.Message]

	mu       sync.Mutex
	state    transport.State
	dec      *framing.Decoder
	stopCh   chan struct{}
	pumpDone chan struct{}

	writeMu sync.Mutex

	posMu  sync.Mutex
	hasPos bool
	lat    float64
	lon    float64
}

// New assembles a client over the given transport and store. The local
// key pair is loaded or generated immediately; persisted queue entries,
// channels and peer keys are restored before any processing starts.
func New(tr transport.Transport, st store.Store, opts Options) (*Client, error) {
	return newWithClock(tr, st, opts, clock.New())
}

// newWithClock is the test seam for deterministic timers.
func newWithClock(tr transport.Transport, st store.Store, opts Options, clk clock.Clock) (*Client, error) {
	if opts.NodeID == "" {
		return nil, ErrNoNodeID
	}

	bus := event.NewBus()

	keys, err := crypto.NewManager(st, bus, clk, opts.KeyRequestTimeout)
	if err != nil {
		return nil, err
	}
	if _, err := keys.EnsureKeyPair(); err != nil {
		return nil, err
	}

	history := newHistoryLog(st, opts.HistoryPerPeer)

	channels, err := channel.New(st, clk, history.CountSince)
	if err != nil {
		return nil, err
	}

	seen, err := lru.New[string, struct{}](opts.DedupeSize)
	if err != nil {
		return nil, err
	}
	outbound, err := lru.New[string, *wire.Message](opts.DedupeSize)
	if err != nil {
		return nil, err
	}

	c := &Client{
		opts:     opts,
		tr:       tr,
		bus:      bus,
		clk:      clk,
		enc:      framing.NewEncoder(opts.NodeID),
		keys:     keys,
		channels: channels,
		nodes:    nodes.NewTable(clk),
		history:  history,
		seen:     seen,
		outbound: outbound,
		state:    transport.StateDisconnected,
	}

	c.tracker, err = delivery.NewTracker(delivery.Config{
		AckTimeout:     opts.AckTimeout,
		MaxRetries:     opts.MaxRetries,
		InitialBackoff: opts.InitialBackoff,
		BackoffFactor:  opts.BackoffFactor,
		MaxBackoff:     opts.MaxBackoff,
	}, st, clk, bus, c.resend)
	if err != nil {
		return nil, err
	}

	c.outbox, err = queue.New(queue.Config{
		Capacity:      opts.QueueCapacity,
		Interval:      opts.QueueInterval,
		BaseInterval:  opts.QueueBaseInterval,
		BackoffFactor: opts.QueueBackoffFactor,
		MaxRetries:    opts.QueueMaxRetries,
		SendSpacing:   opts.SendSpacing,
	}, st, clk, bus, c.transmit, queue.Hooks{
		Sent:     c.tracker.MarkSent,
		Failed:   c.tracker.MarkFailed,
		Sendable: func() bool { return c.State() == transport.StateConnected },
	})
	if err != nil {
		return nil, err
	}

	c.traces, err = trace.NewEngine(opts.NodeID, trace.Config{
		MaxHops:     opts.TraceMaxHops,
		Timeout:     opts.TraceTimeout,
		HistorySize: opts.TraceHistorySize,
	}, clk, bus, c.transmit)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Events subscribes to the client's event stream.
func (c *Client) Events(buffer int) (<-chan event.Event, func()) {
	return c.bus.Subscribe(buffer)
}

// NodeID returns the local mesh identity.
func (c *Client) NodeID() string {
	return c.opts.NodeID
}

// State returns the current connection state.
func (c *Client) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Isolated reports a connected radio with no mesh neighbor heard within
// the reachability window. A node that has never heard anyone is just as
// isolated as one whose neighbors went quiet. Outbound traffic is still
// accepted and queued for eventual relay in this state.
func (c *Client) Isolated() bool {
	return c.State() == transport.StateConnected &&
		!c.nodes.Reachable(c.opts.ReachabilityWindow)
}

// Connect brings the session up: transport link, receive pump, queue
// processor and periodic position broadcast. Connecting while connected is
// a no-op.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.state == transport.StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(transport.StateConnecting)

	if err := c.tr.Connect(); err != nil {
		c.setStateLocked(transport.StateError)
		c.mu.Unlock()
		return fmt.Errorf("transport connect failed: %w", err)
	}

	c.dec = framing.NewDecoder()
	c.stopCh = make(chan struct{})
	c.pumpDone = make(chan struct{})
	go c.pump(c.tr.Frames(), c.stopCh, c.pumpDone)
	if c.opts.PositionInterval > 0 {
		go c.positionLoop(c.stopCh)
	}
	c.setStateLocked(transport.StateConnected)
	c.mu.Unlock()

	c.outbox.Start()
	c.announce()

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"node":     c.opts.NodeID,
	}).Info("Session connected")
	return nil
}

// Disconnect tears the session down: queue processor, timers driven by
// the pump, then the link itself. Idempotent; disconnecting while already
// disconnected is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state == transport.StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	stop, done := c.stopCh, c.pumpDone
	c.stopCh, c.pumpDone = nil, nil
	c.setStateLocked(transport.StateDisconnected)
	c.mu.Unlock()

	c.outbox.Stop()
	if stop != nil {
		close(stop)
	}

	err := c.tr.Disconnect()

	if done != nil {
		<-done
	}

	logrus.WithFields(logrus.Fields{
		"function": "Disconnect",
		"node":     c.opts.NodeID,
	}).Info("Session disconnected")
	return err
}

// Close disconnects and cancels every outstanding timer. The client must
// not be used afterwards.
func (c *Client) Close() error {
	err := c.Disconnect()
	c.tracker.Stop()
	c.traces.Stop()
	return err
}

// setStateLocked transitions the connection state and publishes the
// change. Caller holds c.mu.
func (c *Client) setStateLocked(s transport.State) {
	if c.state == s {
		return
	}
	c.state = s
	c.bus.Publish(event.TypeConnectionState, s)
}

// pump reads raw frames off the transport, reassembles logical messages
// and dispatches them until the session stops or the link drops.
func (c *Client) pump(frames <-chan []byte, stop, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		case data, ok := <-frames:
			if !ok {
				// Link dropped beneath us.
				c.mu.Lock()
				alive := c.state == transport.StateConnected
				if alive {
					c.setStateLocked(transport.StateError)
				}
				c.mu.Unlock()
				if alive {
					go c.Disconnect()
				}
				return
			}

			c.mu.Lock()
			dec := c.dec
			c.mu.Unlock()
			if dec == nil {
				return
			}
			for _, payload := range dec.Feed(data) {
				msg, err := wire.Unmarshal(payload)
				if err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "pump",
						"error":    err.Error(),
					}).Debug("Dropping undecodable payload")
					continue
				}
				c.handle(msg)
			}
		}
	}
}

// positionLoop periodically broadcasts the local position while connected.
func (c *Client) positionLoop(stop chan struct{}) {
	ticker := c.clk.Ticker(c.opts.PositionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.posMu.Lock()
			has, lat, lon := c.hasPos, c.lat, c.lon
			c.posMu.Unlock()
			if !has {
				continue
			}
			msg := wire.New(c.opts.NodeID, "", "", wire.Position{Latitude: lat, Longitude: lon})
			if err := c.transmit(msg); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "positionLoop",
					"error":    err.Error(),
				}).Debug("Position broadcast skipped")
			}
		}
	}
}

// announce broadcasts node info and the local public key, best effort.
func (c *Client) announce() {
	info := wire.New(c.opts.NodeID, "", "", wire.NodeInfo{
		LongName:  c.opts.LongName,
		ShortName: c.opts.ShortName,
	})
	if err := c.transmit(info); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "announce",
			"error":    err.Error(),
		}).Debug("Node info announcement failed")
	}
	if err := c.BroadcastPublicKey(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "announce",
			"error":    err.Error(),
		}).Debug("Key announcement failed")
	}
}

// SetPosition records the local position used by the periodic broadcast.
func (c *Client) SetPosition(lat, lon float64) {
	c.posMu.Lock()
	c.hasPos, c.lat, c.lon = true, lat, lon
	c.posMu.Unlock()
}

// SendPosition records the position and broadcasts it immediately.
// Position beacons are fire-and-forget; the next periodic broadcast
// covers a lost one.
func (c *Client) SendPosition(lat, lon float64) error {
	c.SetPosition(lat, lon)
	return c.transmit(wire.New(c.opts.NodeID, "", "", wire.Position{Latitude: lat, Longitude: lon}))
}

// transmit frames a message and writes it to the link. Writes are
// serialized; two sends never interleave on the transport.
func (c *Client) transmit(msg *wire.Message) error {
	payload, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	frames, err := c.enc.Encode(payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, f := range frames {
		if err := c.tr.Write(f); err != nil {
			return fmt.Errorf("%w: %v", transport.ErrWriteFailed, err)
		}
	}
	return nil
}

// deliver sends a tracked message now or parks it in the outbound queue.
// A synchronous send failure queues rather than fails; only a full queue
// turns the message Failed.
func (c *Client) deliver(msg *wire.Message) error {
	if c.State() == transport.StateConnected {
		if err := c.transmit(msg); err == nil {
			c.tracker.MarkSent(msg.ID)
			return nil
		}
	}

	if err := c.outbox.Enqueue(msg); err != nil {
		c.tracker.MarkFailed(msg.ID)
		return err
	}
	c.tracker.MarkQueued(msg.ID)
	return nil
}

// resend retransmits a message from the outbound cache; the delivery
// engine calls it when a retry timer fires or on manual retry.
func (c *Client) resend(messageID string) error {
	msg, ok := c.outbound.Get(messageID)
	if !ok {
		return ErrMessageGone
	}
	return c.deliver(msg)
}

// SendText broadcasts a text message on a channel and returns it. The
// message is tracked; queue fallback applies when the link is down or the
// write fails.
func (c *Client) SendText(channelID, text string) (*wire.Message, error) {
	if _, ok := c.channels.Get(channelID); !ok {
		return nil, ErrUnknownChannel
	}

	msg := wire.New(c.opts.NodeID, "", channelID, wire.Text{Text: text})
	c.outbound.Add(msg.ID, msg)
	c.history.Append(scopeChannel(channelID), msg)
	c.tracker.Track(msg.ID, false, delivery.StatusPending)

	return msg, c.deliver(msg)
}

// SendWaypoint broadcasts a named location on a channel.
func (c *Client) SendWaypoint(channelID string, wp wire.Waypoint) (*wire.Message, error) {
	if _, ok := c.channels.Get(channelID); !ok {
		return nil, ErrUnknownChannel
	}

	msg := wire.New(c.opts.NodeID, "", channelID, wp)
	c.outbound.Add(msg.ID, msg)
	c.history.Append(scopeChannel(channelID), msg)
	c.tracker.Track(msg.ID, false, delivery.StatusPending)
	return msg, c.deliver(msg)
}

// SendRoute broadcasts an ordered list of waypoints on a channel.
func (c *Client) SendRoute(channelID string, route wire.Route) (*wire.Message, error) {
	if _, ok := c.channels.Get(channelID); !ok {
		return nil, ErrUnknownChannel
	}

	msg := wire.New(c.opts.NodeID, "", channelID, route)
	c.outbound.Add(msg.ID, msg)
	c.history.Append(scopeChannel(channelID), msg)
	c.tracker.Track(msg.ID, false, delivery.StatusPending)
	return msg, c.deliver(msg)
}

// SendSOS broadcasts an emergency message on the Emergency channel,
// attaching the last known position when available.
func (c *Client) SendSOS(text string) (*wire.Message, error) {
	c.posMu.Lock()
	body := wire.SOS{Text: text}
	if c.hasPos {
		body.Latitude, body.Longitude = c.lat, c.lon
	}
	c.posMu.Unlock()

	msg := wire.New(c.opts.NodeID, "", channel.EmergencyID, body)
	c.outbound.Add(msg.ID, msg)
	c.history.Append(scopeChannel(channel.EmergencyID), msg)
	c.tracker.Track(msg.ID, false, delivery.StatusPending)
	return msg, c.deliver(msg)
}

// SendCheckIn broadcasts a routine status report on the active channel.
func (c *Client) SendCheckIn(status string) (*wire.Message, error) {
	active := c.channels.Active()

	c.posMu.Lock()
	body := wire.CheckIn{Status: status}
	if c.hasPos {
		body.Latitude, body.Longitude = c.lat, c.lon
	}
	c.posMu.Unlock()

	msg := wire.New(c.opts.NodeID, "", active.ID, body)
	c.outbound.Add(msg.ID, msg)
	c.history.Append(scopeChannel(active.ID), msg)
	c.tracker.Track(msg.ID, false, delivery.StatusPending)
	return msg, c.deliver(msg)
}

// SendDirectMessage sends an end-to-end encrypted message to a peer and
// returns the message id. When the peer's key is not yet known, the
// message is held, a key request goes out, and the arrival of the key
// flushes held messages in submission order.
func (c *Client) SendDirectMessage(to, text string) (string, error) {
	id := wire.NewID(c.opts.NodeID)

	// Local history keeps the plaintext under the peer's DM scope.
	c.history.Append(scopeDM(to), &wire.Message{
		ID:        id,
		From:      c.opts.NodeID,
		To:        to,
		Timestamp: c.clk.Now().UTC(),
		Body:      wire.Text{Text: text},
	})

	if !c.keys.HasPeerKey(to) {
		c.tracker.Track(id, true, delivery.StatusQueued)
		c.keys.QueuePending(to, id, []byte(text))
		c.requestKey(to)
		logrus.WithFields(logrus.Fields{
			"function": "SendDirectMessage",
			"peer":     to,
			"message":  id,
		}).Info("Peer key unknown, message held pending key exchange")
		return id, nil
	}

	ciphertext, err := c.keys.EncryptFor(to, []byte(text))
	if err != nil {
		return id, err
	}
	msg := &wire.Message{
		ID:        id,
		From:      c.opts.NodeID,
		To:        to,
		Timestamp: c.clk.Now().UTC(),
		Body:      wire.DirectMessage{Ciphertext: ciphertext},
	}
	c.outbound.Add(id, msg)
	c.tracker.Track(id, true, delivery.StatusPending)
	return id, c.deliver(msg)
}

// requestKey asks a peer for its public key and arms the response window.
func (c *Client) requestKey(peerID string) {
	c.keys.StartKeyRequest(peerID)
	req := wire.New(c.opts.NodeID, peerID, "", wire.KeyRequest{})
	if err := c.transmit(req); err != nil {
		// The request itself is best effort; queued DMs wait for either
		// the key or the request timeout event.
		logrus.WithFields(logrus.Fields{
			"function": "requestKey",
			"peer":     peerID,
			"error":    err.Error(),
		}).Debug("Key request not transmitted")
	}
}

// RequestPublicKey explicitly asks a peer for its public key.
func (c *Client) RequestPublicKey(peerID string) {
	c.requestKey(peerID)
}

// BroadcastPublicKey announces the local public key to the mesh.
func (c *Client) BroadcastPublicKey() error {
	pub, err := c.keys.PublicKey()
	if err != nil {
		return err
	}
	return c.transmit(wire.New(c.opts.NodeID, "", "", wire.KeyOffer{PublicKey: pub[:]}))
}

// VerifyPeer marks a peer's key as verified after an out-of-band
// fingerprint comparison. Advisory only; encryption never depends on it.
func (c *Client) VerifyPeer(peerID string, verified bool) error {
	return c.keys.SetVerified(peerID, verified)
}

// PeerKey returns the recorded key material metadata for a peer.
func (c *Client) PeerKey(peerID string) (crypto.PeerKey, bool) {
	return c.keys.PeerKeyInfo(peerID)
}

// SendReadReceipt confirms to a peer that their direct message was read.
func (c *Client) SendReadReceipt(peerID, messageID string) error {
	return c.transmit(wire.New(c.opts.NodeID, peerID, "", wire.ReadReceipt{MessageID: messageID}))
}

// RequestTraceroute starts a route discovery toward a target node.
func (c *Client) RequestTraceroute(targetID string) (string, error) {
	return c.traces.Request(targetID)
}

// Traceroute returns a traceroute record by request id.
func (c *Client) Traceroute(requestID string) (trace.Record, bool) {
	return c.traces.Get(requestID)
}

// TracerouteHistory returns retained traceroute records.
func (c *Client) TracerouteHistory() []trace.Record {
	return c.traces.History()
}

// RetryMessage manually retries a failed message.
func (c *Client) RetryMessage(messageID string) error {
	return c.tracker.ManualRetry(messageID)
}

// DeliveryStatus returns the delivery record for a message id.
func (c *Client) DeliveryStatus(messageID string) (delivery.Record, bool) {
	return c.tracker.Get(messageID)
}

// QueueStatus returns outbound queue metrics.
func (c *Client) QueueStatus() queue.Metrics {
	return c.outbox.Status()
}

// CancelQueued removes a parked message without sending it.
func (c *Client) CancelQueued(messageID string) error {
	if err := c.outbox.Cancel(messageID); err != nil {
		return err
	}
	c.tracker.MarkFailed(messageID)
	return nil
}

// Channels returns the channel registry.
func (c *Client) Channels() *channel.Registry {
	return c.channels
}

// MarkChannelRead moves the channel's read marker to now.
func (c *Client) MarkChannelRead(channelID string) error {
	return c.channels.MarkRead(channelID)
}

// ChannelHistory replays a channel's message history, oldest first,
// excluding deleted messages.
func (c *Client) ChannelHistory(channelID string) []*wire.Message {
	return c.history.Messages(scopeChannel(channelID))
}

// ConversationHistory replays the direct-message history with a peer.
func (c *Client) ConversationHistory(peerID string) []*wire.Message {
	return c.history.Messages(scopeDM(peerID))
}

// DeleteMessage hides a message from history replay and drops its
// delivery record.
func (c *Client) DeleteMessage(messageID string) error {
	if err := c.history.Delete(messageID); err != nil {
		return err
	}
	c.tracker.Forget(messageID)
	return nil
}

// Nodes returns all known mesh nodes, most recently heard first.
func (c *Client) Nodes() []nodes.Node {
	return c.nodes.List()
}

// Node returns one known mesh node.
func (c *Client) Node(id string) (nodes.Node, bool) {
	return c.nodes.Get(id)
}

// ProcessQueue forces one replay pass of the outbound queue. Idempotent;
// the background processor calls the same path on its interval.
func (c *Client) ProcessQueue() {
	c.outbox.Process()
}
