package meshnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshnet/channel"
	"github.com/opd-ai/meshnet/delivery"
	"github.com/opd-ai/meshnet/event"
	"github.com/opd-ai/meshnet/store"
	"github.com/opd-ai/meshnet/transport"
	"github.com/opd-ai/meshnet/wire"
)

func newTestClient(t *testing.T, tr transport.Transport, id string) *Client {
	t.Helper()

	opts := NewOptions()
	opts.NodeID = id
	opts.LongName = "Node " + id
	opts.ShortName = id[:2]
	opts.PositionInterval = 0
	opts.SendSpacing = 0

	c, err := New(tr, store.NewMemoryStore(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// waitEvent drains the event channel until an event of the wanted type
// arrives or the test times out.
func waitEvent(t *testing.T, ch <-chan event.Event, typ event.Type) event.Event {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", typ)
		}
	}
}

func TestNewRequiresNodeID(t *testing.T) {
	_, err := New(transport.NewLoopback(), store.NewMemoryStore(), NewOptions())
	assert.ErrorIs(t, err, ErrNoNodeID)
}

func TestConnectLifecycle(t *testing.T) {
	c := newTestClient(t, transport.NewLoopback(), "node-a")
	events, cancel := c.Events(32)
	defer cancel()

	require.Equal(t, transport.StateDisconnected, c.State())
	require.NoError(t, c.Connect())
	require.Equal(t, transport.StateConnected, c.State())

	ev := waitEvent(t, events, event.TypeConnectionState)
	assert.Equal(t, transport.StateConnecting, ev.Payload)

	// Connecting while connected is a no-op.
	require.NoError(t, c.Connect())

	require.NoError(t, c.Disconnect())
	require.Equal(t, transport.StateDisconnected, c.State())
	require.NoError(t, c.Disconnect())
}

func TestSendTextUnknownChannel(t *testing.T) {
	c := newTestClient(t, transport.NewLoopback(), "node-a")
	require.NoError(t, c.Connect())

	_, err := c.SendText("no-such-channel", "hello")
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestQueuedWhileDisconnectedFlushesOnReconnect(t *testing.T) {
	trA, trB := transport.NewMemoryPair()
	a := newTestClient(t, trA, "node-a")
	b := newTestClient(t, trB, "node-b")
	require.NoError(t, b.Connect())

	bEvents, cancel := b.Events(32)
	defer cancel()

	// Disconnected send parks the message instead of failing it.
	msg, err := a.SendText(channel.PrimaryID, "stored and forwarded")
	require.NoError(t, err)

	rec, ok := a.DeliveryStatus(msg.ID)
	require.True(t, ok)
	assert.Equal(t, delivery.StatusQueued, rec.Status)
	assert.Equal(t, 1, a.QueueStatus().Queued)

	require.NoError(t, a.Connect())
	a.ProcessQueue()

	require.Eventually(t, func() bool {
		rec, ok := a.DeliveryStatus(msg.ID)
		return ok && rec.Status == delivery.StatusSent
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, a.QueueStatus().Queued)

	ev := waitEvent(t, bEvents, event.TypeMessageReceived)
	got := ev.Payload.(*wire.Message)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, wire.Text{Text: "stored and forwarded"}, got.Body)
}

func TestDeliveryStatusSurvivesRestart(t *testing.T) {
	st := store.NewMemoryStore()

	opts := NewOptions()
	opts.NodeID = "node-a"
	opts.PositionInterval = 0
	opts.SendSpacing = 0

	c1, err := New(transport.NewLoopback(), st, opts)
	require.NoError(t, err)

	msg, err := c1.SendText(channel.PrimaryID, "parked across sessions")
	require.NoError(t, err)
	require.NoError(t, c1.Close())

	// Second session over the same store: the queue entry and its
	// delivery record both come back.
	c2, err := New(transport.NewLoopback(), st, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c2.Close() })

	rec, ok := c2.DeliveryStatus(msg.ID)
	require.True(t, ok, "delivery record must survive the restart")
	assert.Equal(t, delivery.StatusQueued, rec.Status)
	assert.Equal(t, 1, c2.QueueStatus().Queued)

	require.NoError(t, c2.Connect())
	c2.ProcessQueue()
	require.Eventually(t, func() bool {
		rec, ok := c2.DeliveryStatus(msg.ID)
		return ok && rec.Status == delivery.StatusSent
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastTextReachesPeerHistory(t *testing.T) {
	trA, trB := transport.NewMemoryPair()
	a := newTestClient(t, trA, "node-a")
	b := newTestClient(t, trB, "node-b")
	require.NoError(t, a.Connect())
	require.NoError(t, b.Connect())

	bEvents, cancel := b.Events(32)
	defer cancel()

	msg, err := a.SendText(channel.PrimaryID, "radio check")
	require.NoError(t, err)

	waitEvent(t, bEvents, event.TypeMessageReceived)

	hist := b.ChannelHistory(channel.PrimaryID)
	require.Len(t, hist, 1)
	assert.Equal(t, msg.ID, hist[0].ID)

	// The sender appears in the receiver's node table.
	node, ok := b.Node("node-a")
	require.True(t, ok)
	assert.Equal(t, "node-a", node.ID)
}

func TestDirectMessageEndToEnd(t *testing.T) {
	trA, trB := transport.NewMemoryPair()
	a := newTestClient(t, trA, "node-a")
	b := newTestClient(t, trB, "node-b")
	require.NoError(t, a.Connect())
	require.NoError(t, b.Connect())

	// Exchange keys both ways before messaging.
	require.NoError(t, a.BroadcastPublicKey())
	require.NoError(t, b.BroadcastPublicKey())
	require.Eventually(t, func() bool {
		_, aOK := a.PeerKey("node-b")
		_, bOK := b.PeerKey("node-a")
		return aOK && bOK
	}, 2*time.Second, 10*time.Millisecond)

	bEvents, cancel := b.Events(32)
	defer cancel()

	id, err := a.SendDirectMessage("node-b", "meet at ridge camp")
	require.NoError(t, err)

	ev := waitEvent(t, bEvents, event.TypeDirectMessage)
	dm := ev.Payload.(DirectMessageEvent)
	assert.Equal(t, "node-a", dm.From)
	assert.Equal(t, id, dm.MessageID)
	assert.Equal(t, "meet at ridge camp", dm.Text)

	// The receiver's mesh receipt drives the sender's record to Delivered.
	require.Eventually(t, func() bool {
		rec, ok := a.DeliveryStatus(id)
		return ok && rec.Status == delivery.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	// Read receipt closes the loop.
	require.NoError(t, b.SendReadReceipt("node-a", id))
	require.Eventually(t, func() bool {
		rec, ok := a.DeliveryStatus(id)
		return ok && rec.Status == delivery.StatusRead
	}, 2*time.Second, 10*time.Millisecond)

	assert.Len(t, b.ConversationHistory("node-a"), 1)
	assert.Len(t, a.ConversationHistory("node-b"), 1)
}

func TestDirectMessageHeldUntilKeyExchange(t *testing.T) {
	trA, trB := transport.NewMemoryPair()

	// Connect the target first so only it observes the other side's
	// connect-time key announcement: the sender starts with no peer key.
	b := newTestClient(t, trB, "node-b")
	require.NoError(t, b.Connect())
	a := newTestClient(t, trA, "node-a")
	require.NoError(t, a.Connect())

	_, hasKey := a.PeerKey("node-b")
	require.False(t, hasKey)

	bEvents, cancel := b.Events(32)
	defer cancel()

	id, err := a.SendDirectMessage("node-b", "held until keys arrive")
	require.NoError(t, err)

	rec, ok := a.DeliveryStatus(id)
	require.True(t, ok)
	assert.Equal(t, delivery.StatusQueued, rec.Status)

	// The implicit key request makes the target answer with its key; the
	// held message then flushes under its original id.
	ev := waitEvent(t, bEvents, event.TypeDirectMessage)
	dm := ev.Payload.(DirectMessageEvent)
	assert.Equal(t, id, dm.MessageID)
	assert.Equal(t, "held until keys arrive", dm.Text)

	require.Eventually(t, func() bool {
		rec, ok := a.DeliveryStatus(id)
		return ok && rec.Status == delivery.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHeldDirectMessagesFlushInOrder(t *testing.T) {
	trA, trB := transport.NewMemoryPair()
	b := newTestClient(t, trB, "node-b")
	require.NoError(t, b.Connect())
	a := newTestClient(t, trA, "node-a")

	bEvents, cancel := b.Events(64)
	defer cancel()

	// Sent while disconnected, so every message is held before the key
	// exchange can possibly complete.
	texts := []string{"first", "second", "third"}
	for _, text := range texts {
		_, err := a.SendDirectMessage("node-b", text)
		require.NoError(t, err)
	}

	require.NoError(t, a.Connect())
	a.RequestPublicKey("node-b")

	var got []string
	for range texts {
		ev := waitEvent(t, bEvents, event.TypeDirectMessage)
		got = append(got, ev.Payload.(DirectMessageEvent).Text)
	}
	assert.Equal(t, texts, got)
}

func TestUnreadCountAndMarkRead(t *testing.T) {
	trA, trB := transport.NewMemoryPair()
	a := newTestClient(t, trA, "node-a")
	b := newTestClient(t, trB, "node-b")
	require.NoError(t, a.Connect())
	require.NoError(t, b.Connect())

	bEvents, cancel := b.Events(32)
	defer cancel()

	_, err := a.SendText(channel.PrimaryID, "one")
	require.NoError(t, err)
	waitEvent(t, bEvents, event.TypeMessageReceived)
	_, err = a.SendText(channel.PrimaryID, "two")
	require.NoError(t, err)
	waitEvent(t, bEvents, event.TypeMessageReceived)

	assert.Equal(t, 2, b.Channels().Unread(channel.PrimaryID))

	require.NoError(t, b.MarkChannelRead(channel.PrimaryID))
	assert.Equal(t, 0, b.Channels().Unread(channel.PrimaryID))
}

func TestSOSArrivesOnEmergencyChannel(t *testing.T) {
	trA, trB := transport.NewMemoryPair()
	a := newTestClient(t, trA, "node-a")
	b := newTestClient(t, trB, "node-b")
	require.NoError(t, a.Connect())
	require.NoError(t, b.Connect())

	bEvents, cancel := b.Events(32)
	defer cancel()

	a.SetPosition(46.85, -121.76)
	msg, err := a.SendSOS("injured near the glacier")
	require.NoError(t, err)
	assert.Equal(t, channel.EmergencyID, msg.Channel)

	ev := waitEvent(t, bEvents, event.TypeEmergency)
	sos := ev.Payload.(*wire.Message).Body.(wire.SOS)
	assert.Equal(t, "injured near the glacier", sos.Text)
	assert.InDelta(t, 46.85, sos.Latitude, 0.0001)

	hist := b.ChannelHistory(channel.EmergencyID)
	require.Len(t, hist, 1)
}

func TestPositionBroadcastUpdatesPeerTable(t *testing.T) {
	trA, trB := transport.NewMemoryPair()
	a := newTestClient(t, trA, "node-a")
	b := newTestClient(t, trB, "node-b")
	require.NoError(t, a.Connect())
	require.NoError(t, b.Connect())

	require.NoError(t, a.SendPosition(47.6, -122.3))

	require.Eventually(t, func() bool {
		node, ok := b.Node("node-a")
		return ok && node.Latitude != 0
	}, 2*time.Second, 10*time.Millisecond)

	node, _ := b.Node("node-a")
	assert.InDelta(t, 47.6, node.Latitude, 0.0001)
	assert.InDelta(t, -122.3, node.Longitude, 0.0001)
}

func TestTracerouteToDirectNeighbor(t *testing.T) {
	trA, trB := transport.NewMemoryPair()
	a := newTestClient(t, trA, "node-a")
	b := newTestClient(t, trB, "node-b")
	require.NoError(t, a.Connect())
	require.NoError(t, b.Connect())

	aEvents, cancel := a.Events(32)
	defer cancel()

	reqID, err := a.RequestTraceroute("node-b")
	require.NoError(t, err)

	waitEvent(t, aEvents, event.TypeTracerouteDone)

	rec, ok := a.Traceroute(reqID)
	require.True(t, ok)
	require.Len(t, rec.Route, 2)
	assert.Equal(t, "node-a", rec.Route[0].NodeID)
	assert.Equal(t, "node-b", rec.Route[1].NodeID)
}

func TestIsolatedWhenNoNeighborEverHeard(t *testing.T) {
	c := newTestClient(t, transport.NewLoopback(), "node-a")

	// Disconnected is not isolated, just offline.
	assert.False(t, c.Isolated())

	require.NoError(t, c.Connect())
	assert.True(t, c.Isolated(), "connected with an empty node table is isolated")
}

func TestNotIsolatedAfterHearingNeighbor(t *testing.T) {
	trA, trB := transport.NewMemoryPair()
	a := newTestClient(t, trA, "node-a")
	b := newTestClient(t, trB, "node-b")
	require.NoError(t, a.Connect())
	require.NoError(t, b.Connect())

	_, err := b.SendText(channel.PrimaryID, "anyone out there")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !a.Isolated()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeleteMessageHidesFromHistory(t *testing.T) {
	c := newTestClient(t, transport.NewLoopback(), "node-a")
	require.NoError(t, c.Connect())

	msg, err := c.SendText(channel.PrimaryID, "keep")
	require.NoError(t, err)
	gone, err := c.SendText(channel.PrimaryID, "remove")
	require.NoError(t, err)

	require.NoError(t, c.DeleteMessage(gone.ID))

	hist := c.ChannelHistory(channel.PrimaryID)
	require.Len(t, hist, 1)
	assert.Equal(t, msg.ID, hist[0].ID)
}

func TestOwnEchoIgnored(t *testing.T) {
	c := newTestClient(t, transport.NewLoopback(), "node-a")
	require.NoError(t, c.Connect())

	// A message echoed back with our own sender id must not re-enter
	// history or the node table.
	echo := wire.New("node-a", "", channel.PrimaryID, wire.Text{Text: "echo"})
	c.handle(echo)

	assert.Empty(t, c.ChannelHistory(channel.PrimaryID))
	assert.Empty(t, c.Nodes())
}

func TestDuplicateInboundDropped(t *testing.T) {
	c := newTestClient(t, transport.NewLoopback(), "node-a")
	require.NoError(t, c.Connect())

	msg := wire.New("node-b", "", channel.PrimaryID, wire.Text{Text: "once"})
	c.handle(msg)
	c.handle(msg)

	assert.Len(t, c.ChannelHistory(channel.PrimaryID), 1)
}

func TestUnjoinedChannelTrafficDropped(t *testing.T) {
	c := newTestClient(t, transport.NewLoopback(), "node-a")
	require.NoError(t, c.Connect())

	msg := wire.New("node-b", "", "secret-ops", wire.Text{Text: "classified"})
	c.handle(msg)

	assert.Empty(t, c.ChannelHistory("secret-ops"))
}
