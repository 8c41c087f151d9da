package meshnet

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshnet/channel"
	"github.com/opd-ai/meshnet/event"
	"github.com/opd-ai/meshnet/wire"
)

// handle dispatches one reassembled inbound message. Every message kind
// has an explicit arm; unknown kinds never reach here because the codec
// rejects them.
func (c *Client) handle(msg *wire.Message) {
	if msg.From == c.opts.NodeID {
		// Own transmission echoed back by the mesh.
		return
	}
	if found, _ := c.seen.ContainsOrAdd(msg.ID, struct{}{}); found {
		return
	}

	if c.nodes.Heard(msg.From) {
		c.bus.Publish(event.TypeNodeSeen, msg.From)
	}

	switch b := msg.Body.(type) {
	case wire.Text:
		if !c.addressedToUs(msg) {
			return
		}
		if !c.acceptChannel(msg) {
			return
		}
		c.history.Append(scopeChannel(c.channelOf(msg)), msg)
		c.bus.Publish(event.TypeMessageReceived, msg)
		if msg.To == c.opts.NodeID {
			c.ackBack(msg)
		}

	case wire.Position:
		c.nodes.SetPosition(msg.From, b.Latitude, b.Longitude)

	case wire.NodeInfo:
		c.nodes.SetInfo(msg.From, b.LongName, b.ShortName, b.Battery)

	case wire.Waypoint, wire.Route, wire.CheckIn:
		if !c.acceptChannel(msg) {
			return
		}
		c.history.Append(scopeChannel(c.channelOf(msg)), msg)
		c.bus.Publish(event.TypeMessageReceived, msg)

	case wire.SOS:
		c.history.Append(scopeChannel(channel.EmergencyID), msg)
		c.bus.Publish(event.TypeEmergency, msg)

	case wire.Ack:
		c.tracker.Ack(b.AckID)

	case wire.ReadReceipt:
		if msg.To != c.opts.NodeID {
			return
		}
		c.tracker.MarkRead(b.MessageID)
		c.bus.Publish(event.TypeReadReceipt, b.MessageID)

	case wire.KeyOffer:
		c.handleKeyOffer(msg.From, b)

	case wire.KeyRequest:
		if msg.To != c.opts.NodeID {
			return
		}
		c.handleKeyRequest(msg.From)

	case wire.DirectMessage:
		if msg.To != c.opts.NodeID {
			return
		}
		c.handleDirectMessage(msg, b)

	case wire.TraceRequest:
		c.traces.HandleRequest(msg.From, b)

	case wire.TraceReply:
		if msg.To != "" && msg.To != c.opts.NodeID {
			return
		}
		c.traces.HandleReply(b)

	default:
		logrus.WithFields(logrus.Fields{
			"function": "handle",
			"kind":     msg.Kind().String(),
		}).Debug("No handler for message kind")
	}
}

// addressedToUs accepts broadcasts and messages targeting the local node.
func (c *Client) addressedToUs(msg *wire.Message) bool {
	return msg.To == "" || msg.To == c.opts.NodeID
}

// acceptChannel drops channel traffic for channels this node has not
// joined; without the channel's key material the content is not ours.
func (c *Client) acceptChannel(msg *wire.Message) bool {
	if msg.Channel == "" {
		return true
	}
	if _, ok := c.channels.Get(msg.Channel); ok {
		return true
	}
	logrus.WithFields(logrus.Fields{
		"function": "acceptChannel",
		"channel":  msg.Channel,
		"from":     msg.From,
	}).Debug("Dropping message for unjoined channel")
	return false
}

// channelOf maps unaddressed traffic without a channel tag to Primary.
func (c *Client) channelOf(msg *wire.Message) string {
	if msg.Channel != "" {
		return msg.Channel
	}
	return channel.PrimaryID
}

// ackBack confirms mesh-level receipt to the sender, best effort.
func (c *Client) ackBack(msg *wire.Message) {
	ack := wire.New(c.opts.NodeID, msg.From, "", wire.Ack{AckID: msg.ID})
	if err := c.transmit(ack); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ackBack",
			"message":  msg.ID,
			"error":    err.Error(),
		}).Debug("Receipt not transmitted")
	}
}

// handleKeyOffer records the peer's public key and flushes any direct
// messages that were waiting for it, in their original submission order
// and under their original message ids.
func (c *Client) handleKeyOffer(peerID string, offer wire.KeyOffer) {
	flushed, err := c.keys.HandleKeyOffer(peerID, offer.PublicKey)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleKeyOffer",
			"peer":     peerID,
			"error":    err.Error(),
		}).Warn("Rejected peer key offer")
		return
	}

	for _, pd := range flushed {
		ciphertext, err := c.keys.EncryptFor(peerID, pd.Plaintext)
		if err != nil {
			c.tracker.MarkFailed(pd.MessageID)
			continue
		}
		out := &wire.Message{
			ID:        pd.MessageID,
			From:      c.opts.NodeID,
			To:        peerID,
			Timestamp: c.clk.Now().UTC(),
			Body:      wire.DirectMessage{Ciphertext: ciphertext},
		}
		c.outbound.Add(pd.MessageID, out)
		c.tracker.MarkPending(pd.MessageID)
		if err := c.deliver(out); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleKeyOffer",
				"message":  pd.MessageID,
				"error":    err.Error(),
			}).Warn("Held direct message could not be delivered")
		}
	}
}

// handleKeyRequest answers a peer's explicit key request with our key.
func (c *Client) handleKeyRequest(peerID string) {
	pub, err := c.keys.PublicKey()
	if err != nil {
		return
	}
	offer := wire.New(c.opts.NodeID, peerID, "", wire.KeyOffer{PublicKey: pub[:]})
	if err := c.transmit(offer); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleKeyRequest",
			"peer":     peerID,
			"error":    err.Error(),
		}).Debug("Key offer not transmitted")
	}
}

// handleDirectMessage acks mesh receipt, then decrypts. Decryption
// failure surfaces as an undecryptable event with the ciphertext kept so
// the conversation can recover after a fresh key exchange.
func (c *Client) handleDirectMessage(msg *wire.Message, dm wire.DirectMessage) {
	c.ackBack(msg)

	plaintext, err := c.keys.DecryptFrom(msg.From, dm.Ciphertext)
	if err != nil {
		c.bus.Publish(event.TypeUndecryptable, UndecryptableEvent{
			From:       msg.From,
			MessageID:  msg.ID,
			Ciphertext: dm.Ciphertext,
		})
		logrus.WithFields(logrus.Fields{
			"function": "handleDirectMessage",
			"peer":     msg.From,
			"message":  msg.ID,
		}).Warn("Direct message could not be decrypted")
		return
	}

	c.history.Append(scopeDM(msg.From), &wire.Message{
		ID:        msg.ID,
		From:      msg.From,
		To:        c.opts.NodeID,
		Timestamp: msg.Timestamp,
		Body:      wire.Text{Text: string(plaintext)},
	})
	c.bus.Publish(event.TypeDirectMessage, DirectMessageEvent{
		From:      msg.From,
		MessageID: msg.ID,
		Text:      string(plaintext),
	})
}
