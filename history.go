package meshnet

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshnet/store"
	"github.com/opd-ai/meshnet/wire"
)

// historyLog persists channel and direct-message history in the store,
// bounded per conversation, and honors the deleted-message id set when
// replaying.
type historyLog struct {
	mu      sync.Mutex
	st      store.Store
	perPeer int
}

func newHistoryLog(st store.Store, perPeer int) *historyLog {
	return &historyLog{st: st, perPeer: perPeer}
}

// scopeChannel and scopeDM prefix history keys so one namespace holds both
// kinds of conversation.
func scopeChannel(channelID string) string { return "ch:" + channelID }
func scopeDM(peerID string) string         { return "dm:" + peerID }

// historyKey orders entries by timestamp within a scope. The message id
// suffix keeps same-millisecond entries distinct.
func historyKey(scope string, ts time.Time, id string) string {
	return fmt.Sprintf("%s/%013d/%s", scope, ts.UnixMilli(), id)
}

// Append stores one message under the given scope.
func (h *historyLog) Append(scope string, msg *wire.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	raw, err := wire.Marshal(msg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Append",
			"message":  msg.ID,
			"error":    err.Error(),
		}).Error("Failed to serialize history entry")
		return
	}
	if err := h.st.Put(store.NSHistory, historyKey(scope, msg.Timestamp, msg.ID), raw); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Append",
			"message":  msg.ID,
			"error":    err.Error(),
		}).Error("Failed to persist history entry")
		return
	}

	if strings.HasPrefix(scope, "dm:") {
		h.pruneLocked(scope)
	}
}

// pruneLocked keeps only the most recent perPeer entries of a DM scope.
func (h *historyLog) pruneLocked(scope string) {
	keys := h.scopeKeysLocked(scope)
	if len(keys) <= h.perPeer {
		return
	}
	for _, key := range keys[:len(keys)-h.perPeer] {
		_ = h.st.Delete(store.NSHistory, key)
	}
}

// scopeKeysLocked returns the sorted history keys of one scope.
func (h *historyLog) scopeKeysLocked(scope string) []string {
	all, err := h.st.List(store.NSHistory)
	if err != nil {
		return nil
	}
	prefix := scope + "/"
	var keys []string
	for key := range all {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Messages replays a scope's history in timestamp order, skipping messages
// in the deleted set.
func (h *historyLog) Messages(scope string) []*wire.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []*wire.Message
	for _, key := range h.scopeKeysLocked(scope) {
		raw, err := h.st.Get(store.NSHistory, key)
		if err != nil {
			continue
		}
		msg, err := wire.Unmarshal(raw)
		if err != nil {
			continue
		}
		if h.deletedLocked(msg.ID) {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// CountSince counts channel messages newer than the given time, feeding
// the unread bookkeeping.
func (h *historyLog) CountSince(channelID string, since time.Time) int {
	count := 0
	for _, msg := range h.Messages(scopeChannel(channelID)) {
		if msg.Timestamp.After(since) {
			count++
		}
	}
	return count
}

// Delete adds a message id to the deleted set. The entry itself stays in
// the store but is skipped on replay.
func (h *historyLog) Delete(messageID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.st.Put(store.NSDeleted, messageID, []byte{1})
}

func (h *historyLog) deletedLocked(messageID string) bool {
	_, err := h.st.Get(store.NSDeleted, messageID)
	return err == nil
}
