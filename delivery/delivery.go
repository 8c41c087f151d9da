// Package delivery owns the per-message delivery state machine, the ACK
// timeout scheduling and the bounded exponential-backoff retry policy.
//
// State machine per message id:
//
//	Queued → Pending → Sent → {Delivered, Failed}
//	Delivered → Read (direct messages only)
//
// A Sent message whose ACK timer expires is not presumed lost: mesh
// latency is unbounded. Direct messages get a bounded number of backoff
// retries before the record turns Failed; channel broadcasts never
// auto-retry on ACK timeout because a broadcast has no single
// acknowledger.
package delivery

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshnet/event"
	"github.com/opd-ai/meshnet/store"
)

// Status is the delivery state of a message.
type Status uint8

const (
	// StatusQueued means the message sits in the outbound queue.
	StatusQueued Status = iota
	// StatusPending means a send is in progress.
	StatusPending
	// StatusSent means the message went out and awaits an ACK.
	StatusSent
	// StatusDelivered means a matching ACK arrived.
	StatusDelivered
	// StatusRead means the recipient confirmed reading (direct only).
	StatusRead
	// StatusFailed means retries are exhausted or the send failed terminally.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrUnknownMessage indicates no delivery record exists for the id.
	ErrUnknownMessage = errors.New("unknown message id")
	// ErrNotFailed indicates a manual retry on a message that has not failed.
	ErrNotFailed = errors.New("message has not failed")
)

// Record tracks the delivery state of one message. Exactly one record
// exists per message id.
type Record struct {
	MessageID string
	Status    Status
	Direct    bool
	SentAt    time.Time
	AckAt     time.Time
	Retries   int

	policy backoff.BackOff
}

// persistedRecord is the stored form of a Record. The backoff policy is
// rebuilt on first use after a reload.
type persistedRecord struct {
	MessageID string    `json:"id"`
	Status    Status    `json:"status"`
	Direct    bool      `json:"direct"`
	SentAt    time.Time `json:"sent_at,omitempty"`
	AckAt     time.Time `json:"ack_at,omitempty"`
	Retries   int       `json:"retries"`
}

// StatusChange is the payload of every message-status event.
type StatusChange struct {
	MessageID string
	Status    Status
	Retries   int
}

// ResendFunc re-transmits the message with the given id. The tracker calls
// it when a retry timer fires; on success the caller is expected to invoke
// MarkSent again.
type ResendFunc func(messageID string) error

// Config holds the tunables of the retry engine.
type Config struct {
	AckTimeout     time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	BackoffFactor  float64
	MaxBackoff     time.Duration
}

// Tracker is the delivery and retry engine. Records are written through
// to the store so delivery status survives a restart alongside the
// outbound queue entries that reference it.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*Record
	timers  map[string]*clock.Timer
	st      store.Store
	clk     clock.Clock
	bus     *event.Bus
	cfg     Config
	resend  ResendFunc
	stopped bool
}

// NewTracker creates a delivery tracker and reloads persisted records.
// Reloaded Sent records get their ACK timer re-armed so the retry flow
// resumes where the previous session left off. The resend function is
// invoked from timer goroutines and must be safe for concurrent use.
func NewTracker(cfg Config, st store.Store, clk clock.Clock, bus *event.Bus, resend ResendFunc) (*Tracker, error) {
	t := &Tracker{
		records: make(map[string]*Record),
		timers:  make(map[string]*clock.Timer),
		st:      st,
		clk:     clk,
		bus:     bus,
		cfg:     cfg,
		resend:  resend,
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

// load restores persisted records, dropping any that fail to decode.
func (t *Tracker) load() error {
	all, err := t.st.List(store.NSDelivery)
	if err != nil {
		return err
	}

	for key, raw := range all {
		var pr persistedRecord
		if err := json.Unmarshal(raw, &pr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "load",
				"key":      key,
				"error":    err.Error(),
			}).Warn("Dropping corrupted delivery record")
			_ = t.st.Delete(store.NSDelivery, key)
			continue
		}

		id := pr.MessageID
		t.records[id] = &Record{
			MessageID: id,
			Status:    pr.Status,
			Direct:    pr.Direct,
			SentAt:    pr.SentAt,
			AckAt:     pr.AckAt,
			Retries:   pr.Retries,
		}
		if pr.Status == StatusSent {
			t.timers[id] = t.clk.AfterFunc(t.cfg.AckTimeout, func() {
				t.onAckTimeout(id)
			})
		}
	}

	if len(t.records) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "load",
			"records":  len(t.records),
		}).Info("Restored delivery records")
	}
	return nil
}

// persistLocked writes one record through to the store. Caller holds t.mu.
func (t *Tracker) persistLocked(r *Record) {
	raw, err := json.Marshal(persistedRecord{
		MessageID: r.MessageID,
		Status:    r.Status,
		Direct:    r.Direct,
		SentAt:    r.SentAt,
		AckAt:     r.AckAt,
		Retries:   r.Retries,
	})
	if err != nil {
		return
	}
	if err := t.st.Put(store.NSDelivery, r.MessageID, raw); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "persistLocked",
			"message":  r.MessageID,
			"error":    err.Error(),
		}).Error("Failed to persist delivery record")
	}
}

// Track creates the delivery record for a new message. Tracking an already
// tracked id resets its record.
func (t *Tracker) Track(messageID string, direct bool, initial Status) {
	t.mu.Lock()
	t.cancelTimerLocked(messageID)
	r := &Record{
		MessageID: messageID,
		Status:    initial,
		Direct:    direct,
	}
	t.records[messageID] = r
	t.persistLocked(r)
	t.mu.Unlock()

	t.publish(messageID, initial, 0)
}

// Get returns a copy of the record for the id.
func (t *Tracker) Get(messageID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[messageID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// MarkQueued moves a message into the queued state.
func (t *Tracker) MarkQueued(messageID string) {
	t.setStatus(messageID, StatusQueued, false)
}

// MarkPending moves a message into the pending state.
func (t *Tracker) MarkPending(messageID string) {
	t.setStatus(messageID, StatusPending, false)
}

// MarkSent records a successful transmission and arms the ACK timer.
func (t *Tracker) MarkSent(messageID string) {
	t.mu.Lock()
	r, ok := t.records[messageID]
	if !ok {
		t.mu.Unlock()
		return
	}
	r.Status = StatusSent
	r.SentAt = t.clk.Now()
	retries := r.Retries
	t.persistLocked(r)

	t.cancelTimerLocked(messageID)
	if !t.stopped {
		t.timers[messageID] = t.clk.AfterFunc(t.cfg.AckTimeout, func() {
			t.onAckTimeout(messageID)
		})
	}
	t.mu.Unlock()

	t.publish(messageID, StatusSent, retries)
}

// Ack records a matching acknowledgment. Valid at any point before a
// terminal state; the ACK timer and any scheduled retry are cancelled.
func (t *Tracker) Ack(messageID string) {
	t.mu.Lock()
	r, ok := t.records[messageID]
	if !ok || r.Status == StatusDelivered || r.Status == StatusRead {
		t.mu.Unlock()
		return
	}
	r.Status = StatusDelivered
	r.AckAt = t.clk.Now()
	retries := r.Retries
	t.persistLocked(r)
	t.cancelTimerLocked(messageID)
	t.mu.Unlock()

	t.publish(messageID, StatusDelivered, retries)
}

// MarkRead records a read receipt for a direct message. A read receipt
// implies delivery, so it is honored even when the ACK was lost.
func (t *Tracker) MarkRead(messageID string) {
	t.mu.Lock()
	r, ok := t.records[messageID]
	if !ok || !r.Direct || r.Status == StatusFailed {
		t.mu.Unlock()
		return
	}
	r.Status = StatusRead
	if r.AckAt.IsZero() {
		r.AckAt = t.clk.Now()
	}
	retries := r.Retries
	t.persistLocked(r)
	t.cancelTimerLocked(messageID)
	t.mu.Unlock()

	t.publish(messageID, StatusRead, retries)
}

// MarkFailed moves a message to the terminal failed state.
func (t *Tracker) MarkFailed(messageID string) {
	t.setStatus(messageID, StatusFailed, true)
}

// ManualRetry resets a failed message to pending and re-invokes the send
// path. It is the caller-facing recovery for messages the engine gave up
// on.
func (t *Tracker) ManualRetry(messageID string) error {
	t.mu.Lock()
	r, ok := t.records[messageID]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownMessage
	}
	if r.Status != StatusFailed {
		t.mu.Unlock()
		return ErrNotFailed
	}
	r.Status = StatusPending
	r.Retries = 0
	r.policy = nil
	t.persistLocked(r)
	t.mu.Unlock()

	t.publish(messageID, StatusPending, 0)
	return t.resend(messageID)
}

// Forget removes a record, for history pruning. Any timer is cancelled.
func (t *Tracker) Forget(messageID string) {
	t.mu.Lock()
	t.cancelTimerLocked(messageID)
	delete(t.records, messageID)
	_ = t.st.Delete(store.NSDelivery, messageID)
	t.mu.Unlock()
}

// Stop cancels every outstanding timer. Used on session shutdown so no
// stale callback fires after state has moved on.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

// onAckTimeout fires when a Sent message's ACK window closed. Direct
// messages get a backoff retry while the attempt budget lasts; broadcasts
// are left Sent, because an unacknowledged broadcast is not presumed lost.
func (t *Tracker) onAckTimeout(messageID string) {
	t.mu.Lock()
	delete(t.timers, messageID)
	r, ok := t.records[messageID]
	if !ok || r.Status != StatusSent {
		t.mu.Unlock()
		return
	}
	if !r.Direct || t.stopped {
		t.mu.Unlock()
		return
	}

	if r.Retries >= t.cfg.MaxRetries {
		exhausted := r.Retries
		t.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "onAckTimeout",
			"message":  messageID,
			"retries":  exhausted,
		}).Warn("Retry budget exhausted")
		t.setStatus(messageID, StatusFailed, true)
		return
	}

	r.Retries++
	attempt := r.Retries
	t.persistLocked(r)
	delay := t.nextDelayLocked(r)
	t.timers[messageID] = t.clk.AfterFunc(delay, func() {
		t.fireResend(messageID)
	})
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "onAckTimeout",
		"message":  messageID,
		"attempt":  attempt,
		"delay":    delay,
	}).Info("No ACK, retry scheduled")
}

// fireResend runs a scheduled retry. A resend failure either schedules the
// next attempt or exhausts the budget.
func (t *Tracker) fireResend(messageID string) {
	t.mu.Lock()
	delete(t.timers, messageID)
	r, ok := t.records[messageID]
	if !ok || r.Status != StatusSent || t.stopped {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if err := t.resend(messageID); err == nil {
		// Success path: the sender called MarkSent, which re-armed the
		// ACK timer with the retry count preserved.
		return
	}

	t.mu.Lock()
	r, ok = t.records[messageID]
	if !ok || r.Status != StatusSent || t.stopped {
		t.mu.Unlock()
		return
	}
	if r.Retries >= t.cfg.MaxRetries {
		t.mu.Unlock()
		t.setStatus(messageID, StatusFailed, true)
		return
	}
	r.Retries++
	t.persistLocked(r)
	delay := t.nextDelayLocked(r)
	t.timers[messageID] = t.clk.AfterFunc(delay, func() {
		t.fireResend(messageID)
	})
	t.mu.Unlock()
}

// nextDelayLocked returns the next backoff delay for the record, creating
// its policy on first use.
func (t *Tracker) nextDelayLocked(r *Record) time.Duration {
	if r.policy == nil {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = t.cfg.InitialBackoff
		policy.Multiplier = t.cfg.BackoffFactor
		policy.MaxInterval = t.cfg.MaxBackoff
		policy.RandomizationFactor = 0
		policy.MaxElapsedTime = 0
		policy.Reset()
		r.policy = policy
	}
	return r.policy.NextBackOff()
}

// setStatus applies a plain transition with no timer side effects beyond
// cancellation on terminal states.
func (t *Tracker) setStatus(messageID string, status Status, terminal bool) {
	t.mu.Lock()
	r, ok := t.records[messageID]
	if !ok {
		t.mu.Unlock()
		return
	}
	r.Status = status
	retries := r.Retries
	t.persistLocked(r)
	if terminal {
		t.cancelTimerLocked(messageID)
	}
	t.mu.Unlock()

	t.publish(messageID, status, retries)
}

func (t *Tracker) cancelTimerLocked(messageID string) {
	if timer, ok := t.timers[messageID]; ok {
		timer.Stop()
		delete(t.timers, messageID)
	}
}

func (t *Tracker) publish(messageID string, status Status, retries int) {
	t.bus.Publish(event.TypeMessageStatus, StatusChange{
		MessageID: messageID,
		Status:    status,
		Retries:   retries,
	})
}
