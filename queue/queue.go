// Package queue implements the persisted store-and-forward outbound
// buffer.
//
// Messages that cannot be transmitted yet (no connection, or a
// synchronous send failure) are parked here and replayed by a
// background processor once connectivity returns. The queue
// is bounded and fails closed when full; contents and per-entry retry
// counters survive process restarts.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshnet/event"
	"github.com/opd-ai/meshnet/store"
	"github.com/opd-ai/meshnet/wire"
)

var (
	// ErrQueueFull indicates the bounded queue rejected a new entry.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrNotQueued indicates a cancel for an id not in the queue.
	ErrNotQueued = errors.New("message not queued")
)

// Entry is one parked message plus its retry bookkeeping.
type Entry struct {
	Message     *wire.Message
	QueuedAt    time.Time
	Retries     int
	NextRetryAt time.Time
}

// persistedEntry is the storable form of an Entry.
type persistedEntry struct {
	Envelope    []byte    `json:"envelope"`
	QueuedAt    time.Time `json:"queued_at"`
	Retries     int       `json:"retries"`
	NextRetryAt time.Time `json:"next_retry_at"`
}

// Metrics is a snapshot of queue state.
type Metrics struct {
	Queued   int
	Capacity int
	Oldest   time.Time
}

// Config holds the queue tunables.
type Config struct {
	Capacity      int
	Interval      time.Duration // processor tick while connected
	BaseInterval  time.Duration // first retry delay after a failed attempt
	BackoffFactor float64
	MaxRetries    int
	SendSpacing   time.Duration // pause between successive sends
}

// SendFunc attempts one transmission of a queued message.
type SendFunc func(*wire.Message) error

// Hooks are the delivery-engine callbacks the queue drives.
type Hooks struct {
	// Sent is called after a successful transmission; the message enters
	// the ACK-timeout flow.
	Sent func(messageID string)
	// Failed is called when an entry exhausts its retry budget.
	Failed func(messageID string)
	// Sendable reports whether transmission is currently worth attempting.
	Sendable func() bool
}

// Queue is the bounded, persisted store-and-forward buffer.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*Entry
	st      store.Store
	clk     clock.Clock
	bus     *event.Bus
	cfg     Config
	send    SendFunc
	hooks   Hooks

	running    bool
	processing bool
	stop       chan struct{}
	done       chan struct{}
}

// New creates the queue and reloads any entries persisted by a previous
// session, retry counters included.
func New(cfg Config, st store.Store, clk clock.Clock, bus *event.Bus, send SendFunc, hooks Hooks) (*Queue, error) {
	q := &Queue{
		entries: make(map[string]*Entry),
		st:      st,
		clk:     clk,
		bus:     bus,
		cfg:     cfg,
		send:    send,
		hooks:   hooks,
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// Enqueue parks a message for later transmission. It fails closed with
// ErrQueueFull when the queue is at capacity; existing entries are never
// displaced.
func (q *Queue) Enqueue(msg *wire.Message) error {
	q.mu.Lock()

	if _, dup := q.entries[msg.ID]; dup {
		q.mu.Unlock()
		return nil // already parked
	}
	if len(q.entries) >= q.cfg.Capacity {
		q.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Enqueue",
			"message":  msg.ID,
			"capacity": q.cfg.Capacity,
		}).Warn("Outbound queue full, message rejected")
		q.bus.Publish(event.TypeQueueFull, msg.ID)
		return ErrQueueFull
	}

	entry := &Entry{
		Message:     msg,
		QueuedAt:    q.clk.Now(),
		NextRetryAt: q.clk.Now(),
	}
	q.entries[msg.ID] = entry
	err := q.persistLocked(entry)
	q.mu.Unlock()

	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Enqueue",
		"message":  msg.ID,
		"kind":     msg.Kind().String(),
	}).Debug("Message parked for store-and-forward")
	return nil
}

// Cancel removes an entry without sending it.
func (q *Queue) Cancel(messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[messageID]; !ok {
		return ErrNotQueued
	}
	delete(q.entries, messageID)
	return q.st.Delete(store.NSQueue, messageID)
}

// Contains reports whether the message is currently parked.
func (q *Queue) Contains(messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[messageID]
	return ok
}

// Status returns current queue metrics.
func (q *Queue) Status() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := Metrics{Queued: len(q.entries), Capacity: q.cfg.Capacity}
	for _, e := range q.entries {
		if m.Oldest.IsZero() || e.QueuedAt.Before(m.Oldest) {
			m.Oldest = e.QueuedAt
		}
	}
	return m
}

// Start launches the background processor. Idempotent.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}
	q.running = true
	q.stop = make(chan struct{})
	q.done = make(chan struct{})
	go q.loop(q.stop, q.done)
}

// Stop halts the background processor and waits for it to exit. Calling
// Stop while already stopped is a no-op.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	stop, done := q.stop, q.done
	q.mu.Unlock()

	close(stop)
	<-done
}

func (q *Queue) loop(stop, done chan struct{}) {
	defer close(done)

	ticker := q.clk.Ticker(q.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			q.Process()
		}
	}
}

// Process runs one replay pass over every due entry. It is idempotent and
// safe to call repeatedly; overlapping calls collapse into one pass.
func (q *Queue) Process() {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	if q.hooks.Sendable != nil && !q.hooks.Sendable() {
		return
	}

	for i, entry := range q.due() {
		if i > 0 && q.cfg.SendSpacing > 0 {
			// Space successive sends so replay cannot saturate the link.
			q.clk.Sleep(q.cfg.SendSpacing)
		}
		q.attempt(entry)
	}
}

// due snapshots the entries eligible for an attempt, oldest first.
func (q *Queue) due() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clk.Now()
	var out []*Entry
	for _, e := range q.entries {
		if !e.NextRetryAt.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out
}

// attempt transmits one entry and applies the success/backoff/eviction
// outcome.
func (q *Queue) attempt(entry *Entry) {
	id := entry.Message.ID

	err := q.send(entry.Message)

	q.mu.Lock()
	if _, still := q.entries[id]; !still {
		// Cancelled while we were sending.
		q.mu.Unlock()
		return
	}

	if err == nil {
		delete(q.entries, id)
		if derr := q.st.Delete(store.NSQueue, id); derr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "attempt",
				"message":  id,
				"error":    derr.Error(),
			}).Error("Failed to remove sent entry from store")
		}
		q.mu.Unlock()

		if q.hooks.Sent != nil {
			q.hooks.Sent(id)
		}
		return
	}

	entry.Retries++
	if entry.Retries > q.cfg.MaxRetries {
		delete(q.entries, id)
		if derr := q.st.Delete(store.NSQueue, id); derr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "attempt",
				"message":  id,
				"error":    derr.Error(),
			}).Error("Failed to remove exhausted entry from store")
		}
		q.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "attempt",
			"message":  id,
			"retries":  entry.Retries - 1,
		}).Warn("Queued message exhausted its retries")
		if q.hooks.Failed != nil {
			q.hooks.Failed(id)
		}
		return
	}

	delay := time.Duration(float64(q.cfg.BaseInterval) * math.Pow(q.cfg.BackoffFactor, float64(entry.Retries)))
	entry.NextRetryAt = q.clk.Now().Add(delay)
	perr := q.persistLocked(entry)
	q.mu.Unlock()

	if perr != nil {
		logrus.WithFields(logrus.Fields{
			"function": "attempt",
			"message":  id,
			"error":    perr.Error(),
		}).Error("Failed to persist retry state")
	}
	logrus.WithFields(logrus.Fields{
		"function": "attempt",
		"message":  id,
		"retries":  entry.Retries,
		"delay":    delay,
	}).Debug("Send failed, entry kept queued")
}

// persistLocked writes one entry to the store. Caller holds q.mu.
func (q *Queue) persistLocked(entry *Entry) error {
	envelope, err := wire.Marshal(entry.Message)
	if err != nil {
		return fmt.Errorf("failed to serialize queued message: %w", err)
	}
	raw, err := json.Marshal(persistedEntry{
		Envelope:    envelope,
		QueuedAt:    entry.QueuedAt,
		Retries:     entry.Retries,
		NextRetryAt: entry.NextRetryAt,
	})
	if err != nil {
		return err
	}
	if err := q.st.Put(store.NSQueue, entry.Message.ID, raw); err != nil {
		return fmt.Errorf("failed to persist queue entry: %w", err)
	}
	return nil
}

// load restores persisted entries. Corrupted records are dropped rather
// than blocking startup.
func (q *Queue) load() error {
	records, err := q.st.List(store.NSQueue)
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}
	for id, raw := range records {
		var p persistedEntry
		if err := json.Unmarshal(raw, &p); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "load",
				"message":  id,
			}).Warn("Dropping corrupted queue entry")
			_ = q.st.Delete(store.NSQueue, id)
			continue
		}
		msg, err := wire.Unmarshal(p.Envelope)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "load",
				"message":  id,
			}).Warn("Dropping undecodable queue entry")
			_ = q.st.Delete(store.NSQueue, id)
			continue
		}
		q.entries[id] = &Entry{
			Message:     msg,
			QueuedAt:    p.QueuedAt,
			Retries:     p.Retries,
			NextRetryAt: p.NextRetryAt,
		}
	}

	if len(q.entries) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "load",
			"entries":  len(q.entries),
		}).Info("Restored store-and-forward queue")
	}
	return nil
}
