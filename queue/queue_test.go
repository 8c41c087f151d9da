package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshnet/event"
	"github.com/opd-ai/meshnet/store"
	"github.com/opd-ai/meshnet/wire"
)

func testConfig() Config {
	return Config{
		Capacity:      50,
		Interval:      10 * time.Second,
		BaseInterval:  30 * time.Second,
		BackoffFactor: 2,
		MaxRetries:    5,
		SendSpacing:   0,
	}
}

// recordingSender collects sent messages and fails on demand.
type recordingSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (r *recordingSender) send(msg *wire.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg.ID)
	return nil
}

func (r *recordingSender) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingSender) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func msg(id string) *wire.Message {
	return &wire.Message{
		ID:        id,
		From:      "node1",
		Channel:   "primary",
		Timestamp: time.Now().UTC(),
		Body:      wire.Text{Text: "queued " + id},
	}
}

func newTestQueue(t *testing.T, st store.Store, sender *recordingSender, hooks Hooks) (*Queue, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	q, err := New(testConfig(), st, clk, event.NewBus(), sender.send, hooks)
	require.NoError(t, err)
	return q, clk
}

func TestEnqueueProcessSend(t *testing.T) {
	sender := &recordingSender{}
	var sentIDs []string
	var mu sync.Mutex
	hooks := Hooks{Sent: func(id string) {
		mu.Lock()
		sentIDs = append(sentIDs, id)
		mu.Unlock()
	}}
	q, _ := newTestQueue(t, store.NewMemoryStore(), sender, hooks)

	require.NoError(t, q.Enqueue(msg("m1")))
	require.True(t, q.Contains("m1"))

	q.Process()

	assert.Equal(t, []string{"m1"}, sender.ids())
	mu.Lock()
	assert.Equal(t, []string{"m1"}, sentIDs)
	mu.Unlock()
	assert.False(t, q.Contains("m1"))
}

func TestQueueBounded(t *testing.T) {
	sender := &recordingSender{}
	st := store.NewMemoryStore()
	bus := event.NewBus()
	clk := clock.NewMock()
	q, err := New(testConfig(), st, clk, bus, sender.send, Hooks{})
	require.NoError(t, err)

	events, cancel := bus.Subscribe(4)
	defer cancel()

	for i := 0; i < 50; i++ {
		require.NoError(t, q.Enqueue(msg(wire.NewID("node1"))))
	}
	err = q.Enqueue(msg("overflow"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 50, q.Status().Queued, "no existing entry may be displaced")

	select {
	case ev := <-events:
		assert.Equal(t, event.TypeQueueFull, ev.Type)
		assert.Equal(t, "overflow", ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("no queue full event")
	}
}

func TestRetryBackoffAndEviction(t *testing.T) {
	sender := &recordingSender{}
	sender.setErr(errors.New("no route"))

	var failed []string
	var mu sync.Mutex
	hooks := Hooks{Failed: func(id string) {
		mu.Lock()
		failed = append(failed, id)
		mu.Unlock()
	}}
	q, clk := newTestQueue(t, store.NewMemoryStore(), sender, hooks)

	require.NoError(t, q.Enqueue(msg("m1")))

	// Attempt 1 fails immediately, then each retry waits base*factor^n.
	q.Process()
	assert.True(t, q.Contains("m1"))

	for i := 0; i < 5; i++ {
		// Not due yet: processing now is a no-op.
		q.Process()
		require.True(t, q.Contains("m1"), "retry %d fired early", i)

		clk.Add(time.Duration(1<<(i+1)) * 30 * time.Second)
		q.Process()
	}

	assert.False(t, q.Contains("m1"), "entry evicted after max retries")
	mu.Lock()
	assert.Equal(t, []string{"m1"}, failed)
	mu.Unlock()
}

func TestQueueSurvivesRestart(t *testing.T) {
	st := store.NewMemoryStore()
	sender := &recordingSender{}
	sender.setErr(errors.New("offline"))
	q, clk := newTestQueue(t, st, sender, Hooks{})

	require.NoError(t, q.Enqueue(msg("m1")))
	q.Process() // one failed attempt bumps the retry counter
	require.True(t, q.Contains("m1"))

	// A new queue over the same store sees the entry with its counter.
	q2, err := New(testConfig(), st, clk, event.NewBus(), sender.send, Hooks{})
	require.NoError(t, err)
	require.True(t, q2.Contains("m1"))

	m := q2.Status()
	assert.Equal(t, 1, m.Queued)
	assert.False(t, m.Oldest.IsZero())
}

func TestProcessOrderOldestFirst(t *testing.T) {
	sender := &recordingSender{}
	q, clk := newTestQueue(t, store.NewMemoryStore(), sender, Hooks{})

	require.NoError(t, q.Enqueue(msg("first")))
	clk.Add(time.Second)
	require.NoError(t, q.Enqueue(msg("second")))
	clk.Add(time.Second)
	require.NoError(t, q.Enqueue(msg("third")))

	q.Process()
	assert.Equal(t, []string{"first", "second", "third"}, sender.ids())
}

func TestSendableGate(t *testing.T) {
	sender := &recordingSender{}
	sendable := false
	hooks := Hooks{Sendable: func() bool { return sendable }}
	q, _ := newTestQueue(t, store.NewMemoryStore(), sender, hooks)

	require.NoError(t, q.Enqueue(msg("m1")))
	q.Process()
	assert.Empty(t, sender.ids(), "no attempt while unsendable")
	assert.True(t, q.Contains("m1"))

	sendable = true
	q.Process()
	assert.Equal(t, []string{"m1"}, sender.ids())
}

func TestCancel(t *testing.T) {
	sender := &recordingSender{}
	q, _ := newTestQueue(t, store.NewMemoryStore(), sender, Hooks{})

	require.NoError(t, q.Enqueue(msg("m1")))
	require.NoError(t, q.Cancel("m1"))
	assert.ErrorIs(t, q.Cancel("m1"), ErrNotQueued)

	q.Process()
	assert.Empty(t, sender.ids())
}

func TestStartStopIdempotent(t *testing.T) {
	sender := &recordingSender{}
	cfg := testConfig()
	cfg.Interval = 5 * time.Millisecond
	q, err := New(cfg, store.NewMemoryStore(), clock.New(), event.NewBus(), sender.send, Hooks{})
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(msg("m1")))

	q.Start()
	q.Start() // second start is a no-op

	require.Eventually(t, func() bool {
		return len(sender.ids()) == 1
	}, time.Second, time.Millisecond)

	q.Stop()
	q.Stop() // second stop is a no-op
}
