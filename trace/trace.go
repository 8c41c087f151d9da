// Package trace implements the multi-hop route discovery protocol.
//
// The origin seeds a route list containing only itself and sends a request
// toward a target. Every relay that is not the target appends its own id,
// increments the hop count and forwards, dropping silently once the hop
// budget is spent. The target replies directly to the origin with the
// accumulated route; the origin matches the reply to its pending request
// by correlation id and records the round-trip time.
package trace

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshnet/event"
	"github.com/opd-ai/meshnet/wire"
)

// Status is the lifecycle state of a traceroute record.
type Status uint8

const (
	// StatusPending means the request was created but not yet sent.
	StatusPending Status = iota
	// StatusInProgress means the request is on the mesh awaiting a reply.
	StatusInProgress
	// StatusCompleted means the reply arrived and the route is final.
	StatusCompleted
	// StatusTimeout means no reply arrived within the window.
	StatusTimeout
	// StatusError means the request could not be sent.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusTimeout:
		return "timeout"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Record is one traceroute request and its outcome, kept in a bounded
// history.
type Record struct {
	RequestID string
	TargetID  string
	Route     []wire.Hop
	Status    Status
	RTT       time.Duration
	StartedAt time.Time
}

// ErrSendFailed indicates the probe could not be handed to the transport.
var ErrSendFailed = errors.New("traceroute send failed")

// SendFunc transmits a traceroute message over the mesh.
type SendFunc func(*wire.Message) error

// Config holds the engine tunables.
type Config struct {
	MaxHops     int
	Timeout     time.Duration
	HistorySize int
}

// Engine issues traceroute requests, relays other nodes' probes and
// matches replies to pending requests.
type Engine struct {
	mu      sync.Mutex
	self    string
	cfg     Config
	pending map[string]*pendingProbe
	history *lru.Cache[string, *Record]
	clk     clock.Clock
	bus     *event.Bus
	send    SendFunc
}

type pendingProbe struct {
	record *Record
	timer  *clock.Timer
}

// NewEngine creates a traceroute engine for the given local node id.
func NewEngine(self string, cfg Config, clk clock.Clock, bus *event.Bus, send SendFunc) (*Engine, error) {
	history, err := lru.New[string, *Record](cfg.HistorySize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		self:    self,
		cfg:     cfg,
		pending: make(map[string]*pendingProbe),
		history: history,
		clk:     clk,
		bus:     bus,
		send:    send,
	}, nil
}

// Request starts a route discovery toward the target and returns the
// request id. The record turns Completed on reply or Timeout when the
// window closes.
func (e *Engine) Request(targetID string) (string, error) {
	requestID := uuid.NewString()[:13]
	record := &Record{
		RequestID: requestID,
		TargetID:  targetID,
		Status:    StatusPending,
		StartedAt: e.clk.Now(),
	}

	msg := wire.New(e.self, targetID, "", wire.TraceRequest{
		RequestID: requestID,
		Target:    targetID,
		Route:     []wire.Hop{{NodeID: e.self, HopNumber: 0}},
		HopCount:  0,
		MaxHops:   e.cfg.MaxHops,
	})

	if err := e.send(msg); err != nil {
		record.Status = StatusError
		e.mu.Lock()
		e.history.Add(requestID, record)
		e.mu.Unlock()
		return "", errors.Join(ErrSendFailed, err)
	}

	e.mu.Lock()
	record.Status = StatusInProgress
	probe := &pendingProbe{record: record}
	probe.timer = e.clk.AfterFunc(e.cfg.Timeout, func() {
		e.expire(requestID)
	})
	e.pending[requestID] = probe
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Request",
		"request":  requestID,
		"target":   targetID,
		"max_hops": e.cfg.MaxHops,
	}).Info("Traceroute started")
	return requestID, nil
}

// HandleRequest processes an inbound probe. As the target it replies to
// the origin with the accumulated route; as a relay it appends itself and
// forwards, dropping silently when the hop budget is spent.
func (e *Engine) HandleRequest(from string, req wire.TraceRequest) {
	if req.Target == e.self {
		route := append(append([]wire.Hop(nil), req.Route...), wire.Hop{
			NodeID:    e.self,
			HopNumber: len(req.Route),
		})
		origin := originOf(req.Route, from)
		reply := wire.New(e.self, origin, "", wire.TraceReply{
			RequestID: req.RequestID,
			Route:     route,
		})
		if err := e.send(reply); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "HandleRequest",
				"request":  req.RequestID,
				"error":    err.Error(),
			}).Warn("Failed to send traceroute reply")
		}
		return
	}

	if req.HopCount+1 >= req.MaxHops {
		// Hop budget spent: drop silently to stop unbounded relaying.
		return
	}

	fwd := wire.New(e.self, req.Target, "", wire.TraceRequest{
		RequestID: req.RequestID,
		Target:    req.Target,
		Route:     append(append([]wire.Hop(nil), req.Route...), wire.Hop{NodeID: e.self, HopNumber: len(req.Route)}),
		HopCount:  req.HopCount + 1,
		MaxHops:   req.MaxHops,
	})
	if err := e.send(fwd); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleRequest",
			"request":  req.RequestID,
			"error":    err.Error(),
		}).Debug("Failed to forward traceroute probe")
	}
}

// HandleReply matches a reply to its pending request, finalizes the record
// and cancels the timeout timer. Replies for unknown or already finalized
// requests are ignored.
func (e *Engine) HandleReply(reply wire.TraceReply) {
	e.mu.Lock()
	probe, ok := e.pending[reply.RequestID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.pending, reply.RequestID)
	probe.timer.Stop()

	record := probe.record
	record.Status = StatusCompleted
	record.Route = reply.Route
	record.RTT = e.clk.Now().Sub(record.StartedAt)
	e.history.Add(record.RequestID, record)
	snapshot := *record
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "HandleReply",
		"request":  record.RequestID,
		"hops":     len(record.Route),
		"rtt":      record.RTT,
	}).Info("Traceroute completed")
	e.bus.Publish(event.TypeTracerouteDone, snapshot)
}

// expire finalizes a pending request as timed out.
func (e *Engine) expire(requestID string) {
	e.mu.Lock()
	probe, ok := e.pending[requestID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.pending, requestID)

	record := probe.record
	record.Status = StatusTimeout
	e.history.Add(record.RequestID, record)
	snapshot := *record
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "expire",
		"request":  requestID,
		"target":   record.TargetID,
	}).Warn("Traceroute timed out")
	e.bus.Publish(event.TypeTracerouteDone, snapshot)
}

// Get returns a finalized record from history, or a pending one.
func (e *Engine) Get(requestID string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if probe, ok := e.pending[requestID]; ok {
		return *probe.record, true
	}
	if record, ok := e.history.Get(requestID); ok {
		return *record, true
	}
	return Record{}, false
}

// History returns finalized records, oldest first, bounded by the history
// size.
func (e *Engine) History() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	keys := e.history.Keys()
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		if record, ok := e.history.Get(k); ok {
			out = append(out, *record)
		}
	}
	return out
}

// Stop cancels every pending probe timer without finalizing records.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, probe := range e.pending {
		probe.timer.Stop()
		delete(e.pending, id)
	}
}

// originOf returns the first hop of the route, falling back to the sender
// of the probe.
func originOf(route []wire.Hop, from string) string {
	if len(route) > 0 {
		return route[0].NodeID
	}
	return from
}
