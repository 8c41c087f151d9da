package meshnet

import "time"

// Options contains configuration for creating a Client. The zero value is
// not usable; start from NewOptions.
type Options struct {
	// NodeID is the stable mesh identity of the local radio.
	NodeID string
	// LongName and ShortName are announced in node-info broadcasts.
	LongName  string
	ShortName string

	// AckTimeout is how long a sent message waits for an ACK before the
	// retry logic considers the attempt stale.
	AckTimeout time.Duration
	// MaxRetries bounds automatic retransmissions of a direct message.
	MaxRetries int
	// InitialBackoff, BackoffFactor and MaxBackoff shape the delay between
	// direct-message retransmissions.
	InitialBackoff time.Duration
	BackoffFactor  float64
	MaxBackoff     time.Duration

	// QueueCapacity bounds the store-and-forward queue.
	QueueCapacity int
	// QueueInterval is the background replay tick while connected.
	QueueInterval time.Duration
	// QueueBaseInterval and QueueBackoffFactor shape per-entry retry delays.
	QueueBaseInterval  time.Duration
	QueueBackoffFactor float64
	// QueueMaxRetries bounds replay attempts per queued entry.
	QueueMaxRetries int
	// SendSpacing is the pause between successive queue replays so a burst
	// cannot saturate the low-bandwidth link.
	SendSpacing time.Duration

	// KeyRequestTimeout is the window for a peer to answer a public key
	// request.
	KeyRequestTimeout time.Duration

	// TraceTimeout is the window for a traceroute reply.
	TraceTimeout time.Duration
	// TraceMaxHops bounds traceroute relaying.
	TraceMaxHops int
	// TraceHistorySize bounds the retained traceroute records.
	TraceHistorySize int

	// ReachabilityWindow is how recently a neighbor must have been heard
	// for the mesh to count as reachable.
	ReachabilityWindow time.Duration

	// PositionInterval is the period of the own-position broadcast while
	// connected. Zero disables it.
	PositionInterval time.Duration

	// HistoryPerPeer bounds retained direct-message history per peer.
	HistoryPerPeer int

	// DedupeSize bounds the inbound duplicate-suppression cache.
	DedupeSize int
}

// NewOptions returns the default configuration.
func NewOptions() Options {
	return Options{
		AckTimeout:         30 * time.Second,
		MaxRetries:         3,
		InitialBackoff:     5 * time.Second,
		BackoffFactor:      3,
		MaxBackoff:         30 * time.Second,
		QueueCapacity:      50,
		QueueInterval:      10 * time.Second,
		QueueBaseInterval:  30 * time.Second,
		QueueBackoffFactor: 2,
		QueueMaxRetries:    5,
		SendSpacing:        250 * time.Millisecond,
		KeyRequestTimeout:  60 * time.Second,
		TraceTimeout:       45 * time.Second,
		TraceMaxHops:       7,
		TraceHistorySize:   32,
		ReachabilityWindow: 10 * time.Minute,
		PositionInterval:   15 * time.Minute,
		HistoryPerPeer:     100,
		DedupeSize:         512,
	}
}
