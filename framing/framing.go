// Package framing implements the binary wire framing for the mesh link.
//
// Every frame on the wire is a fixed 2-byte marker, a 2-byte big-endian
// length, and that many payload bytes. Logical payloads larger than the
// per-frame budget are split into ordered chunks sharing a chunk-set id;
// the decoder buffers chunks per (sender, set) until every index is
// present, then reassembles the original payload.
//
// The decoder is a streaming reassembler: it tolerates partial reads,
// resynchronizes byte-by-byte on marker mismatch, and drops malformed
// frames without failing the stream.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// marker1 and marker2 open every frame on the wire.
	marker1 = 0x94
	marker2 = 0xC3

	headerSize = 4

	// frameSingle carries a complete logical payload.
	frameSingle = 0x01
	// frameChunk carries one chunk of a split logical payload.
	frameChunk = 0x02

	// MaxChunkData is the logical payload budget per frame. Payloads above
	// this size are chunked.
	MaxChunkData = 180

	// MaxChunks bounds how many chunks one logical payload may span.
	MaxChunks = 32

	// MaxFrameBody bounds the length field. Anything larger is treated as
	// stream corruption.
	MaxFrameBody = 512

	// pendingTTL is how long an incomplete chunk set is retained before
	// being discarded.
	pendingTTL = 2 * time.Minute
)

var (
	// ErrPayloadTooLarge indicates a payload that does not fit in MaxChunks
	// chunks.
	ErrPayloadTooLarge = errors.New("payload too large to frame")
	// ErrEmptyPayload indicates an attempt to encode an empty payload.
	ErrEmptyPayload = errors.New("empty payload")
)

// Encoder turns logical payloads into wire frames.
type Encoder struct {
	mu      sync.Mutex
	sender  string
	nextSet uint32
}

// NewEncoder creates an encoder for the given sender id. The sender id is
// embedded in chunk headers so receivers can reassemble interleaved chunk
// sets from different nodes.
func NewEncoder(sender string) *Encoder {
	return &Encoder{sender: sender}
}

// Encode produces one or more frames carrying the payload. Payloads within
// MaxChunkData fit in a single frame; larger ones are chunked.
func (e *Encoder) Encode(payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	if len(payload) <= MaxChunkData {
		return [][]byte{frame(append([]byte{frameSingle}, payload...))}, nil
	}

	total := (len(payload) + MaxChunkData - 1) / MaxChunkData
	if total > MaxChunks {
		return nil, fmt.Errorf("%w: %d bytes need %d chunks", ErrPayloadTooLarge, len(payload), total)
	}

	e.mu.Lock()
	setID := e.nextSet
	e.nextSet++
	e.mu.Unlock()

	frames := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * MaxChunkData
		end := start + MaxChunkData
		if end > len(payload) {
			end = len(payload)
		}

		body := make([]byte, 0, 8+len(e.sender)+end-start)
		body = append(body, frameChunk)
		body = binary.BigEndian.AppendUint32(body, setID)
		body = append(body, byte(i), byte(total), byte(len(e.sender)))
		body = append(body, e.sender...)
		body = append(body, payload[start:end]...)
		frames = append(frames, frame(body))
	}

	logrus.WithFields(logrus.Fields{
		"function": "Encode",
		"sender":   e.sender,
		"set_id":   setID,
		"chunks":   total,
		"bytes":    len(payload),
	}).Debug("Payload chunked")

	return frames, nil
}

// frame wraps a body in the marker + length header.
func frame(body []byte) []byte {
	out := make([]byte, headerSize+len(body))
	out[0] = marker1
	out[1] = marker2
	binary.BigEndian.PutUint16(out[2:4], uint16(len(body)))
	copy(out[headerSize:], body)
	return out
}

// pendingSet accumulates chunks of one logical payload.
type pendingSet struct {
	parts    [][]byte
	received int
	total    int
	created  time.Time
}

// Decoder reassembles logical payloads from a raw byte stream.
type Decoder struct {
	mu      sync.Mutex
	buf     []byte
	pending map[string]*pendingSet
	now     func() time.Time
}

// NewDecoder creates an empty streaming decoder.
func NewDecoder() *Decoder {
	return &Decoder{
		pending: make(map[string]*pendingSet),
		now:     time.Now,
	}
}

// Feed appends raw bytes from the transport and returns every logical
// payload completed by them, in arrival order. Malformed bytes are skipped
// until the next marker; truncated frames stay buffered until more bytes
// arrive.
func (d *Decoder) Feed(data []byte) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.buf = append(d.buf, data...)
	var out [][]byte

	for {
		// Resynchronize on the marker.
		for len(d.buf) >= 2 && !(d.buf[0] == marker1 && d.buf[1] == marker2) {
			d.buf = d.buf[1:]
		}
		if len(d.buf) < headerSize {
			break
		}

		length := int(binary.BigEndian.Uint16(d.buf[2:4]))
		if length == 0 || length > MaxFrameBody {
			// Corrupt length field. Skip the first marker byte and rescan.
			d.buf = d.buf[1:]
			continue
		}
		if len(d.buf) < headerSize+length {
			break // truncated, wait for more bytes
		}

		body := d.buf[headerSize : headerSize+length]
		d.buf = d.buf[headerSize+length:]

		if payload, ok := d.consume(body); ok {
			out = append(out, payload)
		}
	}

	return out
}

// consume interprets one frame body, returning a completed logical payload
// when the frame finishes one.
func (d *Decoder) consume(body []byte) ([]byte, bool) {
	switch body[0] {
	case frameSingle:
		if len(body) < 2 {
			return nil, false
		}
		payload := make([]byte, len(body)-1)
		copy(payload, body[1:])
		return payload, true

	case frameChunk:
		return d.consumeChunk(body[1:])

	default:
		logrus.WithFields(logrus.Fields{
			"function":   "consume",
			"frame_type": body[0],
		}).Debug("Unknown frame type dropped")
		return nil, false
	}
}

func (d *Decoder) consumeChunk(b []byte) ([]byte, bool) {
	// setID(4) index(1) total(1) senderLen(1)
	if len(b) < 7 {
		return nil, false
	}
	setID := binary.BigEndian.Uint32(b[:4])
	index := int(b[4])
	total := int(b[5])
	senderLen := int(b[6])
	if total == 0 || total > MaxChunks || index >= total || len(b) < 7+senderLen+1 {
		return nil, false
	}
	sender := string(b[7 : 7+senderLen])
	data := b[7+senderLen:]

	d.prune()

	key := fmt.Sprintf("%s/%d", sender, setID)
	set, ok := d.pending[key]
	if !ok {
		set = &pendingSet{parts: make([][]byte, total), total: total, created: d.now()}
		d.pending[key] = set
	}
	if set.total != total {
		// Header disagreement within one set: discard the set.
		delete(d.pending, key)
		return nil, false
	}
	if set.parts[index] == nil {
		set.parts[index] = append([]byte(nil), data...)
		set.received++
	}
	if set.received < set.total {
		return nil, false
	}

	delete(d.pending, key)
	var payload []byte
	for _, part := range set.parts {
		payload = append(payload, part...)
	}
	return payload, true
}

// prune drops incomplete chunk sets older than pendingTTL.
func (d *Decoder) prune() {
	cutoff := d.now().Add(-pendingTTL)
	for key, set := range d.pending {
		if set.created.Before(cutoff) {
			delete(d.pending, key)
		}
	}
}

// PendingSets returns the number of incomplete chunk sets held by the
// decoder, for diagnostics.
func (d *Decoder) PendingSets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
