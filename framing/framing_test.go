package framing

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleFrameRoundTrip(t *testing.T) {
	enc := NewEncoder("node1")
	dec := NewDecoder()

	payload := []byte(`{"id":"node1-1","kind":"text","body":{"text":"hi"}}`)
	frames, err := enc.Encode(payload)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	got := dec.Feed(frames[0])
	require.Len(t, got, 1)
	assert.Equal(t, payload, got[0])
}

func TestChunkedRoundTrip(t *testing.T) {
	enc := NewEncoder("node1")
	dec := NewDecoder()

	payload := bytes.Repeat([]byte("abcdefghij"), 60) // 600 bytes, 4 chunks
	frames, err := enc.Encode(payload)
	require.NoError(t, err)
	require.Len(t, frames, 4)

	var got [][]byte
	for _, f := range frames {
		got = append(got, dec.Feed(f)...)
	}
	require.Len(t, got, 1)
	assert.Equal(t, payload, got[0])
	assert.Equal(t, 0, dec.PendingSets())
}

func TestChunkedOutOfOrder(t *testing.T) {
	enc := NewEncoder("node1")
	dec := NewDecoder()

	payload := make([]byte, 1000)
	rand.New(rand.NewSource(42)).Read(payload)
	frames, err := enc.Encode(payload)
	require.NoError(t, err)
	require.True(t, len(frames) > 2)

	order := rand.New(rand.NewSource(7)).Perm(len(frames))
	var got [][]byte
	for _, i := range order {
		got = append(got, dec.Feed(frames[i])...)
	}
	require.Len(t, got, 1)
	assert.Equal(t, payload, got[0], "reassembly must be order independent")
}

func TestInterleavedSenders(t *testing.T) {
	encA := NewEncoder("alpha")
	encB := NewEncoder("bravo")
	dec := NewDecoder()

	payloadA := bytes.Repeat([]byte("A"), 400)
	payloadB := bytes.Repeat([]byte("B"), 400)
	framesA, err := encA.Encode(payloadA)
	require.NoError(t, err)
	framesB, err := encB.Encode(payloadB)
	require.NoError(t, err)

	var got [][]byte
	for i := range framesA {
		got = append(got, dec.Feed(framesA[i])...)
		got = append(got, dec.Feed(framesB[i])...)
	}
	require.Len(t, got, 2)
	assert.Equal(t, payloadA, got[0])
	assert.Equal(t, payloadB, got[1])
}

func TestPartialDelivery(t *testing.T) {
	enc := NewEncoder("node1")
	dec := NewDecoder()

	payload := []byte("split across many reads")
	frames, err := enc.Encode(payload)
	require.NoError(t, err)

	// Feed one byte at a time.
	var got [][]byte
	for _, b := range frames[0] {
		got = append(got, dec.Feed([]byte{b})...)
	}
	require.Len(t, got, 1)
	assert.Equal(t, payload, got[0])
}

func TestResyncAfterGarbage(t *testing.T) {
	enc := NewEncoder("node1")
	dec := NewDecoder()

	payload := []byte("after the noise")
	frames, err := enc.Encode(payload)
	require.NoError(t, err)

	stream := append([]byte{0x00, 0xFF, 0x94, 0x01, 0x7E}, frames[0]...)
	got := dec.Feed(stream)
	require.Len(t, got, 1)
	assert.Equal(t, payload, got[0])
}

func TestCorruptLengthRealigns(t *testing.T) {
	enc := NewEncoder("node1")
	dec := NewDecoder()

	payload := []byte("good frame")
	frames, err := enc.Encode(payload)
	require.NoError(t, err)

	// A marker followed by an absurd length must not swallow the stream.
	bad := []byte{marker1, marker2, 0xFF, 0xFF}
	got := dec.Feed(append(bad, frames[0]...))
	require.Len(t, got, 1)
	assert.Equal(t, payload, got[0])
}

func TestEncodeEmptyPayload(t *testing.T) {
	_, err := NewEncoder("node1").Encode(nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestEncodeOversizedPayload(t *testing.T) {
	_, err := NewEncoder("node1").Encode(make([]byte, MaxChunkData*MaxChunks+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestUnknownFrameTypeDropped(t *testing.T) {
	dec := NewDecoder()
	got := dec.Feed(frame([]byte{0x7F, 1, 2, 3}))
	assert.Empty(t, got)

	// Stream keeps working afterwards.
	frames, err := NewEncoder("n").Encode([]byte("still alive"))
	require.NoError(t, err)
	got = dec.Feed(frames[0])
	require.Len(t, got, 1)
}
