package meshtastic

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var stream bytes.Buffer
	payloads := [][]byte{[]byte("hello"), {}, bytes.Repeat([]byte{0xab}, MaxFrameLen)}
	for _, p := range payloads {
		frame, err := EncodeFrame(p)
		require.NoError(t, err)
		stream.Write(frame)
	}

	fr := NewFrameReader(&stream)
	for _, want := range payloads {
		got, err := fr.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := fr.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, fr.Skipped)
}

func TestFrameTooLarge(t *testing.T) {
	_, err := EncodeFrame(make([]byte, MaxFrameLen+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameResyncsOnGarbage(t *testing.T) {
	frame, err := EncodeFrame([]byte("payload"))
	require.NoError(t, err)

	var stream bytes.Buffer
	stream.WriteString("INFO | ??:??:?? 3 [Router] boot\r\n")
	// stray magic byte, then a header announcing an impossible length
	stream.Write([]byte{frameStart1, 'x', frameStart1, frameStart2, 0xff, 0xff})
	stream.Write(frame)

	fr := NewFrameReader(&stream)
	got, err := fr.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
	assert.Positive(t, fr.Skipped)
}

func TestFrameTruncated(t *testing.T) {
	frame, err := EncodeFrame([]byte("payload"))
	require.NoError(t, err)

	fr := NewFrameReader(bytes.NewReader(frame[:len(frame)-2]))
	_, err = fr.ReadFrame()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
