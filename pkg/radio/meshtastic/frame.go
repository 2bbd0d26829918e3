package meshtastic

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	frameStart1 = 0x94
	frameStart2 = 0xc3
	headerLen   = 4
	// MaxFrameLen is the largest protobuf the firmware will put in a frame.
	MaxFrameLen = 512
)

var ErrFrameTooLarge = errors.New("frame exceeds maximum length")

// EncodeFrame wraps a protobuf for the stream API: two magic bytes, a big
// endian length, then the payload.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	out := make([]byte, headerLen, headerLen+len(payload))
	out[0], out[1] = frameStart1, frameStart2
	binary.BigEndian.PutUint16(out[2:], uint16(len(payload)))
	return append(out, payload...), nil
}

// FrameReader splits a device byte stream into frames. Anything between
// frames, such as the debug console output a serial device prints, is
// skipped.
type FrameReader struct {
	r *bufio.Reader
	// Skipped counts bytes discarded while looking for a frame header
	Skipped int
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 2*MaxFrameLen)}
}

// ReadFrame returns the next frame payload. A header announcing an oversized
// frame is treated as noise and scanning resumes after its first byte.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameStart1 {
			f.Skipped++
			continue
		}

		hdr, err := f.r.Peek(headerLen - 1)
		if err != nil {
			return nil, err
		}
		if hdr[0] != frameStart2 {
			f.Skipped++
			continue
		}
		n := int(binary.BigEndian.Uint16(hdr[1:]))
		if n > MaxFrameLen {
			f.Skipped++
			continue
		}
		if _, err := f.r.Discard(headerLen - 1); err != nil {
			return nil, err
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(f.r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		return payload, nil
	}
}
