package mesh

import (
	"bytes"
	"fmt"

	"github.com/banshee-data/bearing.relay/internal/sensor"
)

// Stream API framing: two magic bytes, a big-endian uint16 length, then the
// protobuf payload.
const (
	frameStart1    = 0x94
	frameStart2    = 0xC3
	frameHeaderLen = 4

	// MaxFrameSize is the largest payload the radio accepts in one frame.
	MaxFrameSize = 512
)

// wakeSequence is written before the first frame so a sleeping radio
// resynchronises on the next header.
var wakeSequence = bytes.Repeat([]byte{frameStart2}, 32)

// EncodeFrame wraps a ToRadio payload in a stream API header.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("frame payload of %d bytes exceeds %d: %w", len(payload), MaxFrameSize, sensor.ErrFormat)
	}
	out := make([]byte, frameHeaderLen, frameHeaderLen+len(payload))
	out[0] = frameStart1
	out[1] = frameStart2
	out[2] = byte(len(payload) >> 8)
	out[3] = byte(len(payload))
	return append(out, payload...), nil
}

// ScanFrames is a bufio.SplitFunc yielding the payload of each stream API
// frame. Bytes outside a frame, such as the radio's debug console, are
// skipped, as are headers announcing an oversized payload. Skipping happens
// within one call because bufio.Scanner stops at EOF on the first call that
// returns no token. At EOF a header whose payload never arrived is treated
// as noise and the scan resumes on the next byte.
func ScanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	off := 0
	for off < len(data) {
		i := bytes.IndexByte(data[off:], frameStart1)
		if i < 0 {
			break
		}
		off += i
		rest := data[off:]

		if len(rest) >= 2 && rest[1] != frameStart2 {
			off++
			continue
		}
		if len(rest) < frameHeaderLen {
			if atEOF {
				break
			}
			return off, nil, nil
		}

		n := int(rest[2])<<8 | int(rest[3])
		if n > MaxFrameSize {
			off++
			continue
		}
		end := frameHeaderLen + n
		if len(rest) < end {
			if atEOF {
				off++
				continue
			}
			return off, nil, nil
		}
		return off + end, rest[frameHeaderLen:end], nil
	}
	return len(data), nil, nil
}
