// Package frame implements encoding and decoding of the envelope carrying
// every channel frame over a transport.
//
// A frame on the wire is a four byte big endian length N followed by N bytes
// holding the channel id, a newline and the payload. Frames for the empty
// channel id are control frames.
package frame

import (
	"errors"
	"fmt"
	"io"
)

var (
	// Debug can be set to get frames as they're encoded and decoded
	Debug io.Writer

	// ErrMissingTerminator is returned for a frame without a newline after
	// the channel id.
	ErrMissingTerminator = errors.New("frame: missing channel terminator")

	// ErrTooLarge is returned for a frame exceeding the decoder's MaxSize.
	ErrTooLarge = errors.New("frame: frame too large")
)

// DefaultMaxSize bounds the size of a single decoded frame.
const DefaultMaxSize = 1 << 26

// ControlChannel is the channel id of control frames.
const ControlChannel = ""

// Frame is one unit of traffic for a channel.
type Frame struct {
	Channel string
	Payload []byte
}

// IsControl reports whether f travels on the control channel.
func (f Frame) IsControl() bool {
	return f.Channel == ControlChannel
}

func (f Frame) String() string {
	if f.IsControl() {
		return fmt.Sprintf("{Frame Control Payload:%s}", f.Payload)
	}
	return fmt.Sprintf("{Frame Channel:%s Length:%d}", f.Channel, len(f.Payload))
}

// Bytes returns the wire encoding of f.
func (f Frame) Bytes() []byte {
	n := len(f.Channel) + 1 + len(f.Payload)
	packet := make([]byte, 4, 4+n)
	packet[0] = byte(n >> 24)
	packet[1] = byte(n >> 16)
	packet[2] = byte(n >> 8)
	packet[3] = byte(n)
	packet = append(packet, f.Channel...)
	packet = append(packet, '\n')
	return append(packet, f.Payload...)
}
