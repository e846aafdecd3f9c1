package media

import (
	"github.com/pion/rtp"
)

// RTPWriter writes RTP packets to an underlying destination.
type RTPWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// Frame is one decoded inbound audio frame: 16-bit little-endian mono
// PCM at 8kHz.
type Frame struct {
	PCM       []byte
	Timestamp uint32
	Seq       uint16
}
