package media

import (
	"fmt"
	"strconv"
	"time"

	"github.com/zaf/g711"
)

// Codec represents an immutable audio codec specification.
type Codec struct {
	Name        string        // Codec name (e.g., "PCMU", "PCMA")
	PayloadType uint8         // RTP payload type (0 for PCMU, 8 for PCMA)
	SampleRate  uint32        // Sample rate in Hz
	SampleDur   time.Duration // Duration per frame (typically 20ms)
	Channels    int
}

// Pre-defined codecs. Only G.711 is carried on the media plane.
var (
	// CodecPCMU is G.711 µ-law (North America, Japan)
	CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond, 1}

	// CodecPCMA is G.711 A-law (Europe, rest of world)
	CodecPCMA = Codec{"PCMA", 8, 8000, 20 * time.Millisecond, 1}

	// CodecTelephoneEvent is RFC 4733 DTMF events
	CodecTelephoneEvent = Codec{"telephone-event", DTMFPayloadType, 8000, 20 * time.Millisecond, 1}
)

// supportedCodecs in order of preference for answers.
var supportedCodecs = []Codec{CodecPCMU, CodecPCMA}

// SamplesPerFrame returns the number of samples in one frame (160 for 8kHz/20ms).
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.SampleDur) / int(time.Second)
}

// BytesPerFrame returns the encoded payload bytes per frame. G.711 is one
// byte per sample.
func (c Codec) BytesPerFrame() int {
	return c.SamplesPerFrame() * c.Channels
}

// TimestampIncrement returns the RTP timestamp increment per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// Encode converts 16-bit PCM to the codec's wire format.
func (c Codec) Encode(pcm []byte) []byte {
	if c.PayloadType == CodecPCMA.PayloadType {
		return g711.EncodeAlaw(pcm)
	}
	return g711.EncodeUlaw(pcm)
}

// Decode converts a wire payload to 16-bit PCM.
func (c Codec) Decode(payload []byte) []byte {
	if c.PayloadType == CodecPCMA.PayloadType {
		return g711.DecodeAlaw(payload)
	}
	return g711.DecodeUlaw(payload)
}

// CodecByPayloadType looks up a supported audio codec.
func CodecByPayloadType(pt uint8) (Codec, bool) {
	for _, c := range supportedCodecs {
		if c.PayloadType == pt {
			return c, true
		}
	}
	return Codec{}, false
}

// NegotiateCodec picks the first offered format we support, keeping the
// offerer's order. Formats are SDP payload type strings.
func NegotiateCodec(offered []string) (Codec, error) {
	for _, f := range offered {
		pt, err := strconv.Atoi(f)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		if c, ok := CodecByPayloadType(uint8(pt)); ok {
			return c, nil
		}
	}
	return Codec{}, fmt.Errorf("no supported codec in offer %v", offered)
}
