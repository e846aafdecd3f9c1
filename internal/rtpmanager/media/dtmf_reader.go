package media

import (
	"github.com/pion/rtp"
)

// DTMFReader turns RFC 4733 telephone-event packets into digits.
// Start and continuation packets open an event; the first end packet
// of at least minDuration completes it. Redundant end packets (same RTP
// timestamp) are swallowed so each key press yields exactly one digit.
type DTMFReader struct {
	dtmfPT      uint8
	minDuration uint16

	lastEvent uint8
	lastTS    uint32
	pending   bool
	done      bool // end seen for lastTS
}

// NewDTMFReader creates a detector for the given telephone-event payload type.
func NewDTMFReader(payloadType uint8) *DTMFReader {
	return &DTMFReader{
		dtmfPT:      payloadType,
		minDuration: MinDTMFDuration,
	}
}

// SetMinDuration sets the minimum duration (in timestamp units) to accept.
func (d *DTMFReader) SetMinDuration(samples uint16) {
	d.minDuration = samples
}

// IsDTMF reports whether a packet carries a telephone event.
func (d *DTMFReader) IsDTMF(pkt *rtp.Packet) bool {
	return pkt.PayloadType == d.dtmfPT && len(pkt.Payload) >= 4
}

// Process feeds one packet and returns a digit when an event completes.
func (d *DTMFReader) Process(pkt *rtp.Packet) (rune, bool) {
	if !d.IsDTMF(pkt) {
		return 0, false
	}
	evt, err := DecodeDTMFEvent(pkt.Payload)
	if err != nil {
		return 0, false
	}

	sameEvent := pkt.Timestamp == d.lastTS && evt.Event == d.lastEvent
	if sameEvent && d.done {
		return 0, false
	}

	if !evt.EndOfEvent {
		if !d.pending || !sameEvent {
			d.lastEvent = evt.Event
			d.lastTS = pkt.Timestamp
			d.pending = true
			d.done = false
		}
		return 0, false
	}

	// Some senders skip the start packets and only deliver end packets.
	if !d.pending || !sameEvent {
		d.lastEvent = evt.Event
		d.lastTS = pkt.Timestamp
	}
	d.pending = false
	d.done = true

	if evt.Duration < d.minDuration {
		return 0, false
	}
	return EventToRune(evt.Event)
}

// Reset clears the state machine.
func (d *DTMFReader) Reset() {
	d.pending = false
	d.done = false
	d.lastEvent = 0
	d.lastTS = 0
}
