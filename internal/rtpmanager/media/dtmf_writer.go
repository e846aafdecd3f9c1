package media

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/rtp"
)

// DTMFPackets builds the RFC 4733 packet train for one digit: progress
// packets every 20ms with growing duration, then three end packets.
// The timestamp stays constant for the whole event.
func DTMFPackets(digit rune, duration time.Duration, payloadType uint8, seq uint16, ts uint32) ([]*rtp.Packet, error) {
	event, ok := RuneToEvent(digit)
	if !ok {
		return nil, fmt.Errorf("invalid DTMF digit: %q", digit)
	}

	samples := uint16(duration.Seconds() * float64(DTMFSampleRate))
	if samples < MinDTMFDuration {
		samples = MinDTMFDuration
	}
	const step = uint16(160) // 20ms at 8kHz

	var pkts []*rtp.Packet
	add := func(evt DTMFEvent, marker bool) {
		pkts = append(pkts, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         marker,
				PayloadType:    payloadType,
				SequenceNumber: seq,
				Timestamp:      ts,
			},
			Payload: evt.Encode(),
		})
		seq++
	}

	first := true
	for dur := step; dur < samples; dur += step {
		add(DTMFEvent{Event: event, Volume: DefaultDTMFVolume, Duration: dur}, first)
		first = false
	}
	for i := 0; i < 3; i++ {
		add(DTMFEvent{Event: event, EndOfEvent: true, Volume: DefaultDTMFVolume, Duration: samples}, first && i == 0)
	}
	return pkts, nil
}

// DTMFWriter sends digits as RFC 4733 telephone events.
type DTMFWriter struct {
	writer      RTPWriter
	payloadType uint8
	seq         uint16
	ts          uint32
}

// NewDTMFWriter creates a DTMF writer over w.
func NewDTMFWriter(w RTPWriter, payloadType uint8) *DTMFWriter {
	return &DTMFWriter{
		writer:      w,
		payloadType: payloadType,
		seq:         GenerateSequenceStart(),
		ts:          GenerateTimestampStart(),
	}
}

// SendDigits sends each digit in turn, pausing interDigit between them.
func (d *DTMFWriter) SendDigits(ctx context.Context, digits string, duration, interDigit time.Duration) error {
	for i, r := range digits {
		pkts, err := DTMFPackets(r, duration, d.payloadType, d.seq, d.ts)
		if err != nil {
			return fmt.Errorf("digit %d: %w", i, err)
		}
		for j, pkt := range pkts {
			if err := d.writer.WriteRTP(pkt); err != nil {
				return fmt.Errorf("send DTMF packet: %w", err)
			}
			// progress packets are paced, end packets go back to back
			if j < len(pkts)-3 {
				if err := sleepCtx(ctx, 20*time.Millisecond); err != nil {
					return err
				}
			}
		}
		d.seq += uint16(len(pkts))
		d.ts += uint32(duration.Seconds()*float64(DTMFSampleRate)) + 160

		if i < len(digits)-1 {
			if err := sleepCtx(ctx, interDigit); err != nil {
				return err
			}
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
