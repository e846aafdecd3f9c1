package media

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}

// GenerateSSRC generates a random SSRC (RFC 3550 5.1).
func GenerateSSRC() uint32 { return randomUint32() }

// GenerateSequenceStart generates a random starting sequence number.
func GenerateSequenceStart() uint16 { return uint16(randomUint32()) }

// GenerateTimestampStart generates a random starting timestamp.
func GenerateTimestampStart() uint32 { return randomUint32() }

// RTPStreamWriter writes RTP packets with clock-based timing.
// Audio payloads are paced one per codec frame so playback does not drift.
type RTPStreamWriter struct {
	conn net.PacketConn

	mu        sync.Mutex
	remote    net.Addr
	ssrc      uint32
	pt        uint8
	seq       uint16
	timestamp uint32
	codec     Codec
	ticker    *time.Ticker
	marker    bool // next audio packet starts a talkspurt
	closed    bool
}

// NewRTPStreamWriter creates a clock-paced RTP stream writer.
func NewRTPStreamWriter(conn net.PacketConn, remote net.Addr, codec Codec) *RTPStreamWriter {
	return &RTPStreamWriter{
		conn:      conn,
		remote:    remote,
		ssrc:      GenerateSSRC(),
		pt:        codec.PayloadType,
		seq:       GenerateSequenceStart(),
		timestamp: GenerateTimestampStart(),
		codec:     codec,
		ticker:    time.NewTicker(codec.SampleDur),
		marker:    true,
	}
}

// SetRemote changes the destination, e.g. after symmetric RTP latching.
func (w *RTPStreamWriter) SetRemote(addr net.Addr) {
	w.mu.Lock()
	w.remote = addr
	w.mu.Unlock()
}

// Remote returns the current destination.
func (w *RTPStreamWriter) Remote() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.remote
}

// Write sends one encoded frame, blocking until the next clock tick.
func (w *RTPStreamWriter) Write(payload []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, net.ErrClosed
	}
	<-w.ticker.C

	if err := w.send(&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         w.marker,
			PayloadType:    w.pt,
			SequenceNumber: w.seq,
			Timestamp:      w.timestamp,
			SSRC:           w.ssrc,
		},
		Payload: payload,
	}); err != nil {
		return 0, err
	}

	w.marker = false
	w.seq++
	w.timestamp += w.codec.TimestampIncrement()
	return len(payload), nil
}

// Play encodes 16-bit PCM and streams it frame by frame until done or
// ctx is cancelled. The final partial frame is padded with silence.
func (w *RTPStreamWriter) Play(ctx context.Context, pcm []byte) error {
	w.mu.Lock()
	w.marker = true
	codec := w.codec
	w.mu.Unlock()

	frameBytes := codec.SamplesPerFrame() * 2
	for off := 0; off < len(pcm); off += frameBytes {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := off + frameBytes
		chunk := pcm[off:min(end, len(pcm))]
		if len(chunk) < frameBytes {
			padded := make([]byte, frameBytes)
			copy(padded, chunk)
			chunk = padded
		}
		if _, err := w.Write(codec.Encode(chunk)); err != nil {
			return err
		}
	}
	return nil
}

// WriteRTP writes a packet directly (no pacing), e.g. DTMF events.
// SSRC is overridden to keep the stream consistent.
func (w *RTPStreamWriter) WriteRTP(pkt *rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return net.ErrClosed
	}
	pkt.SSRC = w.ssrc
	return w.send(pkt)
}

func (w *RTPStreamWriter) send(pkt *rtp.Packet) error {
	if w.remote == nil {
		// Remote not known yet; drop silently like an unconnected socket.
		return nil
	}
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = w.conn.WriteTo(data, w.remote)
	return err
}

// SSRC returns the current SSRC value.
func (w *RTPStreamWriter) SSRC() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ssrc
}

// SequenceNumber returns the next sequence number that will be used.
func (w *RTPStreamWriter) SequenceNumber() uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Close stops the ticker and marks the writer as closed.
func (w *RTPStreamWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		w.closed = true
		w.ticker.Stop()
	}
	return nil
}

var _ RTPWriter = (*RTPStreamWriter)(nil)
