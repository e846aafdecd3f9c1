package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// ErrNoRemote is returned when audio is played before the remote endpoint is known.
var ErrNoRemote = errors.New("remote media endpoint not set")

// Session is the RTP media leg of one call: a UDP socket from the port
// pool, a decoder feeding Audio() and Digits(), and a paced writer for
// playback. Inbound frames are dropped (and counted) when the consumer
// falls behind; digits never are.
type Session struct {
	ID string

	conn      net.PacketConn
	pool      *PortPool
	port      int
	advertise string

	mu      sync.Mutex
	codec   Codec
	writer  *RTPStreamWriter
	remote  *net.UDPAddr
	latched bool
	seq     SequenceTracker

	dtmf   *DTMFReader
	audio  chan Frame
	digits chan rune

	dropped    atomic.Int64
	lastPacket atomic.Int64 // unix nanos

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession allocates a port and binds the RTP socket.
func NewSession(id string, pool *PortPool, bindAddr, advertiseAddr string) (*Session, error) {
	const attempts = 4

	var lastErr error
	for i := 0; i < attempts; i++ {
		port, err := pool.Allocate()
		if err != nil {
			return nil, err
		}
		conn, err := net.ListenPacket("udp", net.JoinHostPort(bindAddr, strconv.Itoa(port)))
		if err != nil {
			// port taken by someone outside the pool; keep it reserved
			lastErr = err
			continue
		}
		s := &Session{
			ID:        id,
			conn:      conn,
			pool:      pool,
			port:      port,
			advertise: advertiseAddr,
			codec:     CodecPCMU,
			dtmf:      NewDTMFReader(DTMFPayloadType),
			audio:     make(chan Frame, 64),
			digits:    make(chan rune, 32),
			done:      make(chan struct{}),
		}
		slog.Debug("[Media] Session bound", "session_id", id, "port", port)
		return s, nil
	}
	return nil, fmt.Errorf("bind RTP socket: %w", lastErr)
}

// LocalPort returns the bound RTP port.
func (s *Session) LocalPort() int { return s.port }

// Offer builds an SDP offer listing every supported codec.
func (s *Session) Offer() ([]byte, error) {
	return BuildSDP(s.advertise, s.port)
}

// Answer negotiates against a remote offer, sets the remote endpoint and
// returns the SDP answer.
func (s *Session) Answer(offer []byte) ([]byte, error) {
	ep, err := ParseSDP(offer)
	if err != nil {
		return nil, err
	}
	codec, err := NegotiateCodec(ep.Formats)
	if err != nil {
		return nil, err
	}
	if err := s.setRemote(ep, codec); err != nil {
		return nil, err
	}
	return BuildSDP(s.advertise, s.port, codec)
}

// ApplyAnswer consumes the remote answer to an Offer.
func (s *Session) ApplyAnswer(answer []byte) error {
	ep, err := ParseSDP(answer)
	if err != nil {
		return err
	}
	codec, err := NegotiateCodec(ep.Formats)
	if err != nil {
		return err
	}
	return s.setRemote(ep, codec)
}

func (s *Session) setRemote(ep *Endpoint, codec Codec) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ep.Addr, strconv.Itoa(ep.Port)))
	if err != nil {
		return fmt.Errorf("resolve remote media %s:%d: %w", ep.Addr, ep.Port, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.codec = codec
	s.remote = addr
	if s.writer != nil {
		_ = s.writer.Close()
	}
	s.writer = NewRTPStreamWriter(s.conn, addr, codec)
	slog.Info("[Media] Remote set", "session_id", s.ID, "remote", addr.String(), "codec", codec.Name)
	return nil
}

// Codec returns the negotiated codec.
func (s *Session) Codec() Codec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codec
}

// Start runs the receive loop until ctx is cancelled or Close is called.
func (s *Session) Start(ctx context.Context) {
	go s.readLoop(ctx)
}

// Audio delivers decoded inbound frames. Closed when the session stops.
func (s *Session) Audio() <-chan Frame { return s.audio }

// Digits delivers RFC 4733 digits in arrival order. Closed when the session stops.
func (s *Session) Digits() <-chan rune { return s.digits }

func (s *Session) readLoop(ctx context.Context) {
	defer close(s.audio)
	defer close(s.digits)

	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, src, err := s.conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Debug("[Media] Read error", "session_id", s.ID, "error", err)
			continue
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		s.lastPacket.Store(time.Now().UnixNano())
		s.latch(src)

		if s.dtmf.IsDTMF(pkt) {
			if digit, ok := s.dtmf.Process(pkt); ok {
				select {
				case s.digits <- digit:
				case <-s.done:
					return
				case <-ctx.Done():
					return
				}
			}
			continue
		}

		s.mu.Lock()
		s.seq.Update(pkt.SequenceNumber)
		s.mu.Unlock()

		// Decode by the packet's own payload type; peers may switch
		// between offered codecs mid-call.
		codec, ok := CodecByPayloadType(pkt.PayloadType)
		if !ok {
			continue // comfort noise and friends
		}

		frame := Frame{PCM: codec.Decode(pkt.Payload), Timestamp: pkt.Timestamp, Seq: pkt.SequenceNumber}
		select {
		case s.audio <- frame:
		default:
			s.dropped.Add(1)
		}
	}
}

// latch switches the destination to the observed source of the first
// packet (symmetric RTP), so calls behind NAT still hear playback.
func (s *Session) latch(src net.Addr) {
	udp, ok := src.(*net.UDPAddr)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latched {
		return
	}
	s.latched = true
	if s.remote != nil && s.remote.String() == udp.String() {
		return
	}
	s.remote = udp
	if s.writer != nil {
		s.writer.SetRemote(udp)
	}
	slog.Debug("[Media] Latched remote", "session_id", s.ID, "remote", udp.String())
}

func (s *Session) currentWriter() (*RTPStreamWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil, ErrNoRemote
	}
	return s.writer, nil
}

// Play streams 8kHz 16-bit PCM to the remote party, paced in real time.
func (s *Session) Play(ctx context.Context, pcm []byte) error {
	w, err := s.currentWriter()
	if err != nil {
		return err
	}
	return w.Play(ctx, pcm)
}

// WriteFrame encodes and sends one frame of PCM, waiting for its slot.
func (s *Session) WriteFrame(pcm []byte) error {
	w, err := s.currentWriter()
	if err != nil {
		return err
	}
	_, err = w.Write(s.Codec().Encode(pcm))
	return err
}

// SendDigits sends RFC 4733 telephone events.
func (s *Session) SendDigits(ctx context.Context, digits string) error {
	w, err := s.currentWriter()
	if err != nil {
		return err
	}
	return NewDTMFWriter(w, DTMFPayloadType).SendDigits(ctx, digits, 100*time.Millisecond, 100*time.Millisecond)
}

// SessionStats is a snapshot for the admin API.
type SessionStats struct {
	StreamStats
	Dropped    int64     `json:"dropped"`
	LastPacket time.Time `json:"last_packet"`
	LocalPort  int       `json:"local_port"`
	Remote     string    `json:"remote,omitempty"`
	Codec      string    `json:"codec"`
}

// Stats returns the inbound stream statistics.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SessionStats{
		StreamStats: s.seq.Stats(),
		Dropped:     s.dropped.Load(),
		LocalPort:   s.port,
		Codec:       s.codec.Name,
	}
	if ns := s.lastPacket.Load(); ns > 0 {
		st.LastPacket = time.Unix(0, ns)
	}
	if s.remote != nil {
		st.Remote = s.remote.String()
	}
	return st
}

// Close stops the receive loop, closes the socket and returns the port.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.writer != nil {
			_ = s.writer.Close()
		}
		s.mu.Unlock()
		err = s.conn.Close()
		s.pool.Release(s.port)
		slog.Debug("[Media] Session closed", "session_id", s.ID, "port", s.port)
	})
	return err
}
