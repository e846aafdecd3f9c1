// Package transcription batches call audio into windows and sends each
// window to a speech-to-text backend.
//
// Every call gets its own Stream. A stream owns one worker, so segments are
// produced in the order the audio arrived; a pipeline-wide semaphore caps
// how many backend requests run at once across all calls.
package transcription

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	ErrStreamExists = errors.New("transcription stream already open")
	ErrClosed       = errors.New("transcription stream closed")
)

// Defaults
const (
	DefaultWindow           = 2 * time.Second
	DefaultMinAudio         = 300 * time.Millisecond
	DefaultMaxInFlight      = 8
	DefaultRequestTimeout   = 15 * time.Second
	DefaultSilenceThreshold = 200.0
	DefaultFlushAfter       = 800 * time.Millisecond

	sampleRate     = 8000
	bytesPerSecond = sampleRate * 2
	jobQueue       = 16
	segmentQueue   = 16
)

// Options are passed to the backend with every request.
type Options struct {
	Language   string
	SampleRate int
	Encoding   string
}

// Result is what the backend recognized in one window.
type Result struct {
	Text       string
	Confidence float64
	DurationMs int64
}

// Transcriber is the speech-to-text backend.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, opts Options) (Result, error)
}

// Segment is one recognized window. Err is set when the backend failed.
type Segment struct {
	CallID     string
	Seq        uint64
	Text       string
	Confidence float64
	DurationMs int64
	At         time.Time
	Err        error
}

// Config tunes the pipeline. Zero values take the defaults.
type Config struct {
	Window           time.Duration
	MinAudio         time.Duration
	MaxInFlight      int
	RequestTimeout   time.Duration
	SilenceThreshold float64       // RMS below which a window is skipped; negative disables
	FlushAfter       time.Duration // quiet time after speech before a partial window is sent; negative disables
	Language         string
}

func (c Config) withDefaults() Config {
	out := c
	if out.Window <= 0 {
		out.Window = DefaultWindow
	}
	if out.MinAudio <= 0 {
		out.MinAudio = DefaultMinAudio
	}
	if out.MaxInFlight <= 0 {
		out.MaxInFlight = DefaultMaxInFlight
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.SilenceThreshold == 0 {
		out.SilenceThreshold = DefaultSilenceThreshold
	}
	if out.FlushAfter == 0 {
		out.FlushAfter = DefaultFlushAfter
	}
	return out
}

func durationBytes(d time.Duration) int {
	n := int(d.Seconds() * bytesPerSecond)
	return n &^ 1
}

// Pipeline owns the per-call streams.
type Pipeline struct {
	stt Transcriber
	cfg Config
	sem *semaphore.Weighted

	mu      sync.Mutex
	streams map[string]*Stream
}

// New creates a pipeline in front of stt.
func New(stt Transcriber, cfg Config) *Pipeline {
	cfg = cfg.withDefaults()
	return &Pipeline{
		stt:     stt,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		streams: make(map[string]*Stream),
	}
}

// Open starts a stream for callID.
func (p *Pipeline) Open(callID string) (*Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.streams[callID]; exists {
		return nil, fmt.Errorf("%s: %w", callID, ErrStreamExists)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		callID: callID,
		p:      p,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan job, jobQueue),
		out:    make(chan Segment, segmentQueue),
		done:   make(chan struct{}),
	}
	p.streams[callID] = s
	go s.worker()
	if p.cfg.FlushAfter > 0 {
		go s.flusher(p.cfg.FlushAfter)
	}

	slog.Debug("[STT] Stream opened", "call_id", callID)
	return s, nil
}

// Stream returns the open stream for callID.
func (p *Pipeline) Stream(callID string) (*Stream, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.streams[callID]
	return s, ok
}

// Count returns the number of open streams.
func (p *Pipeline) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

// Close closes every stream.
func (p *Pipeline) Close() {
	p.mu.Lock()
	all := make([]*Stream, 0, len(p.streams))
	for _, s := range p.streams {
		all = append(all, s)
	}
	p.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}

func (p *Pipeline) remove(s *Stream) {
	p.mu.Lock()
	if p.streams[s.callID] == s {
		delete(p.streams, s.callID)
	}
	p.mu.Unlock()
}

type job struct {
	seq   uint64
	audio []byte
}

// Stream buffers one call's audio.
type Stream struct {
	callID string
	p      *Pipeline
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	buf       []byte
	seq       uint64
	closed    bool
	dropped   int
	voiced    bool // buf holds speech that has not been sent
	lastVoice time.Time

	jobs chan job
	out  chan Segment
	done chan struct{}
	once sync.Once
}

// Segments delivers recognized windows in arrival order. Closed after Close.
func (s *Stream) Segments() <-chan Segment {
	return s.out
}

// Write appends 8kHz 16-bit PCM. A full window is handed to the worker.
func (s *Stream) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.buf = append(s.buf, pcm...)
	if t := s.p.cfg.SilenceThreshold; t <= 0 || rms(pcm) >= t {
		s.voiced = true
		s.lastVoice = time.Now()
	}

	window := durationBytes(s.p.cfg.Window)
	for len(s.buf) >= window {
		chunk := make([]byte, window)
		copy(chunk, s.buf[:window])
		s.buf = append(s.buf[:0], s.buf[window:]...)
		s.enqueueLocked(chunk)
	}
	if len(s.buf) == 0 {
		s.voiced = false
	}
	return nil
}

// Flush hands buffered audio to the worker if there is enough of it to be
// worth transcribing; shorter remainders are discarded.
func (s *Stream) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flushLocked()
}

func (s *Stream) flushLocked() {
	if s.closed || len(s.buf) == 0 {
		return
	}
	s.voiced = false
	if len(s.buf) < durationBytes(s.p.cfg.MinAudio) {
		s.buf = s.buf[:0]
		return
	}
	chunk := make([]byte, len(s.buf))
	copy(chunk, s.buf)
	s.buf = s.buf[:0]
	s.enqueueLocked(chunk)
}

// flusher sends a partial window once the caller has been quiet for
// after, either because the audio went silent or because it stopped.
func (s *Stream) flusher(after time.Duration) {
	tick := time.NewTicker(max(after/4, time.Millisecond))
	defer tick.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-tick.C:
			s.mu.Lock()
			if s.voiced && now.Sub(s.lastVoice) >= after {
				s.flushLocked()
			}
			s.mu.Unlock()
		}
	}
}

// Buffered returns the duration of audio not yet handed to the worker.
func (s *Stream) Buffered() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(len(s.buf)) * time.Second / bytesPerSecond
}

// Dropped returns how many windows were discarded because the worker was
// behind.
func (s *Stream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close cancels in-flight work, discards buffered audio and closes
// Segments() once the worker exits. Safe to call more than once.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.buf = nil
		s.mu.Unlock()

		s.cancel()
		close(s.jobs)
		<-s.done
		s.p.remove(s)
		slog.Debug("[STT] Stream closed", "call_id", s.callID)
	})
}

func (s *Stream) enqueueLocked(audio []byte) {
	if t := s.p.cfg.SilenceThreshold; t > 0 && rms(audio) < t {
		return
	}
	s.seq++
	select {
	case s.jobs <- job{seq: s.seq, audio: audio}:
	default:
		s.dropped++
		slog.Warn("[STT] Worker behind, dropping window", "call_id", s.callID, "seq", s.seq)
	}
}

func (s *Stream) worker() {
	defer close(s.done)
	defer close(s.out)

	opts := Options{Language: s.p.cfg.Language, SampleRate: sampleRate, Encoding: "pcm_s16le"}

	for j := range s.jobs {
		if s.ctx.Err() != nil {
			continue
		}
		seg, ok := s.transcribe(j, opts)
		if !ok {
			continue
		}
		select {
		case s.out <- seg:
		case <-s.ctx.Done():
		}
	}
}

func (s *Stream) transcribe(j job, opts Options) (Segment, bool) {
	if err := s.p.sem.Acquire(s.ctx, 1); err != nil {
		return Segment{}, false
	}
	defer s.p.sem.Release(1)

	ctx, cancel := context.WithTimeout(s.ctx, s.p.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.p.stt.Transcribe(ctx, j.audio, opts)
	if s.ctx.Err() != nil {
		return Segment{}, false
	}

	seg := Segment{CallID: s.callID, Seq: j.seq, At: time.Now()}
	if err != nil {
		slog.Warn("[STT] Transcription failed", "call_id", s.callID, "seq", j.seq, "error", err)
		seg.Err = err
		return seg, true
	}
	if res.Text == "" {
		return Segment{}, false
	}
	seg.Text = res.Text
	seg.Confidence = res.Confidence
	seg.DurationMs = res.DurationMs
	if seg.DurationMs == 0 {
		seg.DurationMs = int64(len(j.audio)) * 1000 / bytesPerSecond
	}
	slog.Debug("[STT] Segment", "call_id", s.callID, "seq", j.seq, "chars", len(res.Text), "latency", time.Since(start))
	return seg, true
}

// rms computes the root mean square of 16-bit little endian samples.
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
