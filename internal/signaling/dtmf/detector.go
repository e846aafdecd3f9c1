// Package dtmf accumulates touch-tone digits into sequences.
//
// A Detector is Idle until the first digit arrives, then Accumulating until
// exactly one of {terminator digit, inter-digit timeout, max length} emits
// the buffer and returns it to Idle. Flush, Reset and Close give the call
// teardown a way to emit or discard what is pending.
package dtmf

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sebas/callpilot/internal/rtpmanager/media"
	"github.com/sebas/callpilot/internal/signaling/events"
)

// ErrInvalidDigit is returned for characters outside 0-9, *, #, A-D.
var ErrInvalidDigit = errors.New("invalid DTMF digit")

// ErrClosed is returned by ProcessDigit after Close.
var ErrClosed = errors.New("detector closed")

// Defaults
const (
	DefaultInterDigitTimeout = 3 * time.Second
	DefaultMaxDigits         = 20
	DefaultTerminators       = "#"
)

// Trigger records why a sequence was emitted.
type Trigger string

const (
	TriggerTerminator Trigger = "terminator"
	TriggerTimeout    Trigger = "timeout"
	TriggerMaxLength  Trigger = "max_length"
	TriggerFlush      Trigger = "flush"
)

// Sequence is one completed accumulation cycle.
type Sequence struct {
	Digits     string
	Trigger    Trigger
	Terminator rune // set when Trigger is TriggerTerminator
	At         time.Time
}

// Config tunes a Detector. Zero values take the defaults.
type Config struct {
	InterDigitTimeout time.Duration
	MaxDigits         int
	Terminators       string
}

func (c Config) withDefaults() Config {
	out := c
	if out.InterDigitTimeout <= 0 {
		out.InterDigitTimeout = DefaultInterDigitTimeout
	}
	if out.MaxDigits <= 0 {
		out.MaxDigits = DefaultMaxDigits
	}
	if out.Terminators == "" {
		out.Terminators = DefaultTerminators
	}
	return out
}

// Detector is the per-call digit accumulator. Safe for concurrent use.
type Detector struct {
	callID string
	cfg    Config

	mu     sync.Mutex
	buf    []rune
	timer  *time.Timer
	gen    uint64 // bumped on every emission, reset and rearm
	closed bool
	out    *events.Queue[Sequence]
}

// NewDetector creates a detector for one call.
func NewDetector(callID string, cfg Config) *Detector {
	d := &Detector{
		callID: callID,
		cfg:    cfg.withDefaults(),
		out:    events.NewQueue[Sequence](),
	}
	return d
}

// Sequences delivers emitted sequences in emission order. It is closed
// after Close.
func (d *Detector) Sequences() <-chan Sequence {
	return d.out.Out()
}

// ProcessDigit feeds one digit.
func (d *Detector) ProcessDigit(digit rune) error {
	if !media.IsDTMFRune(digit) {
		return fmt.Errorf("%w: %q", ErrInvalidDigit, digit)
	}
	if digit >= 'a' && digit <= 'd' {
		digit -= 'a' - 'A'
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	if strings.ContainsRune(d.cfg.Terminators, digit) {
		if len(d.buf) > 0 {
			d.emitLocked(TriggerTerminator, digit)
		} else {
			d.stopTimerLocked()
		}
		return nil
	}

	d.buf = append(d.buf, digit)

	if len(d.buf) >= d.cfg.MaxDigits {
		d.emitLocked(TriggerMaxLength, 0)
		return nil
	}
	d.armLocked()
	return nil
}

// Pending returns the digits accumulated so far.
func (d *Detector) Pending() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.buf)
}

// Flush emits pending digits now (trigger flush). No-op when idle.
func (d *Detector) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || len(d.buf) == 0 {
		return
	}
	d.emitLocked(TriggerFlush, 0)
}

// Reset discards pending digits without emitting.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
}

// Close discards pending digits and undelivered sequences, stops the timer
// and closes Sequences(). Nothing is emitted after Close.
func (d *Detector) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	if n := len(d.buf); n > 0 {
		slog.Debug("[DTMF] Discarding pending digits on close", "call_id", d.callID, "count", n)
	}
	d.resetLocked()
	d.mu.Unlock()

	d.out.Close()
}

func (d *Detector) armLocked() {
	d.stopTimerLocked()
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.cfg.InterDigitTimeout, func() { d.onTimeout(gen) })
}

func (d *Detector) onTimeout(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// A digit, emission or reset since arming invalidates this callback.
	if d.closed || gen != d.gen || len(d.buf) == 0 {
		return
	}
	d.emitLocked(TriggerTimeout, 0)
}

func (d *Detector) emitLocked(trigger Trigger, terminator rune) {
	seq := Sequence{
		Digits:     string(d.buf),
		Trigger:    trigger,
		Terminator: terminator,
		At:         time.Now(),
	}
	d.resetLocked()
	d.out.Push(seq)
	slog.Debug("[DTMF] Sequence", "call_id", d.callID, "digits", seq.Digits, "trigger", trigger)
}

func (d *Detector) resetLocked() {
	d.stopTimerLocked()
	d.gen++
	d.buf = d.buf[:0]
}

func (d *Detector) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
