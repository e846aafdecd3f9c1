package dtmf

import (
	"errors"
	"testing"
	"time"
)

func feed(t *testing.T, d *Detector, digits string) {
	t.Helper()
	for _, r := range digits {
		if err := d.ProcessDigit(r); err != nil {
			t.Fatalf("ProcessDigit(%q): %v", r, err)
		}
	}
}

func next(t *testing.T, d *Detector, within time.Duration) Sequence {
	t.Helper()
	select {
	case seq := <-d.Sequences():
		return seq
	case <-time.After(within):
		t.Fatal("no sequence emitted")
	}
	return Sequence{}
}

func expectNone(t *testing.T, d *Detector, within time.Duration) {
	t.Helper()
	select {
	case seq, ok := <-d.Sequences():
		if ok {
			t.Fatalf("unexpected sequence %+v", seq)
		}
	case <-time.After(within):
	}
}

func TestTerminatorEmitsOnce(t *testing.T) {
	d := NewDetector("call-1", Config{InterDigitTimeout: 50 * time.Millisecond})
	defer d.Close()

	feed(t, d, "1234#")
	seq := next(t, d, time.Second)
	if seq.Digits != "1234" || seq.Trigger != TriggerTerminator || seq.Terminator != '#' {
		t.Errorf("sequence = %+v, want 1234 via terminator", seq)
	}
	// The cancelled inter-digit timer must not emit again.
	expectNone(t, d, 150*time.Millisecond)
}

func TestTerminatorAloneEmitsNothing(t *testing.T) {
	d := NewDetector("call-1", Config{})
	defer d.Close()

	feed(t, d, "#")
	expectNone(t, d, 50*time.Millisecond)
}

func TestTimeoutEmitsAccumulated(t *testing.T) {
	d := NewDetector("call-1", Config{InterDigitTimeout: 40 * time.Millisecond})
	defer d.Close()

	feed(t, d, "12")
	time.Sleep(20 * time.Millisecond)
	feed(t, d, "3") // rearms

	seq := next(t, d, time.Second)
	if seq.Digits != "123" || seq.Trigger != TriggerTimeout {
		t.Errorf("sequence = %+v, want 123 via timeout", seq)
	}
	expectNone(t, d, 100*time.Millisecond)
}

func TestMaxLengthForcesEmission(t *testing.T) {
	d := NewDetector("call-1", Config{MaxDigits: 3, InterDigitTimeout: 50 * time.Millisecond})
	defer d.Close()

	feed(t, d, "98765")
	seq := next(t, d, time.Second)
	if seq.Digits != "987" || seq.Trigger != TriggerMaxLength {
		t.Errorf("first = %+v, want 987 via max_length", seq)
	}
	seq = next(t, d, time.Second)
	if seq.Digits != "65" || seq.Trigger != TriggerTimeout {
		t.Errorf("second = %+v, want 65 via timeout", seq)
	}
}

func TestInvalidDigitRejected(t *testing.T) {
	d := NewDetector("call-1", Config{})
	defer d.Close()

	if err := d.ProcessDigit('x'); !errors.Is(err, ErrInvalidDigit) {
		t.Errorf("ProcessDigit('x') = %v, want ErrInvalidDigit", err)
	}
	if d.Pending() != "" {
		t.Errorf("Pending = %q after invalid digit", d.Pending())
	}
	feed(t, d, "a")
	if d.Pending() != "A" {
		t.Errorf("Pending = %q, want A", d.Pending())
	}
}

func TestFlushAndReset(t *testing.T) {
	d := NewDetector("call-1", Config{InterDigitTimeout: time.Hour})
	defer d.Close()

	feed(t, d, "55")
	d.Flush()
	seq := next(t, d, time.Second)
	if seq.Digits != "55" || seq.Trigger != TriggerFlush {
		t.Errorf("flushed = %+v, want 55 via flush", seq)
	}

	feed(t, d, "66")
	d.Reset()
	d.Flush()
	expectNone(t, d, 50*time.Millisecond)
}

func TestCloseDiscardsAndStops(t *testing.T) {
	d := NewDetector("call-1", Config{InterDigitTimeout: 30 * time.Millisecond})

	feed(t, d, "42")
	d.Close()
	d.Close()

	time.Sleep(60 * time.Millisecond)
	if _, ok := <-d.Sequences(); ok {
		t.Error("sequence delivered after Close")
	}
	if err := d.ProcessDigit('1'); !errors.Is(err, ErrClosed) {
		t.Errorf("ProcessDigit after Close = %v, want ErrClosed", err)
	}
}

func TestCustomTerminators(t *testing.T) {
	d := NewDetector("call-1", Config{Terminators: "*#"})
	defer d.Close()

	feed(t, d, "7*")
	seq := next(t, d, time.Second)
	if seq.Digits != "7" || seq.Terminator != '*' {
		t.Errorf("sequence = %+v, want 7 terminated by *", seq)
	}
}
