package events

import (
	"testing"
	"time"
)

func TestQueuePreservesOrderWithSlowConsumer(t *testing.T) {
	q := NewQueue[int]()
	defer q.Close()

	// Producer never blocks even though nobody is reading yet
	for i := 0; i < 100; i++ {
		q.Push(i)
	}

	for want := 0; want < 100; want++ {
		select {
		case got := <-q.Out():
			if got != want {
				t.Fatalf("got %d, want %d", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %d", want)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
}

func TestQueueCloseDiscardsAndClosesOut(t *testing.T) {
	q := NewQueue[string]()
	q.Push("a")
	q.Close()
	q.Close()
	q.Push("b")

	deadline := time.After(time.Second)
	for {
		select {
		case v, ok := <-q.Out():
			if !ok {
				return
			}
			if v == "b" {
				t.Error("value pushed after Close was delivered")
			}
		case <-deadline:
			t.Fatal("Out not closed after Close")
		}
	}
}
