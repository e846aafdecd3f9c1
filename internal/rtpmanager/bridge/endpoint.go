package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrEndpointClosed is returned by reads and writes on a closed endpoint.
var ErrEndpointClosed = errors.New("endpoint closed")

// Endpoint is one side of a bridge. Frames are 8kHz 16-bit mono PCM.
type Endpoint interface {
	ID() string
	Kind() string
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(pcm []byte) error
	Close() error
}

// ChanEndpoint adapts a frame producer and a write function into an
// Endpoint. The call media loop pushes inbound frames; writes go straight
// to the media session.
type ChanEndpoint struct {
	id      string
	kind    string
	in      chan []byte
	write   func([]byte) error
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewChanEndpoint creates an endpoint with a buffered inbound queue.
func NewChanEndpoint(id, kind string, buffer int, write func([]byte) error) *ChanEndpoint {
	if buffer <= 0 {
		buffer = 50
	}
	return &ChanEndpoint{
		id:    id,
		kind:  kind,
		in:    make(chan []byte, buffer),
		write: write,
		done:  make(chan struct{}),
	}
}

func (e *ChanEndpoint) ID() string   { return e.id }
func (e *ChanEndpoint) Kind() string { return e.kind }

// Push queues an inbound frame. It never blocks; when the queue is full the
// frame is dropped and false is returned.
func (e *ChanEndpoint) Push(pcm []byte) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.in <- pcm:
		return true
	default:
		e.dropped.Add(1)
		return false
	}
}

// Dropped returns how many frames Push discarded.
func (e *ChanEndpoint) Dropped() int64 {
	return e.dropped.Load()
}

func (e *ChanEndpoint) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case pcm := <-e.in:
		return pcm, nil
	case <-e.done:
		return nil, ErrEndpointClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *ChanEndpoint) WriteFrame(pcm []byte) error {
	select {
	case <-e.done:
		return ErrEndpointClosed
	default:
	}
	if e.write == nil {
		return nil
	}
	return e.write(pcm)
}

// Done is closed once the endpoint is closed.
func (e *ChanEndpoint) Done() <-chan struct{} {
	return e.done
}

func (e *ChanEndpoint) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}
