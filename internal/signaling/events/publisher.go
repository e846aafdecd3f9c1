package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Publisher ships events off the emitting component. Publish returns error
// only for transport failures.
type Publisher interface {
	Publish(ctx context.Context, event Event) error

	// PublishAsync sends an event without waiting for confirmation.
	// Some loss is acceptable.
	PublishAsync(event Event)

	// Flush waits until pending async events are published.
	Flush(ctx context.Context) error

	// Close releases resources. Calls Flush internally.
	Close() error
}

// NoopPublisher discards all events. Used when no event sink is configured.
type NoopPublisher struct{}

func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

func (p *NoopPublisher) Publish(ctx context.Context, event Event) error { return nil }
func (p *NoopPublisher) PublishAsync(event Event)                       {}
func (p *NoopPublisher) Flush(ctx context.Context) error                { return nil }
func (p *NoopPublisher) Close() error                                   { return nil }

// LoggingPublisher logs events at debug level.
type LoggingPublisher struct {
	logger *slog.Logger
}

// NewLoggingPublisher creates a publisher that logs events.
func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(ctx context.Context, event Event) error {
	p.logger.Debug("[Events] Published",
		"subject", event.Subject(),
		"type", event.Type(),
		"call_id", event.CallID(),
		"timestamp", event.Timestamp(),
	)
	return nil
}

func (p *LoggingPublisher) PublishAsync(event Event) {
	_ = p.Publish(context.Background(), event)
}

func (p *LoggingPublisher) Flush(ctx context.Context) error { return nil }
func (p *LoggingPublisher) Close() error                    { return nil }

// ChannelPublisher publishes to an in-memory channel for in-process
// consumers and tests.
type ChannelPublisher struct {
	mu      sync.RWMutex
	ch      chan Event
	closed  bool
	dropped atomic.Int64
}

// NewChannelPublisher creates a publisher backed by a buffered channel.
// Events are dropped when the buffer is full.
func NewChannelPublisher(bufferSize int) *ChannelPublisher {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelPublisher{ch: make(chan Event, bufferSize)}
}

func (p *ChannelPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil
	}

	select {
	case p.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.dropped.Add(1)
		slog.Warn("[Events] Dropped: buffer full",
			"type", event.Type(),
			"call_id", event.CallID(),
		)
		return nil
	}
}

func (p *ChannelPublisher) PublishAsync(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- event:
	default:
		p.dropped.Add(1)
	}
}

func (p *ChannelPublisher) Flush(ctx context.Context) error { return nil }

func (p *ChannelPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}

// Events returns the channel for consuming events.
func (p *ChannelPublisher) Events() <-chan Event {
	return p.ch
}

// DroppedCount returns the number of events dropped due to buffer overflow.
func (p *ChannelPublisher) DroppedCount() int64 {
	return p.dropped.Load()
}

// MultiPublisher fans out events to several publishers, e.g. Redis plus
// the debug log. One failing sink does not stop the others.
type MultiPublisher []Publisher

func NewMultiPublisher(publishers ...Publisher) MultiPublisher {
	return MultiPublisher(publishers)
}

func (m MultiPublisher) Publish(ctx context.Context, event Event) error {
	return m.each(func(p Publisher) error { return p.Publish(ctx, event) })
}

func (m MultiPublisher) PublishAsync(event Event) {
	for _, p := range m {
		p.PublishAsync(event)
	}
}

func (m MultiPublisher) Flush(ctx context.Context) error {
	return m.each(func(p Publisher) error { return p.Flush(ctx) })
}

func (m MultiPublisher) Close() error {
	return m.each(Publisher.Close)
}

func (m MultiPublisher) each(fn func(Publisher) error) error {
	var errs []error
	for _, p := range m {
		if err := fn(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
