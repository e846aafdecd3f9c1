package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis pub/sub publisher.
type RedisConfig struct {
	// AsyncBufferSize bounds PublishAsync backlog (default: 10000)
	AsyncBufferSize int
	// PublishTimeout bounds each async publish (default: 5s)
	PublishTimeout time.Duration
}

// RedisPublisher publishes events to Redis pub/sub, one channel per
// subject. Consumers PSUBSCRIBE to e.g. "callpilot.calls.*".
type RedisPublisher struct {
	rdb     *redis.Client
	cfg     RedisConfig
	asyncCh chan Event
	asyncWg sync.WaitGroup

	closedMu sync.RWMutex
	closed   bool

	pending      atomic.Int64
	published    atomic.Int64
	errors       atomic.Int64
	asyncDropped atomic.Int64
}

// NewRedisPublisher starts the async publishing goroutine. The client is
// owned by the caller.
func NewRedisPublisher(rdb *redis.Client, cfg RedisConfig) *RedisPublisher {
	if cfg.AsyncBufferSize <= 0 {
		cfg.AsyncBufferSize = 10000
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	p := &RedisPublisher{
		rdb:     rdb,
		cfg:     cfg,
		asyncCh: make(chan Event, cfg.AsyncBufferSize),
	}
	p.asyncWg.Add(1)
	go p.asyncPublisher()

	slog.Info("[Events] Redis publisher initialized", "addr", rdb.Options().Addr)
	return p
}

func (p *RedisPublisher) asyncPublisher() {
	defer p.asyncWg.Done()
	for event := range p.asyncCh {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
		if err := p.Publish(ctx, event); err != nil {
			slog.Warn("[Events] Async publish failed",
				"error", err,
				"type", event.Type(),
				"call_id", event.CallID(),
			)
		}
		cancel()
		p.pending.Add(-1)
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := event.Subject()
	receivers, err := p.rdb.Publish(ctx, subject, data).Result()
	if err != nil {
		p.errors.Add(1)
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	p.published.Add(1)

	slog.Debug("[Events] Published to redis", "subject", subject, "receivers", receivers)
	return nil
}

func (p *RedisPublisher) PublishAsync(event Event) {
	p.closedMu.RLock()
	defer p.closedMu.RUnlock()
	if p.closed {
		return
	}

	p.pending.Add(1)
	select {
	case p.asyncCh <- event:
	default:
		p.pending.Add(-1)
		p.asyncDropped.Add(1)
		slog.Warn("[Events] Async buffer full, event dropped",
			"type", event.Type(),
			"call_id", event.CallID(),
		)
	}
}

// Flush waits until the async backlog is drained or ctx is done.
func (p *RedisPublisher) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for p.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("flush: %d events pending: %w", p.pending.Load(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	p.closedMu.Lock()
	if p.closed {
		p.closedMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.asyncCh)
	p.closedMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.asyncWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(2 * p.cfg.PublishTimeout):
		return fmt.Errorf("redis publisher: %d events still pending at close", p.pending.Load())
	}
}

// Stats returns publish counters.
func (p *RedisPublisher) Stats() (published, errors, asyncDropped int64) {
	return p.published.Load(), p.errors.Load(), p.asyncDropped.Load()
}
