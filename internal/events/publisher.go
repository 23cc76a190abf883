package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/update"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/kafka"
)

// BatchWriter is the part of kafka.Producer the publisher needs.
type BatchWriter interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Publisher buffers index update events and writes them to Kafka in the
// background. When the buffer is full new events are dropped, never
// blocking the update path.
type Publisher struct {
	writer        BatchWriter
	eventCh       chan IndexUpdateEvent
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	done          chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewPublisher(writer BatchWriter, bufferSize int) *Publisher {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Publisher{
		writer:        writer,
		eventCh:       make(chan IndexUpdateEvent, bufferSize),
		batchSize:     100,
		flushInterval: 250 * time.Millisecond,
		logger:        slog.Default().With("component", "event-publisher"),
		done:          make(chan struct{}),
	}
}

// Start runs the publish loop until ctx is cancelled or Close is called.
func (p *Publisher) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.flushInterval)
		defer ticker.Stop()
		pending := make([]kafka.Event, 0, p.batchSize)
		flush := func(ctx context.Context) {
			if len(pending) == 0 {
				return
			}
			if err := p.writer.PublishBatch(ctx, pending); err != nil {
				p.logger.Error("failed to publish index update events", "count", len(pending), "error", err)
			}
			pending = pending[:0]
		}
		for {
			select {
			case ev, ok := <-p.eventCh:
				if !ok {
					flush(context.Background())
					return
				}
				pending = append(pending, kafka.Event{Key: ev.EntityID, Type: string(ev.Type), Value: ev})
				if len(pending) >= p.batchSize {
					flush(ctx)
				}
			case <-ticker.C:
				flush(ctx)
			case <-ctx.Done():
				p.drainRemaining(pending)
				return
			}
		}
	}()
	p.logger.Info("event publisher started", "buffer_size", cap(p.eventCh))
}

// Track queues ev without blocking. Events tracked after Close are
// dropped.
func (p *Publisher) Track(ev IndexUpdateEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn("index update event dropped (publisher closed)", "entity", ev.EntityID)
		return
	}
	select {
	case p.eventCh <- ev:
	default:
		p.logger.Warn("index update event dropped (buffer full)", "entity", ev.EntityID)
	}
}

// BatchApplied implements update.Listener.
func (p *Publisher) BatchApplied(_ context.Context, b *update.Batch) {
	if b.Skipped() {
		return
	}
	p.Track(NewIndexUpdateEvent(b))
}

// Close stops accepting events and waits for the buffered ones to be
// written. Calling it again is a no-op.
func (p *Publisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.eventCh)
	}
	p.mu.Unlock()
	<-p.done
}

func (p *Publisher) drainRemaining(pending []kafka.Event) {
	for {
		select {
		case ev, ok := <-p.eventCh:
			if !ok {
				p.publishRemaining(pending)
				return
			}
			pending = append(pending, kafka.Event{Key: ev.EntityID, Type: string(ev.Type), Value: ev})
		default:
			p.publishRemaining(pending)
			return
		}
	}
}

func (p *Publisher) publishRemaining(pending []kafka.Event) {
	if len(pending) == 0 {
		return
	}
	if err := p.writer.PublishBatch(context.Background(), pending); err != nil {
		p.logger.Error("failed to publish remaining events", "count", len(pending), "error", err)
	}
}
