package events

import (
	"context"
	"log/slog"
	"sync"
)

const DefaultBufferSize = 256

// AsyncPublisher hands events to a background goroutine so a slow sink never
// blocks a state transition. When the buffer is full the event is dropped.
type AsyncPublisher struct {
	next   Publisher
	logger *slog.Logger
	ch     chan Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

type AsyncPublisherArgs struct {
	Next       Publisher
	BufferSize int
	Logger     *slog.Logger
}

func NewAsyncPublisher(args AsyncPublisherArgs) *AsyncPublisher {
	if args.Next == nil {
		args.Next = Nop{}
	}

	if args.BufferSize <= 0 {
		args.BufferSize = DefaultBufferSize
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	p := &AsyncPublisher{
		next:   args.Next,
		logger: args.Logger.With("component", "events"),
		ch:     make(chan Event, args.BufferSize),
		done:   make(chan struct{}),
	}

	go p.loop()

	return p
}

func (p *AsyncPublisher) loop() {
	defer close(p.done)

	for ev := range p.ch {
		p.next.Publish(context.Background(), ev)
	}
}

func (p *AsyncPublisher) Publish(ctx context.Context, ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.logger.WarnContext(ctx, "publisher closed, dropping event", "type", ev.Type, "resource_id", ev.ResourceID)
		return
	}

	select {
	case p.ch <- ev:
	default:
		p.logger.WarnContext(ctx, "event buffer full, dropping event", "type", ev.Type, "resource_id", ev.ResourceID)
	}
}

// Close stops accepting events and waits until the buffered ones are delivered.
func (p *AsyncPublisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	p.mu.Unlock()

	<-p.done
}
