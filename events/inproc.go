package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	busBuffer        = 1024
	subscriberBuffer = 256
)

// InProc is the default bus: a buffered channel drained by one goroutine
// that fans events out to subscribers. Subscribers that fall behind lose
// events rather than applying backpressure.
type InProc struct {
	ch      chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Int64
	log     *slog.Logger

	mu   sync.Mutex
	subs []chan Event
}

// NewInProc starts the fan-out goroutine; call Close when done.
func NewInProc(log *slog.Logger) *InProc {
	if log == nil {
		log = slog.Default()
	}
	b := &InProc{
		ch:   make(chan Event, busBuffer),
		done: make(chan struct{}),
		log:  log,
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Publish enqueues the event without blocking. Events published after Close
// or into a full buffer are counted as dropped.
func (b *InProc) Publish(_ context.Context, ev Event) {
	select {
	case <-b.done:
		b.dropped.Add(1)
		return
	default:
	}
	select {
	case b.ch <- stamp(ev):
	default:
		b.dropped.Add(1)
	}
}

// Subscribe registers a consumer. The returned channel is closed by Close.
func (b *InProc) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Dropped reports how many events were discarded.
func (b *InProc) Dropped() int64 { return b.dropped.Load() }

// Close stops the fan-out goroutine, drains buffered events to subscribers
// and closes every subscriber channel. Idempotent.
func (b *InProc) Close() error {
	b.once.Do(func() {
		close(b.done)
		b.wg.Wait()
		b.mu.Lock()
		for _, sub := range b.subs {
			close(sub)
		}
		b.subs = nil
		b.mu.Unlock()
	})
	return nil
}

func (b *InProc) run() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.ch:
			b.fanOut(ev)
		case <-b.done:
			// Drain what has already been accepted.
			for {
				select {
				case ev := <-b.ch:
					b.fanOut(ev)
				default:
					if n := b.dropped.Load(); n > 0 {
						b.log.Warn("events_dropped", "count", n)
					}
					return
				}
			}
		}
	}
}

func (b *InProc) fanOut(ev Event) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}
