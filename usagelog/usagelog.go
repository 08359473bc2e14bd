// Package usagelog implements a non-blocking, batched request log.
//
// Entries are written to an internal buffered channel and flushed in
// batches through a Sink by a background goroutine, so logging never
// blocks the execution hot path. If the channel fills up (> 10 000
// entries), new entries are dropped and counted in Dropped.
package usagelog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Entry is one completed execution, successful or not.
type Entry struct {
	ID           uuid.UUID
	TenantID     string
	ProviderID   string
	ProviderName string
	Model        string

	Success      bool
	ErrorKind    string
	Attempts     int
	FallbackUsed bool
	Streamed     bool
	Strategy     string

	LatencyMs        int64
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	EstimatedCost    float64

	CreatedAt time.Time
}

// Sink receives flushed batches. Implementations must tolerate being
// called from a single goroutine only.
type Sink interface {
	Write(ctx context.Context, batch []Entry) error
}

// Logger fans entries into the sink without blocking callers.
type Logger struct {
	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	sink    Sink
	baseCtx context.Context
	log     *slog.Logger
}

// New starts the flush goroutine. A nil sink falls back to structured
// log lines on stdout.
func New(ctx context.Context, sink Sink, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("usagelog: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if sink == nil {
		sink = NewSlogSink(slogger)
	}

	l := &Logger{
		ch:      make(chan Entry, channelBuffer),
		done:    make(chan struct{}),
		sink:    sink,
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues one entry, dropping it when the buffer is full.
func (l *Logger) Log(entry Entry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.dropped, 1)
	}
}

// Dropped reports how many entries were discarded because the buffer
// was full.
func (l *Logger) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

// Close drains the buffer, flushes the final batch and stops the
// goroutine. The sink itself stays open; its owner closes it.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.Write(ctx, batch); err != nil {
			l.log.WarnContext(ctx, "usage_log_flush_failed",
				slog.Int("batch_size", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

// SlogSink writes each entry as one structured log line. It is the
// default sink when no analytics store is configured.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(slogger *slog.Logger) *SlogSink {
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	return &SlogSink{log: slogger}
}

func (s *SlogSink) Write(ctx context.Context, batch []Entry) error {
	for _, e := range batch {
		s.log.InfoContext(ctx, "request",
			slog.String("id", e.ID.String()),
			slog.String("tenant_id", e.TenantID),
			slog.String("provider_id", e.ProviderID),
			slog.String("provider", e.ProviderName),
			slog.String("model", e.Model),
			slog.Bool("success", e.Success),
			slog.String("error_kind", e.ErrorKind),
			slog.Int("attempts", e.Attempts),
			slog.Bool("fallback_used", e.FallbackUsed),
			slog.Bool("streamed", e.Streamed),
			slog.String("strategy", e.Strategy),
			slog.Int64("latency_ms", e.LatencyMs),
			slog.Int("prompt_tokens", e.PromptTokens),
			slog.Int("completion_tokens", e.CompletionTokens),
			slog.Int("total_tokens", e.TotalTokens),
			slog.Float64("estimated_cost", e.EstimatedCost),
			slog.Time("created_at", e.CreatedAt.UTC()),
		)
	}
	return nil
}
