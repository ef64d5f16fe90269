package events

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Writer decouples the decision and protection loops from event storage: a
// bounded queue absorbs bursts and a full queue drops rather than blocks a
// trading decision. Drops are counted and logged once per episode.
type Writer struct {
	sink    Sink
	log     *zap.Logger
	queue   chan Event
	started atomic.Bool
	dropped atomic.Uint64
	done    chan struct{}
}

func NewWriter(sink Sink, queueSize int, log *zap.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Writer{
		sink:  sink,
		log:   log,
		queue: make(chan Event, queueSize),
		done:  make(chan struct{}),
	}
}

// Emit enqueues an event stamped now. Never blocks.
func (w *Writer) Emit(ctx context.Context, typ, coin string, payload any) {
	if w == nil {
		return
	}
	ev := Event{Time: time.Now().UTC(), Type: typ, Coin: coin, Payload: payload}
	select {
	case w.queue <- ev:
	default:
		if w.dropped.Add(1) == 1 && w.log != nil {
			w.log.Warn("event queue full, dropping", zap.String("type", typ))
		}
	}
}

// Dropped reports the number of events lost to a full queue.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

// Start launches the single writer goroutine. Idempotent.
func (w *Writer) Start(ctx context.Context) {
	if w == nil || !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case ev := <-w.queue:
			w.write(ctx, ev)
		}
	}
}

// drain flushes whatever is still queued at shutdown with a short deadline,
// so the final flatten/stop events make it to storage.
func (w *Writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-w.queue:
			w.write(ctx, ev)
		default:
			return
		}
	}
}

func (w *Writer) write(ctx context.Context, ev Event) {
	if err := w.sink.WriteEvent(ctx, ev); err != nil && w.log != nil {
		w.log.Warn("event write failed", zap.String("type", ev.Type), zap.Error(err))
	}
}

// Close stops accepting writes and closes the sink. Call after the run
// context is cancelled. Events emitted during shutdown, after the run
// goroutine already drained, are flushed here.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	if w.started.Load() {
		select {
		case <-w.done:
		case <-time.After(5 * time.Second):
		}
	}
	w.drain()
	return w.sink.Close()
}
