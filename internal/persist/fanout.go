package persist

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Sink is one persistence destination for finalized records.
type Sink interface {
	Name() string
	Write(ctx context.Context, records []Record) error
	Ping(ctx context.Context) error
	Close() error
}

// Fanout buffers finalized records on a channel and flushes them in batches
// to every configured sink from a background goroutine — so persistence never
// blocks the proxy hot path. Each sink write is attempted independently: one
// sink failing is logged and does not roll back, retry, or block the others.
// If the channel fills up, new records are dropped and counted.
type Fanout struct {
	sinks []Sink

	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped      int64
	sinkFailures int64

	baseCtx context.Context
	log     *slog.Logger
}

// NewFanout starts the background flusher. Sinks may be empty, in which case
// records are drained and discarded (useful in tests and minimal deployments).
func NewFanout(ctx context.Context, log *slog.Logger, sinks ...Sink) (*Fanout, error) {
	if ctx == nil {
		return nil, fmt.Errorf("persist: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	f := &Fanout{
		sinks:   sinks,
		ch:      make(chan Record, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     log,
	}

	f.wg.Add(1)
	go f.run()

	return f, nil
}

// Publish enqueues a finalized record. Never blocks; returns false when the
// buffer is full and the record was dropped.
func (f *Fanout) Publish(r Record) bool {
	select {
	case f.ch <- r:
		return true
	default:
		atomic.AddInt64(&f.dropped, 1)
		return false
	}
}

// Dropped returns how many records were discarded due to a full buffer.
func (f *Fanout) Dropped() int64 {
	return atomic.LoadInt64(&f.dropped)
}

// SinkFailures returns how many sink batch writes have failed.
func (f *Fanout) SinkFailures() int64 {
	return atomic.LoadInt64(&f.sinkFailures)
}

// Close drains the buffer, flushes the final batch to all sinks, and stops
// the background goroutine. Sinks themselves are closed by their owner.
func (f *Fanout) Close() error {
	f.closeOnce.Do(func() {
		close(f.done)
	})
	f.wg.Wait()
	return nil
}

func (f *Fanout) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		f.writeAll(batch)
		batch = batch[:0]
	}

	for {
		select {
		case r := <-f.ch:
			batch = append(batch, r)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-f.done:
			for {
				select {
				case r := <-f.ch:
					batch = append(batch, r)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// writeAll sends one batch to every sink. A failing sink is logged and
// skipped; the remaining sinks still receive the batch.
func (f *Fanout) writeAll(batch []Record) {
	for _, s := range f.sinks {
		if err := s.Write(f.baseCtx, batch); err != nil {
			atomic.AddInt64(&f.sinkFailures, 1)
			f.log.Error("persist_sink_write_failed",
				slog.String("sink", s.Name()),
				slog.Int("batch", len(batch)),
				slog.String("error", err.Error()),
			)
		}
	}
}
