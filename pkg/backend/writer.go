package backend

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second

	flushTimeout = 30 * time.Second
)

// WriterStats is a point-in-time snapshot of writer progress.
type WriterStats struct {
	Buffered int
	Written  uint64
	Failed   uint64
}

type WriterOptions struct {
	BatchSize     int
	FlushInterval time.Duration
}

// BufferedWriter batches rows and flushes them when the batch fills or on a
// periodic timer. A failed flush returns its rows to the front of the buffer;
// the background loop retries with exponential backoff so a ClickHouse outage
// degrades to buffering rather than data loss.
type BufferedWriter struct {
	conn    Inserter
	table   string
	columns []string
	opts    WriterOptions
	log     *zap.SugaredLogger

	buf     [][]any
	written uint64
	failed  uint64
	mu      sync.Mutex

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewBufferedWriter starts the flush loop. columns must match the order of
// the row values passed to Add.
func NewBufferedWriter(conn Inserter, table string, columns []string, opts WriterOptions) *BufferedWriter {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}

	w := &BufferedWriter{
		conn:    conn,
		table:   table,
		columns: append([]string(nil), columns...),
		opts:    opts,
		log:     zap.S().Named("backend.writer"),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	w.wg.Add(1)
	go w.run()
	return w
}

// Add buffers a row and flushes synchronously when the batch is full. Values
// must follow the column order given at construction.
func (w *BufferedWriter) Add(row []any) {
	w.mu.Lock()
	w.buf = append(w.buf, row)
	full := len(w.buf) >= w.opts.BatchSize
	w.mu.Unlock()

	if full {
		if err := w.Flush(); err != nil {
			w.log.Warnw("batch flush failed, rows buffered for retry", "err", err)
		}
	}
}

// Flush writes the current buffer. On failure the rows go back to the front
// of the buffer preserving insertion order.
func (w *BufferedWriter) Flush() error {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return nil
	}
	rows := w.buf
	w.buf = nil
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := w.conn.Insert(ctx, w.table, w.columns, rows); err != nil {
		w.mu.Lock()
		w.failed += uint64(len(rows))
		w.buf = append(rows, w.buf...)
		w.mu.Unlock()
		return err
	}

	w.mu.Lock()
	w.written += uint64(len(rows))
	w.mu.Unlock()
	w.log.Debugw("flushed rows", "count", len(rows))
	return nil
}

func (w *BufferedWriter) run() {
	defer w.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	timer := time.NewTimer(w.opts.FlushInterval)
	defer timer.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-w.kick:
		case <-timer.C:
		}

		next := w.opts.FlushInterval
		if err := w.Flush(); err != nil {
			next = bo.NextBackOff()
			w.log.Warnw("periodic flush failed", "err", err, "retryIn", next)
		} else {
			bo.Reset()
		}
		timer.Reset(next)
	}
}

func (w *BufferedWriter) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriterStats{Buffered: len(w.buf), Written: w.written, Failed: w.failed}
}

// Close stops the flush loop and performs a final flush.
func (w *BufferedWriter) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		w.wg.Wait()
		err = w.Flush()
	})
	return err
}
