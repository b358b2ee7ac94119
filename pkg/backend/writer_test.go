package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeInserter struct {
	mu      sync.Mutex
	inserts [][][]any
	table   string
	columns []string
	err     error
}

func (f *fakeInserter) Insert(_ context.Context, table string, columns []string, rows [][]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.table = table
	f.columns = columns
	f.inserts = append(f.inserts, rows)
	return nil
}

func (f *fakeInserter) Close() error { return nil }

func (f *fakeInserter) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeInserter) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserts)
}

func newTestWriter(t *testing.T, conn Inserter, batchSize int) *BufferedWriter {
	t.Helper()
	w := NewBufferedWriter(conn, "test_db.test_table", []string{"timestamp", "device_id", "value"}, WriterOptions{
		BatchSize:     batchSize,
		FlushInterval: time.Hour,
	})
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestWriterBuffersUntilFlush(t *testing.T) {
	conn := &fakeInserter{}
	w := newTestWriter(t, conn, 100)

	w.Add([]any{"2024-01-01", "sensor-1", 22.5})

	stats := w.Stats()
	require.Equal(t, 1, stats.Buffered)
	require.EqualValues(t, 0, stats.Written)
	require.Zero(t, conn.insertCount())

	require.NoError(t, w.Flush())
	require.Equal(t, 1, conn.insertCount())
	require.Equal(t, "test_db.test_table", conn.table)
	require.Equal(t, []string{"timestamp", "device_id", "value"}, conn.columns)

	stats = w.Stats()
	require.Equal(t, 0, stats.Buffered)
	require.EqualValues(t, 1, stats.Written)
}

func TestWriterBatchSizeTriggersFlush(t *testing.T) {
	conn := &fakeInserter{}
	w := newTestWriter(t, conn, 3)

	w.Add([]any{"2024-01-01", "s1", 1.0})
	w.Add([]any{"2024-01-01", "s2", 2.0})
	require.Zero(t, conn.insertCount())

	w.Add([]any{"2024-01-01", "s3", 3.0})
	require.Equal(t, 1, conn.insertCount())
	require.EqualValues(t, 3, w.Stats().Written)
}

func TestWriterReturnsRowsOnFailure(t *testing.T) {
	conn := &fakeInserter{}
	w := newTestWriter(t, conn, 100)
	conn.setErr(errors.New("connection refused"))

	w.Add([]any{"2024-01-01", "s1", 1.0})
	w.Add([]any{"2024-01-01", "s2", 2.0})
	require.Error(t, w.Flush())

	stats := w.Stats()
	require.Equal(t, 2, stats.Buffered)
	require.EqualValues(t, 2, stats.Failed)
	require.EqualValues(t, 0, stats.Written)

	conn.setErr(nil)
	require.NoError(t, w.Flush())
	require.Equal(t, 1, conn.insertCount())
	require.Len(t, conn.inserts[0], 2)
	require.Equal(t, []any{"2024-01-01", "s1", 1.0}, conn.inserts[0][0])
	require.EqualValues(t, 2, w.Stats().Written)
}

func TestWriterCloseFlushesRemaining(t *testing.T) {
	conn := &fakeInserter{}
	w := NewBufferedWriter(conn, "test_db.test_table", []string{"value"}, WriterOptions{
		BatchSize:     100,
		FlushInterval: time.Hour,
	})

	w.Add([]any{1.0})
	require.NoError(t, w.Close())
	require.Equal(t, 1, conn.insertCount())

	// Close is idempotent.
	require.NoError(t, w.Close())
	require.Equal(t, 1, conn.insertCount())
}

func TestWriterPeriodicFlush(t *testing.T) {
	conn := &fakeInserter{}
	w := NewBufferedWriter(conn, "test_db.test_table", []string{"value"}, WriterOptions{
		BatchSize:     100,
		FlushInterval: 10 * time.Millisecond,
	})
	t.Cleanup(func() { _ = w.Close() })

	w.Add([]any{1.0})
	require.Eventually(t, func() bool { return conn.insertCount() == 1 }, time.Second, 5*time.Millisecond)
}
