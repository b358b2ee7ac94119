package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wesense/mesh-ingester/internal/testutil/memsession"
	"github.com/wesense/mesh-ingester/pkg/ingest"
	"github.com/wesense/mesh-ingester/pkg/mesh"
)

type fakeReader struct {
	mu        sync.Mutex
	lastHours int
	rows      []map[string]any
	err       error
	calls     []string
}

func (f *fakeReader) record(call string) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.rows, f.err
}

func (f *fakeReader) Summary(context.Context) ([]map[string]any, error) {
	return f.record("summary")
}

func (f *fakeReader) Latest(context.Context) ([]map[string]any, error) {
	return f.record("latest")
}

func (f *fakeReader) History(_ context.Context, hours int) ([]map[string]any, error) {
	f.mu.Lock()
	f.lastHours = hours
	f.mu.Unlock()
	return f.record("history")
}

func (f *fakeReader) Devices(context.Context) ([]map[string]any, error) {
	return f.record("devices")
}

func (f *fakeReader) hours() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastHours
}

const queryKeyExpr = "wesense/v2/live/nz/auk/node-1"

func startQueryable(t *testing.T, reader ingest.Reader) *memsession.Network {
	t.Helper()

	net := memsession.NewNetwork()
	q := ingest.NewQueryable(meshConfig(), func() (mesh.Session, error) {
		return net.Open(), nil
	}, reader)
	q.Connect()
	require.Eventually(t, q.IsConnected, time.Second, 5*time.Millisecond)
	q.Register(queryKeyExpr)
	t.Cleanup(q.Close)

	return net
}

func runQuery(t *testing.T, net *memsession.Network, request string) map[string]any {
	t.Helper()

	session := net.Open()
	defer session.Close()

	replies, err := session.Get("wesense/v2/live/**", []byte(request), time.Second)
	require.NoError(t, err)
	require.Len(t, replies, 1)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(replies[0], &decoded))
	return decoded
}

func TestQueryableDispatch(t *testing.T) {
	reader := &fakeReader{rows: []map[string]any{{"device_id": "sensor-001"}}}
	net := startQueryable(t, reader)

	for _, queryType := range []string{"summary", "latest", "devices"} {
		decoded := runQuery(t, net, queryType)
		require.NotContains(t, decoded, "error")

		results, ok := decoded["results"].([]any)
		require.True(t, ok)
		require.Len(t, results, 1)
	}

	reader.mu.Lock()
	calls := append([]string(nil), reader.calls...)
	reader.mu.Unlock()
	require.Equal(t, []string{"summary", "latest", "devices"}, calls)
}

func TestQueryableHistoryHoursClamped(t *testing.T) {
	tests := []struct {
		request string
		want    int
	}{
		{"history", 1},
		{"history?hours=abc", 1},
		{"history?hours=0", 1},
		{"history?hours=6", 6},
		{"history?hours=24", 24},
		{"history?hours=999", 24},
	}
	for _, tc := range tests {
		t.Run(tc.request, func(t *testing.T) {
			reader := &fakeReader{}
			net := startQueryable(t, reader)
			runQuery(t, net, tc.request)
			require.Equal(t, tc.want, reader.hours())
		})
	}
}

func TestQueryableUnknownTypeErrors(t *testing.T) {
	reader := &fakeReader{}
	net := startQueryable(t, reader)

	decoded := runQuery(t, net, "metrics")
	require.Equal(t, "unknown query type: metrics", decoded["error"])
	require.Empty(t, reader.calls)
}

func TestQueryableNilReaderReplies(t *testing.T) {
	net := startQueryable(t, nil)

	decoded := runQuery(t, net, "summary")
	require.Equal(t, "no backend connection", decoded["error"])
	require.Equal(t, []any{}, decoded["results"])
}

func TestQueryableReaderErrorSurfaces(t *testing.T) {
	reader := &fakeReader{err: errors.New("backend unavailable")}
	net := startQueryable(t, reader)

	decoded := runQuery(t, net, "latest")
	require.Equal(t, "backend unavailable", decoded["error"])
}

func TestQueryableNilRowsBecomeEmptyResults(t *testing.T) {
	reader := &fakeReader{}
	net := startQueryable(t, reader)

	decoded := runQuery(t, net, "summary")
	results, ok := decoded["results"].([]any)
	require.True(t, ok)
	require.Empty(t, results)
}
