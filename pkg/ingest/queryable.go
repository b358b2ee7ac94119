package ingest

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/wesense/mesh-ingester/pkg/config"
	"github.com/wesense/mesh-ingester/pkg/mesh"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	queryTimeout = 30 * time.Second

	// historyMaxHours caps the history window; larger requests are silently
	// capped, not rejected.
	historyMaxHours     = 24
	historyDefaultHours = 1

	maxQueryWorkers = 16
)

// Reader is the per-node data backend answering the four query shapes. The
// time windows are protocol semantics; everything else (SQL, schema) belongs
// to the backend.
type Reader interface {
	Summary(ctx context.Context) ([]map[string]any, error)
	Latest(ctx context.Context) ([]map[string]any, error)
	History(ctx context.Context, hours int) ([]map[string]any, error)
	Devices(ctx context.Context) ([]map[string]any, error)
}

// Queryable serves distributed queries over the mesh from the local backend.
type Queryable struct {
	cfg     config.Mesh
	factory mesh.SessionFactory
	reader  Reader
	log     *zap.SugaredLogger
	workers *errgroup.Group

	session mesh.Session
	handles []mesh.Handle
	mu      sync.Mutex
}

// NewQueryable builds a queryable. reader may be nil: every query is then
// answered with an empty result set and an explanatory error rather than
// failing the request.
func NewQueryable(cfg config.Mesh, factory mesh.SessionFactory, reader Reader) *Queryable {
	workers := &errgroup.Group{}
	workers.SetLimit(maxQueryWorkers)
	return &Queryable{
		cfg:     cfg,
		factory: factory,
		reader:  reader,
		log:     zap.S().Named("ingest.queryable"),
		workers: workers,
	}
}

// Connect opens the mesh session on a background goroutine, like the
// publisher: the queryable is an auxiliary role and must not block startup.
func (q *Queryable) Connect() {
	if !q.cfg.Enabled {
		q.log.Info("mesh queryable disabled")
		return
	}

	go func() {
		session, err := q.factory()
		if err != nil {
			q.log.Errorw("mesh connection failed", "err", err)
			return
		}

		q.mu.Lock()
		q.session = session
		q.mu.Unlock()
		q.log.Infow("mesh queryable connected", "mode", q.cfg.Mode)
	}()
}

// Register declares a query responder on the key expression. No-op with a
// warning when not connected.
func (q *Queryable) Register(keyExpr string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.session == nil {
		q.log.Warnw("cannot register queryable, not connected", "key", keyExpr)
		return
	}

	handle, err := q.session.DeclareQueryable(keyExpr, q.onQuery)
	if err != nil {
		q.log.Errorw("failed to register queryable", "key", keyExpr, "err", err)
		return
	}
	q.handles = append(q.handles, handle)
	q.log.Infow("registered queryable", "key", keyExpr)
}

// onQuery runs on the transport delivery path: hand the query to a worker
// immediately. When the worker pool is saturated the query is still answered
// — every request gets exactly one reply.
func (q *Queryable) onQuery(query *mesh.Query) {
	if !q.workers.TryGo(func() error {
		q.handleQuery(query)
		return nil
	}) {
		q.reply(query, map[string]any{"error": "queryable overloaded"})
	}
}

func (q *Queryable) handleQuery(query *mesh.Query) {
	queryType, params := parseQueryRequest(string(query.Payload))

	if q.reader == nil {
		q.reply(query, map[string]any{"results": []any{}, "error": "no backend connection"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	var (
		rows []map[string]any
		err  error
	)
	switch queryType {
	case "summary":
		rows, err = q.reader.Summary(ctx)
	case "latest":
		rows, err = q.reader.Latest(ctx)
	case "history":
		rows, err = q.reader.History(ctx, clampHours(params["hours"]))
	case "devices":
		rows, err = q.reader.Devices(ctx)
	default:
		q.reply(query, map[string]any{"error": "unknown query type: " + queryType})
		return
	}

	if err != nil {
		q.log.Errorw("query handler error", "type", queryType, "err", err)
		q.reply(query, map[string]any{"error": err.Error()})
		return
	}

	if rows == nil {
		rows = []map[string]any{}
	}
	q.reply(query, map[string]any{"results": rows})
}

func (q *Queryable) reply(query *mesh.Query, data map[string]any) {
	payload, err := json.Marshal(data)
	if err != nil {
		q.log.Errorw("failed to marshal query reply", "err", err)
		payload = []byte(`{"error":"internal error"}`)
	}
	if err := query.Reply(payload); err != nil {
		q.log.Errorw("failed to reply to query", "err", err)
	}
}

// parseQueryRequest splits `<type>?k=v&k=v` into type and params.
func parseQueryRequest(payload string) (string, map[string]string) {
	queryType, rawParams, _ := strings.Cut(payload, "?")
	queryType = strings.TrimSpace(queryType)

	params := make(map[string]string)
	for _, part := range strings.Split(rawParams, "&") {
		if k, v, ok := strings.Cut(part, "="); ok {
			params[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return queryType, params
}

// clampHours parses the hours parameter into [1, 24]. Non-numeric or missing
// values fall back to the default; out-of-range values are capped silently.
func clampHours(raw string) int {
	hours, err := strconv.Atoi(raw)
	if err != nil {
		return historyDefaultHours
	}
	if hours < historyDefaultHours {
		return historyDefaultHours
	}
	if hours > historyMaxHours {
		return historyMaxHours
	}
	return hours
}

func (q *Queryable) IsConnected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.session != nil
}

// Close undeclares all queryables, drains in-flight workers and closes the
// session, best effort.
func (q *Queryable) Close() {
	q.mu.Lock()
	handles := q.handles
	q.handles = nil
	session := q.session
	q.session = nil
	q.mu.Unlock()

	var errs error
	for _, handle := range handles {
		if err := handle.Undeclare(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	_ = q.workers.Wait()

	if session != nil {
		if err := session.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil {
		q.log.Warnw("queryable closed with errors", "err", errs)
	}
}
