// Package backend reads and writes sensor readings in ClickHouse. The reader
// answers the four distributed query shapes; the writer batches verified
// readings on the subscriber path.
package backend

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/wesense/mesh-ingester/pkg/config"
	"go.uber.org/zap"
)

const dialTimeout = 5 * time.Second

// Open connects to ClickHouse with the configured credentials.
func Open(cfg config.ClickHouse) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr()},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	return conn, nil
}

// Reader answers the distributed query shapes from a local ClickHouse table.
// Time windows here are protocol semantics shared with every other node.
type Reader struct {
	conn  driver.Conn
	table string
	log   *zap.SugaredLogger
}

func NewReader(cfg config.ClickHouse) (*Reader, error) {
	conn, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	return &Reader{
		conn:  conn,
		table: cfg.QualifiedTable(),
		log:   zap.S().Named("backend.reader"),
	}, nil
}

func (r *Reader) Summary(ctx context.Context) ([]map[string]any, error) {
	return r.query(ctx, fmt.Sprintf(
		"SELECT geo_country, geo_subdivision, reading_type, "+
			"avg(value) AS avg_value, count() AS reading_count "+
			"FROM %s WHERE timestamp > now() - INTERVAL 1 HOUR "+
			"GROUP BY geo_country, geo_subdivision, reading_type", r.table))
}

func (r *Reader) Latest(ctx context.Context) ([]map[string]any, error) {
	return r.query(ctx, fmt.Sprintf(
		"SELECT * FROM %s WHERE timestamp > now() - INTERVAL 1 HOUR "+
			"ORDER BY timestamp DESC LIMIT 1 BY device_id, reading_type", r.table))
}

func (r *Reader) History(ctx context.Context, hours int) ([]map[string]any, error) {
	return r.query(ctx, fmt.Sprintf(
		"SELECT * FROM %s WHERE timestamp > now() - INTERVAL %d HOUR "+
			"ORDER BY timestamp DESC", r.table, hours))
}

func (r *Reader) Devices(ctx context.Context) ([]map[string]any, error) {
	return r.query(ctx, fmt.Sprintf(
		"SELECT device_id, max(timestamp) AS last_seen, count() AS reading_count "+
			"FROM %s WHERE timestamp > now() - INTERVAL 24 HOUR "+
			"GROUP BY device_id", r.table))
}

func (r *Reader) query(ctx context.Context, sql string) ([]map[string]any, error) {
	rows, err := r.conn.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("clickhouse query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// scanRows turns a result set into generic maps: the query protocol is
// schema-agnostic JSON, so column types are resolved at runtime.
func scanRows(rows driver.Rows) ([]map[string]any, error) {
	cols := rows.Columns()
	types := rows.ColumnTypes()

	var out []map[string]any
	for rows.Next() {
		dest := make([]any, len(cols))
		for i, ct := range types {
			dest[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make(map[string]any, len(cols))
		for i, name := range cols {
			row[name] = reflect.ValueOf(dest[i]).Elem().Interface()
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *Reader) Close() error {
	return r.conn.Close()
}

// Inserter is the narrow write surface the buffered writer needs. The
// production implementation wraps a driver.Conn batch; tests inject a fake.
type Inserter interface {
	Insert(ctx context.Context, table string, columns []string, rows [][]any) error
	Close() error
}

type connInserter struct {
	conn driver.Conn
}

// NewInserter wraps a ClickHouse connection as an Inserter.
func NewInserter(conn driver.Conn) Inserter {
	return &connInserter{conn: conn}
}

func (c *connInserter) Insert(ctx context.Context, table string, columns []string, rows [][]any) error {
	batch, err := c.conn.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s)", table, strings.Join(columns, ", ")))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

func (c *connInserter) Close() error {
	return c.conn.Close()
}
