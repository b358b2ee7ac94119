// Package mesh defines the transport capability the ingestion roles are
// built on: a shared session over which publishers, subscribers and
// queryables are declared against hierarchical key expressions. The concrete
// QUIC session lives in this package too; tests use the in-memory session
// from internal/testutil/memsession.
package mesh

import (
	"errors"
	"time"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrNotConnected  = errors.New("not connected")
)

// Sample is one received publication.
type Sample struct {
	KeyExpr string
	Payload []byte
}

// SampleHandler runs on the transport delivery path and must not block
// beyond in-memory work.
type SampleHandler func(Sample)

// Query is one inbound distributed query. Reply must be called exactly once.
type Query struct {
	KeyExpr string
	Payload []byte
	reply   func([]byte) error
}

func NewQuery(keyExpr string, payload []byte, reply func([]byte) error) *Query {
	return &Query{KeyExpr: keyExpr, Payload: payload, reply: reply}
}

func (q *Query) Reply(data []byte) error {
	if q.reply == nil {
		return errors.New("query has no reply path")
	}
	return q.reply(data)
}

type QueryHandler func(*Query)

// PublisherHandle is a declared per-key send handle, cached and reused by
// the publishing role.
type PublisherHandle interface {
	Put(payload []byte) error
	Undeclare() error
}

// Handle is a declared subscriber or queryable registration.
type Handle interface {
	Undeclare() error
}

// Session is the shared mesh transport capability. Implementations must
// tolerate Close being called once regardless of how many declarations are
// outstanding.
type Session interface {
	DeclarePublisher(keyExpr string) (PublisherHandle, error)
	DeclareSubscriber(keyExpr string, handler SampleHandler) (Handle, error)
	DeclareQueryable(keyExpr string, handler QueryHandler) (Handle, error)

	// Get issues a distributed query and collects replies until timeout.
	Get(keyExpr string, payload []byte, timeout time.Duration) ([][]byte, error)

	Close() error
}

// SessionFactory opens a session. Roles take a factory rather than a session
// so that connection can happen off the construction path; absence of the
// capability is modeled as a disabled config, not a nil check.
type SessionFactory func() (Session, error)
