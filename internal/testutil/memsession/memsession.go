// Package memsession provides an in-memory mesh.Session for tests: sessions
// joined to the same Network exchange publications and queries without any
// real transport.
package memsession

import (
	"sync"
	"time"

	"github.com/wesense/mesh-ingester/pkg/mesh"
)

type Network struct {
	sessions map[*Session]struct{}
	mu       sync.Mutex
}

func NewNetwork() *Network {
	return &Network{sessions: make(map[*Session]struct{})}
}

func (n *Network) Open() *Session {
	s := &Session{net: n}
	n.mu.Lock()
	n.sessions[s] = struct{}{}
	n.mu.Unlock()
	return s
}

func (n *Network) snapshot() []*Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Session, 0, len(n.sessions))
	for s := range n.sessions {
		out = append(out, s)
	}
	return out
}

func (n *Network) drop(s *Session) {
	n.mu.Lock()
	delete(n.sessions, s)
	n.mu.Unlock()
}

type subscription struct {
	handler mesh.SampleHandler
	expr    string
}

type queryable struct {
	handler mesh.QueryHandler
	expr    string
}

// Session is an in-memory mesh.Session. Delivery is synchronous: Put and Get
// return after every matching handler on the network has run.
type Session struct {
	net *Network

	subs   []*subscription
	qables []*queryable
	mu     sync.Mutex
	closed bool

	// DeclaredPublishers counts DeclarePublisher calls, letting tests assert
	// that per-key handles are cached rather than re-declared.
	DeclaredPublishers int
}

func (s *Session) DeclarePublisher(keyExpr string) (mesh.PublisherHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, mesh.ErrSessionClosed
	}
	s.DeclaredPublishers++
	return &memPublisher{session: s, key: keyExpr}, nil
}

type memPublisher struct {
	session *Session
	key     string
}

func (p *memPublisher) Put(payload []byte) error {
	s := p.session
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return mesh.ErrSessionClosed
	}
	s.mu.Unlock()

	data := append([]byte(nil), payload...)
	for _, peer := range s.net.snapshot() {
		peer.deliver(p.key, data)
	}
	return nil
}

func (p *memPublisher) Undeclare() error { return nil }

func (s *Session) deliver(key string, payload []byte) {
	s.mu.Lock()
	var handlers []mesh.SampleHandler
	for _, sub := range s.subs {
		if mesh.MatchKeyExpr(sub.expr, key) {
			handlers = append(handlers, sub.handler)
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(mesh.Sample{KeyExpr: key, Payload: payload})
	}
}

func (s *Session) DeclareSubscriber(keyExpr string, handler mesh.SampleHandler) (mesh.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, mesh.ErrSessionClosed
	}
	sub := &subscription{expr: keyExpr, handler: handler}
	s.subs = append(s.subs, sub)
	return &memHandle{remove: func() { s.removeSub(sub) }}, nil
}

func (s *Session) removeSub(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, curr := range s.subs {
		if curr == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *Session) DeclareQueryable(keyExpr string, handler mesh.QueryHandler) (mesh.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, mesh.ErrSessionClosed
	}
	q := &queryable{expr: keyExpr, handler: handler}
	s.qables = append(s.qables, q)
	return &memHandle{remove: func() { s.removeQueryable(q) }}, nil
}

func (s *Session) removeQueryable(q *queryable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, curr := range s.qables {
		if curr == q {
			s.qables = append(s.qables[:i], s.qables[i+1:]...)
			return
		}
	}
}

func (s *Session) Get(keyExpr string, payload []byte, timeout time.Duration) ([][]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, mesh.ErrSessionClosed
	}
	s.mu.Unlock()

	var (
		replies [][]byte
		replyMu sync.Mutex
		wg      sync.WaitGroup
	)

	for _, peer := range s.net.snapshot() {
		peer.mu.Lock()
		var handlers []mesh.QueryHandler
		for _, q := range peer.qables {
			if mesh.KeyExprIntersects(q.expr, keyExpr) {
				handlers = append(handlers, q.handler)
			}
		}
		peer.mu.Unlock()

		for _, h := range handlers {
			wg.Add(1)
			replied := make(chan struct{})
			query := mesh.NewQuery(keyExpr, payload, func(data []byte) error {
				replyMu.Lock()
				replies = append(replies, append([]byte(nil), data...))
				replyMu.Unlock()
				close(replied)
				return nil
			})
			go func(h mesh.QueryHandler) {
				defer wg.Done()
				h(query)
				select {
				case <-replied:
				case <-time.After(timeout):
				}
			}(h)
		}
	}

	wg.Wait()
	return replies, nil
}

type memHandle struct {
	remove func()
	once   sync.Once
}

func (h *memHandle) Undeclare() error {
	h.once.Do(h.remove)
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.subs = nil
	s.qables = nil
	s.mu.Unlock()

	s.net.drop(s)
	return nil
}
