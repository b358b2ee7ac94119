package mesh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"
	"github.com/wesense/mesh-ingester/pkg/config"
	"go.uber.org/zap"
)

const (
	meshALPN = "wesense-mesh/1"

	certSerialBits = 128
	certValidity   = 10 * 365 * 24 * time.Hour

	dialTimeout     = 10 * time.Second
	maxIdleTimeout  = 2 * time.Minute
	keepAlivePeriod = 20 * time.Second

	replyQueueSize = 32
)

// QUICSession is the concrete mesh transport: one QUIC connection per remote
// peer, one bidirectional stream per connection carrying length-prefixed
// frames. Publications are routed by declared interest: a peer only receives
// keys matching a subscription it has declared, and queries only fan out to
// peers that declared a matching queryable.
type QUICSession struct {
	log      *zap.SugaredLogger
	links    map[string]*peerLink
	routerUp map[string]struct{}
	pending  map[[queryIDSize]byte]chan []byte
	listener *quic.Listener
	redial   *redialTimer
	cancel   context.CancelFunc
	ctx      context.Context
	subs     []*localSub
	qables   []*localQueryable
	cfg      config.Mesh
	mu       sync.Mutex
	closed   bool
}

type peerLink struct {
	conn       *quic.Conn
	stream     *quic.Stream
	remoteSubs map[string]struct{}
	remoteQbls map[string]struct{}
	addr       string
	// routerAddr is the configured endpoint this link was dialed to, empty
	// for inbound links. Used to redial dropped routers.
	routerAddr string
	writeMu    sync.Mutex
	stateMu    sync.Mutex
}

type localSub struct {
	handler SampleHandler
	expr    string
}

type localQueryable struct {
	handler QueryHandler
	expr    string
}

// OpenSession connects the mesh session per config: client mode dials the
// configured routers, listener mode accepts inbound peers, peer mode does
// both. Blocks until the initial dials/listens complete.
func OpenSession(cfg config.Mesh) (*QUICSession, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &QUICSession{
		cfg:      cfg,
		log:      zap.S().Named("mesh.session"),
		links:    make(map[string]*peerLink),
		routerUp: make(map[string]struct{}),
		pending:  make(map[[queryIDSize]byte]chan []byte),
		ctx:      ctx,
		cancel:   cancel,
	}

	cert, err := generateSessionCert()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("generate session cert: %w", err)
	}

	if cfg.Mode == config.MeshModeListener || cfg.Mode == config.MeshModePeer {
		if err := s.listen(cert); err != nil {
			cancel()
			return nil, err
		}
	}

	if cfg.Mode == config.MeshModeClient || cfg.Mode == config.MeshModePeer {
		if err := s.dialRouters(cert); err != nil {
			_ = s.Close()
			return nil, err
		}
		if len(cfg.Routers) > 0 {
			s.redial = newRedialTimer(ctx, redialInterval, redialJitter)
			go s.redialLoop(cert)
		}
	}

	s.log.Infow("mesh session open", "mode", cfg.Mode, "routers", len(cfg.Routers), "listen", cfg.Listen)
	return s, nil
}

func (s *QUICSession) listen(cert tls.Certificate) error {
	if len(s.cfg.Listen) == 0 {
		return errors.New("listener mode requires at least one listen endpoint")
	}

	// Inbound peers authenticate at the envelope layer, not the channel:
	// any client cert (or none) is accepted here.
	tlsConf := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{meshALPN},
	}

	l, err := quic.ListenAddr(s.cfg.Listen[0], tlsConf, quicConfig())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen[0], err)
	}
	s.listener = l

	go s.acceptLoop()
	return nil
}

func (s *QUICSession) acceptLoop() {
	for {
		conn, err := s.listener.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.Debugw("accept failed", "err", err)
			return
		}

		go func() {
			stream, err := conn.AcceptStream(s.ctx)
			if err != nil {
				s.log.Debugw("accept stream failed", "peer", conn.RemoteAddr(), "err", err)
				return
			}
			s.addLink(conn, stream, "")
		}()
	}
}

func (s *QUICSession) dialRouters(cert tls.Certificate) error {
	if len(s.cfg.Routers) == 0 && s.cfg.Mode == config.MeshModeClient {
		return errors.New("client mode requires at least one router endpoint")
	}

	var ok int
	var errs error
	for _, addr := range s.cfg.Routers {
		if err := s.dialRouter(addr, cert); err != nil {
			errs = multierror.Append(errs, err)
			s.log.Warnw("router dial failed", "addr", addr, "err", err)
			continue
		}
		ok++
	}

	if ok == 0 && len(s.cfg.Routers) > 0 {
		return fmt.Errorf("no routers reachable: %w", errs)
	}
	return nil
}

func (s *QUICSession) dialRouter(addr string, cert tls.Certificate) error {
	tlsConf := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, //nolint:gosec // peers are ephemeral-cert; trust lives in the envelope layer
		NextProtos:         []string{meshALPN},
	}

	dialCtx, cancel := context.WithTimeout(s.ctx, dialTimeout)
	conn, err := quic.DialAddr(dialCtx, addr, tlsConf, quicConfig())
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(s.ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream open failed")
		return fmt.Errorf("open stream %s: %w", addr, err)
	}

	s.addLink(conn, stream, addr)
	return nil
}

// redialLoop restores dropped router links. The interval is jittered so a
// fleet of nodes restarting against the same router does not dial in
// lockstep.
func (s *QUICSession) redialLoop(cert tls.Certificate) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.redial.C:
		}

		s.mu.Lock()
		var missing []string
		for _, addr := range s.cfg.Routers {
			if _, up := s.routerUp[addr]; !up {
				missing = append(missing, addr)
			}
		}
		s.mu.Unlock()

		for _, addr := range missing {
			if err := s.dialRouter(addr, cert); err != nil {
				s.log.Debugw("router redial failed", "addr", addr, "err", err)
			} else {
				s.log.Infow("router link restored", "addr", addr)
			}
		}
	}
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  maxIdleTimeout,
		KeepAlivePeriod: keepAlivePeriod,
	}
}

func (s *QUICSession) addLink(conn *quic.Conn, stream *quic.Stream, routerAddr string) {
	link := &peerLink{
		conn:       conn,
		stream:     stream,
		addr:       conn.RemoteAddr().String(),
		routerAddr: routerAddr,
		remoteSubs: make(map[string]struct{}),
		remoteQbls: make(map[string]struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.CloseWithError(0, "session closed")
		return
	}
	s.links[link.addr] = link
	if routerAddr != "" {
		s.routerUp[routerAddr] = struct{}{}
	}
	subs := make([]string, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub.expr)
	}
	qables := make([]string, 0, len(s.qables))
	for _, q := range s.qables {
		qables = append(qables, q.expr)
	}
	s.mu.Unlock()

	// Replay local declarations so the new peer learns our interest.
	for _, expr := range subs {
		if err := link.send(&frame{op: opDeclareSub, key: expr}); err != nil {
			s.log.Debugw("declare replay failed", "peer", link.addr, "err", err)
		}
	}
	for _, expr := range qables {
		if err := link.send(&frame{op: opDeclareQueryable, key: expr}); err != nil {
			s.log.Debugw("queryable replay failed", "peer", link.addr, "err", err)
		}
	}

	go s.readLoop(link)
	s.log.Infow("peer link up", "peer", link.addr)
}

func (s *QUICSession) readLoop(link *peerLink) {
	defer s.dropLink(link)

	for {
		f, err := readFrame(link.stream)
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Debugw("peer link down", "peer", link.addr, "err", err)
			}
			return
		}
		s.handleFrame(link, f)
	}
}

func (s *QUICSession) handleFrame(link *peerLink, f *frame) {
	switch f.op {
	case opDeclareSub:
		link.stateMu.Lock()
		link.remoteSubs[f.key] = struct{}{}
		link.stateMu.Unlock()
	case opUndeclareSub:
		link.stateMu.Lock()
		delete(link.remoteSubs, f.key)
		link.stateMu.Unlock()
	case opDeclareQueryable:
		link.stateMu.Lock()
		link.remoteQbls[f.key] = struct{}{}
		link.stateMu.Unlock()
	case opUndeclareQueryable:
		link.stateMu.Lock()
		delete(link.remoteQbls, f.key)
		link.stateMu.Unlock()
	case opPub:
		s.deliverSample(f.key, f.payload)
	case opQuery:
		s.dispatchQuery(link, f)
	case opReply:
		s.deliverReply(f)
	}
}

func (s *QUICSession) deliverSample(key string, payload []byte) {
	s.mu.Lock()
	var handlers []SampleHandler
	for _, sub := range s.subs {
		if MatchKeyExpr(sub.expr, key) {
			handlers = append(handlers, sub.handler)
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(Sample{KeyExpr: key, Payload: payload})
	}
}

func (s *QUICSession) dispatchQuery(link *peerLink, f *frame) {
	s.mu.Lock()
	var handlers []QueryHandler
	for _, q := range s.qables {
		if KeyExprIntersects(q.expr, f.key) {
			handlers = append(handlers, q.handler)
		}
	}
	s.mu.Unlock()

	queryID := f.queryID
	for _, h := range handlers {
		q := NewQuery(f.key, f.payload, func(data []byte) error {
			return link.send(&frame{op: opReply, queryID: queryID, payload: data})
		})
		h(q)
	}
}

func (s *QUICSession) deliverReply(f *frame) {
	s.mu.Lock()
	ch, ok := s.pending[f.queryID]
	s.mu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- f.payload:
	default:
		s.log.Debugw("reply queue full, dropping reply")
	}
}

func (s *QUICSession) dropLink(link *peerLink) {
	s.mu.Lock()
	if curr, ok := s.links[link.addr]; ok && curr == link {
		delete(s.links, link.addr)
		if link.routerAddr != "" {
			delete(s.routerUp, link.routerAddr)
		}
	}
	s.mu.Unlock()
	_ = link.conn.CloseWithError(0, "link closed")

	if link.routerAddr != "" && s.redial != nil {
		s.redial.Bump()
	}
}

func (link *peerLink) send(f *frame) error {
	link.writeMu.Lock()
	defer link.writeMu.Unlock()
	return writeFrame(link.stream, f)
}

func (s *QUICSession) snapshotLinks() []*peerLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	links := make([]*peerLink, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	return links
}

func (s *QUICSession) broadcast(f *frame) {
	for _, link := range s.snapshotLinks() {
		if err := link.send(f); err != nil {
			s.log.Debugw("broadcast failed", "peer", link.addr, "op", f.op, "err", err)
		}
	}
}

// DeclarePublisher returns a send handle for one key. Publications go only
// to peers that declared a matching subscription.
func (s *QUICSession) DeclarePublisher(keyExpr string) (PublisherHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return &quicPublisher{session: s, key: keyExpr}, nil
}

type quicPublisher struct {
	session *QUICSession
	key     string
}

func (p *quicPublisher) Put(payload []byte) error {
	s := p.session

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	var errs error
	for _, link := range s.snapshotLinks() {
		if !link.interestedIn(p.key) {
			continue
		}
		if err := link.send(&frame{op: opPub, key: p.key, payload: payload}); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("put to %s: %w", link.addr, err))
		}
	}
	return errs
}

func (p *quicPublisher) Undeclare() error { return nil }

func (link *peerLink) interestedIn(key string) bool {
	link.stateMu.Lock()
	defer link.stateMu.Unlock()
	for expr := range link.remoteSubs {
		if MatchKeyExpr(expr, key) {
			return true
		}
	}
	return false
}

func (link *peerLink) servesQueryable(key string) bool {
	link.stateMu.Lock()
	defer link.stateMu.Unlock()
	for expr := range link.remoteQbls {
		if KeyExprIntersects(expr, key) {
			return true
		}
	}
	return false
}

func (s *QUICSession) DeclareSubscriber(keyExpr string, handler SampleHandler) (Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	sub := &localSub{expr: keyExpr, handler: handler}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	s.broadcast(&frame{op: opDeclareSub, key: keyExpr})
	return &declaration{remove: func() { s.removeSub(sub) }}, nil
}

func (s *QUICSession) removeSub(sub *localSub) {
	s.mu.Lock()
	for i, curr := range s.subs {
		if curr == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.broadcast(&frame{op: opUndeclareSub, key: sub.expr})
}

func (s *QUICSession) DeclareQueryable(keyExpr string, handler QueryHandler) (Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	q := &localQueryable{expr: keyExpr, handler: handler}
	s.qables = append(s.qables, q)
	s.mu.Unlock()

	s.broadcast(&frame{op: opDeclareQueryable, key: keyExpr})
	return &declaration{remove: func() { s.removeQueryable(q) }}, nil
}

func (s *QUICSession) removeQueryable(q *localQueryable) {
	s.mu.Lock()
	for i, curr := range s.qables {
		if curr == q {
			s.qables = append(s.qables[:i], s.qables[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.broadcast(&frame{op: opUndeclareQueryable, key: q.expr})
}

type declaration struct {
	remove func()
	once   sync.Once
}

func (d *declaration) Undeclare() error {
	d.once.Do(d.remove)
	return nil
}

// Get fans a query out to every peer serving a matching queryable and
// collects replies until the timeout elapses.
func (s *QUICSession) Get(keyExpr string, payload []byte, timeout time.Duration) ([][]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}

	id := uuid.New()
	queryID := [queryIDSize]byte(id)

	ch := make(chan []byte, replyQueueSize)
	s.pending[queryID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, queryID)
		s.mu.Unlock()
	}()

	var sent int
	for _, link := range s.snapshotLinks() {
		if !link.servesQueryable(keyExpr) {
			continue
		}
		if err := link.send(&frame{op: opQuery, queryID: queryID, key: keyExpr, payload: payload}); err != nil {
			s.log.Debugw("query send failed", "peer", link.addr, "err", err)
			continue
		}
		sent++
	}
	if sent == 0 {
		return nil, nil
	}

	var replies [][]byte
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case reply := <-ch:
			replies = append(replies, reply)
			if len(replies) == sent {
				return replies, nil
			}
		case <-deadline.C:
			return replies, nil
		case <-s.ctx.Done():
			return replies, ErrSessionClosed
		}
	}
}

// Close tears the session down exactly once: every peer link is closed and
// the listener released. Individual link failures are collected, not
// propagated early, so one bad link cannot leak the rest.
func (s *QUICSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	links := make([]*peerLink, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	s.links = make(map[string]*peerLink)
	s.mu.Unlock()

	s.cancel()

	var errs error
	for _, link := range links {
		if err := link.conn.CloseWithError(0, "session closed"); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	s.log.Infow("mesh session closed")
	return errs
}

func generateSessionCert() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), certSerialBits))
	if err != nil {
		return tls.Certificate{}, err
	}

	now := time.Now().UTC()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "wesense-ingester"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(certValidity),

		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}
