package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/wesense/mesh-ingester/pkg/config"
	"github.com/wesense/mesh-ingester/pkg/mesh"
	"github.com/wesense/mesh-ingester/pkg/signing"
	"github.com/wesense/mesh-ingester/pkg/trust"
	"go.uber.org/zap"
)

// OnReading receives a delivered reading. env is nil for unsigned traffic.
type OnReading func(reading Reading, env *signing.Envelope)

// SubscriberStats are monotonic counters for the life of the subscriber.
// Each subscriber owns its own counters; they are never shared.
type SubscriberStats struct {
	Received uint64
	Verified uint64
	Rejected uint64
	Unsigned uint64
}

// SubscriberOptions carries the explicit opt-ins.
type SubscriberOptions struct {
	// AllowUnverified accepts signed envelopes without verification when no
	// trust store is configured. For closed test and bench topologies only;
	// it must be requested by name, never inferred from a missing store.
	AllowUnverified bool
}

var zeroSignature [signing.SignatureSize]byte

// Subscriber receives readings from the mesh, verifies envelope signatures
// against the trust store, and delivers verified readings to a callback.
type Subscriber struct {
	cfg       config.Mesh
	factory   mesh.SessionFactory
	store     *trust.Store
	onReading OnReading
	opts      SubscriberOptions
	log       *zap.SugaredLogger

	session mesh.Session
	handles []mesh.Handle

	statsMu sync.Mutex
	stats   SubscriberStats

	mu sync.Mutex
}

// NewSubscriber builds a subscriber. A nil trust store is refused unless
// AllowUnverified is set explicitly.
func NewSubscriber(cfg config.Mesh, factory mesh.SessionFactory, store *trust.Store, onReading OnReading, opts SubscriberOptions) (*Subscriber, error) {
	if store == nil && !opts.AllowUnverified {
		return nil, errors.New("subscriber requires a trust store unless AllowUnverified is set")
	}

	return &Subscriber{
		cfg:       cfg,
		factory:   factory,
		store:     store,
		onReading: onReading,
		opts:      opts,
		log:       zap.S().Named("ingest.subscriber"),
	}, nil
}

// Connect opens the mesh session synchronously. The subscriber is the
// long-running primary loop of its host process, so a connection failure is
// surfaced immediately rather than deferred to a background worker.
func (s *Subscriber) Connect() error {
	if !s.cfg.Enabled {
		s.log.Info("mesh subscriber disabled")
		return nil
	}

	session, err := s.factory()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
	s.log.Infow("mesh subscriber connected", "mode", s.cfg.Mode)
	return nil
}

// Subscribe declares a subscription for the key expression.
func (s *Subscriber) Subscribe(keyExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		s.log.Warnw("cannot subscribe, not connected", "key", keyExpr)
		return mesh.ErrNotConnected
	}

	handle, err := s.session.DeclareSubscriber(keyExpr, s.onSample)
	if err != nil {
		return err
	}
	s.handles = append(s.handles, handle)
	s.log.Infow("subscribed", "key", keyExpr)
	return nil
}

// onSample runs on the transport delivery path: in-memory work only.
func (s *Subscriber) onSample(sample mesh.Sample) {
	s.bump(func(st *SubscriberStats) { st.Received++ })

	env, err := signing.Decode(sample.Payload)
	if err == nil && env.IngesterID != "" && !bytes.Equal(env.Signature, zeroSignature[:]) {
		s.handleSigned(env)
		return
	}

	// Not an envelope: accept raw canonical JSON as unsigned traffic, drop
	// anything else silently.
	reading := Reading{}
	if err := json.Unmarshal(sample.Payload, &reading); err != nil {
		s.log.Debugw("failed to parse sample", "key", sample.KeyExpr, "err", err)
		return
	}

	s.bump(func(st *SubscriberStats) { st.Unsigned++ })
	if s.onReading != nil {
		s.onReading(reading, nil)
	}
}

func (s *Subscriber) handleSigned(env *signing.Envelope) {
	if s.store == nil {
		// Explicitly opted in at construction time.
		s.bump(func(st *SubscriberStats) { st.Verified++ })
		s.deliver(env)
		return
	}

	if !s.store.IsTrusted(env.IngesterID) {
		s.bump(func(st *SubscriberStats) { st.Rejected++ })
		s.log.Debugw("rejected untrusted ingester", "ingesterID", env.IngesterID)
		return
	}

	pub := s.store.PublicKey(env.IngesterID, env.KeyVersion)
	if pub == nil {
		s.bump(func(st *SubscriberStats) { st.Rejected++ })
		s.log.Debugw("rejected unknown key version", "ingesterID", env.IngesterID, "keyVersion", env.KeyVersion)
		return
	}

	if !signing.Verify(env, pub) {
		s.bump(func(st *SubscriberStats) { st.Rejected++ })
		s.log.Debugw("rejected invalid signature", "ingesterID", env.IngesterID)
		return
	}

	s.bump(func(st *SubscriberStats) { st.Verified++ })
	s.deliver(env)
}

func (s *Subscriber) deliver(env *signing.Envelope) {
	reading := Reading{}
	if err := json.Unmarshal(env.Payload, &reading); err != nil {
		s.log.Debugw("failed to parse verified payload", "ingesterID", env.IngesterID, "err", err)
		return
	}
	if s.onReading != nil {
		s.onReading(reading, env)
	}
}

func (s *Subscriber) bump(f func(*SubscriberStats)) {
	s.statsMu.Lock()
	f(&s.stats)
	s.statsMu.Unlock()
}

// Stats returns a snapshot of the counters.
func (s *Subscriber) Stats() SubscriberStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Subscriber) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

// Close undeclares all subscriptions and closes the session, best effort.
func (s *Subscriber) Close() {
	s.mu.Lock()
	handles := s.handles
	s.handles = nil
	session := s.session
	s.session = nil
	s.mu.Unlock()

	var errs error
	for _, handle := range handles {
		if err := handle.Undeclare(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if session != nil {
		if err := session.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil {
		s.log.Warnw("subscriber closed with errors", "err", errs)
	}
}
