// Package ingest implements the three mesh roles of an ingestion node:
// publishing signed readings, subscribing with signature verification, and
// answering distributed queries from the local backend.
package ingest

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/wesense/mesh-ingester/pkg/config"
	"github.com/wesense/mesh-ingester/pkg/geo"
	"github.com/wesense/mesh-ingester/pkg/mesh"
	"github.com/wesense/mesh-ingester/pkg/signing"
	"go.uber.org/zap"
)

// Reading is one decoded sensor reading. Canonical wire form is its JSON
// encoding; Go's encoding/json sorts map keys, so the bytes are reproducible
// regardless of map iteration order — required for signature verification.
type Reading map[string]any

// Field returns the named attribute as a string, or "" when absent or not a
// string.
func (r Reading) Field(key string) string {
	v, _ := r[key].(string)
	return v
}

// GeoCodes returns the reading's country and subdivision codes. Decoders
// that only know place names set geo_country_name/geo_subdivision_name;
// those are resolved through the geo tables when the coded fields are
// absent.
func (r Reading) GeoCodes() (string, string) {
	country := r.Field("geo_country")
	if country == "" {
		country = geo.CountryCode(r.Field("geo_country_name"))
	}
	subdivision := r.Field("geo_subdivision")
	if subdivision == "" {
		subdivision = geo.SubdivisionCode(country, r.Field("geo_subdivision_name"))
	}
	return country, subdivision
}

// Publisher publishes readings to the mesh, optionally wrapped in signed
// envelopes. Fire-and-forget: connection happens in the background and
// PublishReading never blocks on the transport coming up.
type Publisher struct {
	cfg     config.Mesh
	factory mesh.SessionFactory
	signer  *signing.Signer
	log     *zap.SugaredLogger

	session   mesh.Session
	handles   map[string]mesh.PublisherHandle
	mu        sync.Mutex
	connected atomic.Bool
}

// NewPublisher builds a publisher over the given session factory. signer may
// be nil, in which case readings go out unsigned.
func NewPublisher(cfg config.Mesh, factory mesh.SessionFactory, signer *signing.Signer) *Publisher {
	return &Publisher{
		cfg:     cfg,
		factory: factory,
		signer:  signer,
		log:     zap.S().Named("ingest.publisher"),
		handles: make(map[string]mesh.PublisherHandle),
	}
}

// Connect opens the mesh session on a background goroutine and returns
// immediately. A disabled config is a valid inert state.
func (p *Publisher) Connect() {
	if !p.cfg.Enabled {
		p.log.Info("mesh publishing disabled")
		return
	}

	go func() {
		session, err := p.factory()
		if err != nil {
			p.log.Errorw("mesh connection failed", "err", err)
			return
		}

		p.mu.Lock()
		p.session = session
		p.mu.Unlock()
		p.connected.Store(true)
		p.log.Infow("mesh publisher connected", "mode", p.cfg.Mode)
	}()
}

// PublishReading serializes the reading canonically, signs it when a signer
// is attached, and publishes to the key built from the reading's location
// and device attributes. Returns false — never an error — when not connected
// or when the send fails.
func (p *Publisher) PublishReading(reading Reading) bool {
	if !p.connected.Load() {
		return false
	}

	country, subdivision := reading.GeoCodes()
	keyExpr := p.cfg.BuildKeyExpr(country, subdivision, reading.Field("device_id"))

	payload, err := json.Marshal(reading)
	if err != nil {
		p.log.Errorw("failed to serialize reading", "key", keyExpr, "err", err)
		return false
	}

	data := payload
	if p.signer != nil {
		env, err := p.signer.Sign(payload)
		if err != nil {
			p.log.Errorw("failed to sign reading", "key", keyExpr, "err", err)
			return false
		}
		if data, err = env.Encode(); err != nil {
			p.log.Errorw("failed to encode envelope", "key", keyExpr, "err", err)
			return false
		}
	}

	handle, err := p.handleFor(keyExpr)
	if err != nil {
		p.log.Errorw("failed to declare publisher", "key", keyExpr, "err", err)
		return false
	}

	if err := handle.Put(data); err != nil {
		p.log.Errorw("failed to publish", "key", keyExpr, "err", err)
		return false
	}

	p.log.Debugw("published", "key", keyExpr)
	return true
}

// handleFor returns the cached per-key handle, declaring it lazily on first
// use. One handle per distinct key expression for the life of the publisher.
func (p *Publisher) handleFor(keyExpr string) (mesh.PublisherHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if handle, ok := p.handles[keyExpr]; ok {
		return handle, nil
	}
	if p.session == nil {
		return nil, mesh.ErrNotConnected
	}

	handle, err := p.session.DeclarePublisher(keyExpr)
	if err != nil {
		return nil, err
	}
	p.handles[keyExpr] = handle
	return handle, nil
}

func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Close undeclares every cached handle and closes the session. Best effort:
// individual undeclare failures are collected and logged but never prevent
// the session itself from closing.
func (p *Publisher) Close() {
	p.connected.Store(false)

	p.mu.Lock()
	handles := p.handles
	p.handles = make(map[string]mesh.PublisherHandle)
	session := p.session
	p.session = nil
	p.mu.Unlock()

	var errs error
	for key, handle := range handles {
		if err := handle.Undeclare(); err != nil {
			errs = multierror.Append(errs, err)
			p.log.Debugw("undeclare failed", "key", key, "err", err)
		}
	}

	if session != nil {
		if err := session.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil {
		p.log.Warnw("publisher closed with errors", "err", errs)
	}
}
