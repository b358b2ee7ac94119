// Package registry talks to the wesense registry service: node registration,
// periodic trust list synchronisation and peer endpoint discovery. Registry
// failures are warnings; a node keeps operating on its last-synced trust
// state.
package registry

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/wesense/mesh-ingester/pkg/config"
	"github.com/wesense/mesh-ingester/pkg/trust"
	"go.uber.org/zap"
)

const requestTimeout = 10 * time.Second

// ErrRegistry wraps every transport or protocol failure from the registry.
var ErrRegistry = errors.New("registry error")

// Client syncs trust state with the registry over plain HTTP.
type Client struct {
	cfg   config.Registry
	store *trust.Store
	http  *http.Client
	log   *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

func NewClient(cfg config.Registry, store *trust.Store) *Client {
	return &Client{
		cfg:   cfg,
		store: store,
		http:  &http.Client{Timeout: requestTimeout},
		log:   zap.S().Named("registry"),
	}
}

func (c *Client) baseURL() string {
	return strings.TrimSuffix(c.cfg.URL, "/")
}

// Register publishes this node's public key to the registry, both as a node
// record and as an active trust entry.
func (c *Client) Register(ctx context.Context, ingesterID string, publicKey []byte, keyVersion uint32, metadata map[string]any) error {
	pub := base64.StdEncoding.EncodeToString(publicKey)

	node := map[string]any{
		"public_key":  pub,
		"key_version": keyVersion,
	}
	for k, v := range metadata {
		node[k] = v
	}
	if err := c.do(ctx, http.MethodPut, "/nodes/"+ingesterID, node, nil); err != nil {
		return err
	}
	c.log.Infow("registered node", "ingesterID", ingesterID)

	entry := map[string]any{
		"public_key":  pub,
		"key_version": keyVersion,
		"status":      trust.StatusActive,
	}
	if err := c.do(ctx, http.MethodPut, "/trust/"+ingesterID, entry, nil); err != nil {
		return err
	}
	c.log.Infow("published trust entry", "ingesterID", ingesterID, "keyVersion", keyVersion)
	return nil
}

// SyncOnce fetches the registry trust list and merges it into the local
// store.
func (c *Client) SyncOnce(ctx context.Context) error {
	var snap trust.Snapshot
	if err := c.do(ctx, http.MethodGet, "/trust", nil, &snap); err != nil {
		return err
	}
	if snap.Keys == nil {
		return fmt.Errorf("%w: /trust response missing keys", ErrRegistry)
	}

	c.store.Merge(snap)
	c.log.Debugw("trust sync complete", "ingesters", len(snap.Keys))
	return nil
}

type nodeRecord struct {
	ID          string `json:"_id"`
	IngesterID  string `json:"ingester_id"`
	Endpoint    string `json:"mesh_endpoint"`
	EndpointLAN string `json:"mesh_endpoint_lan"`
}

// DiscoverPeers returns one mesh endpoint per remote node, preferring LAN
// endpoints over WAN ones so same-network peers avoid NAT hairpins.
func (c *Client) DiscoverPeers(ctx context.Context, excludeIDs map[string]struct{}) ([]string, error) {
	var resp struct {
		Nodes []nodeRecord `json:"nodes"`
	}
	if err := c.do(ctx, http.MethodGet, "/nodes", nil, &resp); err != nil {
		return nil, err
	}

	var endpoints []string
	seen := make(map[string]struct{})
	for _, node := range resp.Nodes {
		id := node.ID
		if id == "" {
			id = node.IngesterID
		}
		if _, skip := excludeIDs[id]; skip {
			continue
		}
		ep := node.EndpointLAN
		if ep == "" {
			ep = node.Endpoint
		}
		if ep == "" {
			continue
		}
		if _, dup := seen[ep]; dup {
			continue
		}
		seen[ep] = struct{}{}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// StartSync runs SyncOnce on the configured interval until Stop. Failures
// shorten the wait to an exponential backoff so a registry blip recovers
// quickly, then the nominal interval resumes.
func (c *Client) StartSync() {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel

		c.wg.Add(1)
		go c.syncLoop(ctx)
		c.log.Infow("trust sync started", "interval", c.cfg.Interval(), "url", c.cfg.URL)
	})
}

func (c *Client) syncLoop(ctx context.Context) {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.MaxInterval = c.cfg.Interval()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := c.cfg.Interval()
		if err := c.SyncOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			next = bo.NextBackOff()
			c.log.Warnw("trust sync failed, will retry", "err", err, "retryIn", next)
		} else {
			bo.Reset()
		}
		timer.Reset(next)
	}
}

// Stop halts the sync loop. Idempotent.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
	})
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: marshal request: %v", ErrRegistry, err)
		}
		reader = bytes.NewReader(encoded)
	}

	url := c.baseURL() + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrRegistry, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrRegistry, method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: %s %s: HTTP %d", ErrRegistry, method, url, resp.StatusCode)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: invalid JSON: %v", ErrRegistry, method, url, err)
	}
	return nil
}
