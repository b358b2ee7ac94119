package ingest_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wesense/mesh-ingester/internal/testutil/memsession"
	"github.com/wesense/mesh-ingester/pkg/config"
	"github.com/wesense/mesh-ingester/pkg/ingest"
	"github.com/wesense/mesh-ingester/pkg/mesh"
)

type keyRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (r *keyRecorder) record(s mesh.Sample) {
	r.mu.Lock()
	r.keys = append(r.keys, s.KeyExpr)
	r.mu.Unlock()
}

func (r *keyRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func meshConfig() config.Mesh {
	return config.Mesh{Mode: config.MeshModeClient, KeyPrefix: "wesense/v2/live", Enabled: true}
}

func connectPublisher(t *testing.T, net *memsession.Network) (*ingest.Publisher, *memsession.Session) {
	t.Helper()

	var (
		mu      sync.Mutex
		session *memsession.Session
	)
	pub := ingest.NewPublisher(meshConfig(), func() (mesh.Session, error) {
		mu.Lock()
		defer mu.Unlock()
		session = net.Open()
		return session, nil
	}, nil)

	pub.Connect()
	require.Eventually(t, pub.IsConnected, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	return pub, session
}

func TestPublishReadingKeyConstruction(t *testing.T) {
	net := memsession.NewNetwork()
	rec := &keyRecorder{}
	sub := net.Open()
	_, err := sub.DeclareSubscriber("wesense/v2/live/**", rec.record)
	require.NoError(t, err)

	pub, _ := connectPublisher(t, net)
	defer pub.Close()

	require.True(t, pub.PublishReading(ingest.Reading{
		"device_id":       "sensor-001",
		"geo_country":     "nz",
		"geo_subdivision": "auk",
		"value":           22.5,
	}))
	require.True(t, pub.PublishReading(ingest.Reading{}))
	require.True(t, pub.PublishReading(ingest.Reading{
		"device_id":       "sensor-002",
		"geo_country":     "NZ",
		"geo_subdivision": "AUK",
	}))

	require.Equal(t, []string{
		"wesense/v2/live/nz/auk/sensor-001",
		"wesense/v2/live/unknown/unknown/unknown",
		"wesense/v2/live/nz/auk/sensor-002",
	}, rec.snapshot())
}

func TestReadingGeoCodes(t *testing.T) {
	tests := []struct {
		name            string
		reading         ingest.Reading
		country, subdiv string
	}{
		{
			name:    "coded fields win",
			reading: ingest.Reading{"geo_country": "nz", "geo_subdivision": "auk"},
			country: "nz", subdiv: "auk",
		},
		{
			name: "names resolved when codes absent",
			reading: ingest.Reading{
				"geo_country_name":     "New Zealand",
				"geo_subdivision_name": "Auckland Region",
			},
			country: "nz", subdiv: "auk",
		},
		{
			name: "coded country scopes the subdivision lookup",
			reading: ingest.Reading{
				"geo_country":          "au",
				"geo_subdivision_name": "Queensland",
			},
			country: "au", subdiv: "qld",
		},
		{
			name:    "unknown name falls back",
			reading: ingest.Reading{"geo_country_name": "Atlantis"},
			country: "unknown", subdiv: "unknown",
		},
		{
			name:    "empty reading",
			reading: ingest.Reading{},
			country: "unknown", subdiv: "unknown",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			country, subdiv := tc.reading.GeoCodes()
			require.Equal(t, tc.country, country)
			require.Equal(t, tc.subdiv, subdiv)
		})
	}
}

func TestPublishReusesCachedHandle(t *testing.T) {
	net := memsession.NewNetwork()
	pub, session := connectPublisher(t, net)
	defer pub.Close()

	reading := ingest.Reading{"device_id": "sensor-001", "geo_country": "nz", "geo_subdivision": "auk"}
	for range 10 {
		require.True(t, pub.PublishReading(reading))
	}
	require.Equal(t, 1, session.DeclaredPublishers)

	// A different key declares a second handle.
	require.True(t, pub.PublishReading(ingest.Reading{"device_id": "sensor-002"}))
	require.Equal(t, 2, session.DeclaredPublishers)
}

func TestPublishWhenNotConnectedReturnsFalse(t *testing.T) {
	pub := ingest.NewPublisher(meshConfig(), func() (mesh.Session, error) {
		t.Fatal("factory must not be called before Connect")
		return nil, nil
	}, nil)

	require.False(t, pub.PublishReading(ingest.Reading{"device_id": "sensor-001"}))
}

func TestDisabledConfigIsInert(t *testing.T) {
	cfg := meshConfig()
	cfg.Enabled = false

	pub := ingest.NewPublisher(cfg, func() (mesh.Session, error) {
		t.Fatal("factory must not be called when disabled")
		return nil, nil
	}, nil)

	pub.Connect()
	require.False(t, pub.IsConnected())
	require.False(t, pub.PublishReading(ingest.Reading{"device_id": "sensor-001"}))
	pub.Close()
}
