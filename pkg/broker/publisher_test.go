package broker

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wesense/mesh-ingester/pkg/config"
	"github.com/wesense/mesh-ingester/pkg/ingest"
)

func TestTopicConstruction(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		reading ingest.Reading
		want    string
	}{
		{
			name: "all fields",
			reading: ingest.Reading{
				"data_source":     "TTN",
				"geo_country":     "NZ",
				"geo_subdivision": "AUK",
				"device_id":       "sensor-001",
			},
			want: "wesense/decoded/ttn/nz/auk/sensor-001",
		},
		{
			name:    "missing fields default to unknown",
			reading: ingest.Reading{"device_id": "sensor-001"},
			want:    "wesense/decoded/unknown/unknown/unknown/sensor-001",
		},
		{
			name:    "device id keeps its case",
			reading: ingest.Reading{"device_id": "Sensor-A"},
			want:    "wesense/decoded/unknown/unknown/unknown/Sensor-A",
		},
		{
			name:    "custom prefix with trailing slash",
			prefix:  "hub/v1/",
			reading: ingest.Reading{"device_id": "d1"},
			want:    "hub/v1/unknown/unknown/unknown/d1",
		},
		{
			name:    "empty reading",
			reading: ingest.Reading{},
			want:    "wesense/decoded/unknown/unknown/unknown/unknown",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := NewPublisher(config.Broker{TopicPrefix: tc.prefix, Enabled: true})
			require.Equal(t, tc.want, p.Topic(tc.reading))
		})
	}
}

func TestPublishWhenNotConnectedReturnsFalse(t *testing.T) {
	p := NewPublisher(config.Broker{Enabled: true})
	require.False(t, p.PublishReading(ingest.Reading{"device_id": "d1"}))
	require.False(t, p.IsConnected())
}

func TestDisabledConnectIsInert(t *testing.T) {
	p := NewPublisher(config.Broker{Enabled: false})
	require.NoError(t, p.Connect())
	require.False(t, p.IsConnected())
	p.Close()
}
