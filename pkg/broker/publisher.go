// Package broker publishes decoded readings to the legacy WeSense MQTT hub.
// It is a companion output next to the mesh publisher, kept for consumers
// that have not moved off MQTT.
package broker

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/wesense/mesh-ingester/pkg/config"
	"github.com/wesense/mesh-ingester/pkg/ingest"
	"go.uber.org/zap"
)

const (
	defaultPort        = 1883
	defaultClientID    = "wesense-ingester"
	defaultTopicPrefix = "wesense/decoded"

	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds, paho convention
)

// Publisher publishes readings to the MQTT hub under
// {prefix}/{data_source}/{country}/{subdivision}/{device_id}, sharing the
// segment normalization of the mesh key-expression rule.
type Publisher struct {
	cfg       config.Broker
	client    mqtt.Client
	connected atomic.Bool
	log       *zap.SugaredLogger
}

func NewPublisher(cfg config.Broker) *Publisher {
	return &Publisher{
		cfg: cfg,
		log: zap.S().Named("broker"),
	}
}

// Connect starts the paho network loop. Connection state is tracked through
// the paho callbacks, so publishes short-circuit while the broker is away.
func (p *Publisher) Connect() error {
	if !p.cfg.Enabled {
		p.log.Info("mqtt publisher disabled")
		return nil
	}

	host := p.cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := p.cfg.Port
	if port == 0 {
		port = defaultPort
	}
	clientID := p.cfg.ClientID
	if clientID == "" {
		clientID = defaultClientID
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", host, port)).
		SetClientID(clientID).
		SetKeepAlive(60 * time.Second).
		SetAutoReconnect(true)

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		p.connected.Store(true)
		p.log.Infow("mqtt publisher connected", "host", host, "port", port)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.connected.Store(false)
		p.log.Warnw("mqtt publisher disconnected", "err", err)
	})

	p.client = mqtt.NewClient(opts)

	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect to %s:%d timed out", host, port)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s:%d: %w", host, port, err)
	}
	return nil
}

// PublishReading publishes one reading. Returns false when not connected or
// when the publish fails; the caller treats MQTT as best-effort.
func (p *Publisher) PublishReading(reading ingest.Reading) bool {
	if p.client == nil || !p.connected.Load() {
		return false
	}

	topic := p.Topic(reading)
	payload, err := json.Marshal(reading)
	if err != nil {
		p.log.Errorw("failed to marshal reading", "topic", topic, "err", err)
		return false
	}

	token := p.client.Publish(topic, 0, false, payload)
	if token.Error() != nil {
		p.log.Errorw("failed to publish", "topic", topic, "err", token.Error())
		return false
	}
	p.log.Debugw("published", "topic", topic)
	return true
}

// Topic builds the hub topic for a reading.
func (p *Publisher) Topic(reading ingest.Reading) string {
	prefix := p.cfg.TopicPrefix
	if prefix == "" {
		prefix = defaultTopicPrefix
	}

	country, subdivision := reading.GeoCodes()
	return strings.Join([]string{
		strings.TrimSuffix(prefix, "/"),
		normalize(reading.Field("data_source")),
		normalize(country),
		normalize(subdivision),
		fallback(reading.Field("device_id")),
	}, "/")
}

func normalize(v string) string {
	return strings.ToLower(fallback(v))
}

func fallback(v string) string {
	if strings.TrimSpace(v) == "" {
		return config.UnknownToken
	}
	return v
}

func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.client != nil {
		p.client.Disconnect(disconnectQuiesce)
		p.connected.Store(false)
	}
}
