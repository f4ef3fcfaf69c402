package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/elm327-dash/internal/elm327"
)

const (
	DefaultBroker      = "tcp://localhost:1883"
	DefaultClientID    = "elm327-dash"
	DefaultTopicPrefix = "elm327"

	publishTimeout = 5 * time.Second
)

// Config holds MQTT publisher settings.
type Config struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Broker      string `yaml:"broker" json:"broker"`
	ClientID    string `yaml:"client_id" json:"clientId"` // empty = generated per process
	Username    string `yaml:"username" json:"username"`
	Password    string `yaml:"password" json:"-"`
	TopicPrefix string `yaml:"topic_prefix" json:"topicPrefix"`
	Retain      bool   `yaml:"retain" json:"retain"`
	QoS         byte   `yaml:"qos" json:"qos"`
}

// client is the subset of paho.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	IsConnected() bool
}

// Publisher pushes the latest snapshot of each vehicle to a broker.
type Publisher struct {
	cfg Config
	log logrus.FieldLogger

	mu     sync.RWMutex
	client client
	paho   paho.Client
}

// StatePayload is the JSON document published on <prefix>/<vehicle>/state.
type StatePayload struct {
	ConnectionState elm327.ConnectionState `json:"connection_state"`
	At              time.Time              `json:"at"`
	Values          map[string]*float64    `json:"values"`
	Units           map[string]string      `json:"units"`
}

// NewPublisher creates a publisher; Connect must be called before Publish.
func NewPublisher(cfg Config, log logrus.FieldLogger) *Publisher {
	if cfg.Broker == "" {
		cfg.Broker = DefaultBroker
	}
	if cfg.ClientID == "" {
		// brokers kick the older session on a duplicate id
		cfg.ClientID = DefaultClientID + "-" + uuid.NewString()[:8]
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	return &Publisher{cfg: cfg, log: log}
}

// Connect dials the broker. paho reconnects on its own afterwards.
func (p *Publisher) Connect() error {
	opts := paho.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetWill(p.bridgeTopic(), "offline", p.cfg.QoS, true)
	opts.SetOnConnectHandler(func(c paho.Client) {
		p.log.WithField("broker", p.cfg.Broker).Info("connected to mqtt broker")
		c.Publish(p.bridgeTopic(), p.cfg.QoS, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		p.log.WithError(err).Warn("mqtt connection lost")
	})

	c := paho.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt: connect %s: %w", p.cfg.Broker, token.Error())
	}
	p.mu.Lock()
	p.paho = c
	p.client = c
	p.mu.Unlock()
	return nil
}

// Disconnect marks the bridge offline and closes the broker connection.
func (p *Publisher) Disconnect() {
	p.mu.RLock()
	c := p.paho
	p.mu.RUnlock()
	if c == nil || !c.IsConnected() {
		return
	}
	c.Publish(p.bridgeTopic(), p.cfg.QoS, true, "offline").WaitTimeout(time.Second)
	c.Disconnect(250)
}

func (p *Publisher) bridgeTopic() string {
	return p.cfg.TopicPrefix + "/bridge/availability"
}

// StateTopic is where the snapshot of a vehicle is published.
func (p *Publisher) StateTopic(vehicle string) string {
	return fmt.Sprintf("%s/%s/state", p.cfg.TopicPrefix, vehicle)
}

// AvailabilityTopic carries online/offline for a vehicle.
func (p *Publisher) AvailabilityTopic(vehicle string) string {
	return fmt.Sprintf("%s/%s/availability", p.cfg.TopicPrefix, vehicle)
}

// Publish sends a snapshot and the matching availability. Failures are
// logged and returned; callers treat them as transient.
func (p *Publisher) Publish(vehicle string, pids []elm327.PIDDefinition, snap elm327.Snapshot) error {
	p.mu.RLock()
	c := p.client
	p.mu.RUnlock()
	if c == nil || !c.IsConnected() {
		return fmt.Errorf("mqtt: not connected")
	}
	data, err := EncodeState(pids, snap)
	if err != nil {
		return fmt.Errorf("mqtt: encode: %w", err)
	}

	avail := "offline"
	if snap.State == elm327.StateConnected {
		avail = "online"
	}

	for _, msg := range []struct {
		topic   string
		payload []byte
	}{
		{p.StateTopic(vehicle), data},
		{p.AvailabilityTopic(vehicle), []byte(avail)},
	} {
		token := c.Publish(msg.topic, p.cfg.QoS, p.cfg.Retain, msg.payload)
		if !token.WaitTimeout(publishTimeout) {
			return fmt.Errorf("mqtt: publish %s: timed out", msg.topic)
		}
		if err := token.Error(); err != nil {
			p.log.WithError(err).WithField("topic", msg.topic).Warn("mqtt publish failed")
			return fmt.Errorf("mqtt: publish %s: %w", msg.topic, err)
		}
	}
	p.log.WithFields(logrus.Fields{"vehicle": vehicle, "bytes": len(data)}).Debug("snapshot published")
	return nil
}

// EncodeState renders a snapshot with every value rounded to its PID's
// display precision.
func EncodeState(pids []elm327.PIDDefinition, snap elm327.Snapshot) ([]byte, error) {
	payload := StatePayload{
		ConnectionState: snap.State,
		At:              snap.At.UTC(),
		Values:          make(map[string]*float64, len(pids)),
		Units:           make(map[string]string, len(pids)),
	}
	for _, d := range pids {
		payload.Units[d.Key] = d.Unit
		if v, ok := snap.Rounded(d); ok {
			payload.Values[d.Key] = &v
		} else {
			payload.Values[d.Key] = nil
		}
	}
	return json.Marshal(payload)
}
