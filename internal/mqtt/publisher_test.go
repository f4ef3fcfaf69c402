package mqtt

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/elm327-dash/internal/elm327"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu        sync.Mutex
	connected bool
	err       error
	msgs      []published
}

func (f *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic, retained, payload.([]byte)})
	return &fakeToken{err: f.err}
}

func (f *fakeClient) IsConnected() bool { return f.connected }

func newTestPublisher(fc *fakeClient) *Publisher {
	l := logrus.New()
	l.SetOutput(io.Discard)
	p := NewPublisher(Config{Retain: true}, l)
	p.client = fc
	return p
}

func sampleSnapshot() elm327.Snapshot {
	rpm, volts := 1726.6, 12.3456
	return elm327.Snapshot{
		State: elm327.StateConnected,
		At:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Values: map[string]*float64{
			"engine_rpm":      &rpm,
			"battery_voltage": &volts,
			"fuel_level":      nil,
		},
	}
}

func TestEncodeState(t *testing.T) {
	data, err := EncodeState(elm327.DefaultPIDs(), sampleSnapshot())
	require.NoError(t, err)

	var got struct {
		ConnectionState string              `json:"connection_state"`
		At              time.Time           `json:"at"`
		Values          map[string]*float64 `json:"values"`
		Units           map[string]string   `json:"units"`
	}
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, "connected", got.ConnectionState)
	require.NotNil(t, got.Values["engine_rpm"])
	assert.Equal(t, 1727.0, *got.Values["engine_rpm"])
	assert.Equal(t, 12.35, *got.Values["battery_voltage"])
	assert.Nil(t, got.Values["fuel_level"])
	// every configured pid is present, even when the snapshot lacks it
	assert.Contains(t, got.Values, "vehicle_speed")
	assert.Nil(t, got.Values["vehicle_speed"])
	assert.Equal(t, "km/h", got.Units["vehicle_speed"])
}

func TestPublish(t *testing.T) {
	fc := &fakeClient{connected: true}
	p := newTestPublisher(fc)

	require.NoError(t, p.Publish("golf", elm327.DefaultPIDs(), sampleSnapshot()))
	require.Len(t, fc.msgs, 2)
	assert.Equal(t, "elm327/golf/state", fc.msgs[0].topic)
	assert.True(t, fc.msgs[0].retained)
	assert.Equal(t, "elm327/golf/availability", fc.msgs[1].topic)
	assert.Equal(t, "online", string(fc.msgs[1].payload))

	snap := sampleSnapshot()
	snap.State = elm327.StateError
	require.NoError(t, p.Publish("golf", elm327.DefaultPIDs(), snap))
	assert.Equal(t, "offline", string(fc.msgs[3].payload))
}

func TestPublish_Errors(t *testing.T) {
	p := newTestPublisher(&fakeClient{connected: false})
	assert.Error(t, p.Publish("golf", elm327.DefaultPIDs(), sampleSnapshot()))

	fc := &fakeClient{connected: true, err: errors.New("broker gone")}
	p = newTestPublisher(fc)
	err := p.Publish("golf", elm327.DefaultPIDs(), sampleSnapshot())
	assert.ErrorContains(t, err, "broker gone")
	assert.Len(t, fc.msgs, 1)
}

func TestNewPublisher_Defaults(t *testing.T) {
	a := NewPublisher(Config{}, logrus.New())
	b := NewPublisher(Config{}, logrus.New())
	assert.Equal(t, DefaultBroker, a.cfg.Broker)
	assert.Contains(t, a.cfg.ClientID, DefaultClientID+"-")
	assert.NotEqual(t, a.cfg.ClientID, b.cfg.ClientID)
	assert.Equal(t, "elm327/bridge/availability", a.bridgeTopic())

	c := NewPublisher(Config{ClientID: "garage-pi", TopicPrefix: "obd"}, logrus.New())
	assert.Equal(t, "garage-pi", c.cfg.ClientID)
	assert.Equal(t, "obd/golf/state", c.StateTopic("golf"))
}
