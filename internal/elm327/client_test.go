package elm327

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// countingDialer wraps an emulator dialer and counts dials.
type countingDialer struct {
	mu    sync.Mutex
	dials int
	emu   func() *Emulator
}

func (d *countingDialer) dial(ctx context.Context) (Stream, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	return EmulatorDialer(d.emu)(ctx)
}

func (d *countingDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type recordingObserver struct {
	mu        sync.Mutex
	exchanges []string
	failures  int
	states    []ConnectionState
}

func (o *recordingObserver) ExchangeDone(command string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exchanges = append(o.exchanges, command)
	if err != nil {
		o.failures++
	}
}

func (o *recordingObserver) StateChanged(s ConnectionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s)
}

func newTestClient(t *testing.T, dial Dialer, mods ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		Dialer:          dial,
		ExchangeTimeout: 500 * time.Millisecond,
		InitDelay:       -1,
		PIDDelay:        -1,
		Logger:          quietLogger(),
	}
	for _, m := range mods {
		m(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)
	return c
}

// refusedDialer points at a loopback port nothing listens on.
func refusedDialer(t *testing.T) Dialer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return TCPDialer(Endpoint{Host: "127.0.0.1", Port: port}, time.Second)
}

func emulated(mod func(*Emulator)) func() *Emulator {
	v := NewDemoVehicle()
	return func() *Emulator {
		e := NewEmulator(v)
		if mod != nil {
			mod(e)
		}
		return e
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	dup := []PIDDefinition{defaultPIDs[0], defaultPIDs[0]}
	_, err = New(Config{Dialer: DemoDialer(), PIDs: dup})
	require.Error(t, err)
}

func TestExchange_StripsPromptAndNoise(t *testing.T) {
	c := newTestClient(t, EmulatorDialer(emulated(func(e *Emulator) {
		e.Replies = map[string]string{"ATI": "  ELM327 v2.1  "}
	})))

	resp, err := c.Exchange(context.Background(), "ATI")
	require.NoError(t, err)
	// echo is on after power-up
	assert.Equal(t, "ATI\nELM327 v2.1", resp)
	assert.Equal(t, StateConnected, c.State())
}

func TestExchange_LazyConnect(t *testing.T) {
	d := &countingDialer{emu: emulated(nil)}
	c := newTestClient(t, d.dial)
	require.Equal(t, StateDisconnected, c.State())

	_, err := c.Exchange(context.Background(), "ATE0")
	require.NoError(t, err)
	_, err = c.Exchange(context.Background(), "ATI")
	require.NoError(t, err)

	assert.Equal(t, 1, d.count())
}

func TestExchange_BoundedWait(t *testing.T) {
	d := &countingDialer{emu: emulated(func(e *Emulator) {
		e.Silent = map[string]bool{"ATI": true}
	})}
	c := newTestClient(t, d.dial, func(cfg *Config) { cfg.ExchangeTimeout = 50 * time.Millisecond })

	start := time.Now()
	_, err := c.Exchange(context.Background(), "ATI")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	var xe *ExchangeError
	require.ErrorAs(t, err, &xe)
	assert.Equal(t, ExchangeTimeout, xe.Kind)
	assert.Equal(t, "ATI", xe.Command)
	assert.Equal(t, StateError, c.State())

	// the failed exchange forces a reconnect
	_, err = c.Exchange(context.Background(), "ATE0")
	require.NoError(t, err)
	assert.Equal(t, 2, d.count())
}

func TestExchange_ContextCancel(t *testing.T) {
	c := newTestClient(t, EmulatorDialer(emulated(func(e *Emulator) {
		e.Silent = map[string]bool{"ATI": true}
	})), func(cfg *Config) { cfg.ExchangeTimeout = time.Minute })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := c.Exchange(ctx, "ATI")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateError, c.State())
}

func TestExchange_PeerHangUp(t *testing.T) {
	c := newTestClient(t, EmulatorDialer(emulated(func(e *Emulator) {
		e.HangUp = map[string]bool{"ATI": true}
	})))

	_, err := c.Exchange(context.Background(), "ATI")
	var xe *ExchangeError
	require.ErrorAs(t, err, &xe)
	assert.Equal(t, ExchangeIO, xe.Kind)
	assert.ErrorIs(t, err, ErrEOF)
}

func TestExchange_ConnectRefused(t *testing.T) {
	c := newTestClient(t, refusedDialer(t))

	_, err := c.Exchange(context.Background(), "ATZ")
	var ce *ConnError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConnRefused, ce.Kind)
	assert.Equal(t, StateError, c.State())
}

func TestInitialize_RunsSequenceOnce(t *testing.T) {
	obs := &recordingObserver{}
	c := newTestClient(t, EmulatorDialer(emulated(nil)), func(cfg *Config) { cfg.Observer = obs })

	require.NoError(t, c.Initialize(context.Background()))
	require.True(t, c.Initialized())
	require.NoError(t, c.Initialize(context.Background()))

	assert.Equal(t, []string{"ATZ", "ATE0", "ATL0", "ATS0", "ATH1"}, obs.exchanges)
	assert.Equal(t, []ConnectionState{StateConnected}, obs.states)
}

func TestInitialize_EmptyResponseTolerated(t *testing.T) {
	c := newTestClient(t, EmulatorDialer(emulated(func(e *Emulator) {
		e.Replies = map[string]string{"ATL0": "", "ATS0": ""}
	})))

	require.NoError(t, c.Initialize(context.Background()))
	assert.True(t, c.Initialized())
}

func TestInitialize_IOFailureAborts(t *testing.T) {
	d := &countingDialer{emu: emulated(func(e *Emulator) {
		e.HangUp = map[string]bool{"ATS0": true}
	})}
	c := newTestClient(t, d.dial)

	err := c.Initialize(context.Background())
	require.ErrorIs(t, err, ErrInitAborted)

	var ie *InitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "ATS0", ie.Step)
	assert.False(t, c.Initialized())

	// a retry runs the whole sequence again on a new connection
	err = c.Initialize(context.Background())
	require.ErrorIs(t, err, ErrInitAborted)
	assert.Equal(t, 2, d.count())
}

func TestCollect_Demo(t *testing.T) {
	c := newTestClient(t, DemoDialer())

	snap := c.Collect(context.Background())
	require.Equal(t, StateConnected, snap.State)
	require.Len(t, snap.Values, len(DefaultPIDs()))
	assert.Equal(t, len(DefaultPIDs()), snap.Present())

	rpm, ok := snap.Value("engine_rpm")
	require.True(t, ok)
	assert.GreaterOrEqual(t, rpm, 850.0)
	assert.LessOrEqual(t, rpm, 4900.0)

	baro, _ := snap.Value("barometric_pressure")
	assert.Equal(t, 101.0, baro)

	volts, _ := snap.Value("battery_voltage")
	assert.InDelta(t, 14.0, volts, 0.21)
}

func TestCollect_InitFailure(t *testing.T) {
	c := newTestClient(t, refusedDialer(t))

	snap := c.Collect(context.Background())
	assert.Equal(t, StateError, snap.State)
	require.Len(t, snap.Values, len(DefaultPIDs()))
	assert.Zero(t, snap.Present())
	for key, v := range snap.Values {
		assert.Nil(t, v, key)
	}
}

func TestCollect_SinglePIDFailureIsLocal(t *testing.T) {
	d := &countingDialer{emu: emulated(func(e *Emulator) {
		e.HangUp = map[string]bool{PIDThrottlePosition: true}
	})}
	c := newTestClient(t, d.dial)

	// only the first connection hangs up on the throttle request
	first := true
	d.emu = func(base func() *Emulator) func() *Emulator {
		return func() *Emulator {
			e := base()
			if !first {
				e.HangUp = nil
			}
			first = false
			return e
		}
	}(d.emu)

	snap := c.Collect(context.Background())
	require.Equal(t, StateConnected, snap.State)

	_, ok := snap.Value("throttle_position")
	assert.False(t, ok)
	assert.Equal(t, len(DefaultPIDs())-1, snap.Present())
	assert.Equal(t, 2, d.count())
	assert.True(t, c.Initialized())
}

func TestCollect_SilentPIDTimesOut(t *testing.T) {
	c := newTestClient(t, EmulatorDialer(emulated(func(e *Emulator) {
		e.Silent = map[string]bool{PIDFuelLevel: true}
	})), func(cfg *Config) { cfg.ExchangeTimeout = 50 * time.Millisecond })

	snap := c.Collect(context.Background())
	require.Equal(t, StateConnected, snap.State)
	_, ok := snap.Value("fuel_level")
	assert.False(t, ok)
	_, ok = snap.Value("battery_voltage")
	assert.True(t, ok)
}

func TestCollect_NoDataIsAbsent(t *testing.T) {
	c := newTestClient(t, EmulatorDialer(emulated(func(e *Emulator) {
		e.Replies = map[string]string{PIDAmbientTemperature: "NO DATA"}
	})))

	snap := c.Collect(context.Background())
	require.Equal(t, StateConnected, snap.State)
	_, ok := snap.Value("ambient_temperature")
	assert.False(t, ok)
	assert.Equal(t, len(DefaultPIDs())-1, snap.Present())
}

func TestCollect_SubsetInOrder(t *testing.T) {
	pids, err := SelectPIDs([]string{"battery_voltage", "engine_rpm"})
	require.NoError(t, err)
	obs := &recordingObserver{}
	c := newTestClient(t, EmulatorDialer(emulated(nil)), func(cfg *Config) {
		cfg.PIDs = pids
		cfg.Observer = obs
	})

	snap := c.Collect(context.Background())
	require.Len(t, snap.Values, 2)
	assert.Equal(t, []string{"ATZ", "ATE0", "ATL0", "ATS0", "ATH1", PIDEngineRPM, PIDBatteryVoltage}, obs.exchanges)
}

func TestDisconnect_Idempotent(t *testing.T) {
	c := newTestClient(t, EmulatorDialer(emulated(nil)))
	require.NoError(t, c.Connect(context.Background()))
	c.Disconnect()
	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.Initialized())
}

func TestProbe(t *testing.T) {
	require.NoError(t, Probe(context.Background(), DemoDialer()))

	err := Probe(context.Background(), refusedDialer(t))
	var ce *ConnError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ConnRefused, ce.Kind)
}

// trickleStream hands out one byte per read.
type trickleStream struct {
	data []byte
}

func (s *trickleStream) Read(p []byte) (int, error) {
	if len(s.data) == 0 {
		return 0, io.EOF
	}
	p[0] = s.data[0]
	s.data = s.data[1:]
	return 1, nil
}
func (s *trickleStream) Write(p []byte) (int, error) { return len(p), nil }
func (s *trickleStream) Close() error                { return nil }
func (s *trickleStream) SetDeadline(time.Time) error { return nil }

func TestExchange_PromptInLaterChunk(t *testing.T) {
	s := &trickleStream{data: []byte("ELM327 v1.5\r\r>\x00\x00")}
	c := newTestClient(t, func(context.Context) (Stream, error) { return s, nil })

	resp, err := c.Exchange(context.Background(), "ATI")
	require.NoError(t, err)
	assert.Equal(t, "ELM327 v1.5", resp)
	// reading stops at the chunk carrying the prompt
	assert.Equal(t, "\x00\x00", string(s.data))
}

func TestCollect_RehandshakeFailureDropsCycle(t *testing.T) {
	first := EmulatorDialer(emulated(func(e *Emulator) {
		e.HangUp = map[string]bool{PIDThrottlePosition: true}
	}))
	refused := refusedDialer(t)
	dials := 0
	dial := func(ctx context.Context) (Stream, error) {
		dials++
		if dials == 1 {
			return first(ctx)
		}
		return refused(ctx)
	}
	c := newTestClient(t, dial)

	// rpm and speed decode on the first connection, throttle drops it and
	// the reconnect for fuel_level is refused
	snap := c.Collect(context.Background())
	require.Equal(t, StateError, snap.State)
	assert.Zero(t, snap.Present())
	assert.Len(t, snap.Values, len(DefaultPIDs()))
	assert.Equal(t, 2, dials)
	assert.False(t, c.Initialized())
}

func TestClient_CycleBudget(t *testing.T) {
	pids, err := SelectPIDs([]string{"engine_rpm", "vehicle_speed"})
	require.NoError(t, err)
	c, err := New(Config{
		Dialer:          DemoDialer(),
		ExchangeTimeout: 200 * time.Millisecond,
		PIDs:            pids,
		Logger:          quietLogger(),
	})
	require.NoError(t, err)

	// 8 exchanges, 5 handshake pauses, 2 pid pauses
	assert.Equal(t, 8*200*time.Millisecond+5*DefaultInitDelay+2*DefaultPIDDelay, c.CycleBudget())

	ctx, cancel := context.WithTimeout(context.Background(), c.CycleBudget())
	defer cancel()
	snap := c.Collect(ctx)
	c.Disconnect()
	require.NoError(t, ctx.Err())
	assert.Equal(t, StateConnected, snap.State)
	assert.Equal(t, 2, snap.Present())
}
