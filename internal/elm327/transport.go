package elm327

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"time"
)

// Endpoint is the network address of a WiFi adapter.
type Endpoint struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Stream is a bidirectional byte stream to an adapter that supports an
// absolute I/O deadline.
type Stream interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

// Dialer opens a new Stream. It must give up no later than ctx.
type Dialer func(ctx context.Context) (Stream, error)

// TCPDialer dials a WiFi adapter, failing if the connection is not
// established within timeout.
func TCPDialer(ep Endpoint, timeout time.Duration) Dialer {
	return func(ctx context.Context) (Stream, error) {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", ep.String())
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Transport owns the single stream to one adapter. It knows nothing about
// the protocol spoken over it.
type Transport struct {
	dial   Dialer
	stream Stream
	state  ConnectionState
}

// NewTransport returns a disconnected transport.
func NewTransport(dial Dialer) *Transport {
	return &Transport{dial: dial, state: StateDisconnected}
}

// State returns the current connection state.
func (t *Transport) State() ConnectionState { return t.state }

// Connected reports whether a stream is open.
func (t *Transport) Connected() bool { return t.stream != nil && t.state == StateConnected }

// Connect opens the stream, replacing any previous one. Failures are
// returned as *ConnError and leave the transport in StateError.
func (t *Transport) Connect(ctx context.Context) error {
	t.closeStream()
	s, err := t.dial(ctx)
	if err != nil {
		t.state = StateError
		return classifyConnError(err)
	}
	t.stream = s
	t.state = StateConnected
	return nil
}

// Disconnect closes the stream. It is idempotent and always succeeds.
func (t *Transport) Disconnect() {
	t.closeStream()
	t.state = StateDisconnected
}

// fail tears the stream down after an I/O error.
func (t *Transport) fail() {
	t.closeStream()
	t.state = StateError
}

func (t *Transport) closeStream() {
	if t.stream != nil {
		t.stream.Close()
		t.stream = nil
	}
}

// SetDeadline bounds all subsequent Send/Recv calls. A zero time clears it.
func (t *Transport) SetDeadline(d time.Time) error {
	if t.stream == nil {
		return ErrNotConnected
	}
	return t.stream.SetDeadline(d)
}

// interrupter returns a func that expires the deadline of the current
// stream. It is safe to call from another goroutine, even after the stream
// has been closed.
func (t *Transport) interrupter() func() {
	s := t.stream
	return func() {
		if s != nil {
			s.SetDeadline(time.Now())
		}
	}
}

// Send writes all of p.
func (t *Transport) Send(p []byte) error {
	if t.stream == nil {
		return ErrNotConnected
	}
	for len(p) > 0 {
		n, err := t.stream.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// Recv reads whatever is available into buf. A zero-byte read is ErrEOF.
func (t *Transport) Recv(buf []byte) (int, error) {
	if t.stream == nil {
		return 0, ErrNotConnected
	}
	n, err := t.stream.Read(buf)
	if n > 0 {
		return n, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return 0, ErrEOF
	}
	return 0, err
}

// Probe checks that an adapter is reachable by opening and immediately
// closing a stream.
func Probe(ctx context.Context, dial Dialer) error {
	s, err := dial(ctx)
	if err != nil {
		return classifyConnError(err)
	}
	return s.Close()
}
