package elm327

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// PromptChar is emitted by the adapter when it is ready for a command.
	PromptChar = '>'

	DefaultTimeout         = 5 * time.Second
	DefaultExchangeTimeout = 5 * time.Second
	DefaultInitDelay       = 500 * time.Millisecond
	DefaultPIDDelay        = 100 * time.Millisecond

	recvBufSize = 1024
)

// Observer receives protocol events, typically for metrics.
type Observer interface {
	ExchangeDone(command string, took time.Duration, err error)
	StateChanged(state ConnectionState)
}

// Config configures a Client. Zero durations take the package defaults;
// a negative InitDelay or PIDDelay disables the pause.
type Config struct {
	Dialer          Dialer
	ExchangeTimeout time.Duration
	InitDelay       time.Duration
	PIDDelay        time.Duration
	PIDs            []PIDDefinition // nil selects DefaultPIDs
	Logger          logrus.FieldLogger
	Observer        Observer
}

// Client speaks the ELM327 AT-command protocol to a single adapter.
//
// A Client is not safe for concurrent use: the protocol is strictly one
// request then one response, so exactly one goroutine may own it.
type Client struct {
	tr          *Transport
	pids        []PIDDefinition
	exchangeTO  time.Duration
	initDelay   time.Duration
	pidDelay    time.Duration
	log         logrus.FieldLogger
	obs         Observer
	initialized bool
	lastState   ConnectionState
}

// New builds a disconnected client.
func New(cfg Config) (*Client, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("elm327: dialer required")
	}
	pids := cfg.PIDs
	if pids == nil {
		pids = DefaultPIDs()
	}
	if err := ValidatePIDs(pids); err != nil {
		return nil, err
	}
	c := &Client{
		tr:         NewTransport(cfg.Dialer),
		pids:       pids,
		exchangeTO: orDefault(cfg.ExchangeTimeout, DefaultExchangeTimeout),
		initDelay:  orDefault(cfg.InitDelay, DefaultInitDelay),
		pidDelay:   orDefault(cfg.PIDDelay, DefaultPIDDelay),
		log:        cfg.Logger,
		obs:        cfg.Observer,
		lastState:  StateDisconnected,
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	return c, nil
}

func orDefault(d, def time.Duration) time.Duration {
	switch {
	case d == 0:
		return def
	case d < 0:
		return 0
	}
	return d
}

// PIDs returns the configured PID set in collection order.
func (c *Client) PIDs() []PIDDefinition { return c.pids }

// State returns the current connection state.
func (c *Client) State() ConnectionState { return c.tr.State() }

// CycleBudget is the longest a healthy Collect can take: a full handshake
// and one exchange per PID, each at the exchange timeout plus one spare,
// together with every fixed pause between them.
func (c *Client) CycleBudget() time.Duration {
	steps := len(InitSequence)
	exchanges := steps + len(c.pids) + 1
	return c.exchangeTO*time.Duration(exchanges) +
		c.initDelay*time.Duration(steps) +
		c.pidDelay*time.Duration(len(c.pids))
}

// Initialized reports whether the handshake completed on the current connection.
func (c *Client) Initialized() bool { return c.initialized }

// Connect opens the stream to the adapter. The handshake is run lazily by
// Initialize or Collect.
func (c *Client) Connect(ctx context.Context) error {
	c.initialized = false
	err := c.tr.Connect(ctx)
	c.noteState()
	if err != nil {
		c.log.WithError(err).Warn("connect failed")
		return err
	}
	c.log.Info("connected")
	return nil
}

// Disconnect closes the stream and forgets the handshake.
func (c *Client) Disconnect() {
	c.tr.Disconnect()
	c.initialized = false
	c.noteState()
	c.log.Debug("disconnected")
}

func (c *Client) noteState() {
	s := c.tr.State()
	if s == c.lastState {
		return
	}
	c.lastState = s
	if c.obs != nil {
		c.obs.StateChanged(s)
	}
}

// Exchange sends one command and returns the adapter's reply with the
// prompt and protocol noise removed. A disconnected client makes one
// connection attempt first. The wait for the prompt is bounded by the
// exchange timeout and by ctx; any failure tears the connection down so the
// next call reconnects.
func (c *Client) Exchange(ctx context.Context, command string) (string, error) {
	start := time.Now()
	resp, err := c.exchange(ctx, command)
	if c.obs != nil {
		c.obs.ExchangeDone(command, time.Since(start), err)
	}
	return resp, err
}

func (c *Client) exchange(ctx context.Context, command string) (string, error) {
	if !c.tr.Connected() {
		if err := c.Connect(ctx); err != nil {
			return "", &ExchangeError{Command: command, Kind: ExchangeIO, Err: err}
		}
	}

	deadline := time.Now().Add(c.exchangeTO)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.tr.SetDeadline(deadline); err != nil {
		return "", c.abort(command, err)
	}
	// Cancellation unblocks a pending read by expiring the deadline.
	stop := context.AfterFunc(ctx, c.tr.interrupter())
	defer stop()

	if err := c.tr.Send([]byte(command + "\r")); err != nil {
		return "", c.abort(command, err)
	}

	var acc strings.Builder
	buf := make([]byte, recvBufSize)
	for {
		n, err := c.tr.Recv(buf)
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return "", c.abort(command, err)
		}
		acc.Write(buf[:n])
		if bytes.IndexByte(buf[:n], PromptChar) >= 0 {
			break
		}
	}
	// Clearing the deadline only matters to the next exchange, which sets
	// its own; ignore failures here.
	c.tr.SetDeadline(time.Time{})

	resp := cleanResponse(acc.String())
	c.log.WithFields(logrus.Fields{"command": command, "response": resp}).Debug("exchange")
	return resp, nil
}

// abort tears the connection down after a failed exchange.
func (c *Client) abort(command string, err error) error {
	kind := ExchangeIO
	if isTimeout(err) {
		kind = ExchangeTimeout
	}
	c.tr.fail()
	c.initialized = false
	c.noteState()
	xerr := &ExchangeError{Command: command, Kind: kind, Err: err}
	c.log.WithError(xerr).Warn("exchange failed")
	return xerr
}

// cleanResponse cuts the text at the prompt and drops NULs, blank lines and
// the adapter's bus search progress lines.
func cleanResponse(raw string) string {
	if i := strings.IndexByte(raw, PromptChar); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.ReplaceAll(raw, "\x00", "")
	lines := strings.FieldsFunc(raw, func(r rune) bool { return r == '\r' || r == '\n' })
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" || isProgressLine(l) {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}

func isProgressLine(l string) bool {
	return strings.HasPrefix(l, "SEARCHING") || strings.HasPrefix(l, "BUS INIT")
}

// sleep pauses for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
