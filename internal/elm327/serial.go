package elm327

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// SerialConfig describes a USB or Bluetooth (RFCOMM) adapter.
type SerialConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// Longest single blocking read; keeps deadline changes and closes responsive.
const serialPollInterval = 100 * time.Millisecond

// SerialDialer opens a serial adapter. Most ELM327 clones ship at 38400 baud.
func SerialDialer(cfg SerialConfig) Dialer {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 38400
	}
	return func(ctx context.Context) (Stream, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mode := &serial.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(cfg.PortPath, mode)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.PortPath, err)
		}
		if err := port.SetReadTimeout(serialPollInterval); err != nil {
			port.Close()
			return nil, fmt.Errorf("set timeout on %s: %w", cfg.PortPath, err)
		}
		// Drop boot garbage from the adapter before the first command.
		port.ResetInputBuffer()
		return &serialStream{port: port}, nil
	}
}

// serialStream emulates net.Conn deadlines on top of the port's read
// timeout. A serial read that times out returns 0 bytes with no error.
//
// SetDeadline may be called from another goroutine while Read is blocked,
// so the deadline is kept as atomic unix nanoseconds; zero means none.
type serialStream struct {
	port     serial.Port
	deadline atomic.Int64
}

func (s *serialStream) SetDeadline(t time.Time) error {
	var ns int64
	if !t.IsZero() {
		ns = t.UnixNano()
	}
	s.deadline.Store(ns)
	return nil
}

func (s *serialStream) expired() bool {
	ns := s.deadline.Load()
	return ns != 0 && time.Now().UnixNano() >= ns
}

func (s *serialStream) Read(p []byte) (int, error) {
	for {
		if s.expired() {
			return 0, os.ErrDeadlineExceeded
		}
		n, err := s.port.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (s *serialStream) Write(p []byte) (int, error) {
	if s.expired() {
		return 0, os.ErrDeadlineExceeded
	}
	return s.port.Write(p)
}

func (s *serialStream) Close() error { return s.port.Close() }
