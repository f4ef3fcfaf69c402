package elm327

import (
	"context"

	"github.com/sirupsen/logrus"
)

type initStep struct {
	command string
	desc    string
}

// InitSequence puts the adapter into a parse-friendly mode. Order matters:
// ATZ resets every setting changed afterwards.
var InitSequence = []initStep{
	{"ATZ", "reset"},
	{"ATE0", "echo off"},
	{"ATL0", "line feeds off"},
	{"ATS0", "spaces off"},
	{"ATH1", "headers on"},
}

// Initialize runs the handshake once per connection. It returns nil at once
// if the current connection is already initialized.
//
// A step that yields an empty reply is logged and skipped; an I/O failure
// aborts with an *InitError and leaves the client uninitialized so the
// next call retries the whole sequence.
func (c *Client) Initialize(ctx context.Context) error {
	if c.initialized && c.tr.Connected() {
		return nil
	}
	c.log.Debug("initializing adapter")

	for _, step := range InitSequence {
		resp, err := c.Exchange(ctx, step.command)
		if err != nil {
			return &InitError{Step: step.command, Err: err}
		}
		entry := c.log.WithFields(logrus.Fields{"command": step.command, "step": step.desc})
		if resp == "" {
			entry.WithError(ErrEmptyResponse).Warn("no response to init step")
		} else {
			entry.WithField("response", resp).Debug("init step")
		}
		if err := sleep(ctx, c.initDelay); err != nil {
			c.Disconnect()
			return &InitError{Step: step.command, Err: err}
		}
	}

	c.initialized = true
	c.log.Info("adapter initialized")
	return nil
}
