package elm327

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Collect runs one poll cycle: handshake if needed, then one exchange per
// configured PID in order. It never fails; problems show up in the
// snapshot instead.
//
// A failed handshake yields StateError with every value absent. A failed
// exchange only blanks its own PID. Because that failure drops the
// connection, the next PID re-runs the handshake on the fresh connection;
// should that fail too, the snapshot degrades to the handshake-failure form.
func (c *Client) Collect(ctx context.Context) Snapshot {
	if err := c.Initialize(ctx); err != nil {
		c.log.WithError(err).Warn("collection failed")
		return newSnapshot(StateError, c.pids)
	}

	snap := newSnapshot(StateConnected, c.pids)
	for i, p := range c.pids {
		entry := c.log.WithFields(logrus.Fields{"pid": p.Key, "command": p.Command})

		if err := c.Initialize(ctx); err != nil {
			entry.WithError(err).Warn("re-initialization failed mid-cycle")
			return newSnapshot(StateError, c.pids)
		}

		resp, err := c.Exchange(ctx, p.Command)
		if err != nil {
			entry.WithError(err).Debug("no data")
		} else if v, err := ParseResponse(p.Command, resp); err != nil {
			entry.WithError(err).WithField("response", resp).Debug("no data")
		} else {
			snap.Values[p.Key] = &v
			entry.WithField("value", v).Debug("decoded")
		}

		if i < len(c.pids)-1 {
			if err := sleep(ctx, c.pidDelay); err != nil {
				// Cycle abandoned by the caller; the remaining PIDs stay absent.
				break
			}
		}
	}
	return snap
}
