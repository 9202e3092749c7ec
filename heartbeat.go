package obniz

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/obniz-go/helpers"
	"github.com/temoto/obniz-go/wscommand"
)

// PingWait sends one ping probe and blocks until the matching pong
// arrives, ctx expires or the client stops. Probes are serialized;
// concurrent callers take turns.
func (c *Client) PingWait(ctx context.Context) error {
	c.pingSerial.Lock()
	defer c.pingSerial.Unlock()

	key := time.Now().UnixNano()
	fu := helpers.NewFuture()
	helpers.WithLock(&c.mu, func() {
		c.pingFu = fu
		c.pingKey = key
	})
	defer helpers.WithLock(&c.mu, func() {
		c.pingFu = nil
		c.pingKey = 0
	})

	if err := c.Send(wscommand.SystemPing(key)); err != nil {
		return errors.Annotate(err, "obniz ping")
	}
	select {
	case <-fu.Completed():
		return nil
	case <-fu.Cancelled():
		// session torn down while waiting
		return ErrClosing
	case <-ctx.Done():
		return errors.Timeoutf("obniz ping key=%d", key)
	case <-c.alive.StopChan():
		return ErrClosing
	}
}

// handlePong resolves the in-flight probe. Keys must match: a pong
// for an expired probe is stale and only worth a debug line.
func (c *Client) handlePong(key int64) {
	var fu *helpers.Future
	var want int64
	helpers.WithLock(&c.mu, func() {
		fu = c.pingFu
		want = c.pingKey
	})
	if fu != nil && key == want {
		fu.Complete(nil)
		return
	}
	c.log.Debugf("obniz pong stale key=%d want=%d", key, want)
}

// heartbeat probes the device after quiet periods. Runs once per
// session. A probe that finds nobody home tears the session down so
// the reconnect worker can rebuild it.
func (c *Client) heartbeat(sess *alive.Alive) {
	defer sess.Done()
	for {
		if !sleepAlive(sess, c.opt.HeartbeatInterval) {
			return
		}
		if c.State() != StateConnected {
			return
		}
		if c.SinceLastRecv() <= c.opt.QuietPeriod {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opt.QuietPeriod)
		err := c.PingWait(ctx)
		cancel()
		if err == nil {
			continue
		}
		// Traffic may have resumed while the probe was in flight.
		// Only a session that is still connected and still quiet is
		// actually dead.
		if c.State() == StateConnected && c.SinceLastRecv() > c.opt.QuietPeriod {
			c.log.Errorf("obniz heartbeat lost idle=%v err=%v", c.SinceLastRecv(), err)
			c.dropSession(errHeartbeat, false)
			return
		}
	}
}

// sleepAlive waits d, returns false when a stops first.
func sleepAlive(a *alive.Alive, d time.Duration) bool {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-tmr.C:
		return true
	case <-a.StopChan():
		return false
	}
}
