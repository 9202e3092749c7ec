package obniz

import (
	"context"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

// looper drives the per-session repeat cycle: one liveness probe, then
// the user task, then sleep. Runs only when Options.OnLoop is set.
// The probe result does not gate the task; a dead link is the
// heartbeat monitor's call to make.
func (c *Client) looper(sess *alive.Alive) {
	defer sess.Done()
	for sess.IsRunning() && c.State() == StateConnected {
		ctx, cancel := context.WithTimeout(context.Background(), c.opt.NetworkTimeout)
		if err := c.PingWait(ctx); err != nil {
			c.log.Debugf("obniz loop probe err=%v", err)
		}
		cancel()
		c.runLoopHook()
		if !sleepAlive(sess, c.opt.LoopInterval) {
			return
		}
	}
}

func (c *Client) runLoopHook() {
	defer func() {
		if r := recover(); r != nil {
			c.raise(errors.Errorf("onloop panic: %v", r))
		}
	}()
	if err := c.opt.OnLoop(c); err != nil {
		c.raise(errors.Annotate(err, "onloop"))
	}
}
