// Package obniz keeps persistent websocket sessions to obniz cloud
// devices: reconnect with backoff, cloud-to-local transport handoff,
// binary command compression, liveness probes and hook dispatch.
package obniz

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/obniz-go/helpers"
	"github.com/temoto/obniz-go/helpers/atomic_clock"
	"github.com/temoto/obniz-go/log2"
	"github.com/temoto/obniz-go/wscommand"
)

// Client maintains one persistent device connection. It reconnects on
// loss, upgrades to a local network link when the cloud advertises
// one, keeps the link alive with ping probes and compresses outbound
// commands into binary frames.
//
// All methods are safe for concurrent use.
type Client struct {
	mu    sync.Mutex
	alive *alive.Alive
	opt   Options
	log   *log2.Log
	stat  SessionStat

	// current connect target, redirect rewrites both
	id     string
	server string

	state         uint32 // ConnState
	userClose     bool   // guarded by mu
	sessConnected bool   // guarded by mu, current attempt reached connected
	redirected    bool   // guarded by mu
	skipDelay     bool   // guarded by mu

	backoff  helpers.Backoff
	lastRecv *atomic_clock.Clock
	registry *wscommand.Registry
	queue    *sendQueue
	events   eventBus

	cloud   *candidate   // guarded by mu
	local   *candidate   // guarded by mu
	active  *candidate   // guarded by mu, preferred transport when open
	sess    *alive.Alive // guarded by mu, nil unless connected
	handoff *time.Timer  // guarded by mu, pending local-vs-cloud race

	pingSerial sync.Mutex      // serializes PingWait callers
	pingFu     *helpers.Future // guarded by mu
	pingKey    int64           // guarded by mu

	kick chan struct{}
	wg   sync.WaitGroup // session and transport goroutines, for Stop
}

// New creates a client for device id. nil opt means NewOptions().
// With AutoConnect the client starts connecting immediately.
func New(id string, opt *Options) (*Client, error) {
	if id == "" {
		return nil, errors.NotValidf("obniz: device id")
	}
	if opt == nil {
		opt = NewOptions()
	}
	o := *opt
	o.normalize()

	c := &Client{
		alive:    alive.NewAlive(),
		opt:      o,
		log:      o.Log,
		id:       id,
		server:   o.Server,
		lastRecv: atomic_clock.New(0),
		kick:     make(chan struct{}, 1),
	}
	c.backoff = helpers.Backoff{Max: o.RetryCeiling}
	c.registry = wscommand.NewRegistry(c.log)
	c.queue = newSendQueue(c)

	c.alive.Add(1)
	go c.worker()
	if o.AutoConnect {
		c.kickWorker()
	}
	return c, nil
}

func (c *Client) State() ConnState { return ConnState(atomic.LoadUint32(&c.state)) }

func (c *Client) Id() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) Server() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// SinceLastRecv returns time since any inbound traffic on the current
// session.
func (c *Client) SinceLastRecv() time.Duration { return atomic_clock.Since(c.lastRecv) }

func (c *Client) Stat() *SessionStat { return &c.stat }

// Options returns a copy of the normalized effective options.
func (c *Client) Options() Options { return c.opt }

// Connect begins connecting unless a session is already in progress.
// Returns immediately; use ConnectWait or subscribe to EventConnect to
// observe the result.
func (c *Client) Connect() {
	helpers.WithLock(&c.mu, func() { c.userClose = false })
	c.kickWorker()
}

// ConnectWait blocks until the client is connected, ctx expires or the
// client stops. Without AutoConnect a timeout also closes the client,
// so a late session does not appear after the caller gave up.
func (c *Client) ConnectWait(ctx context.Context) bool {
	ch, cancel := c.Subscribe(EventConnect, 1)
	defer cancel()
	if c.State() == StateConnected {
		return true
	}
	c.Connect()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		if !c.opt.AutoConnect {
			c.Close()
		}
		return false
	case <-c.alive.StopChan():
		return false
	}
}

// Close ends the current session and suspends reconnecting. The
// client stays usable: Connect starts a fresh session.
func (c *Client) Close() {
	helpers.WithLock(&c.mu, func() { c.userClose = true })
	c.dropSession(ErrClosing, true)
}

// Stop is Close plus permanent shutdown. Blocks until the reconnect
// worker and all session goroutines have exited.
func (c *Client) Stop() {
	helpers.WithLock(&c.mu, func() { c.userClose = true })
	c.alive.Stop()
	c.dropSession(ErrClosing, true)
	c.alive.Wait()
	c.wg.Wait()
}

func (c *Client) kickWorker() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// worker owns the reconnect cycle. One session at a time; failed
// attempts are retried with backoff, redirect retries skip the delay.
func (c *Client) worker() {
	defer c.alive.Done()
	for {
		select {
		case <-c.kick:
		case <-c.alive.StopChan():
			return
		}
		for {
			if !c.session() {
				break
			}
			var skip bool
			helpers.WithLock(&c.mu, func() {
				skip = c.skipDelay
				c.skipDelay = false
			})
			if skip {
				continue
			}
			if !sleepAlive(c.alive, c.backoff.Failure()) {
				return
			}
		}
	}
}

// session runs one connect attempt start to finish, blocking until the
// attempt has fully wound down. Returns true when the worker should
// schedule another attempt.
func (c *Client) session() bool {
	ackCh, cancel := c.events.subscribe(eventClosedAck, 1)
	defer cancel()

	var endpoint string
	var err error
	start := false
	helpers.WithLock(&c.mu, func() {
		if c.userClose || c.State() != StateClosed {
			return
		}
		endpoint, err = cloudEndpoint(c.server, c.id, &c.opt)
		if err != nil {
			return
		}
		atomic.StoreUint32(&c.state, uint32(StateConnecting))
		c.sessConnected = false
		c.redirected = false
		c.cloud = newCandidate(c, roleCloud, endpoint)
		c.active = nil
		start = true
	})
	if err != nil {
		c.log.Errorf("obniz endpoint err=%v", err)
		return false
	}
	if !start {
		return false
	}
	c.log.Debugf("obniz connecting url=%s", endpoint)
	c.mu.Lock()
	t := c.cloud
	c.mu.Unlock()
	t.start()

	select {
	case <-ackCh:
	case <-c.alive.StopChan():
		c.dropSession(ErrClosing, true)
		return false
	}
	var again bool
	helpers.WithLock(&c.mu, func() {
		again = (!c.userClose && c.opt.AutoConnect) || c.redirected
	})
	return again
}

// onCandidateOpen runs on a candidate goroutine after its websocket
// handshake. Cloud open is not connected yet, the ready control
// message decides that. Local open wins the handoff race, or takes
// over silently when the race is already lost.
func (c *Client) onCandidateOpen(t *candidate) {
	var fire func()
	helpers.WithLock(&c.mu, func() {
		if t != c.cloud && t != c.local {
			t.stop(errStale, true)
			return
		}
		switch t.role {
		case roleCloud:
			c.log.Debugf("obniz cloud open url=%s", t.url)
		case roleLocal:
			if c.State() == StateConnected {
				c.active = t
				c.stat.Handoff.Add(1)
				c.log.Infof("obniz local takeover")
				return
			}
			c.stopHandoffTimerLocked()
			fire = c.enterConnectedLocked(t)
		}
	})
	if fire != nil {
		fire()
	}
}

// onCandidateClose runs exactly once per candidate. Losing the local
// link falls back to the relay; losing the cloud link ends the
// session.
func (c *Client) onCandidateClose(t *candidate) {
	var fire func()
	drop := false
	helpers.WithLock(&c.mu, func() {
		if t != c.cloud && t != c.local {
			return
		}
		switch t.role {
		case roleLocal:
			c.local = nil
			if c.active == t {
				c.active = c.cloud
				c.log.Infof("obniz local lost, revert to cloud")
			}
			if c.handoff != nil {
				// local lost the race before the window closed
				c.stopHandoffTimerLocked()
				fire = c.enterConnectedLocked(c.cloud)
			}
		case roleCloud:
			drop = true
		}
	})
	if fire != nil {
		fire()
	}
	if drop {
		c.dropSession(t.lastError(), false)
	}
}

func (c *Client) startHandoffTimerLocked() {
	c.handoff = time.AfterFunc(c.opt.HandoffWindow, c.handoffExpired)
}

func (c *Client) stopHandoffTimerLocked() {
	if c.handoff != nil {
		c.handoff.Stop()
		c.handoff = nil
	}
}

// handoffExpired closes the local-vs-cloud race in cloud's favor. The
// local candidate stays: if it opens later it takes over silently.
func (c *Client) handoffExpired() {
	var fire func()
	helpers.WithLock(&c.mu, func() {
		if c.handoff == nil {
			// race resolved by open or close meanwhile
			return
		}
		c.handoff = nil
		if c.State() != StateConnecting || c.cloud == nil {
			return
		}
		fire = c.enterConnectedLocked(c.cloud)
	})
	if fire != nil {
		fire()
	}
}

// enterConnectedLocked flips the session to connected over transport t.
// Returns the notification closure to run after releasing c.mu.
func (c *Client) enterConnectedLocked(t *candidate) func() {
	if t == nil || t.readyState() != wsOpen {
		return nil
	}
	atomic.StoreUint32(&c.state, uint32(StateConnected))
	c.active = t
	if t.role == roleLocal {
		c.stat.Handoff.Add(1)
	}
	c.sessConnected = true
	c.backoff.Reset()
	c.lastRecv.SetNow()
	c.stat.Conn.Add(1)
	sess := alive.NewAlive()
	c.sess = sess
	c.log.Infof("obniz connected id=%s via %s", c.id, t.role)
	return func() { c.startSession(sess) }
}

// startSession announces the connected session and launches its
// goroutines. The user loop waits for the connect hook to settle
// first.
func (c *Client) startSession(sess *alive.Alive) {
	go helpers.AliveSub(c.alive, sess)

	pref := map[string]interface{}{
		"ws": map[string]interface{}{"reset_obniz_on_ws_disconnection": c.opt.ResetOnDisconnect},
	}
	if err := c.Send(pref); err != nil {
		c.log.Debugf("obniz send disconnect preference err=%v", err)
	}

	c.events.publish(EventMessage{Event: EventConnect})
	// Add fails when the session died already, racing an immediate
	// Close or a lost link; leaking a goroutine with an unregistered
	// Done would panic the WaitGroup.
	if sess.Add(1) {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.heartbeat(sess)
		}()
	}
	if sess.Add(1) {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer sess.Done()
			c.runConnectHook()
			if c.opt.OnLoop != nil && sess.Add(1) {
				c.wg.Add(1)
				go func() {
					defer c.wg.Done()
					c.looper(sess)
				}()
			}
		}()
	}
}

// dropSession tears down the current attempt: session goroutines,
// queued frames, both candidates. Close notifications fire only when
// the attempt had reached connected. Finishes by announcing the
// closed-acknowledged event the worker waits on.
func (c *Client) dropSession(reason error, graceful bool) {
	var cloud, local *candidate
	var sess *alive.Alive
	wasConnected := false
	already := false
	helpers.WithLock(&c.mu, func() {
		switch c.State() {
		case StateClosed, StateClosing:
			already = true
			return
		}
		atomic.StoreUint32(&c.state, uint32(StateClosing))
		wasConnected = c.sessConnected
		c.sessConnected = false
		c.stopHandoffTimerLocked()
		if c.pingFu != nil {
			c.pingFu.Cancel(nil)
		}
		cloud, local, sess = c.cloud, c.local, c.sess
		c.cloud, c.local, c.active, c.sess = nil, nil, nil, nil
	})
	if already {
		return
	}
	if reason != nil && reason != ErrClosing {
		c.log.Debugf("obniz session drop reason=%v", reason)
	}
	if sess != nil {
		sess.Stop()
	}
	c.queue.reset()
	if local != nil {
		local.stop(reason, graceful)
	}
	if cloud != nil {
		cloud.stop(reason, graceful)
	}
	atomic.StoreUint32(&c.state, uint32(StateClosed))
	if wasConnected {
		c.events.publish(EventMessage{Event: EventClose})
		c.runCloseHook()
	}
	c.events.publish(EventMessage{Event: eventClosedAck})
}

// onInbound runs on candidate reader goroutines. Traffic from
// candidates of finished sessions is dropped.
func (c *Client) onInbound(t *candidate, msgType int, data []byte) {
	var current bool
	helpers.WithLock(&c.mu, func() { current = t == c.cloud || t == c.local })
	if !current {
		return
	}
	c.lastRecv.SetNow()

	var objs []map[string]interface{}
	switch msgType {
	case websocket.TextMessage:
		var err error
		objs, err = decodeInboundText(data)
		if err != nil {
			c.log.Errorf("obniz recv err=%v", err)
		}
	case websocket.BinaryMessage:
		objs = c.registry.Decode(data)
	default:
		return
	}
	c.stat.Recv.Register(len(data), len(objs))
	for _, obj := range objs {
		c.dispatch(t, obj)
	}
}

func (c *Client) dispatch(t *candidate, obj map[string]interface{}) {
	if wc := parseWSControl(obj); wc != nil {
		c.handleWSControl(t, wc)
		return
	}
	n := Notification{Raw: obj}
	if se := parseSystemEvent(obj); se != nil {
		n.System = se
		if se.Pong != nil {
			c.handlePong(se.Pong.Key)
		}
	}
	c.notify(n)
}

// handleWSControl reacts to cloud signalling. Only the cloud link is
// trusted with control traffic.
func (c *Client) handleWSControl(t *candidate, wc *WSControl) {
	if t.role != roleCloud {
		c.log.Debugf("obniz control over %s ignored", t.role)
		return
	}
	if wc.Redirect != "" {
		c.handleRedirect(wc.Redirect)
		return
	}
	if !wc.Ready {
		c.log.Debugf("obniz control without ready ignored")
		return
	}
	c.handleReady(t, wc)
}

// handleReady finishes the cloud handshake: configure codecs for the
// announced hardware, then either connect over the relay or start the
// local-vs-cloud race when a local address is advertised.
func (c *Client) handleReady(t *candidate, wc *WSControl) {
	var fire func()
	helpers.WithLock(&c.mu, func() {
		if t != c.cloud || c.State() != StateConnecting {
			return
		}
		hw := wscommand.Hardware{}
		if wc.Obniz != nil {
			hw = wscommand.Hardware{Model: wc.Obniz.HW, Firmware: wc.Obniz.Firmware}
		}
		c.registry.Configure(hw)
		c.log.Debugf("obniz ready hw=%s firmware=%s", hw.Model, hw.Firmware)

		if wc.LocalConnect != nil && c.opt.LocalConnect && c.local == nil {
			lurl := localEndpoint(wc.LocalConnect.IP)
			c.local = newCandidate(c, roleLocal, lurl)
			c.local.start()
			c.startHandoffTimerLocked()
			c.log.Debugf("obniz local candidate url=%s window=%v", lurl, c.opt.HandoffWindow)
			return
		}
		fire = c.enterConnectedLocked(t)
	})
	if fire != nil {
		fire()
	}
}

// handleRedirect moves the client to another origin. The session is
// torn down and rebuilt immediately, without backoff delay.
func (c *Client) handleRedirect(rawurl string) {
	origin, id, err := redirectTarget(rawurl)
	if err != nil {
		c.log.Errorf("obniz redirect err=%v", err)
		return
	}
	helpers.WithLock(&c.mu, func() {
		c.server = origin
		if id != "" {
			c.id = id
		}
		c.redirected = true
		c.skipDelay = true
	})
	c.backoff.Reset()
	c.log.Infof("obniz redirect server=%s", origin)
	c.dropSession(errRedirect, true)
}

func (c *Client) notify(n Notification) {
	c.events.publish(EventMessage{Event: EventNotify, Notification: &n})
	if h := c.opt.OnNotify; h != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.raise(errors.Errorf("onnotify panic: %v", r))
				}
			}()
			h(c, n)
		}()
	}
}

func (c *Client) runConnectHook() {
	if h := c.opt.OnConnect; h != nil {
		defer func() {
			if r := recover(); r != nil {
				c.raise(errors.Errorf("onconnect panic: %v", r))
			}
		}()
		h(c)
	}
}

func (c *Client) runCloseHook() {
	if h := c.opt.OnClose; h != nil {
		defer func() {
			if r := recover(); r != nil {
				c.raise(errors.Errorf("onclose panic: %v", r))
			}
		}()
		h(c)
	}
}

// raise reports err to the user. The OnError hook runs on its own
// goroutine so a misbehaving handler cannot stall session machinery.
func (c *Client) raise(err error) {
	if err == nil {
		return
	}
	c.log.Errorf("obniz %v", err)
	if h := c.opt.OnError; h != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.log.Errorf("obniz onerror panic: %v", r)
				}
			}()
			h(c, err)
		}()
	}
}
