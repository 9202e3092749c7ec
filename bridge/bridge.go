// Package bridge republishes obniz device notifications to an MQTT broker
// and forwards broker commands back to the device. Outbound messages go
// through a persistent disk queue, so telemetry survives broker outages
// and bridge restarts.
package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/temoto/alive/v2"
	obniz "github.com/temoto/obniz-go"
	"github.com/temoto/obniz-go/log2"
	"github.com/temoto/spq"
)

// Bridge contract:
// - Init fails only with invalid config, network issues are retried in background
// - device notifications block at most for a disk write, delivery happens in background
// - events and command responses are delivered at least once
// - status messages may be lost
// - Close stops the device session, then the queue worker
type Bridge struct {
	alive     *alive.Alive
	config    *Config
	log       *log2.Log
	client    *obniz.Client
	transport Transporter
	q         *spq.Queue
	metrics   *bridgeMetrics
	registry  *prometheus.Registry
}

func New() *Bridge {
	return &Bridge{alive: alive.NewAlive()}
}

// test code sets the transport
func NewWithTransporter(trans Transporter) *Bridge {
	return &Bridge{alive: alive.NewAlive(), transport: trans}
}

func (b *Bridge) Init(ctx context.Context, log *log2.Log, config *Config) error {
	b.config = config
	b.log = log
	if config.LogDebug {
		b.log.SetLevel(log2.LDebug)
	}
	if err := config.Validate(); err != nil {
		return errors.Annotate(err, "bridge config")
	}

	b.registry = prometheus.NewRegistry()
	b.metrics = newBridgeMetrics(b.registry)

	opt := config.DeviceOptions(b.log)
	opt.OnConnect = b.onDeviceConnect
	opt.OnClose = b.onDeviceClose
	opt.OnNotify = b.onDeviceNotify
	opt.OnError = b.onDeviceError
	client, err := obniz.New(config.Device.Id, opt)
	if err != nil {
		return errors.Annotate(err, "bridge device")
	}
	b.client = client

	if b.transport == nil { // production path
		if config.Mqtt.Enabled {
			b.transport = &transportPaho{}
		} else {
			b.transport = transportNoop{}
		}
	}
	if err := b.transport.Init(ctx, b.log, config, b.onCommandMessage); err != nil {
		b.client.Stop()
		return errors.Annotate(err, "bridge transport")
	}

	if config.Persist.Path == "" {
		panic("code error must set config.Persist.Path")
	}
	b.q, err = spq.Open(config.Persist.Path)
	if err != nil {
		// failed Init must not leak the device reconnect worker
		b.transport.Close()
		b.client.Stop()
		return errors.Annotate(err, "bridge queue")
	}

	b.alive.Add(1)
	go b.qworker()
	return nil
}

// Device returns the owned device client, mostly for tests and status.
func (b *Bridge) Device() *obniz.Client { return b.client }

func (b *Bridge) Close() {
	b.alive.Stop()
	if b.client != nil {
		b.client.Stop()
	}
	if b.q != nil {
		b.q.Close()
	}
	if b.transport != nil {
		b.transport.Close()
	}
	b.alive.Wait()
}

// Event is the queue and wire form of one device notification.
type Event struct {
	DeviceId string                 `json:"device_id"`
	Time     int64                  `json:"time"`
	Data     map[string]interface{} `json:"data"`
}

// Status mirrors the device session for the status topic and HTTP endpoint.
type Status struct {
	DeviceId string          `json:"device_id"`
	State    string          `json:"state"`
	Online   bool            `json:"online,omitempty"`
	Stat     json.RawMessage `json:"stat,omitempty"`
}

func (b *Bridge) Status() Status {
	state := b.client.State()
	return Status{
		DeviceId: b.client.Id(),
		State:    state.String(),
		Online:   state == obniz.StateConnected,
		Stat:     json.RawMessage(b.client.Stat().String()),
	}
}

// denote value type in persistent queue bytes form
const (
	qEvent    byte = 1
	qResponse byte = 2
)

type responseEnvelope struct {
	Topic string          `json:"topic"`
	Body  json.RawMessage `json:"body"`
}

func (b *Bridge) qworker() {
	defer b.alive.Done()
	for {
		box, err := b.q.Peek()
		switch err {
		case nil:
			// success path
			bs := box.Bytes()
			var del bool
			del, err = b.qhandle(bs)
			if err != nil {
				b.log.Errorf("bridge qhandle b=%x err=%v", bs, err)
			}
			if del {
				if err = b.q.Delete(box); err != nil {
					b.log.Errorf("bridge qhandle Delete b=%x err=%v", bs, err)
				}
			} else {
				b.metrics.queueRetries.Inc()
				if err = b.q.DeletePush(box); err != nil {
					b.log.Errorf("bridge qhandle DeletePush b=%x err=%v", bs, err)
				}
			}

		case spq.ErrClosed:
			if b.alive.IsRunning() {
				b.log.Errorf("CRITICAL bridge queue closed unexpectedly")
			}
			return

		default:
			b.log.Errorf("CRITICAL bridge queue err=%v", err)
			// here will go yet unhandled shit like disk full
		}
	}
}

// qhandle returns del=true when the entry must leave the queue, even on
// a parse error where retry will not help.
func (b *Bridge) qhandle(bs []byte) (bool, error) {
	if len(bs) == 0 {
		b.log.Errorf("bridge queue peek=empty")
		return true, nil
	}

	switch bs[0] {
	case qEvent:
		ok := b.transport.SendEvent(bs[1:])
		if ok {
			b.metrics.eventsSent.Inc()
		}
		return ok, nil

	case qResponse:
		var env responseEnvelope
		if err := json.Unmarshal(bs[1:], &env); err != nil {
			return true, errors.Trace(err)
		}
		ok := b.transport.SendResponse(env.Topic, env.Body)
		if ok {
			b.metrics.responsesSent.Inc()
		}
		return ok, nil

	default:
		return true, errors.Errorf("bridge queue unknown kind=%d", bs[0])
	}
}

func (b *Bridge) qpush(tag byte, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Trace(err)
	}
	buf := make([]byte, 1, 1+len(body))
	buf[0] = tag
	buf = append(buf, body...)
	return b.q.Push(buf)
}

func (b *Bridge) onDeviceNotify(c *obniz.Client, n obniz.Notification) {
	ev := Event{
		DeviceId: c.Id(),
		Time:     time.Now().UnixNano(),
		Data:     n.Raw,
	}
	if err := b.qpush(qEvent, &ev); err != nil {
		b.log.Errorf("CRITICAL bridge event push err=%v", err)
		return
	}
	b.metrics.eventsQueued.Inc()
}

func (b *Bridge) onDeviceConnect(c *obniz.Client) {
	b.metrics.deviceOnline.Set(1)
	b.sendStatus()
}

func (b *Bridge) onDeviceClose(c *obniz.Client) {
	b.metrics.deviceOnline.Set(0)
	b.sendStatus()
}

func (b *Bridge) onDeviceError(c *obniz.Client, e error) {
	b.metrics.deviceErrors.Inc()
	b.log.Error(errors.Annotate(e, "device"))
}

func (b *Bridge) sendStatus() {
	body, err := json.Marshal(b.Status())
	if err != nil {
		b.log.Errorf("CRITICAL bridge status marshal err=%v", err)
		return
	}
	if !b.transport.SendStatus(body) {
		b.log.Debugf("bridge status not delivered")
	}
}
