package obniz

import (
	"time"

	"github.com/temoto/obniz-go/helpers"
	"github.com/temoto/obniz-go/log2"
)

const (
	DefaultServer = "wss://obniz.io"

	// client version reported to the relay in the connect URL
	Version = "1.0.0"

	DefaultNetworkTimeout    = 30 * time.Second
	DefaultHandoffWindow     = 3 * time.Second
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultQuietPeriod       = 30 * time.Second
	DefaultLoopInterval      = 100 * time.Millisecond
	DefaultRetryCeiling      = 60 * time.Second
	DefaultHighWater         = int64(10 << 20)
)

// Options configures one device connection. Int fields with _sec/_ms tags
// exist for config files; duration fields take precedence when set.
// NewOptions fills the defaults; a zero Options literal disables
// binary mode, local links and reconnection.
type Options struct {
	AccessToken       string `hcl:"access_token"` // secret
	Server            string `hcl:"obniz_server"`
	Binary            bool   `hcl:"binary"`
	LocalConnect      bool   `hcl:"local_connect"`
	AutoConnect       bool   `hcl:"auto_connect"`
	ResetOnDisconnect bool   `hcl:"reset_obniz_on_ws_disconnection"`

	NetworkTimeoutSec int `hcl:"network_timeout_sec"`
	RetryCeilingSec   int `hcl:"retry_ceiling_sec"`
	LoopIntervalMs    int `hcl:"loop_interval_ms"`

	NetworkTimeout    time.Duration `hcl:"-"`
	HandoffWindow     time.Duration `hcl:"-"`
	HeartbeatInterval time.Duration `hcl:"-"`
	QuietPeriod       time.Duration `hcl:"-"`
	LoopInterval      time.Duration `hcl:"-"`
	RetryCeiling      time.Duration `hcl:"-"`
	HighWater         int64         `hcl:"-"`

	Log *log2.Log `hcl:"-"`

	OnConnect func(*Client)               `hcl:"-"`
	OnClose   func(*Client)               `hcl:"-"`
	OnLoop    func(*Client) error         `hcl:"-"`
	OnNotify  func(*Client, Notification) `hcl:"-"`
	OnError   func(*Client, error)        `hcl:"-"`
}

func NewOptions() *Options {
	return &Options{
		Server:            DefaultServer,
		Binary:            true,
		LocalConnect:      true,
		AutoConnect:       true,
		ResetOnDisconnect: true,
	}
}

func (o *Options) normalize() {
	if o.Server == "" {
		o.Server = DefaultServer
	}
	if o.NetworkTimeout == 0 {
		o.NetworkTimeout = helpers.IntSecondDefault(o.NetworkTimeoutSec, DefaultNetworkTimeout)
	}
	if o.HandoffWindow == 0 {
		o.HandoffWindow = DefaultHandoffWindow
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.QuietPeriod == 0 {
		o.QuietPeriod = DefaultQuietPeriod
	}
	if o.LoopInterval == 0 {
		if o.LoopIntervalMs != 0 {
			o.LoopInterval = time.Duration(o.LoopIntervalMs) * time.Millisecond
		} else {
			o.LoopInterval = DefaultLoopInterval
		}
	}
	if o.RetryCeiling == 0 {
		o.RetryCeiling = helpers.IntSecondDefault(o.RetryCeilingSec, DefaultRetryCeiling)
	}
	if o.HighWater == 0 {
		o.HighWater = DefaultHighWater
	}
	if o.Log == nil {
		o.Log = log2.NewStderr(log2.LInfo)
	}
}
