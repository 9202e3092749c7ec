package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/client/future"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/juju/errors"
	obniz "github.com/temoto/obniz-go"
	"github.com/temoto/obniz-go/helpers"
	"github.com/temoto/obniz-go/log2"
)

// transportPaho carries bridge traffic over MQTT. The broker session is
// persistent (clean_session=false) and the will marks the bridge offline
// on the retained status topic.
type transportPaho struct {
	log       *log2.Log
	onCommand func([]byte) bool
	m         mqtt.Client
	mopt      *mqtt.ClientOptions

	// fresh future per broker connection attempt, completed after subscribe
	readyMu sync.Mutex
	ready   *future.Future

	topicPrefix    string
	topicEvent     string
	topicStatus    string
	topicCommand   string
	networkTimeout time.Duration
}

func (self *transportPaho) Init(ctx context.Context, log *log2.Log, config *Config, onCommand CommandFunc) error {
	self.log = log.Clone(log2.LInfo)
	if config.Mqtt.LogDebug {
		self.log.SetLevel(log2.LDebug)
	}
	mqtt.ERROR = self.log
	mqtt.CRITICAL = self.log
	mqtt.WARN = self.log

	if _, err := url.ParseRequestURI(config.Mqtt.Broker); err != nil {
		return errors.Annotatef(err, "mqtt broker=%s", config.Mqtt.Broker)
	}

	clientId := config.Mqtt.ClientId
	if clientId == "" {
		clientId = fmt.Sprintf("obniz-bridge-%s", uuid.New().String()[:8])
	}
	credFun := func() (string, string) {
		return clientId, config.Mqtt.Password
	}

	self.onCommand = func(payload []byte) bool {
		return onCommand(ctx, payload)
	}
	self.topicPrefix = TopicPrefix(config.Device.Id)
	self.topicEvent = TopicEvent(config.Device.Id)
	self.topicStatus = TopicStatus(config.Device.Id)
	self.topicCommand = TopicCommand(config.Device.Id)
	self.networkTimeout = helpers.IntSecondDefault(config.Mqtt.NetworkTimeoutSec, obniz.DefaultNetworkTimeout)
	self.ready = future.New()

	keepAlive := helpers.IntSecondDefault(config.Mqtt.KeepaliveSec, 60*time.Second)
	pingTimeout := helpers.IntSecondDefault(config.Mqtt.PingTimeoutSec, 30*time.Second)
	retryInterval := keepAlive / 2

	will, err := json.Marshal(Status{DeviceId: config.Device.Id, State: obniz.StateClosed.String()})
	if err != nil {
		return errors.Trace(err)
	}

	self.mopt = mqtt.NewClientOptions().
		AddBroker(config.Mqtt.Broker).
		SetBinaryWill(self.topicStatus, will, 1, true).
		SetCleanSession(false).
		SetClientID(clientId).
		SetCredentialsProvider(credFun).
		SetDefaultPublishHandler(self.messageHandler).
		SetKeepAlive(keepAlive).
		SetPingTimeout(pingTimeout).
		SetOrderMatters(false).
		SetResumeSubs(true).
		SetConnectRetryInterval(retryInterval).
		SetOnConnectHandler(self.onConnectHandler).
		SetConnectionLostHandler(self.connectLostHandler).
		SetConnectRetry(true)
	if config.Mqtt.StorePath != "" {
		self.mopt.SetStore(mqtt.NewFileStore(config.Mqtt.StorePath))
	}
	self.m = mqtt.NewClient(self.mopt)
	if token := self.m.Connect(); token.Error() != nil {
		return errors.Annotate(token.Error(), "mqtt connect")
	}
	return nil
}

func (self *transportPaho) Close() {
	self.log.Infof("mqtt unsubscribe")
	if token := self.m.Unsubscribe(self.topicCommand); token.WaitTimeout(self.networkTimeout) && token.Error() != nil {
		self.log.Error(errors.Annotate(token.Error(), "mqtt unsubscribe"))
	}
	self.m.Disconnect(250)
}

func (self *transportPaho) SendEvent(payload []byte) bool {
	if !self.waitReady() {
		return false
	}
	return self.publish(self.topicEvent, payload, false, "event")
}

// Status is retained so late subscribers observe the last known state.
// Delivery is best effort, the bridge does not requeue it.
func (self *transportPaho) SendStatus(payload []byte) bool {
	return self.publish(self.topicStatus, payload, true, "status")
}

func (self *transportPaho) SendResponse(topicSuffix string, payload []byte) bool {
	if !self.waitReady() {
		return false
	}
	topic := fmt.Sprintf("%s/%s", self.topicPrefix, topicSuffix)
	self.log.Debugf("mqtt publish command response topic=%s", topic)
	return self.publish(topic, payload, false, "response")
}

func (self *transportPaho) publish(topic string, payload []byte, retain bool, kind string) bool {
	token := self.m.Publish(topic, 1, retain, payload)
	if !token.WaitTimeout(self.networkTimeout) {
		self.log.Errorf("mqtt publish %s timeout", kind)
		return false
	}
	if err := token.Error(); err != nil {
		self.log.Error(errors.Annotatef(err, "mqtt publish %s", kind))
		return false
	}
	return true
}

func (self *transportPaho) waitReady() bool {
	self.readyMu.Lock()
	fu := self.ready
	self.readyMu.Unlock()
	return fu.Wait(self.networkTimeout) == nil
}

func (self *transportPaho) messageHandler(c mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	if msg.Topic() != self.topicCommand {
		self.log.Errorf("mqtt message in unexpected topic=%s payload=%x", msg.Topic(), payload)
		return
	}
	self.log.Debugf("mqtt command payload=%s", payload)
	self.onCommand(payload)
}

func (self *transportPaho) connectLostHandler(c mqtt.Client, err error) {
	self.log.Infof("mqtt disconnect err=%v", err)
	self.readyMu.Lock()
	self.ready = future.New()
	self.readyMu.Unlock()
}

func (self *transportPaho) onConnectHandler(c mqtt.Client) {
	self.log.Infof("mqtt connect")
	if token := c.Subscribe(self.topicCommand, 1, nil); token.Wait() && token.Error() != nil {
		self.log.Error(errors.Annotatef(token.Error(), "mqtt subscribe topic=%s", self.topicCommand))
		return
	}
	self.readyMu.Lock()
	self.ready.Complete(true)
	self.readyMu.Unlock()
}
