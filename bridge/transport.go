package bridge

import (
	"context"
	"fmt"

	"github.com/temoto/obniz-go/log2"
)

func TopicPrefix(deviceId string) string  { return fmt.Sprintf("obniz/%s", deviceId) }
func TopicEvent(deviceId string) string   { return fmt.Sprintf("obniz/%s/w/event", deviceId) }
func TopicStatus(deviceId string) string  { return fmt.Sprintf("obniz/%s/w/status", deviceId) }
func TopicCommand(deviceId string) string { return fmt.Sprintf("obniz/%s/r/c", deviceId) }
func TopicResponse(deviceId, suffix string) string {
	return fmt.Sprintf("obniz/%s/%s", deviceId, suffix)
}

// Bridge transport contract:
// - Init fails only with invalid config, ignores network errors
// - Send* deliver within timeout or report failure; caller requeues
// - hide "connection" concept from upstream; transport delivers messages at least once
// - bridge may start without network available
// - assume worst network quality: packet loss, reorder, duplicates
type Transporter interface {
	Init(ctx context.Context, log *log2.Log, config *Config, onCommand CommandFunc) error
	SendEvent(payload []byte) bool
	SendStatus(payload []byte) bool
	SendResponse(topicSuffix string, payload []byte) bool
	Close()
}

type CommandFunc func(context.Context, []byte) bool

// transportNoop serves configs without mqtt: outbound messages are
// dropped as delivered so the queue does not grow, commands never come.
type transportNoop struct{}

var _ Transporter = transportNoop{} // compile-time interface test

func (transportNoop) Init(ctx context.Context, log *log2.Log, config *Config, onCommand CommandFunc) error {
	log.Infof("bridge mqtt disabled, telemetry is dropped")
	return nil
}

func (transportNoop) SendEvent(payload []byte) bool                  { return true }
func (transportNoop) SendStatus(payload []byte) bool                 { return true }
func (transportNoop) SendResponse(topic string, payload []byte) bool { return true }
func (transportNoop) Close()                                         {}
