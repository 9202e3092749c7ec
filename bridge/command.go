package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
)

// Command arrives on the command topic as JSON. Name selects the task:
// "send" forwards the send array to the device, "ping" measures device
// round trip, "report" replies with the bridge status.
type Command struct {
	Id         uint32            `json:"id"`
	Name       string            `json:"name"`
	ReplyTopic string            `json:"reply_topic,omitempty"`
	Deadline   int64             `json:"deadline,omitempty"` // unix nanoseconds
	Send       []json.RawMessage `json:"send,omitempty"`
}

type Response struct {
	CommandId uint32  `json:"command_id"`
	Error     string  `json:"error,omitempty"`
	ElapsedMs int64   `json:"elapsed_ms,omitempty"`
	Report    *Status `json:"report,omitempty"`
}

const defaultReplyTopic = "cr"

func (b *Bridge) onCommandMessage(ctx context.Context, payload []byte) bool {
	cmd := new(Command)
	if err := json.Unmarshal(payload, cmd); err != nil {
		b.log.Errorf("bridge command parse raw=%x err=%v", payload, err)
		// unparsable, nowhere to reply
		return true
	}
	b.log.Debugf("bridge command raw=%s", payload)
	b.metrics.commands.Inc()

	now := time.Now().UnixNano()
	if cmd.Deadline != 0 && now > cmd.Deadline {
		b.commandReply(cmd, &Response{CommandId: cmd.Id, Error: "deadline"})
	} else {
		b.commandReply(cmd, b.dispatchCommand(ctx, cmd))
	}
	return true
}

func (b *Bridge) dispatchCommand(ctx context.Context, cmd *Command) *Response {
	r := &Response{CommandId: cmd.Id}
	var err error
	switch cmd.Name {
	case "send":
		err = b.cmdSend(cmd)

	case "ping":
		r.ElapsedMs, err = b.cmdPing(ctx)

	case "report":
		st := b.Status()
		r.Report = &st

	default:
		err = errors.Errorf("unknown command=%q", cmd.Name)
	}
	if err != nil {
		b.log.Error(errors.Annotatef(err, "bridge command=%s", cmd.Name))
		r.Error = err.Error()
	}
	return r
}

func (b *Bridge) cmdSend(cmd *Command) error {
	if len(cmd.Send) == 0 {
		return errors.NotValidf("send: empty")
	}
	objs := make([]map[string]interface{}, 0, len(cmd.Send))
	for _, raw := range cmd.Send {
		var obj map[string]interface{}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return errors.Annotatef(err, "send arg=%s", raw)
		}
		objs = append(objs, obj)
	}
	return errors.Trace(b.client.Send(objs...))
}

func (b *Bridge) cmdPing(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, b.client.Options().NetworkTimeout)
	defer cancel()
	start := time.Now()
	if err := b.client.PingWait(ctx); err != nil {
		return 0, errors.Annotate(err, "ping")
	}
	return time.Since(start).Milliseconds(), nil
}

func (b *Bridge) commandReply(cmd *Command, r *Response) {
	body, err := json.Marshal(r)
	if err != nil {
		b.log.Errorf("CRITICAL bridge response marshal r=%#v err=%v", r, err)
		return
	}
	topic := cmd.ReplyTopic
	if topic == "" {
		topic = defaultReplyTopic
	}
	env := responseEnvelope{Topic: topic, Body: body}
	if err := b.qpush(qResponse, &env); err != nil {
		b.log.Error(errors.Annotatef(err, "CRITICAL bridge command=%#v response=%#v", cmd, r))
	}
}
