package obniz

// Complex values are read and modified atomically, but not consistently:
// it is possible to observe .Message.Count=1 .Object=0 because Object
// has not updated yet.

import (
	"expvar"
	"fmt"
)

// SessionStat counts traffic over the lifetime of a Client, across
// reconnects. Safe for concurrent use.
type SessionStat struct {
	Conn      expvar.Int // sessions reaching connected
	Handoff   expvar.Int // local transport takeovers
	Coalesced expvar.Int // queued frames merged into a bigger send
	Recv      Counters
	Send      Counters
}

func (ss *SessionStat) Add(other *SessionStat) {
	ss.Conn.Add(other.Conn.Value())
	ss.Handoff.Add(other.Handoff.Value())
	ss.Coalesced.Add(other.Coalesced.Value())
	ss.Recv.Add(&other.Recv)
	ss.Send.Add(&other.Send)
}

func (ss *SessionStat) Sub(other *SessionStat) {
	ss.Conn.Add(-other.Conn.Value())
	ss.Handoff.Add(-other.Handoff.Value())
	ss.Coalesced.Add(-other.Coalesced.Value())
	ss.Recv.Sub(&other.Recv)
	ss.Send.Sub(&other.Send)
}

func (ss *SessionStat) Value() (r SessionStat) {
	r.Conn.Set(ss.Conn.Value())
	r.Handoff.Set(ss.Handoff.Value())
	r.Coalesced.Set(ss.Coalesced.Value())
	r.Recv.Set(ss.Recv.Value())
	r.Send.Set(ss.Send.Value())
	return
}

func (ss *SessionStat) String() string {
	return fmt.Sprintf(`{"conn":%d,"handoff":%d,"coalesced":%d,"recv":%s,"send":%s}`,
		ss.Conn.Value(), ss.Handoff.Value(), ss.Coalesced.Value(),
		ss.Recv.String(), ss.Send.String())
}

// Counters pair physical websocket messages with the logical command
// objects carried inside them.
type Counters struct {
	Message CountSizePair
	Object  expvar.Int
}

// Register accounts one websocket message of size bytes carrying
// objects logical commands.
func (c *Counters) Register(size int, objects int) {
	c.Message.Count.Add(1)
	c.Message.Size.Add(int64(size))
	c.Object.Add(int64(objects))
}

func (c *Counters) Add(other *Counters) {
	c.Message.Add(&other.Message)
	c.Object.Add(other.Object.Value())
}

func (c *Counters) Set(new Counters) {
	c.Message.Set(new.Message.Value())
	c.Object.Set(new.Object.Value())
}

func (c *Counters) Sub(other *Counters) {
	c.Message.Sub(&other.Message)
	c.Object.Add(-other.Object.Value())
}

func (c *Counters) Value() (r Counters) {
	r.Message = c.Message.Value()
	r.Object.Set(c.Object.Value())
	return
}

func (c *Counters) String() string {
	return fmt.Sprintf(`{"message.count":%d,"message.size":%d,"object.count":%d}`,
		c.Message.Count.Value(), c.Message.Size.Value(), c.Object.Value())
}

type CountSizePair struct {
	Count expvar.Int
	Size  expvar.Int
}

func (csp *CountSizePair) Add(other *CountSizePair) {
	csp.Count.Add(other.Count.Value())
	csp.Size.Add(other.Size.Value())
}

func (csp *CountSizePair) Value() (r CountSizePair) {
	r.Count.Set(csp.Count.Value())
	r.Size.Set(csp.Size.Value())
	return
}

func (csp *CountSizePair) Set(new CountSizePair) {
	csp.Count.Set(new.Count.Value())
	csp.Size.Set(new.Size.Value())
}

func (csp *CountSizePair) Sub(other *CountSizePair) {
	csp.Count.Add(-other.Count.Value())
	csp.Size.Add(-other.Size.Value())
}
