// Package discover finds obniz devices on the local network via mDNS.
// Devices announce _obniz._tcp; the instance label and TXT records carry
// the device id. Discovered addresses can be passed to obniz.New as a
// direct server address.
package discover

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/juju/errors"
	"github.com/temoto/obniz-go/log2"
)

const Service = "_obniz._tcp"
const DefaultTimeout = 5 * time.Second

type Device struct {
	Id   string
	Host string
	Addr string
	Port int
	Info map[string]string
}

// DirectAddress returns host:port suitable for Options.Server.
func (d *Device) DirectAddress() string {
	return net.JoinHostPort(d.Addr, strconv.Itoa(d.Port))
}

// Devices queries the LAN and returns everything that answered within
// timeout. Duplicate announcements are folded by instance name. An empty
// result with nil error means nothing answered.
func Devices(ctx context.Context, log *log2.Log, timeout time.Duration) ([]Device, error) {
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	entriesCh := make(chan *mdns.ServiceEntry, 8)
	queryErr := make(chan error, 1)
	go func() {
		defer close(entriesCh)
		queryErr <- mdns.Query(&mdns.QueryParam{
			Service: Service,
			Timeout: timeout,
			Entries: entriesCh,
		})
	}()

	seen := make(map[string]struct{})
	found := make([]Device, 0, 4)
	for {
		select {
		case entry, ok := <-entriesCh:
			if !ok {
				return found, errors.Annotate(<-queryErr, "mdns query")
			}
			if _, dup := seen[entry.Name]; dup {
				continue
			}
			seen[entry.Name] = struct{}{}
			d := fromEntry(entry)
			if d.Addr == "" {
				log.Debugf("discover: entry without address name=%s", entry.Name)
				continue
			}
			log.Debugf("discover: id=%s addr=%s port=%d host=%s", d.Id, d.Addr, d.Port, d.Host)
			found = append(found, d)

		case <-ctx.Done():
			return found, errors.Trace(ctx.Err())
		}
	}
}

func fromEntry(entry *mdns.ServiceEntry) Device {
	d := Device{
		Host: entry.Host,
		Port: entry.Port,
		Info: make(map[string]string, len(entry.InfoFields)),
	}
	switch {
	case entry.AddrV4 != nil:
		d.Addr = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		d.Addr = entry.AddrV6.String()
	}
	for _, field := range entry.InfoFields {
		if field == "" {
			continue
		}
		if i := strings.IndexByte(field, '='); i >= 0 {
			d.Info[field[:i]] = field[i+1:]
		} else {
			d.Info[field] = ""
		}
	}
	d.Id = deviceId(entry.Name, d.Info)
	return d
}

// deviceId prefers the TXT id record, falling back to the instance label
// which devices publish as obniz-XXXX-XXXX.
func deviceId(name string, info map[string]string) string {
	if id, ok := info["id"]; ok && id != "" {
		return id
	}
	label := name
	if i := strings.Index(label, "."+Service); i >= 0 {
		label = label[:i]
	}
	if i := strings.IndexByte(label, '.'); i >= 0 {
		label = label[:i]
	}
	return strings.TrimPrefix(label, "obniz-")
}
