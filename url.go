package obniz

import (
	"net"
	"net/url"
	"strings"

	"github.com/juju/errors"
)

// isDirectAddress reports whether server names a literal IP address,
// with or without scheme and port. Such servers are dialed directly
// over plain ws:// and never go through the cloud handshake.
func isDirectAddress(server string) bool {
	host := server
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return net.ParseIP(host) != nil
}

// cloudEndpoint builds the signalling URL for one connect attempt.
// A literal network address as device id or server dials the device
// directly over plain ws, skipping the cloud path template.
func cloudEndpoint(server, id string, opt *Options) (string, error) {
	if isDirectAddress(id) {
		return localEndpoint(id), nil
	}
	if server == "" {
		server = DefaultServer
	}
	if isDirectAddress(server) {
		return localEndpoint(strings.TrimPrefix(strings.TrimPrefix(server, "ws://"), "wss://")), nil
	}
	if !strings.Contains(server, "://") {
		server = "wss://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", errors.Annotatef(err, "obniz: server=%s", server)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https", "":
		u.Scheme = "wss"
	default:
		return "", errors.NotValidf("obniz: server=%s scheme=%s", server, u.Scheme)
	}
	u.Path = "/" + id + "/ws/1"
	q := "obnizjs=" + url.QueryEscape(Version)
	if opt.AccessToken != "" {
		q += "&access_token=" + url.QueryEscape(opt.AccessToken)
	}
	if opt.Binary {
		q += "&accept_binary=true"
	}
	u.RawQuery = q
	return u.String(), nil
}

// localEndpoint builds the direct URL for a device reachable on the
// same network. Local websocket servers on devices speak plain ws.
func localEndpoint(ip string) string {
	if !strings.Contains(ip, "://") {
		ip = "ws://" + ip
	}
	if !strings.HasSuffix(ip, "/") {
		ip += "/"
	}
	return ip
}

// redirectTarget extracts the new origin and device id from a redirect
// URL sent by the cloud. The id sits at the fourth slash-separated
// element; shorter URLs keep the current id and change only origin.
func redirectTarget(rawurl string) (origin, id string, err error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", "", errors.Annotatef(err, "obniz: redirect=%s", rawurl)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", errors.NotValidf("obniz: redirect=%s", rawurl)
	}
	origin = u.Scheme + "://" + u.Host
	parts := strings.Split(rawurl, "/")
	if len(parts) >= 5 {
		id = parts[3]
	}
	return origin, id, nil
}
