package main

import (
	"flag"
	"fmt"
	"net/url"
	"strings"

	"github.com/juju/errors"
	qrcode "github.com/skip2/go-qrcode"
	obniz "github.com/temoto/obniz-go"
)

func qrMain(args []string) error {
	cmdline := flag.NewFlagSet("qr", flag.ExitOnError)
	flagId := cmdline.String("id", "", "device id")
	flagServer := cmdline.String("server", obniz.DefaultServer, "cloud url")
	flagBorder := cmdline.Bool("border", true, "quiet zone around the code")
	cmdline.Parse(args) //nolint:errcheck

	if *flagId == "" {
		return errors.NotValidf("flag -id")
	}
	text, err := pairingText(*flagServer, *flagId)
	if err != nil {
		return errors.Trace(err)
	}
	qr, err := qrcode.New(text, qrcode.Medium)
	if err != nil {
		return errors.Annotatef(err, "qr text=%s", text)
	}
	qr.DisableBorder = !*flagBorder
	fmt.Println(text)
	fmt.Print(qr.ToSmallString(false))
	return nil
}

// pairingText builds the url scanned to adopt a device:
// https://<server>/d/<id>.
func pairingText(server, id string) (string, error) {
	if !strings.Contains(server, "://") {
		server = "https://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", errors.Annotatef(err, "server=%s", server)
	}
	switch u.Scheme {
	case "wss", "https":
		u.Scheme = "https"
	case "ws", "http":
		u.Scheme = "http"
	default:
		return "", errors.NotValidf("server=%s scheme=%s", server, u.Scheme)
	}
	u.Path = "/d/" + id
	u.RawQuery = ""
	return u.String(), nil
}
