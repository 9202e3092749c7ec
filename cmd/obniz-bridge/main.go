// obniz-bridge connects one obniz device to an MQTT broker and exposes
// a status/metrics HTTP endpoint. Configuration comes from an HCL file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	obniz "github.com/temoto/obniz-go"
	"github.com/temoto/obniz-go/bridge"
	"github.com/temoto/obniz-go/log2"
)

var log = log2.NewStderr(log2.LInfo)

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagConfig := cmdline.String("config", "obniz-bridge.hcl", "config file path")
	flagVersion := cmdline.Bool("version", false, "print version and exit")
	cmdline.Parse(os.Args[1:]) //nolint:errcheck

	if *flagVersion {
		fmt.Printf("obniz-bridge %s\n", obniz.Version)
		return
	}

	if sdnotify("start") {
		// under systemd, journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	config := bridge.MustReadConfig(log, bridge.NewOsFullReader(), *flagConfig)
	log.Debugf("config=%+v", config)

	b := bridge.New()
	if err := b.Init(context.Background(), log, config); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	if config.Listen.Address != "" {
		go func() {
			if err := b.ServeStatus(config.Listen.Address); err != nil {
				log.Fatal(errors.ErrorStack(err))
			}
		}()
		log.Infof("obniz-bridge status listen=%s", config.Listen.Address)
	}

	sdnotify(daemon.SdNotifyReady)
	log.Infof("obniz-bridge running device=%s", config.Device.Id)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-sigCh
	log.Infof("obniz-bridge signal=%v shutdown", sig)
	sdnotify(daemon.SdNotifyStopping)
	b.Close()
	log.Infof("obniz-bridge stopped")
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
