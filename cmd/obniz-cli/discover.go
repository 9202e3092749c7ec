package main

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/obniz-go/discover"
	"github.com/temoto/obniz-go/log2"
)

func discoverMain(args []string) error {
	cmdline := flag.NewFlagSet("discover", flag.ExitOnError)
	flagTimeout := cmdline.Duration("timeout", discover.DefaultTimeout, "listen window")
	flagDebug := cmdline.Bool("debug", false, "debug logging")
	cmdline.Parse(args) //nolint:errcheck

	if *flagDebug {
		log.SetLevel(log2.LDebug)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *flagTimeout+time.Second)
	defer cancel()
	devices, err := discover.Devices(ctx, log, *flagTimeout)
	if err != nil {
		return errors.Trace(err)
	}
	if len(devices) == 0 {
		log.Infof("no devices answered in %v", *flagTimeout)
		return nil
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Id < devices[j].Id })
	for _, d := range devices {
		fmt.Printf("%s\t%s", d.Id, d.DirectAddress())
		keys := make([]string, 0, len(d.Info))
		for k := range d.Info {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("\t%s=%s", k, d.Info[k])
		}
		fmt.Printf("\n")
	}
	return nil
}
