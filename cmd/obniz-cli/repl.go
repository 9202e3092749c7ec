package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	obniz "github.com/temoto/obniz-go"
	"github.com/temoto/obniz-go/helpers/cli"
	"github.com/temoto/obniz-go/log2"
)

const replUsage = `syntax: one command per line
- {"io":{"set":{"0":true}}}  JSON object or array is sent to the device
- ping     liveness probe, prints round trip time
- state    connection state, working server and traffic counters
- connect  begin connecting
- close    end the session, suspend reconnect
- exit     leave
`

var errReplExit = fmt.Errorf("exit")

func replMain(args []string) error {
	cmdline := flag.NewFlagSet("repl", flag.ExitOnError)
	flagId := cmdline.String("id", "", "device id (any value with a direct -server address)")
	flagServer := cmdline.String("server", obniz.DefaultServer, "cloud url or direct device address")
	flagToken := cmdline.String("token", "", "access token")
	flagBinary := cmdline.Bool("binary", true, "compress commands into binary frames")
	flagLocal := cmdline.Bool("local", true, "take the local network link when advertised")
	flagDebug := cmdline.Bool("debug", false, "debug logging")
	cmdline.Parse(args) //nolint:errcheck

	if *flagDebug {
		log.SetLevel(log2.LDebug)
	}
	if *flagId == "" {
		return errors.NotValidf("flag -id")
	}

	opt := obniz.NewOptions()
	opt.Server = *flagServer
	opt.AccessToken = *flagToken
	opt.Binary = *flagBinary
	opt.LocalConnect = *flagLocal
	opt.AutoConnect = true
	opt.Log = log
	opt.OnConnect = func(c *obniz.Client) { log.Infof("connected id=%s server=%s", c.Id(), c.Server()) }
	opt.OnClose = func(c *obniz.Client) { log.Infof("closed") }
	opt.OnNotify = func(_ *obniz.Client, n obniz.Notification) {
		b, err := json.Marshal(n.Raw)
		if err != nil {
			log.Errorf("notify marshal err=%v", err)
			return
		}
		log.Infof("notify %s", b)
	}

	c, err := obniz.New(*flagId, opt)
	if err != nil {
		return errors.Trace(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if !c.ConnectWait(ctx) {
		log.Infof("not connected yet, retrying in background")
	}
	cancel()

	cli.MainLoop("obniz", newReplExecutor(c), newReplCompleter())
	c.Stop()
	return nil
}

func newReplExecutor(c *obniz.Client) func(string) {
	return func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		tbegin := time.Now()
		err := replExec(c, line)
		if err == errReplExit {
			c.Stop()
			os.Exit(0)
		}
		if err != nil {
			log.Errorf(errors.ErrorStack(err))
			return
		}
		log.Debugf("duration=%v", time.Since(tbegin))
	}
}

func replExec(c *obniz.Client, line string) error {
	switch {
	case line == "help" || line == "/help":
		log.Infof(replUsage)
		return nil

	case line == "exit" || line == "quit":
		return errReplExit

	case line == "ping":
		ctx, cancel := context.WithTimeout(context.Background(), c.Options().NetworkTimeout)
		defer cancel()
		tbegin := time.Now()
		if err := c.PingWait(ctx); err != nil {
			return errors.Annotate(err, "ping")
		}
		log.Infof("pong rtt=%v", time.Since(tbegin))
		return nil

	case line == "state":
		log.Infof("state=%s id=%s server=%s stat=%s", c.State(), c.Id(), c.Server(), c.Stat().String())
		return nil

	case line == "connect":
		c.Connect()
		return nil

	case line == "close":
		c.Close()
		return nil

	case line[0] == '{' || line[0] == '[':
		objs, err := parseSendLine(line)
		if err != nil {
			return err
		}
		return errors.Trace(c.Send(objs...))
	}
	return errors.Errorf("unknown command='%s', try help", line)
}

func parseSendLine(line string) ([]map[string]interface{}, error) {
	if line[0] == '[' {
		var list []map[string]interface{}
		if err := json.Unmarshal([]byte(line), &list); err != nil {
			return nil, errors.Annotatef(err, "input=%s", line)
		}
		return list, nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return nil, errors.Annotatef(err, "input=%s", line)
	}
	return []map[string]interface{}{obj}, nil
}

func newReplCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "ping", Description: "liveness probe"},
		{Text: "state", Description: "connection state and counters"},
		{Text: "connect", Description: "begin connecting"},
		{Text: "close", Description: "end session"},
		{Text: "help"},
		{Text: "exit"},
		{Text: `{"io":{"set":{"0":true}}}`, Description: "drive io0 high"},
		{Text: `{"ad":{"get":{"pin":0}}}`, Description: "read ad0 voltage"},
		{Text: `{"system":{"reset":true}}`, Description: "reset device"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
	}
}
