// obniz-cli talks to obniz devices from the terminal: an interactive
// REPL speaking device commands, LAN discovery and pairing QR output.
package main

import (
	"fmt"
	"os"

	"github.com/juju/errors"
	obniz "github.com/temoto/obniz-go"
	"github.com/temoto/obniz-go/log2"
)

var log = log2.NewStderr(log2.LInfo)

// mod is one sub-command. Simple dispatch but fine so far.
// Can switch to github.com/urfave/cli later.
type mod struct {
	name string
	main func(args []string) error
}

var modules = []mod{
	{"repl", replMain},
	{"discover", discoverMain},
	{"qr", qrMain},
	{"version", versionMain},
}

func main() {
	log.SetFlags(log2.LInteractiveFlags)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	m, err := parseMod(os.Args[1])
	if err != nil {
		log.Errorf("%v", err)
		usage()
		os.Exit(1)
	}
	if err := m.main(os.Args[2:]); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

func parseMod(command string) (*mod, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}
	for i := range modules {
		m := &modules[i]
		if command == m.name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("unknown command='%s'", command)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s {repl|discover|qr|version} [flags]\n", os.Args[0])
}

func versionMain(args []string) error {
	fmt.Printf("obniz-cli %s\n", obniz.Version)
	return nil
}
