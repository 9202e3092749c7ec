package cli

import (
	"bytes"
	"io/ioutil"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

// MainLoop runs exec on each input line, with prompt completion on a TTY
// or reading stdin whole otherwise. Returns when stdin is exhausted;
// on a TTY the prompt owns the session until exec calls os.Exit.
func MainLoop(tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		for range signalCh {
			os.Exit(1)
		}
	}()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
		).Run()
	} else {
		stdinAll, err := ioutil.ReadAll(os.Stdin)
		if err != nil {
			log.Fatal(err)
		}
		for _, lineb := range bytes.Split(stdinAll, []byte{'\n'}) {
			line := strings.TrimSpace(string(lineb))
			if line == "" {
				continue
			}
			exec(line)
		}
	}
}
