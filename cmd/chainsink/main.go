package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/stryukovsky/chainsink/internal/flags"
)

const clientIdentifier = "chainsink"

var app = flags.NewApp(clientIdentifier, "a ClickHouse sink for streams of finalized blocks")

func init() {
	app.Commands = []*cli.Command{
		runCommand,
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
