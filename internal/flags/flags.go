// Package flags centralizes the urfave/cli app scaffolding and flag
// categories shared by the command-line entrypoint.
package flags

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/stryukovsky/chainsink/internal/version"
)

// Flag categories group related flags together in --help output.
const (
	StoreCategory   = "STORE"
	SourceCategory  = "SOURCE"
	LoggingCategory = "LOGGING"
	MiscCategory    = "MISC"
)

// NewApp creates an app with the given name and usage string and chainsink's
// default metadata (version, copyright, and the VCS commit when known).
func NewApp(name, usage string) *cli.App {
	app := cli.NewApp()
	app.Name = name
	app.Usage = usage
	app.Copyright = "Copyright 2026 The chainsink authors"
	app.Action = cli.ShowAppHelp

	git, _ := version.VCS()
	app.Version = version.WithCommit(git.Commit, git.Date)
	if len(git.Commit) >= 8 {
		app.Metadata = map[string]any{"commit": git.Commit}
	}
	return app
}

// Fatalf prints the error to stderr and terminates the process; it is
// reserved for unrecoverable startup failures where there is no loop yet to
// hand the error back through.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Fatal: "+format+"\n", args...)
	os.Exit(1)
}
