package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/stryukovsky/chainsink/chainsink"
	"github.com/stryukovsky/chainsink/internal/flags"
	"github.com/stryukovsky/chainsink/internal/lock"
	"github.com/stryukovsky/chainsink/portal"
)

var (
	storeURLFlag = &cli.StringFlag{
		Name:     "store.url",
		Usage:    "ClickHouse HTTP endpoint",
		Value:    "http://localhost:8123",
		Category: flags.StoreCategory,
	}
	databaseFlag = &cli.StringFlag{
		Name:     "database",
		Usage:    "Target ClickHouse database",
		Required: true,
		Category: flags.StoreCategory,
	}
	sourceEndpointFlag = &cli.StringFlag{
		Name:     "source.endpoint",
		Usage:    "Portal service base URL",
		Required: true,
		Category: flags.SourceCategory,
	}
	lockDirFlag = &cli.StringFlag{
		Name:     "lockdir",
		Usage:    "Directory used for the single-instance startup lock",
		Value:    os.TempDir(),
		Category: flags.MiscCategory,
	}
	verbosityFlag = &cli.IntFlag{
		Name:     "verbosity",
		Usage:    "Logging verbosity: 0=crit 1=error 2=warn 3=info 4=debug 5=trace",
		Value:    3,
		Category: flags.LoggingCategory,
	}
	logFileFlag = &cli.StringFlag{
		Name:     "log.file",
		Usage:    "Write log output to this file, rotated at 100MB, instead of stderr",
		Category: flags.LoggingCategory,
	}
)

var loggingFlags = []cli.Flag{verbosityFlag, logFileFlag, configFileFlag, storeURLFlag, databaseFlag, sourceEndpointFlag, lockDirFlag}

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Start the processing loop and keep the target database in sync",
	Action: runChainsink,
	Flags:  loggingFlags,
}

func setupLogging(ctx *cli.Context) {
	level := verbosityToLevel(ctx.Int(verbosityFlag.Name))

	var out io.Writer = os.Stderr
	useColor := true
	if path := ctx.String(logFileFlag.Name); path != "" {
		out = &lumberjack.Logger{Filename: path, MaxSize: 100, MaxBackups: 5}
		useColor = false
	}
	handler := log.NewTerminalHandlerWithLevel(out, level, useColor)
	log.SetDefault(log.NewLogger(handler))
}

// verbosityToLevel maps the CLI's 0..5 scale onto go-ethereum/log's slog
// levels, matching the crit..trace ordering used throughout its tooling.
func verbosityToLevel(verbosity int) slog.Level {
	switch {
	case verbosity <= 0:
		return log.LevelCrit
	case verbosity == 1:
		return slog.LevelError
	case verbosity == 2:
		return slog.LevelWarn
	case verbosity == 3:
		return slog.LevelInfo
	case verbosity == 4:
		return slog.LevelDebug
	default:
		return log.LevelTrace
	}
}

func runChainsink(ctx *cli.Context) error {
	setupLogging(ctx)

	cfg := loadBaseConfig(ctx)
	if cfg.Store.URL == "" || cfg.Database == "" {
		return fmt.Errorf("chainsink: --store.url and --database are required")
	}

	inst, err := lock.Acquire(ctx.String(lockDirFlag.Name), cfg.Database)
	if err != nil {
		return err
	}
	defer inst.Release()

	source := portal.New(portal.Config{Endpoint: ctx.String(sourceEndpointFlag.Name)})

	proc, err := chainsink.New(chainsink.ProcessorArgs{
		StoreURL:          cfg.Store.URL,
		Database:          cfg.Database,
		Source:            source,
		Map:               portal.Passthrough,
		ReorgDepthLimit:   cfg.ReorgDepthLimit,
		ItemLowWatermark:  cfg.LowWatermark,
		ItemHighWatermark: cfg.HighWatermark,
	})
	if err != nil {
		return err
	}

	if err := proc.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Info("chainsink: received signal, shutting down", "signal", s)
	case <-waitDone(proc):
	}

	if err := proc.Stop(); err != nil {
		log.Error("chainsink: shutdown", "error", err)
	}
	return proc.Wait()
}

func waitDone(proc *chainsink.Processor) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		_ = proc.Wait()
		close(done)
	}()
	return done
}

