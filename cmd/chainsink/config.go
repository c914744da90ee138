package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"unicode"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/stryukovsky/chainsink/internal/flags"
)

var configFileFlag = &cli.StringFlag{
	Name:     "config",
	Usage:    "TOML configuration file",
	Category: flags.MiscCategory,
}

// tomlSettings makes TOML keys match Go struct field names exactly, the
// same convention the upstream client's config loader uses.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		var link string
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://pkg.go.dev/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// config is the on-disk shape of a chainsink run. Store.URL and Database can
// also be given as the --store.url and --database flags, which take
// precedence; the watermarks and ReorgDepthLimit come only from the file or
// defaultConfig.
type config struct {
	Store    storeConfig
	Database string
	Source   sourceConfig

	LowWatermark    int
	HighWatermark   int
	ReorgDepthLimit uint64
}

type storeConfig struct {
	URL string
}

// sourceConfig is intentionally thin: a concrete binary embeds chainsink as
// a library and supplies its own DataSource/Mapper. The run command always
// uses the Portal client with portal.Passthrough and takes its endpoint from
// the --source.endpoint flag; Endpoint here is decoded but not used.
type sourceConfig struct {
	Endpoint string
}

func defaultConfig() config {
	return config{
		LowWatermark:    8192,
		HighWatermark:   32768,
		ReorgDepthLimit: 256,
	}
}

func loadConfigFile(file string, cfg *config) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	var lineErr *toml.LineError
	if errors.As(err, &lineErr) {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

func loadBaseConfig(ctx *cli.Context) config {
	cfg := defaultConfig()
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := loadConfigFile(file, &cfg); err != nil {
			flags.Fatalf("%v", err)
		}
	}
	if ctx.IsSet(storeURLFlag.Name) || cfg.Store.URL == "" {
		cfg.Store.URL = ctx.String(storeURLFlag.Name)
	}
	if db := ctx.String(databaseFlag.Name); db != "" {
		cfg.Database = db
	}
	return cfg
}
