package chainsink

import (
	"time"

	"github.com/stryukovsky/chainsink/writer"
)

// ProcessorArgs configures a Processor. Source and Mapper are required;
// everything else has a workable default.
type ProcessorArgs struct {
	// StoreURL is the ClickHouse HTTP endpoint, e.g. "http://localhost:8123".
	StoreURL string
	// Database is the schema the blocks table and item tables live in.
	Database string
	// Source supplies batches of blocks to map and write.
	Source DataSource
	// Map converts one block into its per-table row output.
	Map Mapper
	// TableOptions overrides the default watermark thresholds per table. A
	// table present here takes precedence over ItemLowWatermark/
	// ItemHighWatermark below.
	TableOptions writer.TableOptions
	// ItemLowWatermark and ItemHighWatermark, when nonzero, replace
	// writer.DefaultItemOptions' thresholds for every item table discovered
	// at startup that isn't already named in TableOptions.
	ItemLowWatermark  int
	ItemHighWatermark int
	// StatusInterval controls how often a throughput summary is logged.
	// Defaults to 5 seconds.
	StatusInterval time.Duration
	// ReorgDepthLimit bounds how far back the loop will walk looking for a
	// common ancestor before giving up and returning an error. Defaults to
	// 256.
	ReorgDepthLimit uint64
}

func (a ProcessorArgs) withDefaults() ProcessorArgs {
	if a.StatusInterval <= 0 {
		a.StatusInterval = 5 * time.Second
	}
	if a.ReorgDepthLimit == 0 {
		a.ReorgDepthLimit = 256
	}
	return a
}

// tableOptionsFor builds the writer.TableOptions Start passes to writer.New:
// every explicit entry in a.TableOptions is kept as-is, and every item table
// it discovered but that TableOptions doesn't name falls back to
// a.ItemLowWatermark/ItemHighWatermark (if set) instead of
// writer.DefaultItemOptions.
func (a ProcessorArgs) tableOptionsFor(itemTables []string) writer.TableOptions {
	if a.ItemLowWatermark <= 0 && a.ItemHighWatermark <= 0 {
		return a.TableOptions
	}
	opts := writer.Options{
		LowWatermark:  writer.DefaultItemOptions.LowWatermark,
		HighWatermark: writer.DefaultItemOptions.HighWatermark,
	}
	if a.ItemLowWatermark > 0 {
		opts.LowWatermark = a.ItemLowWatermark
	}
	if a.ItemHighWatermark > 0 {
		opts.HighWatermark = a.ItemHighWatermark
	}

	merged := make(writer.TableOptions, len(itemTables))
	for k, v := range a.TableOptions {
		merged[k] = v
	}
	for _, table := range itemTables {
		if _, ok := merged[table]; !ok {
			merged[table] = opts
		}
	}
	return merged
}
