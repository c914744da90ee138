package chainsink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stryukovsky/chainsink/writer"
)

func TestProcessorArgs_WithDefaults(t *testing.T) {
	a := ProcessorArgs{}.withDefaults()
	require.Equal(t, 5*time.Second, a.StatusInterval)
	require.Equal(t, uint64(256), a.ReorgDepthLimit)
}

func TestProcessorArgs_WithDefaultsPreservesOverrides(t *testing.T) {
	a := ProcessorArgs{StatusInterval: time.Minute, ReorgDepthLimit: 10}.withDefaults()
	require.Equal(t, time.Minute, a.StatusInterval)
	require.Equal(t, uint64(10), a.ReorgDepthLimit)
}

func TestProcessorArgs_TableOptionsForAppliesItemWatermarksToDiscoveredTables(t *testing.T) {
	a := ProcessorArgs{ItemLowWatermark: 100, ItemHighWatermark: 200}
	opts := a.tableOptionsFor([]string{"transfers", "approvals"})
	require.Equal(t, 100, opts["transfers"].LowWatermark)
	require.Equal(t, 200, opts["approvals"].HighWatermark)
}

func TestProcessorArgs_TableOptionsForExplicitOverrideWins(t *testing.T) {
	a := ProcessorArgs{
		ItemLowWatermark: 100, ItemHighWatermark: 200,
		TableOptions: writer.TableOptions{"transfers": {LowWatermark: 9, HighWatermark: 99}},
	}
	opts := a.tableOptionsFor([]string{"transfers", "approvals"})
	require.Equal(t, 9, opts["transfers"].LowWatermark)
	require.Equal(t, 100, opts["approvals"].LowWatermark)
}

func TestProcessorArgs_TableOptionsForNoOverrideReturnsNil(t *testing.T) {
	a := ProcessorArgs{}
	require.Nil(t, a.tableOptionsFor([]string{"transfers"}))
}
