package chainsink

import (
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	blocksMeter       = metrics.NewRegisteredMeter("chainsink/blocks", nil)
	rowsMeter         = metrics.NewRegisteredMeter("chainsink/rows", nil)
	reorgMeter        = metrics.NewRegisteredMeter("chainsink/reorg", nil)
	headGauge         = metrics.NewRegisteredGauge("chainsink/head", nil)
	pendingBlockGauge = metrics.NewRegisteredGauge("chainsink/pending_blocks", nil)
	sourceErrorMeter  = metrics.NewRegisteredMeter("chainsink/source/errors", nil)
)

// statusTicker periodically logs a one-line throughput summary while blocks
// are flowing, so a human watching the log can see liveness without
// scraping the metrics registry. It ticks at most once per interval and
// stays quiet when nothing has moved since the last tick.
type statusTicker struct {
	interval   time.Duration
	lastBlocks int64
	lastRows   int64
}

func newStatusTicker(interval time.Duration) *statusTicker {
	return &statusTicker{interval: interval}
}

func (s *statusTicker) run(stop <-chan struct{}) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			blocks := blocksMeter.Count()
			rows := rowsMeter.Count()
			if blocks == s.lastBlocks && rows == s.lastRows {
				continue
			}
			log.Info("chainsink: status",
				"blocks/s", blocksMeter.Rate1(),
				"rows/s", rowsMeter.Rate1(),
				"head", headGauge.Value(),
				"pending", pendingBlockGauge.Value(),
			)
			s.lastBlocks, s.lastRows = blocks, rows
		}
	}
}
