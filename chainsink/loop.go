package chainsink

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/log"

	"github.com/stryukovsky/chainsink/store"
	"github.com/stryukovsky/chainsink/writer"
)

const seenHashCacheSize = 8192

type headRow struct {
	Number uint64 `json:"number"`
	Hash   string `json:"hash"`
}

// readHead returns the highest block durably recorded in the blocks table,
// or nil if the table is empty (a fresh database).
func readHead(ctx context.Context, a *store.Adapter, db string) (*BlockRef, error) {
	rows, err := store.QueryInto[headRow](ctx, a,
		fmt.Sprintf("SELECT number, hash FROM %s.blocks ORDER BY number DESC LIMIT 1", db))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &BlockRef{Number: rows[0].Number, Hash: rows[0].Hash}, nil
}

// loop is the processing loop proper: stream batches from the data source,
// map each block, push its output into the writer, and detect reorgs by
// comparing each new block's parent hash against what was last seen at that
// height.
type loop struct {
	args    ProcessorArgs
	adapter *store.Adapter
	wr      *writer.Writer

	seenHashes *lru.Cache[uint64, string]
}

func (l *loop) run(ctx context.Context, head *BlockRef) error {
	l.seenHashes = lru.NewCache[uint64, string](seenHashCacheSize)
	if head != nil {
		l.seenHashes.Add(head.Number, head.Hash)
	}

	after := head
	for {
		batches, errs := l.args.Source.Stream(ctx, after)
		restart, err := l.consume(ctx, batches, errs)
		if err != nil {
			return err
		}
		if restart == nil {
			return nil
		}
		after = restart
	}
}

// consume drains one Stream invocation's channels until it closes, returns
// an error, or a reorg forces a restart from a new cursor. A nil, nil
// return means the stream ended or the context was cancelled, and the loop
// should exit cleanly.
func (l *loop) consume(ctx context.Context, batches <-chan DataBatch, errs <-chan error) (*BlockRef, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, nil

		case err, ok := <-errs:
			if !ok {
				errs = nil
				if batches == nil {
					return nil, nil
				}
				continue
			}
			if err == nil {
				continue
			}
			sourceErrorMeter.Mark(1)
			return nil, &SourceError{Err: err}

		case batch, ok := <-batches:
			if !ok {
				batches = nil
				if errs == nil {
					return nil, nil
				}
				continue
			}
			restart, err := l.handleBatch(ctx, batch)
			if err != nil {
				return nil, err
			}
			if restart != nil {
				return restart, nil
			}
			if batch.AtHead() {
				if err := l.wr.Flush(ctx); err != nil {
					return nil, err
				}
			}
		}
	}
}

// handleBatch maps and pushes every block in batch. If a block's parent
// hash doesn't match what the loop last saw at that height, it is a reorg:
// handleBatch walks back looking for the common ancestor and returns a
// cursor to resume streaming from, without pushing anything past the fork
// point.
func (l *loop) handleBatch(ctx context.Context, batch DataBatch) (*BlockRef, error) {
	for _, block := range batch.Blocks {
		if parentHash, ok := l.seenHashes.Get(block.Header.Number - 1); ok && block.Header.ParentHash != "" && parentHash != block.Header.ParentHash {
			ancestor, err := l.findAncestor(ctx, block.Header.Number-1)
			if err != nil {
				return nil, err
			}
			reorgMeter.Mark(1)
			log.Warn("chainsink: reorg detected", "at", block.Header.Number, "resume_from", ancestor.Number)
			return &ancestor, nil
		}

		output, err := l.args.Map(ctx, block)
		if err != nil {
			return nil, &MapError{Block: block.Header.Ref(), Err: err}
		}

		if err := l.wr.Drain(ctx); err != nil {
			return nil, err
		}

		row := headerRow(block.Header)
		if err := l.wr.Push(ctx, block.Header, row, output); err != nil {
			return nil, fmt.Errorf("chainsink: push block %d: %w", block.Header.Number, err)
		}

		l.seenHashes.Add(block.Header.Number, block.Header.Hash)
		blocksMeter.Mark(1)
		rowsMeter.Mark(int64(countRows(output)))
		headGauge.Update(int64(block.Header.Number))
		pendingBlockGauge.Update(int64(l.wr.PendingBlocks()))
	}
	return nil, nil
}

// findAncestor walks backward from number, consulting the source's
// AncestorSource capability when available and otherwise falling back to
// comparing against what the loop has already recorded, until it finds a
// height whose recorded hash still matches reality or it exceeds
// ReorgDepthLimit.
func (l *loop) findAncestor(ctx context.Context, number uint64) (BlockRef, error) {
	limit := l.args.ReorgDepthLimit
	probe, hasProbe := l.args.Source.(AncestorSource)

	for steps := uint64(0); steps < limit; steps++ {
		if number == 0 {
			return BlockRef{Number: 0, Hash: ""}, nil
		}
		recorded, ok := l.seenHashes.Get(number)
		if !ok {
			number--
			continue
		}
		if !hasProbe {
			return BlockRef{Number: number, Hash: recorded}, nil
		}
		actual, err := probe.AncestorHash(ctx, number)
		if err != nil {
			return BlockRef{}, fmt.Errorf("chainsink: probe ancestor %d: %w", number, err)
		}
		if actual == recorded {
			return BlockRef{Number: number, Hash: recorded}, nil
		}
		number--
	}
	return BlockRef{}, errors.New("chainsink: reorg depth limit exceeded without finding a common ancestor")
}

func headerRow(h Header) TableRow {
	row := TableRow{
		"number":      h.Number,
		"hash":        h.Hash,
		"parent_hash": h.ParentHash,
	}
	if h.ParentNumber != nil {
		row["parent_number"] = *h.ParentNumber
	}
	if h.Timestamp != nil {
		row["timestamp"] = *h.Timestamp
	}
	return row
}

func countRows(output PerBlockOutput) int {
	n := 0
	for _, rows := range output {
		n += len(rows)
	}
	return n
}
