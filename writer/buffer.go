package writer

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/singleflight"

	"github.com/stryukovsky/chainsink/chainsink"
	"github.com/stryukovsky/chainsink/store"
)

// Options configures the row-count thresholds a buffer reacts to.
type Options struct {
	// LowWatermark is the buffered-row count at which a background flush is
	// kicked off.
	LowWatermark int
	// HighWatermark is the buffered-row count at which the writer's Drain
	// flushes the buffer before returning to the caller.
	HighWatermark int
}

// blockMeta identifies the block a buffered row came from, carried alongside
// the row so it can be merged back into the wire payload at flush time.
type blockMeta struct {
	number    uint64
	hash      string
	timestamp *uint64
}

type bufferedRow struct {
	meta blockMeta
	data chainsink.TableRow
}

// Buffer accumulates rows destined for a single table and flushes them to
// the store in one streamed INSERT. It tracks how far it has been pushed
// (pushedThrough) separately from how far it has been durably written
// (durableThrough) so the writer can compute the blocks-table commit
// barrier even for blocks that contributed zero rows to this table.
type Buffer struct {
	mu      sync.Mutex
	db      string
	table   string
	adapter *store.Adapter
	opts    Options

	// augment, when true, merges block_number/block_hash (and
	// block_timestamp, if hasTimestampColumn) into each row at flush time.
	// It is set for item-table buffers; the blocks buffer carries complete
	// rows already and is left alone.
	augment            bool
	hasTimestampColumn bool

	rows           []bufferedRow
	pushedThrough  *uint64
	durableThrough *uint64
	lastErr        error

	sf singleflight.Group
}

func NewBuffer(adapter *store.Adapter, db, table string, opts Options) *Buffer {
	return &Buffer{db: db, table: table, adapter: adapter, opts: opts}
}

// NewItemBuffer builds a Buffer for an item table: every row it flushes is
// augmented with the anchoring block_number/block_hash the schema inspector
// found, plus block_timestamp when hasTimestampColumn is set.
func NewItemBuffer(adapter *store.Adapter, db, table string, opts Options, hasTimestampColumn bool) *Buffer {
	b := NewBuffer(adapter, db, table, opts)
	b.augment = true
	b.hasTimestampColumn = hasTimestampColumn
	return b
}

// Push appends rows tagged with meta and advances pushedThrough regardless
// of whether rows is empty, so the commit barrier can still advance past
// blocks that produced no rows in this table.
func (b *Buffer) Push(meta blockMeta, rows []chainsink.TableRow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range rows {
		b.rows = append(b.rows, bufferedRow{meta: meta, data: r})
	}
	if b.pushedThrough == nil || meta.number > *b.pushedThrough {
		n := meta.number
		b.pushedThrough = &n
	}
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}

// NeedsFlush reports whether the buffer has crossed its low watermark.
func (b *Buffer) NeedsFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows) >= b.opts.LowWatermark
}

// OverHighWatermark reports whether the buffer has crossed its high
// watermark and further pushes should be held back.
func (b *Buffer) OverHighWatermark() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows) >= b.opts.HighWatermark
}

// DurableThrough returns the highest block number whose rows (if any) are
// confirmed written to the store, or nil if nothing has been flushed yet.
func (b *Buffer) DurableThrough() *uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.durableThrough == nil {
		return nil
	}
	v := *b.durableThrough
	return &v
}

// LastErr returns the error from the most recent failed flush, if any.
func (b *Buffer) LastErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Flush writes every row buffered so far to the store. Concurrent callers
// collapse onto a single in-flight flush via singleflight, so a background
// low-watermark flush and an explicit end-of-run flush never race each other
// into two requests for the same rows; a caller whose rows arrived after the
// in-flight flush took its snapshot flushes again once it completes.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	target := b.pushedThrough
	b.mu.Unlock()

	flush := func() (any, error) {
		b.mu.Lock()
		through := b.pushedThrough
		if len(b.rows) == 0 {
			b.durableThrough = through
			b.mu.Unlock()
			return nil, nil
		}
		snapshot := make([]bufferedRow, len(b.rows))
		copy(snapshot, b.rows)
		b.mu.Unlock()

		flushID := uuid.NewString()
		buf := &bytes.Buffer{}
		stream := jsoniter.ConfigCompatibleWithStandardLibrary.BorrowStream(buf)
		defer jsoniter.ConfigCompatibleWithStandardLibrary.ReturnStream(stream)
		for _, r := range snapshot {
			row := r.data
			if b.augment {
				row = augmentRow(row, r.meta, b.hasTimestampColumn)
			}
			stream.WriteVal(row)
			stream.WriteRaw("\n")
		}
		if err := stream.Flush(); err != nil {
			return nil, fmt.Errorf("writer: encode %s: %w", b.table, err)
		}

		log.Debug("writer: flushing table", "flush_id", flushID, "table", b.table, "rows", len(snapshot))
		if err := b.adapter.Insert(ctx, b.db+"."+b.table, buf); err != nil {
			b.mu.Lock()
			b.lastErr = err
			b.mu.Unlock()
			return nil, fmt.Errorf("writer: flush %s (flush_id %s): %w", b.table, flushID, err)
		}

		b.mu.Lock()
		b.rows = b.rows[len(snapshot):]
		b.durableThrough = through
		b.lastErr = nil
		b.mu.Unlock()
		return nil, nil
	}
	for {
		if _, err, _ := b.sf.Do("flush", flush); err != nil {
			return err
		}
		d := b.DurableThrough()
		if target == nil || (d != nil && *d >= *target) {
			return nil
		}
	}
}

// augmentRow returns a copy of data with block_number and block_hash set
// from meta, and block_timestamp set too when includeTimestamp is true and
// meta carries one. data itself is never mutated, since the Mapper that
// produced it may hold on to the same map.
func augmentRow(data chainsink.TableRow, meta blockMeta, includeTimestamp bool) chainsink.TableRow {
	row := make(chainsink.TableRow, len(data)+3)
	for k, v := range data {
		row[k] = v
	}
	row["block_number"] = meta.number
	row["block_hash"] = meta.hash
	if includeTimestamp && meta.timestamp != nil {
		row["block_timestamp"] = *meta.timestamp
	}
	return row
}
