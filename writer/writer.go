// Package writer buffers per-block table rows and flushes them to the store
// on a watermark schedule, publishing the blocks table only once every item
// table has durably caught up to the block being published.
package writer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ethereum/go-ethereum/log"

	"github.com/stryukovsky/chainsink/chainsink"
	"github.com/stryukovsky/chainsink/schema"
	"github.com/stryukovsky/chainsink/store"
)

// TableOptions maps a table name to its watermark configuration. The zero
// value for a table not present here falls back to DefaultItemOptions.
type TableOptions map[string]Options

// DefaultItemOptions are the watermark defaults for item tables.
var DefaultItemOptions = Options{LowWatermark: 8192, HighWatermark: 32768}

// DefaultBlocksOptions are the watermark defaults for the blocks table,
// which is expected to receive exactly one row per block and so fills much
// more slowly than an item table.
var DefaultBlocksOptions = Options{LowWatermark: 1024, HighWatermark: 4096}

// Writer owns one Buffer per item table plus the blocks table, and enforces
// the commit barrier: a block header is only handed to the blocks buffer
// once every item table's durable watermark has reached that block number.
type Writer struct {
	mu sync.Mutex

	adapter *store.Adapter
	db      string

	items  map[string]*Buffer
	blocks *Buffer

	pending []pendingHeader
}

type pendingHeader struct {
	number uint64
	row    chainsink.TableRow
}

// New builds a Writer for the given item tables. opts may override the
// defaults per table; a table absent from opts uses DefaultItemOptions.
func New(adapter *store.Adapter, db string, itemTables []schema.TableInfo, opts TableOptions) *Writer {
	items := make(map[string]*Buffer, len(itemTables))
	for _, t := range itemTables {
		o, ok := opts[t.Name]
		if !ok {
			o = DefaultItemOptions
		}
		items[t.Name] = NewItemBuffer(adapter, db, t.Name, o, t.HasTimestamp)
	}
	blocksOpts := DefaultBlocksOptions
	if o, ok := opts["blocks"]; ok {
		blocksOpts = o
	}
	return &Writer{
		adapter: adapter,
		db:      db,
		items:   items,
		blocks:  NewBuffer(adapter, db, "blocks", blocksOpts),
	}
}

// Push buffers one block's worth of output: its item-table rows (advancing
// every item buffer's pushedThrough even for tables the block produced no
// rows in) and its header row, which is held back until the commit barrier
// clears it. Push only buffers in memory and triggers background flushes; it
// never blocks on store I/O. It returns an error if output names a table the
// writer was not constructed with, or if an earlier background flush left a
// table unhealthy (see Drain).
func (w *Writer) Push(ctx context.Context, header chainsink.Header, blockRow chainsink.TableRow, output chainsink.PerBlockOutput) error {
	if err := w.checkLastErrors(); err != nil {
		return err
	}

	w.mu.Lock()
	for table := range output {
		if _, ok := w.items[table]; !ok {
			w.mu.Unlock()
			return fmt.Errorf("writer: block %d: unknown table %q", header.Number, table)
		}
	}
	meta := blockMeta{number: header.Number, hash: header.Hash, timestamp: header.Timestamp}
	for table, buf := range w.items {
		buf.Push(meta, output[table])
	}
	w.pending = append(w.pending, pendingHeader{number: header.Number, row: blockRow})
	w.mu.Unlock()

	w.triggerBackgroundFlushes(ctx)
	w.promotePending()
	return nil
}

// Drain blocks the caller until every buffer over its high watermark has
// been flushed, applying backpressure to whatever is feeding Push. Callers
// that need bounded memory growth call Drain before every Push; Push itself
// never suspends on store I/O.
func (w *Writer) Drain(ctx context.Context) error {
	if err := w.checkLastErrors(); err != nil {
		return err
	}

	w.mu.Lock()
	type named struct {
		name string
		buf  *Buffer
	}
	var over []named
	for table, buf := range w.items {
		if buf.OverHighWatermark() {
			over = append(over, named{table, buf})
		}
	}
	if w.blocks.OverHighWatermark() {
		over = append(over, named{"blocks", w.blocks})
	}
	w.mu.Unlock()
	if len(over) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, nb := range over {
		nb := nb
		g.Go(func() error {
			if err := nb.buf.Flush(gctx); err != nil {
				return &chainsink.FlushError{Table: nb.name, Err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	w.promotePending()
	return nil
}

// checkLastErrors returns a FlushError for the first buffer whose most
// recent flush attempt failed, surfacing a stalled background flush on the
// next Push or Drain instead of leaving it silent until the buffer happens
// to cross its high watermark.
func (w *Writer) checkLastErrors() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for table, buf := range w.items {
		if err := buf.LastErr(); err != nil {
			return &chainsink.FlushError{Table: table, Err: err}
		}
	}
	if err := w.blocks.LastErr(); err != nil {
		return &chainsink.FlushError{Table: "blocks", Err: err}
	}
	return nil
}

// triggerBackgroundFlushes fires off (without waiting) a flush for every
// buffer past its low watermark. Buffer.Flush's singleflight dedup makes
// this safe to call on every Push. A failure here is recorded on the buffer
// and surfaces on the next Push or Drain via checkLastErrors.
func (w *Writer) triggerBackgroundFlushes(ctx context.Context) {
	w.mu.Lock()
	var due []*Buffer
	for _, buf := range w.items {
		if buf.NeedsFlush() {
			due = append(due, buf)
		}
	}
	w.mu.Unlock()
	for _, buf := range due {
		buf := buf
		go func() {
			if err := buf.Flush(ctx); err != nil {
				log.Warn("writer: background flush failed", "table", buf.table, "error", err)
				return
			}
			w.promotePending()
		}()
	}
}

// promotePending publishes every pending block header whose number is at or
// below the minimum durable watermark across all item tables. With zero item
// tables the barrier is vacuously satisfied and headers publish immediately.
func (w *Writer) promotePending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return
	}

	var ceiling *uint64
	for _, buf := range w.items {
		through := buf.DurableThrough()
		if through == nil {
			return
		}
		if ceiling == nil || *through < *ceiling {
			ceiling = through
		}
	}

	sort.Slice(w.pending, func(i, j int) bool { return w.pending[i].number < w.pending[j].number })

	var remaining []pendingHeader
	for _, p := range w.pending {
		if ceiling != nil && p.number > *ceiling && len(w.items) > 0 {
			remaining = append(remaining, p)
			continue
		}
		w.blocks.Push(blockMeta{number: p.number}, []chainsink.TableRow{p.row})
	}
	w.pending = remaining
}

// Flush synchronously flushes every item buffer, promotes whatever headers
// that newly clears, then flushes the blocks buffer. Called at shutdown and
// whenever the data source signals it has caught up to the chain head.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	type named struct {
		name string
		buf  *Buffer
	}
	bufs := make([]named, 0, len(w.items))
	for table, buf := range w.items {
		bufs = append(bufs, named{table, buf})
	}
	w.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, nb := range bufs {
		nb := nb
		g.Go(func() error {
			if err := nb.buf.Flush(gctx); err != nil {
				return &chainsink.FlushError{Table: nb.name, Err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	w.promotePending()
	if err := w.blocks.Flush(ctx); err != nil {
		return &chainsink.FlushError{Table: "blocks", Err: err}
	}
	return nil
}

// Healthy reports whether every buffer's last flush attempt succeeded.
func (w *Writer) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.blocks.LastErr() != nil {
		return false
	}
	for _, buf := range w.items {
		if buf.LastErr() != nil {
			return false
		}
	}
	return true
}

// PendingBlocks reports how many block headers are held back by the commit
// barrier, for diagnostics and metrics.
func (w *Writer) PendingBlocks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
