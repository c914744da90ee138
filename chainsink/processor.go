package chainsink

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/stryukovsky/chainsink/reconcile"
	"github.com/stryukovsky/chainsink/schema"
	"github.com/stryukovsky/chainsink/store"
	"github.com/stryukovsky/chainsink/writer"
)

// Processor ties the store, schema, reconciler, writer and processing loop
// together into a single restartable unit. New dials the store; Start
// inspects its schema, reconciles it against the head recorded in its blocks
// table, and runs the loop until Stop is called or the loop exits with a
// fatal error.
type Processor struct {
	args ProcessorArgs

	adapter *store.Adapter
	wr      *writer.Writer

	statusStop chan struct{}
	wg         sync.WaitGroup

	mu      sync.Mutex
	cancel  context.CancelFunc
	doneErr error
	done    chan struct{}
}

// New validates args and dials the store. It does not start the loop; call
// Start for that.
func New(args ProcessorArgs) (*Processor, error) {
	args = args.withDefaults()
	if args.Source == nil {
		return nil, fmt.Errorf("chainsink: ProcessorArgs.Source is required")
	}
	if args.Map == nil {
		return nil, fmt.Errorf("chainsink: ProcessorArgs.Map is required")
	}
	adapter, err := store.New(args.StoreURL)
	if err != nil {
		return nil, fmt.Errorf("chainsink: dial store: %w", err)
	}
	return &Processor{args: args, adapter: adapter, done: make(chan struct{})}, nil
}

// Start implements the node.Lifecycle-shaped contract the command-line
// runner drives: it inspects the schema, reconciles the store against the
// current head, and launches the processing loop in the background. Start
// returns once the loop is running; the loop's error, if any, is retrieved
// via Wait.
func (p *Processor) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	itemTables, err := schema.Inspect(ctx, p.adapter, p.args.Database)
	if err != nil {
		cancel()
		return fmt.Errorf("chainsink: inspect schema: %w", err)
	}
	tableNames := make([]string, len(itemTables))
	for i, t := range itemTables {
		tableNames[i] = t.Name
	}
	log.Info("chainsink: schema inspected", "database", p.args.Database, "tables", tableNames)

	head, err := readHead(ctx, p.adapter, p.args.Database)
	if err != nil {
		cancel()
		return fmt.Errorf("chainsink: read head: %w", err)
	}

	var headNumber *uint64
	if head != nil {
		n := head.Number
		headNumber = &n
	}
	if err := reconcile.Reconcile(ctx, p.adapter, p.args.Database, tableNames, headNumber); err != nil {
		cancel()
		return fmt.Errorf("chainsink: reconcile: %w", err)
	}

	p.wr = writer.New(p.adapter, p.args.Database, itemTables, p.args.tableOptionsFor(tableNames))

	p.statusStop = make(chan struct{})
	ticker := newStatusTicker(p.args.StatusInterval)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker.run(p.statusStop)
	}()

	loop := &loop{
		args:    p.args,
		adapter: p.adapter,
		wr:      p.wr,
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := loop.run(ctx, head)
		p.mu.Lock()
		p.doneErr = err
		p.mu.Unlock()
		close(p.done)
	}()

	return nil
}

// Wait blocks until the processing loop exits, returning its error (nil on
// a clean Stop).
func (p *Processor) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doneErr
}

// Stop implements the node.Lifecycle-shaped contract: it cancels the loop,
// waits for it and the status ticker to exit, flushes whatever is buffered,
// and closes the store connection.
func (p *Processor) Stop() error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if p.statusStop != nil {
		close(p.statusStop)
	}
	<-p.done
	p.wg.Wait()

	if p.wr != nil {
		flushCtx, flushCancel := context.WithCancel(context.Background())
		defer flushCancel()
		if err := p.wr.Flush(flushCtx); err != nil {
			log.Error("chainsink: final flush failed", "error", err)
		}
	}
	return p.adapter.Close()
}

// Healthy reports whether the writer's most recent flush attempts all
// succeeded. A command-line runner can expose this as a liveness check.
func (p *Processor) Healthy() bool {
	if p.wr == nil {
		return true
	}
	return p.wr.Healthy()
}
