package chainsink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stryukovsky/chainsink/schema"
	"github.com/stryukovsky/chainsink/store"
	"github.com/stryukovsky/chainsink/writer"
)

// fakeSource replays a fixed sequence of batches, one per Stream call, and
// closes its channels once exhausted.
type fakeSource struct {
	calls     int
	sequences [][]DataBatch
	afterSeen []*BlockRef
}

func (f *fakeSource) Stream(ctx context.Context, after *BlockRef) (<-chan DataBatch, <-chan error) {
	f.afterSeen = append(f.afterSeen, after)
	batches := make(chan DataBatch, 16)
	errs := make(chan error, 1)
	idx := f.calls
	f.calls++
	go func() {
		defer close(batches)
		defer close(errs)
		if idx >= len(f.sequences) {
			return
		}
		for _, b := range f.sequences[idx] {
			select {
			case <-ctx.Done():
				return
			case batches <- b:
			}
		}
	}()
	return batches, errs
}

func blk(n uint64, hash, parent string) BlockBase {
	return BlockBase{Header: Header{Number: n, Hash: hash, ParentHash: parent}}
}

func newInsertOKAdapter(t *testing.T) *store.Adapter {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return store.NewForTest(srv.Client(), srv.URL)
}

func TestLoop_LinearBlocksFlushAtHead(t *testing.T) {
	adapter := newInsertOKAdapter(t)
	wr := writer.New(adapter, "db", []schema.TableInfo{{Name: "transfers"}}, nil)

	head := uint64(2)
	src := &fakeSource{sequences: [][]DataBatch{
		{{
			Blocks:     []BlockBase{blk(1, "0xa1", "0xa0"), blk(2, "0xa2", "0xa1")},
			HeadNumber: &head,
		}},
	}}

	l := &loop{
		args: ProcessorArgs{
			Source: src,
			Map: func(ctx context.Context, b BlockBase) (PerBlockOutput, error) {
				return PerBlockOutput{"transfers": {{"n": b.Header.Number}}}, nil
			},
			ReorgDepthLimit: 256,
		},
		adapter: adapter,
		wr:      wr,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := l.run(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 0, wr.PendingBlocks())
}

func TestLoop_ReorgRestartsFromAncestor(t *testing.T) {
	adapter := newInsertOKAdapter(t)
	wr := writer.New(adapter, "db", []schema.TableInfo{{Name: "transfers"}}, nil)

	headA := uint64(2)
	src := &fakeSource{
		sequences: [][]DataBatch{
			{
				{Blocks: []BlockBase{blk(1, "0xa1", "0xa0"), blk(2, "0xa2", "0xa1")}, HeadNumber: &headA},
				{Blocks: []BlockBase{blk(2, "0xbad2", "0xbad1")}, HeadNumber: &headA},
			},
			{{Blocks: []BlockBase{blk(2, "0xb2", "0xa1")}, HeadNumber: &headA}},
		},
	}

	var mapCalls []uint64
	l := &loop{
		args: ProcessorArgs{
			Source: src,
			Map: func(ctx context.Context, b BlockBase) (PerBlockOutput, error) {
				mapCalls = append(mapCalls, b.Header.Number)
				return nil, nil
			},
			ReorgDepthLimit: 256,
		},
		adapter: adapter,
		wr:      wr,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := l.run(ctx, nil)
	require.NoError(t, err)

	require.Len(t, src.afterSeen, 2, "reorg should trigger a second Stream call")
	require.NotNil(t, src.afterSeen[1])
	require.Equal(t, uint64(1), src.afterSeen[1].Number, "resumes from the last common ancestor")
	require.Contains(t, mapCalls, uint64(1))
	require.Contains(t, mapCalls, uint64(2))
}

func TestLoop_MapErrorIsFatal(t *testing.T) {
	adapter := newInsertOKAdapter(t)
	wr := writer.New(adapter, "db", []schema.TableInfo{{Name: "transfers"}}, nil)

	src := &fakeSource{sequences: [][]DataBatch{
		{{Blocks: []BlockBase{blk(1, "0xa1", "0xa0")}}},
	}}

	boom := context.DeadlineExceeded
	l := &loop{
		args: ProcessorArgs{
			Source: src,
			Map: func(ctx context.Context, b BlockBase) (PerBlockOutput, error) {
				return nil, boom
			},
			ReorgDepthLimit: 256,
		},
		adapter: adapter,
		wr:      wr,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := l.run(ctx, nil)
	require.Error(t, err)

	var mapErr *MapError
	require.ErrorAs(t, err, &mapErr)
	require.ErrorIs(t, mapErr.Err, boom)
}

func TestHeaderRow(t *testing.T) {
	pn := uint64(4)
	ts := uint64(1000)
	row := headerRow(Header{Number: 5, Hash: "0x5", ParentHash: "0x4", ParentNumber: &pn, Timestamp: &ts})
	require.Equal(t, uint64(5), row["number"])
	require.Equal(t, uint64(4), row["parent_number"])
	require.Equal(t, uint64(1000), row["timestamp"])
}

func TestCountRows(t *testing.T) {
	n := countRows(PerBlockOutput{"a": {{"x": 1}, {"x": 2}}, "b": {{"x": 3}}})
	require.Equal(t, 3, n)
}
