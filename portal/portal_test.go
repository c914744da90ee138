package portal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stryukovsky/chainsink/chainsink"
)

func TestClient_StreamEmitsFirstBatch(t *testing.T) {
	served := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if served {
			json.NewEncoder(w).Encode(wireResponse{})
			return
		}
		served = true
		head := uint64(2)
		json.NewEncoder(w).Encode(wireResponse{
			Blocks: []wireBlock{
				{Number: 1, Hash: "0x1", ParentHash: "0x0", Rows: map[string][]chainsink.TableRow{"transfers": {{"amount": 1}}}},
				{Number: 2, Hash: "0x2", ParentHash: "0x1"},
			},
			Head: &head,
		})
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, PollInterval: 50 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	batches, errs := c.Stream(ctx, nil)
	select {
	case b := <-batches:
		require.Len(t, b.Blocks, 2)
		require.Equal(t, uint64(1), b.Blocks[0].Header.Number)
		require.Equal(t, uint64(2), *b.HeadNumber)
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for batch")
	}
}

func TestPassthrough_RecoversRows(t *testing.T) {
	rows := chainsink.PerBlockOutput{"transfers": {{"amount": 1}}}
	out, err := Passthrough(context.Background(), chainsink.BlockBase{Payload: rows})
	require.NoError(t, err)
	require.Equal(t, rows, out)
}

func TestPassthrough_RejectsWrongPayloadType(t *testing.T) {
	_, err := Passthrough(context.Background(), chainsink.BlockBase{Payload: "nope"})
	require.Error(t, err)
}
