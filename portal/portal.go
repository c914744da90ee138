// Package portal implements a concrete chainsink.DataSource against a
// remote Portal HTTP service: a long-poll endpoint that hands back batches
// of finalized (and potentially reorg-capable) blocks, each already
// carrying the per-table rows a Mapper would otherwise have to compute.
// This is the reference data-source implementation chainsink's CLI binary
// wires up; an embedder with its own transport implements
// chainsink.DataSource directly instead.
package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/stryukovsky/chainsink/chainsink"
)

// Config configures a Client.
type Config struct {
	// Endpoint is the Portal service's base URL, e.g. "https://portal.example.com".
	Endpoint string
	// PollInterval is how often Stream polls for new batches once it has
	// caught up to the remote head. Defaults to 2 seconds.
	PollInterval time.Duration
	// HTTPClient overrides the client used for requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

// Client is a chainsink.DataSource backed by a Portal HTTP service.
type Client struct {
	cfg Config
}

// New builds a Client from cfg, applying defaults for unset fields.
func New(cfg Config) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Client{cfg: cfg}
}

type wireRow = chainsink.TableRow

type wireBlock struct {
	Number     uint64                   `json:"number"`
	Hash       string                   `json:"hash"`
	ParentHash string                   `json:"parent_hash"`
	Timestamp  *uint64                  `json:"timestamp,omitempty"`
	Rows       map[string][]wireRow     `json:"rows"`
}

type wireResponse struct {
	Blocks []wireBlock `json:"blocks"`
	Head   *uint64     `json:"head,omitempty"`
}

// Stream implements chainsink.DataSource. It polls /blocks?after_number=&after_hash=
// and emits one DataBatch per response that contained at least one block,
// sleeping PollInterval between empty responses. It returns when ctx is
// cancelled.
func (c *Client) Stream(ctx context.Context, after *chainsink.BlockRef) (<-chan chainsink.DataBatch, <-chan error) {
	batches := make(chan chainsink.DataBatch)
	errs := make(chan error, 1)

	go func() {
		defer close(batches)
		defer close(errs)

		cursor := after
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			resp, err := c.fetch(ctx, cursor)
			if err != nil {
				select {
				case errs <- err:
				case <-ctx.Done():
				}
				return
			}

			if len(resp.Blocks) == 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(c.cfg.PollInterval):
					continue
				}
			}

			batch := chainsink.DataBatch{HeadNumber: resp.Head}
			for _, b := range resp.Blocks {
				rows := make(chainsink.PerBlockOutput, len(b.Rows))
				for table, trs := range b.Rows {
					rows[table] = trs
				}
				batch.Blocks = append(batch.Blocks, chainsink.BlockBase{
					Header: chainsink.Header{
						Number:     b.Number,
						Hash:       b.Hash,
						ParentHash: b.ParentHash,
						Timestamp:  b.Timestamp,
					},
					Payload: rows,
				})
			}

			last := resp.Blocks[len(resp.Blocks)-1]
			cursor = &chainsink.BlockRef{Number: last.Number, Hash: last.Hash}

			select {
			case batches <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()

	return batches, errs
}

// Passthrough is a chainsink.Mapper that recovers the row set a Client
// already attached to BlockBase.Payload, for callers that don't need to
// compute anything beyond what the Portal service itself provided.
func Passthrough(_ context.Context, b chainsink.BlockBase) (chainsink.PerBlockOutput, error) {
	rows, ok := b.Payload.(chainsink.PerBlockOutput)
	if !ok {
		return nil, fmt.Errorf("portal: block %d: payload is %T, not PerBlockOutput", b.Header.Number, b.Payload)
	}
	return rows, nil
}

func (c *Client) fetch(ctx context.Context, after *chainsink.BlockRef) (*wireResponse, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("portal: parse endpoint: %w", err)
	}
	u.Path = u.Path + "/blocks"
	q := u.Query()
	if after != nil {
		q.Set("after_number", fmt.Sprintf("%d", after.Number))
		q.Set("after_hash", after.Hash)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("portal: build request: %w", err)
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("portal: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("portal: fetch: unexpected status %d", resp.StatusCode)
	}
	var out wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("portal: decode response: %w", err)
	}
	log.Debug("portal: fetched batch", "blocks", len(out.Blocks))
	return &out, nil
}
