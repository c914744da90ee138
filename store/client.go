// Package store provides thin, retry-free access to the target ClickHouse
// database: query (rows back), command (no rows), and a streaming
// JSON-each-row bulk insert. Retry policy belongs to the caller.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ethereum/go-ethereum/log"
)

// Adapter is the sole component that speaks to the store over the network.
// Query and Command run through clickhouse-go's database/sql driver; Insert
// goes over a raw HTTP POST so the row payload can be streamed rather than
// buffered whole, per the bulk-insert contract.
type Adapter struct {
	db         *sql.DB
	httpClient *http.Client
	baseURL    string
}

// New dials the store at storeURL. storeURL is the ClickHouse HTTP endpoint,
// e.g. "http://localhost:8123".
func New(storeURL string) (*Adapter, error) {
	opts, err := clickhouse.ParseDSN(toNativeDSN(storeURL))
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	db := clickhouse.OpenDB(opts)
	return &Adapter{
		db:         db,
		httpClient: &http.Client{},
		baseURL:    storeURL,
	}, nil
}

// toNativeDSN rewrites an http(s) store URL into the tcp DSN form
// clickhouse-go's database/sql driver expects, preserving host and auth.
func toNativeDSN(storeURL string) string {
	u, err := url.Parse(storeURL)
	if err != nil {
		return storeURL
	}
	host := u.Host
	if u.Port() == "" {
		host = u.Hostname() + ":9000"
	}
	q := u.Query()
	dsn := url.URL{
		Scheme:   "clickhouse",
		Host:     host,
		User:     u.User,
		RawQuery: q.Encode(),
	}
	return dsn.String()
}

// NewForTest builds an Adapter around an already-configured HTTP client and
// base URL, bypassing the native DSN dial in New. It exists for tests that
// fake the store's HTTP interface and never exercise Query/Command.
func NewForTest(httpClient *http.Client, baseURL string) *Adapter {
	return &Adapter{httpClient: httpClient, baseURL: baseURL}
}

// Close releases the underlying connection pool.
func (a *Adapter) Close() error { return a.db.Close() }

// Query executes a SELECT-style statement and returns decoded rows, one map
// per row keyed by column name.
func (a *Adapter) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &Error{Op: "query", Message: err.Error()}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &Error{Op: "query", Message: err.Error()}
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		pointers := make([]any, len(cols))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, &Error{Op: "query", Message: err.Error()}
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: "query", Message: err.Error()}
	}
	return out, nil
}

// QueryInto runs Query and decodes each row into T via a JSON round-trip,
// which is adequate for the small, schema-shaped result sets the core reads
// (table/column/type triples, head rows) and avoids hand-written scanning
// for every call site.
func QueryInto[T any](ctx context.Context, a *Adapter, query string, args ...any) ([]T, error) {
	rows, err := a.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		raw, err := json.Marshal(row)
		if err != nil {
			return nil, &Error{Op: "query", Message: err.Error()}
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, &Error{Op: "query", Message: err.Error()}
		}
		out = append(out, v)
	}
	return out, nil
}

// Command executes a DDL/DELETE-style statement that returns no rows.
func (a *Adapter) Command(ctx context.Context, query string) error {
	if _, err := a.db.ExecContext(ctx, query); err != nil {
		return &Error{Op: "command", Message: err.Error()}
	}
	return nil
}

// Insert bulk-inserts rows already serialized in the store's JSON-each-row
// format. body is streamed directly into the HTTP request so the caller
// never needs to buffer the whole payload in memory.
func (a *Adapter) Insert(ctx context.Context, table string, body io.Reader) error {
	q := fmt.Sprintf("INSERT INTO %s FORMAT JSONEachRow", table)
	u := a.baseURL + "?" + url.Values{"query": {q}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return &Error{Op: "insert", Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &Error{Op: "insert " + table, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Op: "insert " + table, Status: resp.StatusCode, Message: string(msg)}
	}
	// Drain the body so keep-alive connections are reused across flushes.
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		log.Debug("store: draining insert response", "table", table, "error", err)
	}
	return nil
}
