// Package schema discovers the target database's table layout and checks it
// against the column conventions the writer and reconciler rely on: every
// item table needs a block_number/block_hash pair to anchor its rows to a
// block, and the blocks table needs number/hash/parent_hash.
package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/stryukovsky/chainsink/store"
)

// BlocksTable is the reserved name of the commit-barrier table.
const BlocksTable = "blocks"

type columnRow struct {
	Table string `json:"table"`
	Name  string `json:"name"`
	Type  string `json:"type"`
}

// Error reports a column that is missing or has an unexpected type, or, with
// Column empty, a table that is missing altogether.
type Error struct {
	Table  string
	Column string
	Found  string
}

func (e *Error) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("schema: table %q is not defined", e.Table)
	}
	if e.Found == "" {
		return fmt.Sprintf("schema: table %q: missing column %q", e.Table, e.Column)
	}
	return fmt.Sprintf("schema: table %q: column %q has type %q", e.Table, e.Column, e.Found)
}

// TableInfo describes one item table's anchor columns as discovered by
// Inspect.
type TableInfo struct {
	Name         string
	HasTimestamp bool
}

// Inspect reads system.columns for db, validates the blocks table and every
// item table's anchor columns, and returns the item tables found (every
// table in db other than blocks).
func Inspect(ctx context.Context, a *store.Adapter, db string) ([]TableInfo, error) {
	rows, err := store.QueryInto[columnRow](ctx, a,
		`SELECT table, name, type FROM system.columns WHERE database = ? ORDER BY table, name`, db)
	if err != nil {
		return nil, fmt.Errorf("schema: inspect %s: %w", db, err)
	}

	byTable := make(map[string]map[string]string)
	var order []string
	for _, r := range rows {
		cols, ok := byTable[r.Table]
		if !ok {
			cols = make(map[string]string)
			byTable[r.Table] = cols
			order = append(order, r.Table)
		}
		cols[r.Name] = r.Type
	}

	blocksCols, ok := byTable[BlocksTable]
	if !ok {
		return nil, &Error{Table: BlocksTable}
	}
	if err := requireColumn(blocksCols, BlocksTable, "number", isBlockNumberType); err != nil {
		return nil, err
	}
	if err := requireColumn(blocksCols, BlocksTable, "hash", isHashType); err != nil {
		return nil, err
	}
	if err := requireColumn(blocksCols, BlocksTable, "parent_hash", isHashType); err != nil {
		return nil, err
	}
	if t, ok := blocksCols["parent_number"]; ok && !isBlockNumberType(t) {
		return nil, &Error{Table: BlocksTable, Column: "parent_number", Found: t}
	}
	if t, ok := blocksCols["timestamp"]; ok && !isDateTimeType(t) {
		return nil, &Error{Table: BlocksTable, Column: "timestamp", Found: t}
	}

	var items []TableInfo
	for _, table := range order {
		if table == BlocksTable {
			continue
		}
		cols := byTable[table]
		if err := requireColumn(cols, table, "block_number", isBlockNumberType); err != nil {
			return nil, err
		}
		if err := requireColumn(cols, table, "block_hash", isHashType); err != nil {
			return nil, err
		}
		hasTimestamp := false
		if t, ok := cols["block_timestamp"]; ok {
			if !isDateTimeType(t) {
				return nil, &Error{Table: table, Column: "block_timestamp", Found: t}
			}
			hasTimestamp = true
		}
		items = append(items, TableInfo{Name: table, HasTimestamp: hasTimestamp})
	}
	return items, nil
}

func requireColumn(cols map[string]string, table, name string, accept func(string) bool) error {
	t, ok := cols[name]
	if !ok {
		return &Error{Table: table, Column: name}
	}
	if !accept(t) {
		return &Error{Table: table, Column: name, Found: t}
	}
	return nil
}

// unwrapNullable strips a Nullable(...) wrapper, if present, leaving the
// inner type name untouched otherwise.
func unwrapNullable(t string) string {
	if strings.HasPrefix(t, "Nullable(") && strings.HasSuffix(t, ")") {
		return strings.TrimSuffix(strings.TrimPrefix(t, "Nullable("), ")")
	}
	return t
}

// isBlockNumberType accepts UInt32 or UInt64, per the BlockNumber type.
func isBlockNumberType(t string) bool {
	switch unwrapNullable(t) {
	case "UInt32", "UInt64":
		return true
	}
	return false
}

// isHashType accepts String or any FixedString(N) width; operators choose
// the width.
func isHashType(t string) bool {
	t = unwrapNullable(t)
	if t == "String" {
		return true
	}
	return strings.HasPrefix(t, "FixedString(") && strings.HasSuffix(t, ")")
}

// isDateTimeType requires an exact DateTime match; DateTime64(N) is a
// different type and is rejected.
func isDateTimeType(t string) bool {
	return unwrapNullable(t) == "DateTime"
}
