// Package reconcile deletes rows left behind by an aborted run or a reorg
// that rolled the chain back below what is already durable in the store.
// It is idempotent: running it twice against the same head is a no-op the
// second time.
package reconcile

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/stryukovsky/chainsink/store"
)

// Reconcile deletes, from every item table, any row whose block_number
// exceeds head.Number. If head is nil the store is treated as having no
// durable history and every row is deleted. The blocks table itself is not
// touched here; its max row defines head.
func Reconcile(ctx context.Context, a *store.Adapter, db string, itemTables []string, headNumber *uint64) error {
	for _, table := range itemTables {
		if err := deleteAbove(ctx, a, db, table, "block_number", headNumber); err != nil {
			return fmt.Errorf("reconcile: table %s: %w", table, err)
		}
	}
	return nil
}

func deleteAbove(ctx context.Context, a *store.Adapter, db, table, column string, headNumber *uint64) error {
	query := buildDeleteQuery(db, table, column, headNumber)
	log.Debug("reconcile: deleting above head", "table", table, "head", headNumber)
	return a.Command(ctx, query)
}

// buildDeleteQuery is split out from deleteAbove so the WHERE clause it
// produces can be pinned in a test without a live store.
func buildDeleteQuery(db, table, column string, headNumber *uint64) string {
	if headNumber == nil {
		return fmt.Sprintf("ALTER TABLE %s.%s DELETE WHERE 1", db, table)
	}
	return fmt.Sprintf("ALTER TABLE %s.%s DELETE WHERE %s > %d", db, table, column, *headNumber)
}
