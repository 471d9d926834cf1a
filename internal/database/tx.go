package database

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MycelicMemory/mycelicmemory/internal/memerr"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, letting every
// repository method run either standalone or inside a caller-managed
// transaction, which is how the dedup engine gets its all-or-nothing
// batches.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx runs fn inside a single transaction, committing on success and
// rolling back on any error (including a panic, which is re-thrown after
// rollback). Every dedup merge and every tier migration goes through
// this, so either all of an operation's mutations are observable or
// none are.
func (db *Database) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) (err error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return memerr.Wrap(memerr.Database, "begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return memerr.Wrap(memerr.Database, "commit transaction", err)
	}
	return nil
}
