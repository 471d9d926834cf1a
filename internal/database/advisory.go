package database

import (
	"context"
	"hash/fnv"

	"github.com/jackc/pgx/v5"

	"github.com/MycelicMemory/mycelicmemory/internal/memerr"
)

// AdvisoryLockCategory namespaces advisory-lock keys so two unrelated
// subsystems hashing similar operation ids cannot collide, per Design
// Notes' "namespaced key with a fixed prefix plus operation category"
// guidance.
type AdvisoryLockCategory int32

const (
	LockCategoryDedup AdvisoryLockCategory = iota + 1
)

// AdvisoryLockKey derives an advisory lock key from a category and an
// arbitrary id string. fnv-1a collisions across categories are
// prevented by folding the category into the high bits.
func AdvisoryLockKey(category AdvisoryLockCategory, id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	sum := h.Sum64()
	// Fold the category into the high bits so categories never collide
	// with each other even if their ids hash identically.
	return int64(sum&0x00FFFFFFFFFFFFFF) | (int64(category) << 56)
}

// TryAcquireXactAdvisoryLock attempts a transaction-level advisory lock
// on the given transaction's connection, without blocking. Returns
// false if another session already holds it — the cluster-wide half of
// the dedup engine's single-operation guarantee. Session-level locks
// are unusable through a pool (acquire and release would land on
// different backends); a transaction-level lock is owned by the
// transaction's own connection and released automatically at commit or
// rollback, so every exit path — panic unwind included, via the
// rollback in WithTx — releases it.
func (db *Database) TryAcquireXactAdvisoryLock(ctx context.Context, tx pgx.Tx, key int64) (bool, error) {
	var ok bool
	err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, key).Scan(&ok)
	if err != nil {
		return false, memerr.Wrap(memerr.Database, "try advisory xact lock", err)
	}
	return ok, nil
}
