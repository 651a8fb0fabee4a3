// Package database implements the immutable repository substrate of
// spec §4.1 on top of SQLite: find_active_by_id, find_all_versions,
// insert_v1, update, and soft_delete, as a generic helper concrete
// repositories compose with instead of embedding a shared base type.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/quantedge/tradepipe/internal/domain"
)

// Mapper is the per-table glue a concrete repository supplies: how to
// scan a row into T, how to bind an insert, and how to read T's
// business id and version back out. Kept minimal and hand-written per
// table (no reflection), keeping serialization/mapping code narrow and
// typed.
type Mapper[T any] struct {
	Table      string
	IDCol      string
	Columns    []string // explicit select list, in the order Scan expects
	Scan       func(row Scanner) (T, error)
	Bind       func(entity T, version int64) (columns []string, args []any)
	GetID      func(entity T) string
	GetVersion func(entity T) int64
	SetVersion func(entity *T, version int64)
}

// Scanner is satisfied by both *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// VersionedRepo implements the substrate contract for one table via a
// Mapper. Concrete repositories (e.g. SignalRepository) embed this and
// add table-specific query methods on top.
type VersionedRepo[T any] struct {
	db     *sql.DB
	mapper Mapper[T]
}

func NewVersionedRepo[T any](db *sql.DB, mapper Mapper[T]) *VersionedRepo[T] {
	return &VersionedRepo[T]{db: db, mapper: mapper}
}

// FindActiveByID returns the current (deleted_at IS NULL) row, or
// domain.ErrNotFound.
func (r *VersionedRepo[T]) FindActiveByID(ctx context.Context, id string) (T, error) {
	var zero T
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ? AND deleted_at IS NULL`, joinCols(r.mapper.Columns), r.mapper.Table, r.mapper.IDCol)
	row := r.db.QueryRowContext(ctx, q, id)
	entity, err := r.mapper.Scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, domain.ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("database: find active %s: %w", r.mapper.Table, err)
	}
	return entity, nil
}

// FindAllVersions returns the complete history for id ordered by
// version ascending (spec §8 property 1).
func (r *VersionedRepo[T]) FindAllVersions(ctx context.Context, id string) ([]T, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ? ORDER BY version ASC`, joinCols(r.mapper.Columns), r.mapper.Table, r.mapper.IDCol)
	rows, err := r.db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("database: find all versions %s: %w", r.mapper.Table, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		entity, err := r.mapper.Scan(rows)
		if err != nil {
			return nil, fmt.Errorf("database: scan %s: %w", r.mapper.Table, err)
		}
		out = append(out, entity)
	}
	return out, rows.Err()
}

// InsertV1 inserts the first version of a business row. A collision
// with a partial unique index surfaces as domain.ErrDuplicateActive —
// callers attempting to (re)insert the same business row should treat
// this as success (spec §7).
func (r *VersionedRepo[T]) InsertV1(ctx context.Context, entity T) error {
	return r.insertVersion(ctx, r.db, entity, 1)
}

func (r *VersionedRepo[T]) insertVersion(ctx context.Context, exec execer, entity T, version int64) error {
	r.mapper.SetVersion(&entity, version)
	cols, args := r.mapper.Bind(entity, version)
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = "?"
	}
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, r.mapper.Table, joinCols(cols), joinCols(placeholders))
	_, err := exec.ExecContext(ctx, q, args...)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateActive
	}
	if err != nil {
		return fmt.Errorf("database: insert %s: %w", r.mapper.Table, err)
	}
	return nil
}

// Update performs the immutable update pattern: soft-delete the
// current row and insert version+1 in a single BEGIN IMMEDIATE
// transaction. expectedVersion is the version the caller last read;
// a mismatch with the row actually current returns
// domain.ErrStaleVersion.
func (r *VersionedRepo[T]) Update(ctx context.Context, id string, expectedVersion int64, mutate func(T) T) (T, error) {
	var zero T
	tx, err := r.beginImmediate(ctx)
	if err != nil {
		return zero, err
	}
	defer tx.Rollback()

	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ? AND deleted_at IS NULL`, joinCols(r.mapper.Columns), r.mapper.Table, r.mapper.IDCol)
	row := tx.QueryRowContext(ctx, q, id)
	current, err := r.mapper.Scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, domain.ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("database: update read %s: %w", r.mapper.Table, err)
	}

	currentVersion := r.versionOf(current)
	if currentVersion != expectedVersion {
		return zero, domain.ErrStaleVersion
	}

	softDeleteQ := fmt.Sprintf(`UPDATE %s SET deleted_at = CURRENT_TIMESTAMP WHERE %s = ? AND version = ?`, r.mapper.Table, r.mapper.IDCol)
	if _, err := tx.ExecContext(ctx, softDeleteQ, id, currentVersion); err != nil {
		return zero, fmt.Errorf("database: update soft-delete %s: %w", r.mapper.Table, err)
	}

	next := mutate(current)
	if err := r.insertVersion(ctx, tx, next, currentVersion+1); err != nil {
		return zero, err
	}

	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("database: update commit %s: %w", r.mapper.Table, err)
	}
	r.mapper.SetVersion(&next, currentVersion+1)
	return next, nil
}

// SoftDelete sets deleted_at on the current version.
func (r *VersionedRepo[T]) SoftDelete(ctx context.Context, id string) error {
	q := fmt.Sprintf(`UPDATE %s SET deleted_at = CURRENT_TIMESTAMP WHERE %s = ? AND deleted_at IS NULL`, r.mapper.Table, r.mapper.IDCol)
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("database: soft delete %s: %w", r.mapper.Table, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *VersionedRepo[T]) versionOf(entity T) int64 {
	return r.mapper.GetVersion(entity)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *VersionedRepo[T]) beginImmediate(ctx context.Context) (*ImmediateTx, error) {
	return BeginImmediate(ctx, r.db)
}

// isUniqueViolation detects a partial-unique-index collision.
// modernc.org/sqlite reports constraint violations as a plain error
// string rather than a typed sentinel, so this matches on SQLite's
// stable "UNIQUE constraint failed" message.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}
