package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AcquireResult reports the outcome of an Acquire transaction.
type AcquireResult int

const (
	// AcquireCached means the build already exists; an in-use row was
	// registered for the caller and its LRU position refreshed.
	AcquireCached AcquireResult = iota

	// AcquireQueued means another owner is downloading the build; the
	// caller must wait and retry.
	AcquireQueued

	// AcquireOwned means a download-queue row was registered for the
	// caller, who now owns the materialization.
	AcquireOwned
)

// Acquire runs the existence check, queue check, and registration as one
// atomic transaction. Exactly one concurrent caller per (prefix, changeset)
// observes AcquireOwned; every other caller sees AcquireQueued until the
// owner finishes or aborts.
func (s *Store) Acquire(ctx context.Context, prefix, changeset, client string, pid int) (AcquireResult, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}

	defer func() { _ = tx.Rollback() }()

	var cached int

	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM builds WHERE prefix = ? AND changeset = ?",
		prefix, changeset).Scan(&cached)
	if err != nil {
		return 0, fmt.Errorf("%w: acquire: %w", ErrStorage, err)
	}

	if cached > 0 {
		_, err = tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO in_use (prefix, changeset, client, pid) VALUES (?, ?, ?, ?)",
			prefix, changeset, client, pid)
		if err != nil {
			return 0, fmt.Errorf("%w: acquire: mark in use: %w", ErrStorage, err)
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE builds SET last_used = ? WHERE prefix = ? AND changeset = ?",
			now(), prefix, changeset)
		if err != nil {
			return 0, fmt.Errorf("%w: acquire: touch: %w", ErrStorage, err)
		}

		err = tx.Commit()
		if err != nil {
			return 0, fmt.Errorf("%w: acquire: commit: %w", ErrStorage, err)
		}

		return AcquireCached, nil
	}

	var queued int

	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM download_queue WHERE prefix = ? AND changeset = ?",
		prefix, changeset).Scan(&queued)
	if err != nil {
		return 0, fmt.Errorf("%w: acquire: %w", ErrStorage, err)
	}

	if queued > 0 {
		err = tx.Commit()
		if err != nil {
			return 0, fmt.Errorf("%w: acquire: commit: %w", ErrStorage, err)
		}

		return AcquireQueued, nil
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO download_queue (prefix, changeset, pid, started_at) VALUES (?, ?, ?, ?)",
		prefix, changeset, pid, now())
	if err != nil {
		return 0, fmt.Errorf("%w: acquire: enqueue: %w", ErrStorage, err)
	}

	err = tx.Commit()
	if err != nil {
		return 0, fmt.Errorf("%w: acquire: commit: %w", ErrStorage, err)
	}

	return AcquireOwned, nil
}

// FinishDownload registers a materialized build, removes its queue row, and
// marks it in use for the downloading caller, all in one transaction.
func (s *Store) FinishDownload(ctx context.Context, prefix, changeset, client string, pid int, size int64) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO builds (prefix, changeset, size, last_used) VALUES (?, ?, ?, ?)",
		prefix, changeset, size, now())
	if err != nil {
		return fmt.Errorf("%w: finish download: register: %w", ErrStorage, err)
	}

	_, err = tx.ExecContext(ctx,
		"DELETE FROM download_queue WHERE prefix = ? AND changeset = ?",
		prefix, changeset)
	if err != nil {
		return fmt.Errorf("%w: finish download: dequeue: %w", ErrStorage, err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO in_use (prefix, changeset, client, pid) VALUES (?, ?, ?, ?)",
		prefix, changeset, client, pid)
	if err != nil {
		return fmt.Errorf("%w: finish download: mark in use: %w", ErrStorage, err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("%w: finish download: commit: %w", ErrStorage, err)
	}

	return nil
}

// AbortDownload removes the queue row after a failed materialization.
func (s *Store) AbortDownload(ctx context.Context, prefix, changeset string) error {
	return s.exec(ctx, "abort download",
		"DELETE FROM download_queue WHERE prefix = ? AND changeset = ?",
		prefix, changeset)
}

// Release removes one caller's in-use row for a build.
func (s *Store) Release(ctx context.Context, prefix, changeset, client string) error {
	return s.exec(ctx, "release",
		"DELETE FROM in_use WHERE prefix = ? AND changeset = ? AND client = ?",
		prefix, changeset, client)
}

// RegisterBuild adopts an already materialized directory into the builds
// table. Used by recovery when a crash separated the directory from its row.
func (s *Store) RegisterBuild(ctx context.Context, prefix, changeset string, size int64) error {
	return s.exec(ctx, "register build",
		"INSERT OR IGNORE INTO builds (prefix, changeset, size, last_used) VALUES (?, ?, ?, ?)",
		prefix, changeset, size, now())
}

// DeleteBuild removes a build row together with any in-use rows that
// reference it. Used by recovery when the directory is gone or partial.
func (s *Store) DeleteBuild(ctx context.Context, prefix, changeset string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		"DELETE FROM in_use WHERE prefix = ? AND changeset = ?",
		prefix, changeset)
	if err != nil {
		return fmt.Errorf("%w: delete build: %w", ErrStorage, err)
	}

	_, err = tx.ExecContext(ctx,
		"DELETE FROM builds WHERE prefix = ? AND changeset = ?",
		prefix, changeset)
	if err != nil {
		return fmt.Errorf("%w: delete build: %w", ErrStorage, err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("%w: delete build: commit: %w", ErrStorage, err)
	}

	return nil
}

// DeleteQueue removes a download-queue row.
func (s *Store) DeleteQueue(ctx context.Context, prefix, changeset string) error {
	return s.exec(ctx, "delete queue entry",
		"DELETE FROM download_queue WHERE prefix = ? AND changeset = ?",
		prefix, changeset)
}

// ClearStaleDownload removes the download-queue row for a changeset when its
// owning process is no longer alive. The liveness probe runs inside the
// transaction and the delete is keyed on the probed pid, so an owner that
// re-acquired the changeset in the meantime is never touched. Reports whether
// a row was removed.
func (s *Store) ClearStaleDownload(ctx context.Context, prefix, changeset string, alive func(pid int) bool) (bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return false, err
	}

	defer func() { _ = tx.Rollback() }()

	var pid int

	err = tx.QueryRowContext(ctx,
		"SELECT pid FROM download_queue WHERE prefix = ? AND changeset = ?",
		prefix, changeset).Scan(&pid)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("%w: clear stale download: %w", ErrStorage, err)
	}

	if alive(pid) {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		"DELETE FROM download_queue WHERE prefix = ? AND changeset = ? AND pid = ?",
		prefix, changeset, pid)
	if err != nil {
		return false, fmt.Errorf("%w: clear stale download: %w", ErrStorage, err)
	}

	err = tx.Commit()
	if err != nil {
		return false, fmt.Errorf("%w: clear stale download: commit: %w", ErrStorage, err)
	}

	return true, nil
}

// RemoveUntracked removes an on-disk build directory that neither a build row
// nor a queue row references. The reference check and the removal callback
// run in one transaction, so a concurrent acquire cannot claim the changeset
// mid-removal; a row that appeared since the caller scanned the directory
// leaves it untouched. Reports whether the directory was removed.
func (s *Store) RemoveUntracked(ctx context.Context, prefix, changeset string, remove func() error) (bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return false, err
	}

	defer func() { _ = tx.Rollback() }()

	var refs int

	err = tx.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM builds WHERE prefix = ? AND changeset = ?)
		     + (SELECT COUNT(*) FROM download_queue WHERE prefix = ? AND changeset = ?)`,
		prefix, changeset, prefix, changeset).Scan(&refs)
	if err != nil {
		return false, fmt.Errorf("%w: remove untracked: %w", ErrStorage, err)
	}

	if refs > 0 {
		return false, nil
	}

	err = remove()
	if err != nil {
		return false, fmt.Errorf("remove untracked %s-%s: %w", prefix, changeset, err)
	}

	err = tx.Commit()
	if err != nil {
		return false, fmt.Errorf("%w: remove untracked: commit: %w", ErrStorage, err)
	}

	return true, nil
}

// EvictOne deletes the least recently used build with zero in-use rows,
// breaking ties by oldest registration. The remove callback runs inside the
// transaction, so no other process can begin using the victim between the
// in-use check and the directory removal. Returns nil when no build is
// eligible.
func (s *Store) EvictOne(ctx context.Context, prefix string, remove func(BuildRecord) error) (*BuildRecord, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}

	defer func() { _ = tx.Rollback() }()

	var rec BuildRecord

	err = tx.QueryRowContext(ctx, `
		SELECT seq, prefix, changeset, size, last_used FROM builds b
		WHERE prefix = ?
		  AND NOT EXISTS (
			SELECT 1 FROM in_use u
			WHERE u.prefix = b.prefix AND u.changeset = b.changeset
		  )
		ORDER BY last_used ASC, seq ASC LIMIT 1`,
		prefix).Scan(&rec.Seq, &rec.Prefix, &rec.Changeset, &rec.Size, &rec.LastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: evict: %w", ErrStorage, err)
	}

	// Same-transaction re-check. The SELECT above already excluded in-use
	// builds; a hit here means the store itself is inconsistent.
	var refs int

	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM in_use WHERE prefix = ? AND changeset = ?",
		rec.Prefix, rec.Changeset).Scan(&refs)
	if err != nil {
		return nil, fmt.Errorf("%w: evict: %w", ErrStorage, err)
	}

	if refs > 0 {
		return nil, fmt.Errorf("%w: %s-%s", ErrBuildInUse, rec.Prefix, rec.Changeset)
	}

	err = remove(rec)
	if err != nil {
		return nil, fmt.Errorf("evict %s-%s: %w", rec.Prefix, rec.Changeset, err)
	}

	_, err = tx.ExecContext(ctx,
		"DELETE FROM builds WHERE prefix = ? AND changeset = ?",
		rec.Prefix, rec.Changeset)
	if err != nil {
		return nil, fmt.Errorf("%w: evict: %w", ErrStorage, err)
	}

	err = tx.Commit()
	if err != nil {
		return nil, fmt.Errorf("%w: evict: commit: %w", ErrStorage, err)
	}

	return &rec, nil
}

// exec runs a single statement in its own transaction.
func (s *Store) exec(ctx context.Context, op, query string, args ...any) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("%w: %s: commit: %w", ErrStorage, op, err)
	}

	return nil
}
