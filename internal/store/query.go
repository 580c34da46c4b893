package store

import (
	"context"
	"fmt"
)

// ListBuilds returns every build row for a prefix, ordered by registration.
func (s *Store) ListBuilds(ctx context.Context, prefix string) ([]BuildRecord, error) {
	if s == nil || s.sql == nil {
		return nil, fmt.Errorf("%w: store is not open", ErrStorage)
	}

	rows, err := s.sql.QueryContext(ctx, `
		SELECT seq, prefix, changeset, size, last_used FROM builds
		WHERE prefix = ? ORDER BY seq`, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: list builds: %w", ErrStorage, err)
	}

	defer func() { _ = rows.Close() }()

	var records []BuildRecord

	for rows.Next() {
		var rec BuildRecord

		scanErr := rows.Scan(&rec.Seq, &rec.Prefix, &rec.Changeset, &rec.Size, &rec.LastUsed)
		if scanErr != nil {
			return nil, fmt.Errorf("%w: list builds: scan: %w", ErrStorage, scanErr)
		}

		records = append(records, rec)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("%w: list builds: %w", ErrStorage, err)
	}

	return records, nil
}

// TotalSize returns the sum of all registered build sizes for a prefix.
func (s *Store) TotalSize(ctx context.Context, prefix string) (int64, error) {
	if s == nil || s.sql == nil {
		return 0, fmt.Errorf("%w: store is not open", ErrStorage)
	}

	var total int64

	err := s.sql.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(size), 0) FROM builds WHERE prefix = ?",
		prefix).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("%w: total size: %w", ErrStorage, err)
	}

	return total, nil
}

// ListQueue returns every in-flight download row for a prefix.
func (s *Store) ListQueue(ctx context.Context, prefix string) ([]QueueRecord, error) {
	if s == nil || s.sql == nil {
		return nil, fmt.Errorf("%w: store is not open", ErrStorage)
	}

	rows, err := s.sql.QueryContext(ctx, `
		SELECT prefix, changeset, pid, started_at FROM download_queue
		WHERE prefix = ? ORDER BY started_at`, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: list queue: %w", ErrStorage, err)
	}

	defer func() { _ = rows.Close() }()

	var records []QueueRecord

	for rows.Next() {
		var rec QueueRecord

		scanErr := rows.Scan(&rec.Prefix, &rec.Changeset, &rec.PID, &rec.StartedAt)
		if scanErr != nil {
			return nil, fmt.Errorf("%w: list queue: scan: %w", ErrStorage, scanErr)
		}

		records = append(records, rec)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("%w: list queue: %w", ErrStorage, err)
	}

	return records, nil
}

// ListInUse returns every live checkout row for a prefix.
func (s *Store) ListInUse(ctx context.Context, prefix string) ([]InUseRecord, error) {
	if s == nil || s.sql == nil {
		return nil, fmt.Errorf("%w: store is not open", ErrStorage)
	}

	rows, err := s.sql.QueryContext(ctx, `
		SELECT prefix, changeset, client, pid FROM in_use
		WHERE prefix = ? ORDER BY changeset, client`, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: list in use: %w", ErrStorage, err)
	}

	defer func() { _ = rows.Close() }()

	var records []InUseRecord

	for rows.Next() {
		var rec InUseRecord

		scanErr := rows.Scan(&rec.Prefix, &rec.Changeset, &rec.Client, &rec.PID)
		if scanErr != nil {
			return nil, fmt.Errorf("%w: list in use: scan: %w", ErrStorage, scanErr)
		}

		records = append(records, rec)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("%w: list in use: %w", ErrStorage, err)
	}

	return records, nil
}
