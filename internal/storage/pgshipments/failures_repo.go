package pgshipments

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/models"
)

func (s *Storage) InsertFailure(ctx context.Context, f models.FailureRecord) error {
	failedAt := f.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now()
	}
	if _, err := s.db.Exec(ctx, `
INSERT INTO shipment_failures (identity, reason, message, response_snapshot, retry_count, failed_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, f.Identity, f.Reason, jsonArg(f.Message), jsonArg(f.ResponseSnapshot), f.RetryCount, failedAt.UTC()); err != nil {
		return errors.Wrap(err, "insert failure")
	}
	return nil
}

func (s *Storage) CountFailuresSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM shipment_failures WHERE failed_at >= $1`, since.UTC()).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count failures")
	}
	return n, nil
}

func (s *Storage) ListFailures(ctx context.Context, limit int) ([]*models.FailureRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
SELECT id, identity, reason, message, response_snapshot, retry_count, failed_at
FROM shipment_failures
ORDER BY failed_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select failures")
	}
	defer rows.Close()

	var out []*models.FailureRecord
	for rows.Next() {
		var f models.FailureRecord
		var msg, snap []byte
		if err := rows.Scan(&f.ID, &f.Identity, &f.Reason, &msg, &snap, &f.RetryCount, &f.FailedAt); err != nil {
			return nil, errors.Wrap(err, "scan failure")
		}
		f.Message = msg
		f.ResponseSnapshot = snap
		out = append(out, &f)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
