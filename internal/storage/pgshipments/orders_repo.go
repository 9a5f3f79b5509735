package pgshipments

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// OrderIDByNumber returns nil, nil when the order is not known locally.
func (s *Storage) OrderIDByNumber(ctx context.Context, orderNumber string) (*string, error) {
	var id string
	err := s.db.QueryRow(ctx, `SELECT id FROM orders WHERE order_number = $1`, orderNumber).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select order")
	}
	return &id, nil
}

// UpsertOrder records the order link and attaches any already stored shipments of the
// order that arrived before it.
func (s *Storage) UpsertOrder(ctx context.Context, orderID, orderNumber string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
INSERT INTO orders (id, order_number, created_at, updated_at)
VALUES ($1, $2, now(), now())
ON CONFLICT (id) DO UPDATE SET order_number = EXCLUDED.order_number, updated_at = now()
`, orderID, orderNumber); err != nil {
		return errors.Wrap(err, "upsert order")
	}

	if _, err := tx.Exec(ctx, `
UPDATE shipments SET order_id = $1
WHERE order_number = $2 AND order_id IS NULL
`, orderID, orderNumber); err != nil {
		return errors.Wrap(err, "link shipments")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}
