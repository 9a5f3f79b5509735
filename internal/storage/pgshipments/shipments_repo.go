package pgshipments

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/models"
)

const shipmentColumns = `
  shipment_id, order_id, order_number, status, tracking_number,
  carrier_code, service_code, raw_payload, created_at, updated_at`

func scanShipment(row pgx.Row) (*models.Shipment, error) {
	var sh models.Shipment
	var raw []byte
	if err := row.Scan(
		&sh.ShipmentID, &sh.OrderID, &sh.OrderNumber, &sh.Status, &sh.TrackingNumber,
		&sh.CarrierCode, &sh.ServiceCode, &raw, &sh.CreatedAt, &sh.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sh.RawPayload = raw
	return &sh, nil
}

func (s *Storage) queryShipments(ctx context.Context, q string, args ...any) ([]*models.Shipment, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select shipments")
	}
	defer rows.Close()

	var out []*models.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan shipment")
		}
		out = append(out, sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// GetByShipmentID returns nil, nil when the shipment is not stored.
func (s *Storage) GetByShipmentID(ctx context.Context, shipmentID string) (*models.Shipment, error) {
	sh, err := scanShipment(s.db.QueryRow(ctx, `SELECT`+shipmentColumns+` FROM shipments WHERE shipment_id = $1`, shipmentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shipment")
	}
	return sh, nil
}

// GetByTrackingNumber returns the most recently updated shipment carrying the tracking number.
func (s *Storage) GetByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipment, error) {
	sh, err := scanShipment(s.db.QueryRow(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE tracking_number = $1
ORDER BY updated_at DESC
LIMIT 1
`, trackingNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shipment by tracking")
	}
	return sh, nil
}

func (s *Storage) ListByOrderNumber(ctx context.Context, orderNumber string) ([]*models.Shipment, error) {
	return s.queryShipments(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE order_number = $1
ORDER BY created_at
`, orderNumber)
}

// Upsert writes the patch field by field. Nil descriptive fields keep the stored value.
// The caller merges status; a stored terminal status is still never overwritten, so
// two writers racing on one shipment cannot regress it.
func (s *Storage) Upsert(ctx context.Context, p models.ShipmentPatch) (created bool, err error) {
	now := time.Now().UTC()
	err = s.db.QueryRow(ctx, `
INSERT INTO shipments (
  shipment_id, order_id, order_number, status, tracking_number,
  carrier_code, service_code, raw_payload, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
ON CONFLICT (shipment_id) DO UPDATE SET
  order_id = COALESCE(EXCLUDED.order_id, shipments.order_id),
  order_number = COALESCE(EXCLUDED.order_number, shipments.order_number),
  status = CASE WHEN shipments.status IN ($10, $11) THEN shipments.status ELSE EXCLUDED.status END,
  tracking_number = COALESCE(EXCLUDED.tracking_number, shipments.tracking_number),
  carrier_code = COALESCE(EXCLUDED.carrier_code, shipments.carrier_code),
  service_code = COALESCE(EXCLUDED.service_code, shipments.service_code),
  raw_payload = COALESCE(EXCLUDED.raw_payload, shipments.raw_payload),
  updated_at = EXCLUDED.updated_at
RETURNING (xmax = 0)
`, p.ShipmentID, p.OrderID, p.OrderNumber, p.Status, p.TrackingNumber,
		p.CarrierCode, p.ServiceCode, jsonArg(p.RawPayload), now,
		models.ShipmentStatusDelivered, models.ShipmentStatusCancelled).Scan(&created)
	if err != nil {
		return false, errors.Wrap(err, "upsert shipment")
	}
	return created, nil
}

// Touch bumps updated_at so the reverse sweep does not re-check the record next cycle.
func (s *Storage) Touch(ctx context.Context, shipmentID string) error {
	if _, err := s.db.Exec(ctx, `UPDATE shipments SET updated_at = now() WHERE shipment_id = $1`, shipmentID); err != nil {
		return errors.Wrap(err, "touch shipment")
	}
	return nil
}

// MarkCancelled moves a non-terminal shipment to CANCELLED. It reports false when the
// record was missing or already terminal.
func (s *Storage) MarkCancelled(ctx context.Context, shipmentID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE shipments
SET status = $2, updated_at = now()
WHERE shipment_id = $1 AND status NOT IN ($2, $3)
`, shipmentID, models.ShipmentStatusCancelled, models.ShipmentStatusDelivered)
	if err != nil {
		return false, errors.Wrap(err, "mark shipment cancelled")
	}
	return tag.RowsAffected() > 0, nil
}

// ListStale returns shipments in status whose updated_at is before olderThan, oldest first.
func (s *Storage) ListStale(ctx context.Context, status string, olderThan time.Time, limit int) ([]*models.Shipment, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.queryShipments(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE status = $1 AND updated_at < $2
ORDER BY updated_at
LIMIT $3
`, status, olderThan.UTC(), limit)
}

// ListOpenLinked returns order-linked shipments that have not reached a terminal status.
func (s *Storage) ListOpenLinked(ctx context.Context, limit int) ([]*models.Shipment, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.queryShipments(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE order_id IS NOT NULL AND status NOT IN ($1, $2)
ORDER BY updated_at
LIMIT $3
`, models.ShipmentStatusDelivered, models.ShipmentStatusCancelled, limit)
}

// LatestUpdatedAt returns nil when no shipment has the status.
func (s *Storage) LatestUpdatedAt(ctx context.Context, status string) (*time.Time, error) {
	var ts *time.Time
	if err := s.db.QueryRow(ctx, `SELECT max(updated_at) FROM shipments WHERE status = $1`, status).Scan(&ts); err != nil {
		return nil, errors.Wrap(err, "select latest updated_at")
	}
	return ts, nil
}

func jsonArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
