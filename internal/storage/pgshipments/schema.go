package pgshipments

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  order_number TEXT NOT NULL UNIQUE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS shipments (
  shipment_id TEXT PRIMARY KEY,
  order_id TEXT NULL,
  order_number TEXT NULL,
  status TEXT NOT NULL,
  tracking_number TEXT NULL,
  carrier_code TEXT NULL,
  service_code TEXT NULL,
  raw_payload JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_tracking_number ON shipments(tracking_number)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_order_number ON shipments(order_number)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_status_updated_at ON shipments(status, updated_at)`,
		`
CREATE TABLE IF NOT EXISTS shipment_failures (
  id BIGSERIAL PRIMARY KEY,
  identity TEXT NOT NULL,
  reason TEXT NOT NULL,
  message JSONB NULL,
  response_snapshot JSONB NULL,
  retry_count INT NOT NULL DEFAULT 0,
  failed_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipment_failures_failed_at ON shipment_failures(failed_at)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
