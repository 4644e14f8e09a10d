package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/timeledger/internal/ir"
)

// GetBucket loads a cached aggregate bucket.
func (s *Store) GetBucket(ctx context.Context, key string) (ir.AggregateBucket, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM buckets WHERE cache_key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.AggregateBucket{}, false, nil
	}
	if err != nil {
		return ir.AggregateBucket{}, false, fmt.Errorf("get bucket: %w", err)
	}
	b, err := unmarshalBucket(payload)
	if err != nil {
		return ir.AggregateBucket{}, false, err
	}
	return b, true, nil
}

// PutBucket replaces a cached bucket in one statement, so readers see the
// old or the new value and never a mix.
func (s *Store) PutBucket(ctx context.Context, b ir.AggregateBucket) error {
	payload, err := marshalBucket(b)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO buckets (cache_key, payload, computed_at) VALUES (?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET payload = excluded.payload, computed_at = excluded.computed_at
	`, b.CacheKey(), payload, toMicros(b.LastComputedAt))
	if err != nil {
		return fmt.Errorf("put bucket: %w", err)
	}
	return nil
}

// DeleteBucket drops a cached bucket.
func (s *Store) DeleteBucket(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM buckets WHERE cache_key = ?`, key); err != nil {
		return fmt.Errorf("delete bucket: %w", err)
	}
	return nil
}
