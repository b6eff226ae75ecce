package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cartolane/cartolane/internal/model"
)

// ClientRepo reads and mutates registered api clients.
type ClientRepo struct {
	pool *pgxpool.Pool
}

func NewClientRepo(pool *pgxpool.Pool) *ClientRepo {
	return &ClientRepo{pool: pool}
}

// ByAPIKeyHash loads one client with its origin allow-list in a single
// query. This is the hot admission lookup; api_key_hash is uniquely
// indexed.
func (r *ClientRepo) ByAPIKeyHash(ctx context.Context, hash string) (*model.Client, error) {
	const q = `
		SELECT c.id, c.name, c.api_key_hash, c.hmac_secret, c.enabled,
		       c.daily_quota, c.rpm_limit, c.created_at, c.updated_at,
		       COALESCE(array_agg(o.origin) FILTER (WHERE o.origin IS NOT NULL), '{}')
		FROM api_client c
		LEFT JOIN api_client_origin o ON o.api_client_id = c.id
		WHERE c.api_key_hash = $1
		GROUP BY c.id`

	var c model.Client
	err := r.pool.QueryRow(ctx, q, hash).Scan(
		&c.ID, &c.Name, &c.APIKeyHash, &c.HMACSecretEnc, &c.Enabled,
		&c.DailyQuota, &c.RPMLimit, &c.CreatedAt, &c.UpdatedAt,
		&c.AllowedOrigins,
	)
	if err != nil {
		return nil, fmt.Errorf("client by api key hash: %w", translate(err))
	}
	return &c, nil
}

// UpdatePolicy applies partial policy edits. Nil fields keep their current
// value.
func (r *ClientRepo) UpdatePolicy(ctx context.Context, id uuid.UUID, enabled *bool, dailyQuota, rpmLimit *int) error {
	const q = `
		UPDATE api_client
		SET enabled = COALESCE($2, enabled),
		    daily_quota = COALESCE($3, daily_quota),
		    rpm_limit = COALESCE($4, rpm_limit),
		    updated_at = now()
		WHERE id = $1`

	tag, err := r.pool.Exec(ctx, q, id, enabled, dailyQuota, rpmLimit)
	if err != nil {
		return fmt.Errorf("update client policy: %w", translate(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update client policy: %w", ErrNotFound)
	}
	return nil
}
