package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cartolane/cartolane/internal/model"
)

// EmailConfigRepo reads tenant delivery configurations.
type EmailConfigRepo struct {
	pool *pgxpool.Pool
}

func NewEmailConfigRepo(pool *pgxpool.Pool) *EmailConfigRepo {
	return &EmailConfigRepo{pool: pool}
}

// ByClientID loads the single delivery configuration of a client.
// Returns ErrNotFound when the tenant has none yet.
func (r *EmailConfigRepo) ByClientID(ctx context.Context, clientID uuid.UUID) (*model.EmailConfig, error) {
	const q = `
		SELECT id, api_client_id, provider, sender_email, smtp_host,
		       COALESCE(smtp_port, 0), smtp_username, smtp_password,
		       smtp_tls, default_subject, default_message,
		       default_language, enabled, created_at, updated_at
		FROM email_config
		WHERE api_client_id = $1`

	var c model.EmailConfig
	err := r.pool.QueryRow(ctx, q, clientID).Scan(
		&c.ID, &c.ClientID, &c.Provider, &c.SenderEmail, &c.SMTPHost,
		&c.SMTPPort, &c.SMTPUsername, &c.SMTPPasswordEnc,
		&c.SMTPTLS, &c.DefaultSubject, &c.DefaultMessage,
		&c.DefaultLanguage, &c.Enabled, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("email config by client: %w", translate(err))
	}
	return &c, nil
}
