package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cartolane/cartolane/internal/model"
)

// RequestRepo is the durable queue of email requests.
type RequestRepo struct {
	pool *pgxpool.Pool
}

func NewRequestRepo(pool *pgxpool.Pool) *RequestRepo {
	return &RequestRepo{pool: pool}
}

const requestColumns = `
	id, api_client_id, to_email, COALESCE(lang_code, ''),
	COALESCE(subject, ''), message, image_source, COALESCE(image_path, ''),
	status, COALESCE(error_message, ''), retry_count, created_at,
	processed_at, COALESCE(idempotency_key, '')`

func scanRequest(row pgx.Row) (*model.EmailRequest, error) {
	var r model.EmailRequest
	err := row.Scan(
		&r.ID, &r.ClientID, &r.ToEmail, &r.LangCode,
		&r.Subject, &r.Message, &r.ImageSource, &r.ImagePath,
		&r.Status, &r.ErrorMessage, &r.RetryCount, &r.CreatedAt,
		&r.ProcessedAt, &r.IdempotencyKey,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Insert persists a freshly admitted request. An empty idempotency key is
// stored as NULL so the partial unique index only covers real keys.
// Returns ErrDuplicate when a concurrent submission won the key.
func (r *RequestRepo) Insert(ctx context.Context, req *model.EmailRequest) error {
	const q = `
		INSERT INTO email_request (
			id, api_client_id, to_email, lang_code, subject, message,
			image_source, image_path, status, retry_count, created_at,
			idempotency_key
		) VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6,
		          $7, NULLIF($8, ''), $9, $10, $11, NULLIF($12, ''))`

	_, err := r.pool.Exec(ctx, q,
		req.ID, req.ClientID, req.ToEmail, req.LangCode, req.Subject,
		req.Message, req.ImageSource, req.ImagePath, req.Status,
		req.RetryCount, req.CreatedAt, req.IdempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("insert email request: %w", translate(err))
	}
	return nil
}

// ByIdempotencyKey finds an existing request for the (client, key) pair.
func (r *RequestRepo) ByIdempotencyKey(ctx context.Context, clientID uuid.UUID, key string) (*model.EmailRequest, error) {
	q := `SELECT ` + requestColumns + `
		FROM email_request
		WHERE api_client_id = $1 AND idempotency_key = $2`

	req, err := scanRequest(r.pool.QueryRow(ctx, q, clientID, key))
	if err != nil {
		return nil, fmt.Errorf("request by idempotency key: %w", translate(err))
	}
	return req, nil
}

// UsageStats returns the daily and per-minute request counts for a client
// in one aggregate scan. The filter on dayStart bounds the scan; the
// composite (api_client_id, created_at) index serves it.
func (r *RequestRepo) UsageStats(ctx context.Context, clientID uuid.UUID, dayStart, minuteAgo time.Time) (daily, rpm int, err error) {
	const q = `
		SELECT COUNT(*) FILTER (WHERE created_at >= $2),
		       COUNT(*) FILTER (WHERE created_at >= $3)
		FROM email_request
		WHERE api_client_id = $1 AND created_at >= $2`

	if err := r.pool.QueryRow(ctx, q, clientID, dayStart, minuteAgo).Scan(&daily, &rpm); err != nil {
		return 0, 0, fmt.Errorf("usage stats: %w", translate(err))
	}
	return daily, rpm, nil
}

// PendingBatch returns up to limit PENDING requests, oldest first.
func (r *RequestRepo) PendingBatch(ctx context.Context, limit int) ([]*model.EmailRequest, error) {
	q := `SELECT ` + requestColumns + `
		FROM email_request
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, q, model.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("pending batch: %w", translate(err))
	}
	defer rows.Close()

	var batch []*model.EmailRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("pending batch scan: %w", err)
		}
		batch = append(batch, req)
	}
	return batch, rows.Err()
}

// MarkSending claims a request: PENDING -> SENDING with a processed
// timestamp. Each claim commits on its own so a crash mid-batch never
// leaves invisible claims.
func (r *RequestRepo) MarkSending(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `
		UPDATE email_request
		SET status = $2, processed_at = $3
		WHERE id = $1`

	if _, err := r.pool.Exec(ctx, q, id, model.StatusSending, at); err != nil {
		return fmt.Errorf("mark sending: %w", translate(err))
	}
	return nil
}

// UpdateAfterDispatch records a dispatch outcome: terminal SENT/FAILED or
// PENDING for another retry round.
func (r *RequestRepo) UpdateAfterDispatch(ctx context.Context, id uuid.UUID, status model.RequestStatus, errorMessage string, retryCount int, at time.Time) error {
	const q = `
		UPDATE email_request
		SET status = $2, error_message = NULLIF($3, ''),
		    retry_count = $4, processed_at = $5
		WHERE id = $1`

	if _, err := r.pool.Exec(ctx, q, id, status, errorMessage, retryCount, at); err != nil {
		return fmt.Errorf("update after dispatch: %w", translate(err))
	}
	return nil
}

// StuckSending lists requests stuck in SENDING since before cutoff,
// typically abandoned by a crashed instance.
func (r *RequestRepo) StuckSending(ctx context.Context, cutoff time.Time) ([]*model.EmailRequest, error) {
	q := `SELECT ` + requestColumns + `
		FROM email_request
		WHERE status = $1 AND processed_at < $2`

	rows, err := r.pool.Query(ctx, q, model.StatusSending, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stuck sending: %w", translate(err))
	}
	defer rows.Close()

	var stuck []*model.EmailRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("stuck sending scan: %w", err)
		}
		stuck = append(stuck, req)
	}
	return stuck, rows.Err()
}

// ResetStuck puts an abandoned request back in the retry queue and
// annotates how it got there.
func (r *RequestRepo) ResetStuck(ctx context.Context, id uuid.UUID, annotation string) error {
	const q = `
		UPDATE email_request
		SET status = $2, retry_count = retry_count + 1, error_message = $3
		WHERE id = $1`

	if _, err := r.pool.Exec(ctx, q, id, model.StatusPending, annotation); err != nil {
		return fmt.Errorf("reset stuck: %w", translate(err))
	}
	return nil
}
