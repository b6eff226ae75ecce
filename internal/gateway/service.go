// Package gateway implements the business half of the admission path:
// idempotent request creation under per-tenant quota policy.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cartolane/cartolane/internal/apperr"
	"github.com/cartolane/cartolane/internal/model"
	"github.com/cartolane/cartolane/internal/storage"
)

// RequestStore is the durable queue surface the service needs.
type RequestStore interface {
	Insert(ctx context.Context, req *model.EmailRequest) error
	ByIdempotencyKey(ctx context.Context, clientID uuid.UUID, key string) (*model.EmailRequest, error)
	UsageStats(ctx context.Context, clientID uuid.UUID, dayStart, minuteAgo time.Time) (daily, rpm int, err error)
}

// ConfigStore resolves tenant delivery configurations.
type ConfigStore interface {
	ByClientID(ctx context.Context, clientID uuid.UUID) (*model.EmailConfig, error)
}

// CreatePostcard is the inbound request payload.
type CreatePostcard struct {
	LangCode    string            `json:"langCode,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	Message     string            `json:"message,omitempty"`
	ToEmail     string            `json:"toEmail"`
	ImageSource model.ImageSource `json:"imageSource"`
	ImagePath   string            `json:"imagePath"`
}

// Service admits postcard requests into the delivery queue.
type Service struct {
	requests RequestStore
	configs  ConfigStore
	now      func() time.Time
}

func NewService(requests RequestStore, configs ConfigStore) *Service {
	return &Service{requests: requests, configs: configs, now: time.Now}
}

// CreateRequest runs idempotency resolution, quota checks and enqueue.
//
// A replayed idempotency key returns the stored id without side effects,
// before quota is even consulted. The insert can still race a concurrent
// duplicate; a unique violation is then resolved by re-reading the
// winner instead of failing the caller.
func (s *Service) CreateRequest(ctx context.Context, client *model.Client, in CreatePostcard, idempotencyKey string) (uuid.UUID, error) {
	if id, ok, err := s.existingID(ctx, client.ID, idempotencyKey); err != nil {
		return uuid.Nil, err
	} else if ok {
		slog.Info("request_replayed", "client", client.Name, "request_id", id)
		return id, nil
	}

	slog.Info("api_request_outcome", "client", client.Name, "outcome", "received")

	if err := s.checkQuota(ctx, client); err != nil {
		return uuid.Nil, err
	}

	cfg, err := s.configs.ByClientID(ctx, client.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			slog.Info("api_request_outcome", "client", client.Name, "outcome", "err_config_not_found")
			return uuid.Nil, apperr.New(apperr.CodeEmailConfigNotFound)
		}
		return uuid.Nil, fmt.Errorf("load email config: %w", err)
	}

	req := s.buildRequest(client, cfg, in, idempotencyKey)
	if err := s.requests.Insert(ctx, req); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// Lost the race against an identical concurrent submission;
			// the winner's row is the authoritative one.
			if id, ok, lookupErr := s.existingID(ctx, client.ID, idempotencyKey); lookupErr == nil && ok {
				return id, nil
			}
		}
		return uuid.Nil, fmt.Errorf("persist email request: %w", err)
	}

	slog.Info("api_request_outcome", "client", client.Name, "outcome", "accepted")
	return req.ID, nil
}

func (s *Service) existingID(ctx context.Context, clientID uuid.UUID, key string) (uuid.UUID, bool, error) {
	if key == "" {
		return uuid.Nil, false, nil
	}

	req, err := s.requests.ByIdempotencyKey(ctx, clientID, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	return req.ID, true, nil
}

// checkQuota enforces both sliding policies from one aggregate read.
// RPM is checked first; the first violated policy wins. The windows are
// best effort: a burst between the read and the insert may overshoot by
// one, which is accepted capacity semantics.
func (s *Service) checkQuota(ctx context.Context, client *model.Client) error {
	now := s.now().UTC()
	minuteAgo := now.Add(-time.Minute)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	daily, rpm, err := s.requests.UsageStats(ctx, client.ID, dayStart, minuteAgo)
	if err != nil {
		return fmt.Errorf("usage stats: %w", err)
	}

	if rpm >= client.RPMLimit {
		slog.Info("api_request_outcome", "client", client.Name, "outcome", "err_rpm")
		return apperr.New(apperr.CodeRPMLimitExceeded)
	}
	if daily >= client.DailyQuota {
		slog.Info("api_request_outcome", "client", client.Name, "outcome", "err_daily_quota")
		return apperr.New(apperr.CodeDailyQuotaExceeded)
	}
	return nil
}

func (s *Service) buildRequest(client *model.Client, cfg *model.EmailConfig, in CreatePostcard, idempotencyKey string) *model.EmailRequest {
	subject := fallback(in.Subject, cfg.DefaultSubject)
	message := fallback(in.Message, cfg.DefaultMessage)

	return &model.EmailRequest{
		ID:          uuid.New(),
		ClientID:    client.ID,
		ToEmail:     in.ToEmail,
		LangCode:    fallback(in.LangCode, cfg.DefaultLanguage),
		// Escaped at enqueue so stored content is render-safe as-is.
		Subject:        html.EscapeString(subject),
		Message:        html.EscapeString(message),
		ImageSource:    in.ImageSource,
		ImagePath:      in.ImagePath,
		Status:         model.StatusPending,
		CreatedAt:      s.now().UTC(),
		IdempotencyKey: idempotencyKey,
	}
}

func fallback(value, def string) string {
	if value != "" {
		return value
	}
	return def
}
