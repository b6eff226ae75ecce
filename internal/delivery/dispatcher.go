package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/cartolane/cartolane/internal/apperr"
	"github.com/cartolane/cartolane/internal/model"
	"github.com/cartolane/cartolane/internal/postcard"
	"github.com/cartolane/cartolane/internal/storage"
)

// ConfigStore resolves tenant delivery configurations.
type ConfigStore interface {
	ByClientID(ctx context.Context, clientID uuid.UUID) (*model.EmailConfig, error)
}

// OutcomeStore records dispatch outcomes on the request row.
type OutcomeStore interface {
	UpdateAfterDispatch(ctx context.Context, id uuid.UUID, status model.RequestStatus, errorMessage string, retryCount int, at time.Time) error
}

// SecretDecrypter opens stored SMTP credentials.
type SecretDecrypter interface {
	Decrypt(envelope string) (string, error)
}

// Dispatcher owns the per-tenant resource caches and performs the actual
// transmission off the polling goroutine. Config and channel construction
// are first-writer-wins: concurrent first access for the same tenant
// builds exactly one instance.
type Dispatcher struct {
	requests   OutcomeStore
	configs    ConfigStore
	secrets    SecretDecrypter
	maxRetries int
	now        func() time.Time

	mu       sync.Mutex
	cfgCache map[uuid.UUID]*model.EmailConfig
	chCache  map[uuid.UUID]Channel
	group    singleflight.Group

	// newChannel is swapped in tests.
	newChannel func(cfg *model.EmailConfig, password string) (Channel, error)

	wg sync.WaitGroup
}

func NewDispatcher(requests OutcomeStore, configs ConfigStore, secrets SecretDecrypter, maxRetries int) *Dispatcher {
	return &Dispatcher{
		requests:   requests,
		configs:    configs,
		secrets:    secrets,
		maxRetries: maxRetries,
		now:        time.Now,
		cfgCache:   make(map[uuid.UUID]*model.EmailConfig),
		chCache:    make(map[uuid.UUID]Channel),
		newChannel: newSMTPChannel,
	}
}

// DispatchAsync hands one claimed request to a dispatch goroutine so a
// slow SMTP exchange never delays the poll cycle or sibling items.
func (d *Dispatcher) DispatchAsync(ctx context.Context, req *model.EmailRequest, rendered *postcard.Rendered) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatch(ctx, req, rendered)
	}()
}

// Wait blocks until all in-flight dispatches finish. Used at shutdown.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) dispatch(ctx context.Context, req *model.EmailRequest, rendered *postcard.Rendered) {
	log := slog.With("request_id", req.ID, "client_id", req.ClientID)

	cfg, err := d.config(ctx, req.ClientID)
	if err != nil {
		d.recordFailure(ctx, req, err, log)
		return
	}
	if err := validateConfig(cfg); err != nil {
		log.Error("email_config_incomplete")
		d.recordFailure(ctx, req, err, log)
		return
	}

	ch, err := d.channel(ctx, req.ClientID, cfg)
	if err != nil {
		d.recordFailure(ctx, req, err, log)
		return
	}

	msg := &Message{
		From:        cfg.SenderEmail,
		To:          req.ToEmail,
		Subject:     req.Subject,
		HTML:        rendered.HTML,
		InlineImage: rendered.ImageData,
		ImageName:   rendered.Postcard.Filename,
		ContentID:   postcard.ImageContentID,
	}

	if err := ch.Send(ctx, msg); err != nil {
		sentry.CaptureException(err)
		d.recordFailure(ctx, req, err, log)
		return
	}

	log.Info("email_delivery", "status", "sent")
	if err := d.requests.UpdateAfterDispatch(ctx, req.ID, model.StatusSent, "", req.RetryCount, d.now().UTC()); err != nil {
		log.Error("status_update_failed", "error", err)
	}
}

// recordFailure increments the retry count and either requeues the item
// (below the retry budget) or fails it permanently.
func (d *Dispatcher) recordFailure(ctx context.Context, req *model.EmailRequest, cause error, log *slog.Logger) {
	retry := req.RetryCount + 1
	status := model.StatusFailed
	if retry < d.maxRetries {
		status = model.StatusPending
	}

	message := fmt.Sprintf("%s: %v", apperr.CodeOf(cause), cause)
	log.Error("email_delivery", "status", "failed", "next_status", status,
		"retry_count", retry, "error", cause)

	if err := d.requests.UpdateAfterDispatch(ctx, req.ID, status, message, retry, d.now().UTC()); err != nil {
		log.Error("status_update_failed", "error", err)
	}
}

// config returns the cached tenant config, loading it at most once per
// tenant until invalidated.
func (d *Dispatcher) config(ctx context.Context, clientID uuid.UUID) (*model.EmailConfig, error) {
	d.mu.Lock()
	cfg, ok := d.cfgCache[clientID]
	d.mu.Unlock()
	if ok {
		return cfg, nil
	}

	v, err, _ := d.group.Do("config:"+clientID.String(), func() (any, error) {
		cfg, err := d.configs.ByClientID(ctx, clientID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, apperr.New(apperr.CodeEmailConfigNotFound)
			}
			return nil, err
		}
		d.mu.Lock()
		d.cfgCache[clientID] = cfg
		d.mu.Unlock()
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.EmailConfig), nil
}

// channel returns the cached delivery channel, constructing it at most
// once per tenant until invalidated.
func (d *Dispatcher) channel(ctx context.Context, clientID uuid.UUID, cfg *model.EmailConfig) (Channel, error) {
	d.mu.Lock()
	ch, ok := d.chCache[clientID]
	d.mu.Unlock()
	if ok {
		return ch, nil
	}

	v, err, _ := d.group.Do("channel:"+clientID.String(), func() (any, error) {
		password, err := d.secrets.Decrypt(cfg.SMTPPasswordEnc)
		if err != nil {
			return nil, fmt.Errorf("decrypt smtp password: %w", err)
		}
		ch, err := d.newChannel(cfg, password)
		if err != nil {
			return nil, fmt.Errorf("build channel: %w", err)
		}
		d.mu.Lock()
		d.chCache[clientID] = ch
		d.mu.Unlock()
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Channel), nil
}

// InvalidateClient evicts both caches for a tenant so the next dispatch
// rebuilds them from current data.
func (d *Dispatcher) InvalidateClient(clientID uuid.UUID) {
	d.mu.Lock()
	delete(d.cfgCache, clientID)
	delete(d.chCache, clientID)
	d.mu.Unlock()
}

// validateConfig checks delivery completeness. Incomplete configuration
// is a distinct failure so the tenant can tell it apart from transport
// trouble.
func validateConfig(cfg *model.EmailConfig) error {
	pinned := cfg.Provider == model.ProviderGoogle || cfg.Provider == model.ProviderMicrosoft
	if cfg.SenderEmail == "" ||
		(!pinned && (cfg.SMTPHost == "" || cfg.SMTPPort == 0)) ||
		cfg.SMTPUsername == "" || cfg.SMTPPasswordEnc == "" {
		return apperr.New(apperr.CodeEmailConfigIncomplete)
	}
	return nil
}
