// Package delivery implements the asynchronous half of the pipeline: the
// polling worker that claims pending requests under a cross-instance
// lease, renders them, and dispatches them through cached per-tenant
// channels, plus the self-healing sweep for requests abandoned
// mid-dispatch.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cartolane/cartolane/internal/apperr"
	"github.com/cartolane/cartolane/internal/model"
	"github.com/cartolane/cartolane/internal/postcard"
	"github.com/cartolane/cartolane/internal/storage"
)

const (
	pollLockName  = "email_request_poll"
	sweepLockName = "email_request_sweep"

	pollLockMaxHold  = 2 * time.Minute
	pollLockMinHold  = 100 * time.Millisecond
	sweepLockMaxHold = 5 * time.Minute
	sweepLockMinHold = time.Minute

	stuckAnnotation = "Self-healing: reset from SENDING (stuck)"
	postcardNote    = "Sent with Cartolane"
)

// QueueStore is the request queue surface the worker needs.
type QueueStore interface {
	PendingBatch(ctx context.Context, limit int) ([]*model.EmailRequest, error)
	MarkSending(ctx context.Context, id uuid.UUID, at time.Time) error
	UpdateAfterDispatch(ctx context.Context, id uuid.UUID, status model.RequestStatus, errorMessage string, retryCount int, at time.Time) error
	StuckSending(ctx context.Context, cutoff time.Time) ([]*model.EmailRequest, error)
	ResetStuck(ctx context.Context, id uuid.UUID, annotation string) error
}

// Lease is a held cross-instance lock.
type Lease interface {
	Release(ctx context.Context) error
}

// LeaseStore grants non-blocking, time-bounded named locks. A failed
// acquisition is a normal "someone else has it" outcome.
type LeaseStore interface {
	TryAcquire(ctx context.Context, name string, maxHold, minHold time.Duration) (Lease, bool, error)
}

// Renderer produces the postcard HTML for one request.
type Renderer interface {
	Render(req *model.EmailRequest, smallNote string) (*postcard.Rendered, error)
}

// Sender hands a rendered request to the asynchronous dispatch pool.
type Sender interface {
	DispatchAsync(ctx context.Context, req *model.EmailRequest, rendered *postcard.Rendered)
}

// Options are the worker's scheduling knobs.
type Options struct {
	PollInterval   time.Duration
	SweepInterval  time.Duration
	StuckThreshold time.Duration
	BatchSize      int
}

// Worker runs the poll cycle and the self-healing sweep on fixed
// intervals. Many instances may run concurrently; the lease lock makes
// sure only one of them works a given cycle.
type Worker struct {
	requests QueueStore
	leases   LeaseStore
	renderer Renderer
	sender   Sender
	opts     Options
	now      func() time.Time
}

func NewWorker(requests QueueStore, leases LeaseStore, renderer Renderer, sender Sender, opts Options) *Worker {
	return &Worker{
		requests: requests,
		leases:   leases,
		renderer: renderer,
		sender:   sender,
		opts:     opts,
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled, ticking both schedules. A first poll
// runs immediately so a fresh deploy drains the queue without waiting.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("delivery_worker_started",
		"poll_interval", w.opts.PollInterval,
		"sweep_interval", w.opts.SweepInterval,
		"batch_size", w.opts.BatchSize,
	)

	poll := time.NewTicker(w.opts.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(w.opts.SweepInterval)
	defer sweep.Stop()

	w.PollOnce(ctx)

	for {
		select {
		case <-poll.C:
			w.PollOnce(ctx)
		case <-sweep.C:
			w.SweepOnce(ctx)
		case <-ctx.Done():
			slog.Info("delivery_worker_stopping")
			return
		}
	}
}

// PollOnce runs one poll cycle: claim a FIFO batch under the lease and
// hand each item to the dispatch pool. Item failures are isolated; one
// bad request never aborts its siblings.
func (w *Worker) PollOnce(ctx context.Context) {
	lease, ok, err := w.leases.TryAcquire(ctx, pollLockName, pollLockMaxHold, pollLockMinHold)
	if err != nil {
		slog.Error("poll_lease_error", "error", err)
		return
	}
	if !ok {
		// Another instance is working this cycle.
		return
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			slog.Warn("poll_lease_release_failed", "error", err)
		}
	}()

	batch, err := w.requests.PendingBatch(ctx, w.opts.BatchSize)
	if err != nil {
		slog.Error("pending_batch_failed", "error", err)
		return
	}

	for _, req := range batch {
		slog.Info("request_claimed", "request_id", req.ID)

		// The claim commits before rendering so a crash here is visible
		// to the sweep, not re-claimed by a concurrent poller.
		if err := w.requests.MarkSending(ctx, req.ID, w.now().UTC()); err != nil {
			slog.Error("mark_sending_failed", "request_id", req.ID, "error", err)
			continue
		}

		rendered, err := w.renderer.Render(req, postcardNote)
		if err != nil {
			w.markFailed(ctx, req, err)
			continue
		}

		w.sender.DispatchAsync(ctx, req, rendered)
	}
}

// markFailed records a terminal poll-path fault (rendering) with its
// category and message.
func (w *Worker) markFailed(ctx context.Context, req *model.EmailRequest, cause error) {
	message := fmt.Sprintf("%s: %v", apperr.CodeOf(cause), cause)
	slog.Error("request_render_failed", "request_id", req.ID, "error", cause)

	err := w.requests.UpdateAfterDispatch(ctx, req.ID, model.StatusFailed, message, req.RetryCount+1, w.now().UTC())
	if err != nil {
		slog.Error("status_update_failed", "request_id", req.ID, "error", err)
	}
}

// SweepOnce resets requests stuck in SENDING longer than the threshold.
// These are crashes or timeouts mid-dispatch; requeuing them makes the
// pipeline self-recovering without operator intervention.
func (w *Worker) SweepOnce(ctx context.Context) {
	lease, ok, err := w.leases.TryAcquire(ctx, sweepLockName, sweepLockMaxHold, sweepLockMinHold)
	if err != nil {
		slog.Error("sweep_lease_error", "error", err)
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			slog.Warn("sweep_lease_release_failed", "error", err)
		}
	}()

	cutoff := w.now().UTC().Add(-w.opts.StuckThreshold)
	stuck, err := w.requests.StuckSending(ctx, cutoff)
	if err != nil {
		slog.Error("stuck_lookup_failed", "error", err)
		return
	}
	if len(stuck) == 0 {
		return
	}

	slog.Warn("stuck_requests_found", "count", len(stuck))
	for _, req := range stuck {
		if err := w.requests.ResetStuck(ctx, req.ID, stuckAnnotation); err != nil {
			slog.Error("reset_stuck_failed", "request_id", req.ID, "error", err)
		}
	}
}

// PGLeases adapts the storage lease repository to the worker's interface.
type PGLeases struct {
	Repo *storage.LeaseRepo
}

func (p PGLeases) TryAcquire(ctx context.Context, name string, maxHold, minHold time.Duration) (Lease, bool, error) {
	lease, ok, err := p.Repo.TryAcquire(ctx, name, maxHold, minHold)
	if err != nil || !ok {
		return nil, ok, err
	}
	return lease, true, nil
}
