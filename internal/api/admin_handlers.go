package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cartolane/cartolane/internal/api/helpers"
	"github.com/cartolane/cartolane/internal/apperr"
	"github.com/cartolane/cartolane/internal/storage"
)

// ClientAdmin applies operator edits to client policy.
type ClientAdmin interface {
	UpdatePolicy(ctx context.Context, id uuid.UUID, enabled *bool, dailyQuota, rpmLimit *int) error
}

// CacheInvalidator evicts the per-tenant caches (delivery config, channel,
// rendering assets) after a configuration change.
type CacheInvalidator interface {
	InvalidateClient(clientID uuid.UUID)
}

// AdminHandler serves the operator surface. It is the carrier for the
// "tenant config changed" event: after editing a tenant, operators hit
// the invalidation endpoint so the next dispatch rebuilds from current
// data.
type AdminHandler struct {
	clients     ClientAdmin
	invalidator CacheInvalidator
}

func NewAdminHandler(clients ClientAdmin, invalidator CacheInvalidator) *AdminHandler {
	return &AdminHandler{clients: clients, invalidator: invalidator}
}

type updateClientRequest struct {
	Enabled    *bool `json:"enabled,omitempty"`
	DailyQuota *int  `json:"dailyQuota,omitempty"`
	RPMLimit   *int  `json:"rpmLimit,omitempty"`
}

// UpdateClient handles PATCH /admin/clients/{id}.
func (h *AdminHandler) UpdateClient(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		helpers.RespondCode(w, apperr.CodeValidationFailed, "invalid client id")
		return
	}

	var in updateClientRequest
	if err := helpers.DecodeJSON(r.Body, &in); err != nil {
		helpers.RespondCode(w, apperr.CodeValidationFailed, err.Error())
		return
	}

	if err := h.clients.UpdatePolicy(r.Context(), id, in.Enabled, in.DailyQuota, in.RPMLimit); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			helpers.RespondCode(w, apperr.CodeValidationFailed, "unknown client id")
			return
		}
		helpers.RespondError(w, err)
		return
	}

	slog.Info("client_policy_updated", "client_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// InvalidateClientCache handles POST /admin/clients/{id}/invalidate-cache.
func (h *AdminHandler) InvalidateClientCache(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		helpers.RespondCode(w, apperr.CodeValidationFailed, "invalid client id")
		return
	}

	h.invalidator.InvalidateClient(id)
	slog.Info("client_cache_invalidated", "client_id", id)
	w.WriteHeader(http.StatusNoContent)
}
