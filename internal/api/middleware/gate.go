package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/cartolane/cartolane/internal/api/helpers"
	"github.com/cartolane/cartolane/internal/apperr"
	"github.com/cartolane/cartolane/internal/crypto"
	"github.com/cartolane/cartolane/internal/model"
	"github.com/cartolane/cartolane/internal/storage"
)

const (
	headerAPIKey    = "X-API-KEY"
	headerSignature = "X-SIGNATURE"
)

// ClientDirectory resolves a tenant (with its origin allow-list) by the
// salted hash of its api key.
type ClientDirectory interface {
	ByAPIKeyHash(ctx context.Context, hash string) (*model.Client, error)
}

// SecretDecrypter opens the tenant's stored signing secret.
type SecretDecrypter interface {
	Decrypt(envelope string) (string, error)
}

// Gate is the admission filter: every request passes its five phases
// before any business logic runs. Any phase failure short-circuits with a
// typed rejection.
type Gate struct {
	Directory    ClientDirectory
	Secrets      SecretDecrypter
	Salt         string
	HMACEnforced bool
	MaxBodySize  int64
}

// Middleware runs the admission phases in order: identity and origin,
// payload size, signature, context propagation, forward.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		maskedIP := helpers.AnonymizeIP(r.RemoteAddr)

		// Phase 1: identity and origin.
		client, err := g.authenticate(r, maskedIP)
		if err != nil {
			helpers.RespondError(w, err)
			return
		}

		// Phase 2: payload size. The body is buffered exactly once; the
		// snapshot serves both signature verification and decoding.
		body, err := g.readBody(r, maskedIP, client)
		if err != nil {
			helpers.RespondError(w, err)
			return
		}

		// Phase 3: signature over the literal transmitted bytes.
		if err := g.verifySignature(r, body, client); err != nil {
			helpers.RespondError(w, err)
			return
		}

		// Phases 4 and 5: propagate identity, forward the buffered body
		// byte-identical to what was received.
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r.WithContext(WithClient(r.Context(), client)))
	})
}

func (g *Gate) authenticate(r *http.Request, maskedIP string) (*model.Client, error) {
	apiKey := r.Header.Get(headerAPIKey)
	if strings.TrimSpace(apiKey) == "" {
		// Dummy hash so a missing key costs the same as a wrong one.
		crypto.HashAPIKey("dummy-key", g.Salt)
		slog.Warn("security_alert_missing_api_key", "ip", maskedIP, "path", r.URL.Path)
		return nil, apperr.New(apperr.CodeIncorrectAPIKey)
	}

	client, err := g.Directory.ByAPIKeyHash(r.Context(), crypto.HashAPIKey(apiKey, g.Salt))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			slog.Warn("security_alert_invalid_api_key", "ip", maskedIP, "path", r.URL.Path)
			return nil, apperr.New(apperr.CodeIncorrectAPIKey)
		}
		return nil, err
	}

	if !client.Enabled {
		slog.Warn("security_alert_disabled_client", "client", client.Name, "ip", maskedIP)
		return nil, apperr.New(apperr.CodeClientDisabled)
	}

	origin := strings.TrimSuffix(r.Header.Get("Origin"), "/")
	if origin == "" || !slices.Contains(client.AllowedOrigins, origin) {
		slog.Warn("security_alert_origin_mismatch",
			"client", client.Name, "origin", origin, "ip", maskedIP)
		return nil, apperr.New(apperr.CodeInvalidOrigin)
	}

	return client, nil
}

func (g *Gate) readBody(r *http.Request, maskedIP string, client *model.Client) ([]byte, error) {
	// The declared length is checked first, but it may be absent or lie,
	// so the bounded read below is the real guard.
	if r.ContentLength > g.MaxBodySize {
		slog.Warn("security_alert_payload_too_large", "client", client.Name, "ip", maskedIP)
		return nil, apperr.New(apperr.CodePayloadTooLarge)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, g.MaxBodySize+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err)
	}
	if int64(len(body)) > g.MaxBodySize {
		slog.Warn("security_alert_payload_too_large_streaming", "client", client.Name, "ip", maskedIP)
		return nil, apperr.New(apperr.CodePayloadTooLarge)
	}
	return body, nil
}

func (g *Gate) verifySignature(r *http.Request, body []byte, client *model.Client) error {
	if !g.HMACEnforced {
		return nil
	}
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		return nil
	}

	secret, err := g.Secrets.Decrypt(client.HMACSecretEnc)
	if err != nil {
		slog.Error("hmac_secret_decrypt_failed", "client", client.Name, "error", err)
		return apperr.Wrap(apperr.CodeInternal, err)
	}

	signature := r.Header.Get(headerSignature)
	if !crypto.VerifyHMAC(body, signature, secret) {
		slog.Warn("security_alert_invalid_signature", "client", client.Name, "path", r.URL.Path)
		return apperr.New(apperr.CodeInvalidSignature)
	}
	return nil
}
