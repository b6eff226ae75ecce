package middleware

import (
	"context"
	"fmt"

	"github.com/cartolane/cartolane/internal/model"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// clientKey carries the authenticated api client resolved by the gate.
const clientKey contextKey = "api_client"

// WithClient attaches the authenticated client to the request context.
func WithClient(ctx context.Context, c *model.Client) context.Context {
	return context.WithValue(ctx, clientKey, c)
}

// GetClient extracts the authenticated client from context. Handlers
// behind the gate can rely on it being present.
func GetClient(ctx context.Context) (*model.Client, error) {
	val := ctx.Value(clientKey)
	if val == nil {
		return nil, fmt.Errorf("api client not found in context")
	}
	c, ok := val.(*model.Client)
	if !ok {
		return nil, fmt.Errorf("api client has wrong type: %T", val)
	}
	return c, nil
}
