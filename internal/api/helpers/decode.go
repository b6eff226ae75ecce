package helpers

import (
	"encoding/json"
	"fmt"
	"io"
)

// DecodeJSON decodes a JSON body with strict validation: unknown fields
// are rejected to keep payloads honest.
func DecodeJSON(body io.Reader, v any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
