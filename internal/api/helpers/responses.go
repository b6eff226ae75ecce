package helpers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cartolane/cartolane/internal/apperr"
)

// RespondJSON writes a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("json_encode_failed", "error", err)
	}
}

// RespondCode writes the wire form of a rejection: its stable code plus a
// human-readable message, with the status from the taxonomy table.
func RespondCode(w http.ResponseWriter, code apperr.Code, message string) {
	RespondJSON(w, apperr.HTTPStatus(code), map[string]string{
		"code":    string(code),
		"message": message,
	})
}

// RespondError translates any error through the taxonomy. Unclassified
// errors become a generic 500 so internals never leak to clients.
func RespondError(w http.ResponseWriter, err error) {
	RespondCode(w, apperr.CodeOf(err), apperr.MessageOf(err))
}
