package api

import (
	"net/http"
	"net/mail"
	"regexp"

	"github.com/cartolane/cartolane/internal/api/helpers"
	"github.com/cartolane/cartolane/internal/api/middleware"
	"github.com/cartolane/cartolane/internal/apperr"
	"github.com/cartolane/cartolane/internal/gateway"
	"github.com/cartolane/cartolane/internal/model"
)

var langCodePattern = regexp.MustCompile(`^[a-z]{2}(-[A-Z]{2})?$`)

// RequestHandler serves the public postcard endpoint.
type RequestHandler struct {
	service *gateway.Service
}

func NewRequestHandler(service *gateway.Service) *RequestHandler {
	return &RequestHandler{service: service}
}

// Create handles POST /email-request. The gate has already admitted the
// request and buffered the body; only payload validation and the service
// call remain.
func (h *RequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	client, err := middleware.GetClient(r.Context())
	if err != nil {
		helpers.RespondError(w, err)
		return
	}

	var in gateway.CreatePostcard
	if err := helpers.DecodeJSON(r.Body, &in); err != nil {
		helpers.RespondCode(w, apperr.CodeValidationFailed, err.Error())
		return
	}
	if msg, ok := validateCreatePostcard(in); !ok {
		helpers.RespondCode(w, apperr.CodeValidationFailed, msg)
		return
	}

	id, err := h.service.CreateRequest(r.Context(), client, in, r.Header.Get("X-Idempotency-Key"))
	if err != nil {
		helpers.RespondError(w, err)
		return
	}

	helpers.RespondJSON(w, http.StatusAccepted, map[string]string{"id": id.String()})
}

func validateCreatePostcard(in gateway.CreatePostcard) (string, bool) {
	if in.ToEmail == "" {
		return "toEmail is required", false
	}
	if _, err := mail.ParseAddress(in.ToEmail); err != nil {
		return "toEmail must be a valid email address", false
	}
	if in.ImageSource == "" {
		return "imageSource is required", false
	}
	if !model.ValidImageSource(in.ImageSource) {
		return "imageSource must be one of DEFAULT, CLIENT_STORAGE", false
	}
	if in.ImagePath == "" {
		return "imagePath is required", false
	}
	if in.LangCode != "" && !langCodePattern.MatchString(in.LangCode) {
		return "langCode must be a 2-letter ISO code (e.g. fr, en)", false
	}
	return "", true
}
