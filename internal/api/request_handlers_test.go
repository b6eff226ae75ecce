package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartolane/cartolane/internal/api/middleware"
	"github.com/cartolane/cartolane/internal/gateway"
	"github.com/cartolane/cartolane/internal/model"
	"github.com/cartolane/cartolane/internal/storage"
)

type stubRequests struct {
	inserted []*model.EmailRequest
}

func (s *stubRequests) Insert(_ context.Context, req *model.EmailRequest) error {
	s.inserted = append(s.inserted, req)
	return nil
}

func (s *stubRequests) ByIdempotencyKey(context.Context, uuid.UUID, string) (*model.EmailRequest, error) {
	return nil, storage.ErrNotFound
}

func (s *stubRequests) UsageStats(context.Context, uuid.UUID, time.Time, time.Time) (int, int, error) {
	return 0, 0, nil
}

type stubConfigs struct{}

func (stubConfigs) ByClientID(context.Context, uuid.UUID) (*model.EmailConfig, error) {
	return &model.EmailConfig{ID: uuid.New(), DefaultLanguage: "en"}, nil
}

func postRequest(t *testing.T, payload string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/email-request", strings.NewReader(payload))
	client := &model.Client{ID: uuid.New(), Name: "acme", Enabled: true, DailyQuota: 10, RPMLimit: 10}
	return req.WithContext(middleware.WithClient(req.Context(), client))
}

func TestCreate_Accepted(t *testing.T) {
	requests := &stubRequests{}
	h := NewRequestHandler(gateway.NewService(requests, stubConfigs{}))

	rr := httptest.NewRecorder()
	h.Create(rr, postRequest(t, `{"toEmail":"dest@example.com","imageSource":"DEFAULT","imagePath":"postcards/postcard-1.png","message":"hi"}`))

	require.Equal(t, http.StatusAccepted, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	id, err := uuid.Parse(body["id"])
	require.NoError(t, err)
	require.Len(t, requests.inserted, 1)
	assert.Equal(t, id, requests.inserted[0].ID)
}

func TestCreate_UnknownFieldRejected(t *testing.T) {
	h := NewRequestHandler(gateway.NewService(&stubRequests{}, stubConfigs{}))

	rr := httptest.NewRecorder()
	h.Create(rr, postRequest(t, `{"toEmail":"d@e.com","imageSource":"DEFAULT","imagePath":"p.png","bogus":1}`))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCreate_ValidationFailures(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"missing toEmail", `{"imageSource":"DEFAULT","imagePath":"p.png"}`},
		{"bad toEmail", `{"toEmail":"not-an-address","imageSource":"DEFAULT","imagePath":"p.png"}`},
		{"missing imageSource", `{"toEmail":"d@e.com","imagePath":"p.png"}`},
		{"bad imageSource", `{"toEmail":"d@e.com","imageSource":"S3","imagePath":"p.png"}`},
		{"missing imagePath", `{"toEmail":"d@e.com","imageSource":"DEFAULT"}`},
		{"bad langCode", `{"toEmail":"d@e.com","imageSource":"DEFAULT","imagePath":"p.png","langCode":"french"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewRequestHandler(gateway.NewService(&stubRequests{}, stubConfigs{}))
			rr := httptest.NewRecorder()
			h.Create(rr, postRequest(t, tc.payload))

			assert.Equal(t, http.StatusBadRequest, rr.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, "VALIDATION_FAILED", body["code"])
		})
	}
}

func TestValidateCreatePostcard_LangCodes(t *testing.T) {
	base := gateway.CreatePostcard{
		ToEmail:     "d@e.com",
		ImageSource: model.ImageSourceDefault,
		ImagePath:   "p.png",
	}

	for _, code := range []string{"", "fr", "en", "pt-BR"} {
		in := base
		in.LangCode = code
		_, ok := validateCreatePostcard(in)
		assert.True(t, ok, "langCode %q should pass", code)
	}
	for _, code := range []string{"FR", "f", "fra", "fr_FR", "fr-br"} {
		in := base
		in.LangCode = code
		_, ok := validateCreatePostcard(in)
		assert.False(t, ok, "langCode %q should fail", code)
	}
}
