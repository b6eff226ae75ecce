package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartolane/cartolane/internal/apperr"
	"github.com/cartolane/cartolane/internal/model"
	"github.com/cartolane/cartolane/internal/storage"
)

type fakeRequestStore struct {
	inserted []*model.EmailRequest
	byKey    map[string]*model.EmailRequest

	insertErr error
	daily     int
	rpm       int
	statsErr  error

	// raceWinner makes the next Insert return ErrDuplicate and seeds the
	// winner row, mimicking a lost unique-index race.
	raceWinner *model.EmailRequest
}

func newFakeRequestStore() *fakeRequestStore {
	return &fakeRequestStore{byKey: map[string]*model.EmailRequest{}}
}

func (f *fakeRequestStore) Insert(_ context.Context, req *model.EmailRequest) error {
	if f.raceWinner != nil {
		f.byKey[req.IdempotencyKey] = f.raceWinner
		f.raceWinner = nil
		return storage.ErrDuplicate
	}
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, req)
	if req.IdempotencyKey != "" {
		f.byKey[req.IdempotencyKey] = req
	}
	return nil
}

func (f *fakeRequestStore) ByIdempotencyKey(_ context.Context, _ uuid.UUID, key string) (*model.EmailRequest, error) {
	req, ok := f.byKey[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return req, nil
}

func (f *fakeRequestStore) UsageStats(_ context.Context, _ uuid.UUID, _, _ time.Time) (int, int, error) {
	return f.daily, f.rpm, f.statsErr
}

type fakeConfigStore struct {
	cfg *model.EmailConfig
	err error
}

func (f *fakeConfigStore) ByClientID(_ context.Context, _ uuid.UUID) (*model.EmailConfig, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.cfg, nil
}

func testClient() *model.Client {
	return &model.Client{
		ID:         uuid.New(),
		Name:       "acme",
		Enabled:    true,
		DailyQuota: 100,
		RPMLimit:   10,
	}
}

func testConfig() *model.EmailConfig {
	return &model.EmailConfig{
		ID:              uuid.New(),
		Provider:        model.ProviderSMTP,
		SenderEmail:     "postcards@acme.example",
		DefaultSubject:  "A postcard for you",
		DefaultMessage:  "Greetings!",
		DefaultLanguage: "en",
		Enabled:         true,
	}
}

func validInput() CreatePostcard {
	return CreatePostcard{
		LangCode:    "fr",
		Subject:     "Bonjour",
		Message:     "Salut de Paris",
		ToEmail:     "dest@example.com",
		ImageSource: model.ImageSourceDefault,
	}
}

func newTestService(requests *fakeRequestStore, configs *fakeConfigStore) *Service {
	svc := NewService(requests, configs)
	svc.now = func() time.Time {
		return time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	}
	return svc
}

func TestCreateRequest_Accepted(t *testing.T) {
	requests := newFakeRequestStore()
	svc := newTestService(requests, &fakeConfigStore{cfg: testConfig()})

	id, err := svc.CreateRequest(context.Background(), testClient(), validInput(), "")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	require.Len(t, requests.inserted, 1)
	got := requests.inserted[0]
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, "dest@example.com", got.ToEmail)
	assert.Equal(t, "fr", got.LangCode)
	assert.Equal(t, "Bonjour", got.Subject)
}

func TestCreateRequest_ContentEscapedAtEnqueue(t *testing.T) {
	requests := newFakeRequestStore()
	svc := newTestService(requests, &fakeConfigStore{cfg: testConfig()})

	in := validInput()
	in.Subject = `<b>Hi</b>`
	in.Message = `a & b <script>`

	_, err := svc.CreateRequest(context.Background(), testClient(), in, "")
	require.NoError(t, err)

	got := requests.inserted[0]
	assert.Equal(t, "&lt;b&gt;Hi&lt;/b&gt;", got.Subject)
	assert.Equal(t, "a &amp; b &lt;script&gt;", got.Message)
}

func TestCreateRequest_DefaultsFromConfig(t *testing.T) {
	requests := newFakeRequestStore()
	svc := newTestService(requests, &fakeConfigStore{cfg: testConfig()})

	in := validInput()
	in.Subject = ""
	in.Message = ""
	in.LangCode = ""

	_, err := svc.CreateRequest(context.Background(), testClient(), in, "")
	require.NoError(t, err)

	got := requests.inserted[0]
	assert.Equal(t, "A postcard for you", got.Subject)
	assert.Equal(t, "Greetings!", got.Message)
	assert.Equal(t, "en", got.LangCode)
}

func TestCreateRequest_IdempotentReplay(t *testing.T) {
	requests := newFakeRequestStore()
	// Quota exhausted: the replay must still succeed because it bypasses
	// quota entirely.
	requests.daily = 1000
	requests.rpm = 1000

	existing := &model.EmailRequest{ID: uuid.New(), IdempotencyKey: "key-1"}
	requests.byKey["key-1"] = existing

	svc := newTestService(requests, &fakeConfigStore{cfg: testConfig()})

	id, err := svc.CreateRequest(context.Background(), testClient(), validInput(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, id)
	assert.Empty(t, requests.inserted)
}

func TestCreateRequest_NoKeyNoDeduplication(t *testing.T) {
	requests := newFakeRequestStore()
	svc := newTestService(requests, &fakeConfigStore{cfg: testConfig()})

	id1, err := svc.CreateRequest(context.Background(), testClient(), validInput(), "")
	require.NoError(t, err)
	id2, err := svc.CreateRequest(context.Background(), testClient(), validInput(), "")
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
	assert.Len(t, requests.inserted, 2)
}

func TestCreateRequest_RPMLimit(t *testing.T) {
	requests := newFakeRequestStore()
	requests.rpm = 1
	svc := newTestService(requests, &fakeConfigStore{cfg: testConfig()})

	client := testClient()
	client.RPMLimit = 1

	_, err := svc.CreateRequest(context.Background(), client, validInput(), "")
	assert.Equal(t, apperr.CodeRPMLimitExceeded, apperr.CodeOf(err))
	assert.Empty(t, requests.inserted)
}

func TestCreateRequest_RPMCheckedBeforeDaily(t *testing.T) {
	requests := newFakeRequestStore()
	requests.rpm = 5
	requests.daily = 500
	svc := newTestService(requests, &fakeConfigStore{cfg: testConfig()})

	client := testClient()
	client.RPMLimit = 5
	client.DailyQuota = 100

	// Both policies are violated; the per-minute one reports first.
	_, err := svc.CreateRequest(context.Background(), client, validInput(), "")
	assert.Equal(t, apperr.CodeRPMLimitExceeded, apperr.CodeOf(err))
}

func TestCreateRequest_ZeroDailyQuota(t *testing.T) {
	requests := newFakeRequestStore()
	svc := newTestService(requests, &fakeConfigStore{cfg: testConfig()})

	client := testClient()
	client.DailyQuota = 0

	_, err := svc.CreateRequest(context.Background(), client, validInput(), "")
	assert.Equal(t, apperr.CodeDailyQuotaExceeded, apperr.CodeOf(err))
	assert.Empty(t, requests.inserted)
}

func TestCreateRequest_ConfigNotFound(t *testing.T) {
	requests := newFakeRequestStore()
	svc := newTestService(requests, &fakeConfigStore{err: storage.ErrNotFound})

	_, err := svc.CreateRequest(context.Background(), testClient(), validInput(), "")
	assert.Equal(t, apperr.CodeEmailConfigNotFound, apperr.CodeOf(err))
	assert.Empty(t, requests.inserted)
}

func TestCreateRequest_DuplicateInsertResolvedToWinner(t *testing.T) {
	requests := newFakeRequestStore()
	winner := &model.EmailRequest{ID: uuid.New(), IdempotencyKey: "key-2"}
	requests.raceWinner = winner

	svc := newTestService(requests, &fakeConfigStore{cfg: testConfig()})

	id, err := svc.CreateRequest(context.Background(), testClient(), validInput(), "key-2")
	require.NoError(t, err)
	assert.Equal(t, winner.ID, id)
}
