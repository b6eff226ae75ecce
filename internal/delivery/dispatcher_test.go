package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartolane/cartolane/internal/model"
	"github.com/cartolane/cartolane/internal/postcard"
	"github.com/cartolane/cartolane/internal/storage"
)

type fakeOutcomes struct {
	mu      sync.Mutex
	updates []statusUpdate
}

func (f *fakeOutcomes) UpdateAfterDispatch(_ context.Context, id uuid.UUID, status model.RequestStatus, errorMessage string, retryCount int, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, statusUpdate{id: id, status: status, message: errorMessage, retry: retryCount})
	return nil
}

func (f *fakeOutcomes) last(t *testing.T) statusUpdate {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.updates)
	return f.updates[len(f.updates)-1]
}

type fakeConfigs struct {
	mu    sync.Mutex
	cfg   *model.EmailConfig
	err   error
	loads int32
}

func (f *fakeConfigs) ByClientID(_ context.Context, _ uuid.UUID) (*model.EmailConfig, error) {
	atomic.AddInt32(&f.loads, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.cfg, nil
}

type passDecrypter struct{}

func (passDecrypter) Decrypt(envelope string) (string, error) { return envelope, nil }

type fakeChannel struct {
	err  error
	sent []*Message
	mu   sync.Mutex
}

func (c *fakeChannel) Send(_ context.Context, msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func completeConfig() *model.EmailConfig {
	return &model.EmailConfig{
		ID:              uuid.New(),
		Provider:        model.ProviderSMTP,
		SenderEmail:     "postcards@acme.example",
		SMTPHost:        "mail.acme.example",
		SMTPPort:        587,
		SMTPUsername:    "mailer",
		SMTPPasswordEnc: "enc:pw",
		SMTPTLS:         true,
		Enabled:         true,
	}
}

func renderedPostcard() *postcard.Rendered {
	return &postcard.Rendered{
		HTML:      "<html>card</html>",
		Postcard:  postcard.Postcard{Filename: "postcards/postcard-3.png", Landscape: true},
		ImageData: []byte{0x89, 'P', 'N', 'G'},
	}
}

func newTestDispatcher(outcomes *fakeOutcomes, configs *fakeConfigs, ch Channel) (*Dispatcher, *int32) {
	d := NewDispatcher(outcomes, configs, passDecrypter{}, 3)
	var built int32
	d.newChannel = func(_ *model.EmailConfig, _ string) (Channel, error) {
		atomic.AddInt32(&built, 1)
		return ch, nil
	}
	return d, &built
}

func TestDispatch_Sent(t *testing.T) {
	outcomes := &fakeOutcomes{}
	ch := &fakeChannel{}
	d, _ := newTestDispatcher(outcomes, &fakeConfigs{cfg: completeConfig()}, ch)

	req := pendingRequest()
	req.Subject = "Hello"
	d.dispatch(context.Background(), req, renderedPostcard())

	upd := outcomes.last(t)
	assert.Equal(t, req.ID, upd.id)
	assert.Equal(t, model.StatusSent, upd.status)
	assert.Empty(t, upd.message)

	require.Len(t, ch.sent, 1)
	msg := ch.sent[0]
	assert.Equal(t, "postcards@acme.example", msg.From)
	assert.Equal(t, req.ToEmail, msg.To)
	assert.Equal(t, "Hello", msg.Subject)
	assert.Equal(t, postcard.ImageContentID, msg.ContentID)
}

func TestDispatch_SendFailureRequeuesBelowBudget(t *testing.T) {
	outcomes := &fakeOutcomes{}
	ch := &fakeChannel{err: errors.New("smtp: 451 try again")}
	d, _ := newTestDispatcher(outcomes, &fakeConfigs{cfg: completeConfig()}, ch)

	req := pendingRequest()
	req.RetryCount = 0
	d.dispatch(context.Background(), req, renderedPostcard())

	upd := outcomes.last(t)
	assert.Equal(t, model.StatusPending, upd.status)
	assert.Equal(t, 1, upd.retry)
	assert.Contains(t, upd.message, "451 try again")
}

func TestDispatch_SendFailureFailsAtBudget(t *testing.T) {
	outcomes := &fakeOutcomes{}
	ch := &fakeChannel{err: errors.New("smtp: 550 rejected")}
	d, _ := newTestDispatcher(outcomes, &fakeConfigs{cfg: completeConfig()}, ch)

	req := pendingRequest()
	req.RetryCount = 2 // third attempt exhausts the budget of 3
	d.dispatch(context.Background(), req, renderedPostcard())

	upd := outcomes.last(t)
	assert.Equal(t, model.StatusFailed, upd.status)
	assert.Equal(t, 3, upd.retry)
}

func TestDispatch_IncompleteConfig(t *testing.T) {
	cfg := completeConfig()
	cfg.SMTPPasswordEnc = ""
	outcomes := &fakeOutcomes{}
	d, built := newTestDispatcher(outcomes, &fakeConfigs{cfg: cfg}, &fakeChannel{})

	d.dispatch(context.Background(), pendingRequest(), renderedPostcard())

	upd := outcomes.last(t)
	assert.Contains(t, upd.message, "EMAIL_CONFIG_INCOMPLETE")
	assert.Zero(t, atomic.LoadInt32(built))
}

func TestDispatch_PinnedProviderSkipsHostCheck(t *testing.T) {
	cfg := completeConfig()
	cfg.Provider = model.ProviderGoogle
	cfg.SMTPHost = ""
	cfg.SMTPPort = 0
	outcomes := &fakeOutcomes{}
	ch := &fakeChannel{}
	d, _ := newTestDispatcher(outcomes, &fakeConfigs{cfg: cfg}, ch)

	d.dispatch(context.Background(), pendingRequest(), renderedPostcard())

	assert.Equal(t, model.StatusSent, outcomes.last(t).status)
}

func TestDispatch_ConfigNotFound(t *testing.T) {
	outcomes := &fakeOutcomes{}
	d, _ := newTestDispatcher(outcomes, &fakeConfigs{err: storage.ErrNotFound}, &fakeChannel{})

	d.dispatch(context.Background(), pendingRequest(), renderedPostcard())

	upd := outcomes.last(t)
	assert.Equal(t, model.StatusPending, upd.status)
	assert.Contains(t, upd.message, "EMAIL_CONFIG_NOT_FOUND")
}

func TestDispatch_ChannelCachedAcrossDispatches(t *testing.T) {
	outcomes := &fakeOutcomes{}
	configs := &fakeConfigs{cfg: completeConfig()}
	ch := &fakeChannel{}
	d, built := newTestDispatcher(outcomes, configs, ch)

	req := pendingRequest()
	d.dispatch(context.Background(), req, renderedPostcard())
	d.dispatch(context.Background(), req, renderedPostcard())

	assert.Equal(t, int32(1), atomic.LoadInt32(built))
	assert.Equal(t, int32(1), atomic.LoadInt32(&configs.loads))
	assert.Len(t, ch.sent, 2)
}

func TestDispatch_ConcurrentFirstAccessBuildsOnce(t *testing.T) {
	outcomes := &fakeOutcomes{}
	ch := &fakeChannel{}
	d := NewDispatcher(outcomes, &fakeConfigs{cfg: completeConfig()}, passDecrypter{}, 3)

	// The first builder parks on the gate so every sibling dispatch is
	// already waiting on the in-flight construction when it completes.
	gate := make(chan struct{})
	var built int32
	d.newChannel = func(_ *model.EmailConfig, _ string) (Channel, error) {
		atomic.AddInt32(&built, 1)
		<-gate
		return ch, nil
	}

	clientID := uuid.New()
	for i := 0; i < 8; i++ {
		req := pendingRequest()
		req.ClientID = clientID
		d.DispatchAsync(context.Background(), req, renderedPostcard())
	}
	time.Sleep(100 * time.Millisecond)
	close(gate)
	d.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&built))
	assert.Len(t, ch.sent, 8)
}

func TestInvalidateClient_RebuildsCaches(t *testing.T) {
	outcomes := &fakeOutcomes{}
	configs := &fakeConfigs{cfg: completeConfig()}
	d, built := newTestDispatcher(outcomes, configs, &fakeChannel{})

	req := pendingRequest()
	d.dispatch(context.Background(), req, renderedPostcard())
	require.Equal(t, int32(1), atomic.LoadInt32(built))

	d.InvalidateClient(req.ClientID)
	d.dispatch(context.Background(), req, renderedPostcard())

	assert.Equal(t, int32(2), atomic.LoadInt32(built))
	assert.Equal(t, int32(2), atomic.LoadInt32(&configs.loads))
}
