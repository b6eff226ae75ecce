package delivery

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartolane/cartolane/internal/model"
)

func TestNewSMTPChannel_ProviderPinning(t *testing.T) {
	cfg := completeConfig()
	cfg.Provider = model.ProviderGoogle
	cfg.SMTPHost = "ignored.example"
	cfg.SMTPPort = 25
	cfg.SMTPTLS = false

	ch, err := newSMTPChannel(cfg, "pw")
	require.NoError(t, err)

	sc := ch.(*smtpChannel)
	assert.Equal(t, "smtp.gmail.com", sc.host)
	assert.Equal(t, 587, sc.port)
	assert.True(t, sc.startTLS)

	cfg.Provider = model.ProviderMicrosoft
	ch, err = newSMTPChannel(cfg, "pw")
	require.NoError(t, err)
	assert.Equal(t, "smtp.office365.com", ch.(*smtpChannel).host)
}

func TestNewSMTPChannel_PlainSMTPKeepsTenantHost(t *testing.T) {
	cfg := completeConfig()

	ch, err := newSMTPChannel(cfg, "pw")
	require.NoError(t, err)

	sc := ch.(*smtpChannel)
	assert.Equal(t, "mail.acme.example", sc.host)
	assert.Equal(t, 587, sc.port)
}

func TestNewSMTPChannel_Rejections(t *testing.T) {
	cfg := completeConfig()
	cfg.Provider = "PIGEON"
	_, err := newSMTPChannel(cfg, "pw")
	assert.ErrorContains(t, err, "unsupported provider")

	cfg = completeConfig()
	cfg.SenderEmail = "not an address"
	_, err = newSMTPChannel(cfg, "pw")
	assert.ErrorContains(t, err, "invalid sender address")
}

func TestSanitizeAddress(t *testing.T) {
	got, err := sanitizeAddress("Jo Doe <jo@example.com>")
	require.NoError(t, err)
	assert.Equal(t, "jo@example.com", got)

	_, err = sanitizeAddress("jo@example.com\r\nBcc: spam@evil.example")
	assert.Error(t, err)

	_, err = sanitizeAddress("")
	assert.Error(t, err)
}

func TestBuildMIME_InlineImage(t *testing.T) {
	msg := &Message{
		From:        "postcards@acme.example",
		To:          "dest@example.com",
		Subject:     "Salut à tous",
		HTML:        `<img src="cid:postcardImage">`,
		InlineImage: []byte("\x89PNG\r\n\x1a\nfakepixels"),
		ImageName:   "postcards/postcard-2.png",
		ContentID:   "postcardImage",
	}

	raw, err := buildMIME(msg.From, msg.To, msg)
	require.NoError(t, err)
	s := string(raw)

	assert.Contains(t, s, "From: postcards@acme.example\r\n")
	assert.Contains(t, s, "To: dest@example.com\r\n")
	// Non-ASCII subjects get Q-encoded.
	assert.Contains(t, s, "Subject: =?utf-8?q?")
	assert.Contains(t, s, "Content-Type: multipart/related; boundary=")
	assert.Contains(t, s, "Content-Type: text/html; charset=UTF-8")
	assert.Contains(t, s, "Content-ID: <postcardImage>\r\n")
	assert.Contains(t, s, `Content-Disposition: inline; filename="postcard-2.png"`)
	assert.Contains(t, s, "Content-Transfer-Encoding: base64")
	assert.True(t, strings.HasSuffix(s, "--\r\n"))
}

func TestBuildMIME_NoImagePart(t *testing.T) {
	msg := &Message{
		From:    "postcards@acme.example",
		To:      "dest@example.com",
		Subject: "Hello",
		HTML:    "<p>hi</p>",
	}

	raw, err := buildMIME(msg.From, msg.To, msg)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Content-ID")
}

func TestWrapBase64(t *testing.T) {
	long := strings.Repeat("A", 200)
	wrapped := wrapBase64(long)

	for _, line := range strings.Split(wrapped, "\r\n") {
		assert.LessOrEqual(t, len(line), 76)
	}
	assert.Equal(t, long, strings.ReplaceAll(wrapped, "\r\n", ""))
}
