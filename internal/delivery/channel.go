package delivery

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/mail"
	"net/smtp"
	"path/filepath"
	"strings"
	"time"

	"github.com/cartolane/cartolane/internal/model"
)

// Message is one rendered postcard ready for transmission.
type Message struct {
	From        string
	To          string
	Subject     string
	HTML        string
	InlineImage []byte
	ImageName   string
	ContentID   string
}

// Channel transmits rendered messages for one tenant. Construction is
// expensive (validation, credential decryption), so channels are cached
// per tenant and reused.
type Channel interface {
	Send(ctx context.Context, msg *Message) error
}

// smtpChannel sends over SMTP with STARTTLS (or implicit TLS on 465).
// Timeouts bound every phase so one unreachable host cannot hang a
// dispatch worker.
type smtpChannel struct {
	host     string
	port     int
	username string
	password string
	startTLS bool
	timeout  time.Duration
}

const smtpTimeout = 5 * time.Second

// newSMTPChannel builds the per-tenant channel. GOOGLE and MICROSOFT
// providers pin their well-known relay; credentials still come from the
// tenant config (provider OAuth remains stubbed).
func newSMTPChannel(cfg *model.EmailConfig, password string) (Channel, error) {
	ch := &smtpChannel{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.SMTPUsername,
		password: password,
		startTLS: cfg.SMTPTLS,
		timeout:  smtpTimeout,
	}

	switch cfg.Provider {
	case model.ProviderGoogle:
		ch.host, ch.port, ch.startTLS = "smtp.gmail.com", 587, true
	case model.ProviderMicrosoft:
		ch.host, ch.port, ch.startTLS = "smtp.office365.com", 587, true
	case model.ProviderSMTP:
		// Tenant-supplied host and port.
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}

	if _, err := mail.ParseAddress(cfg.SenderEmail); err != nil {
		return nil, fmt.Errorf("invalid sender address: %w", err)
	}
	return ch, nil
}

func (c *smtpChannel) Send(ctx context.Context, msg *Message) error {
	toAddr, err := sanitizeAddress(msg.To)
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	fromAddr, err := sanitizeAddress(msg.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	payload, err := buildMIME(fromAddr, toAddr, msg)
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	dialer := &net.Dialer{Timeout: c.timeout}

	var conn net.Conn
	if c.port == 465 {
		// Implicit TLS.
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, c.tlsConfig())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()

	// One deadline bounds the whole exchange; every read and write after
	// this point inherits it.
	if err := conn.SetDeadline(time.Now().Add(4 * c.timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, c.host)
	if err != nil {
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Quit()

	if c.startTLS && c.port != 465 {
		if err := client.StartTLS(c.tlsConfig()); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if c.username != "" {
		auth := smtp.PlainAuth("", c.username, c.password, c.host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(fromAddr); err != nil {
		return fmt.Errorf("smtp MAIL: %w", err)
	}
	if err := client.Rcpt(toAddr); err != nil {
		return fmt.Errorf("smtp RCPT: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := writer.Write(payload); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalize message: %w", err)
	}
	return nil
}

func (c *smtpChannel) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName: c.host,
		MinVersion: tls.VersionTLS12,
	}
}

// sanitizeAddress validates RFC 5322 format and blocks CRLF header
// injection. Fail-closed.
func sanitizeAddress(addr string) (string, error) {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return "", fmt.Errorf("invalid email format: %w", err)
	}
	if strings.ContainsAny(parsed.Address, "\r\n") || strings.ContainsAny(parsed.Name, "\r\n") {
		return "", fmt.Errorf("address contains CRLF")
	}
	return parsed.Address, nil
}

// buildMIME assembles a multipart/related message: the HTML body plus the
// postcard image inlined under its cid.
func buildMIME(from, to string, msg *Message) ([]byte, error) {
	var b strings.Builder
	boundary := "cartolane-" + fmt.Sprintf("%x", time.Now().UnixNano())

	subject := mime.QEncoding.Encode("utf-8", msg.Subject)

	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/related; boundary=%q\r\n", boundary)
	b.WriteString("\r\n")

	// HTML part.
	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.HTML)
	b.WriteString("\r\n")

	// Inline image part.
	if len(msg.InlineImage) > 0 {
		contentType := http.DetectContentType(msg.InlineImage)
		fmt.Fprintf(&b, "--%s\r\n", boundary)
		fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
		b.WriteString("Content-Transfer-Encoding: base64\r\n")
		fmt.Fprintf(&b, "Content-ID: <%s>\r\n", msg.ContentID)
		fmt.Fprintf(&b, "Content-Disposition: inline; filename=%q\r\n", filepath.Base(msg.ImageName))
		b.WriteString("\r\n")
		b.WriteString(wrapBase64(base64.StdEncoding.EncodeToString(msg.InlineImage)))
		b.WriteString("\r\n")
	}

	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return []byte(b.String()), nil
}

// wrapBase64 folds encoded data at 76 columns per RFC 2045.
func wrapBase64(s string) string {
	const width = 76
	var b strings.Builder
	for len(s) > width {
		b.WriteString(s[:width])
		b.WriteString("\r\n")
		s = s[width:]
	}
	b.WriteString(s)
	return b.String()
}
