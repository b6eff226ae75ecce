// Package model holds the persistent domain types shared by the gateway
// and the delivery worker.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the lifecycle state of a queued email request.
type RequestStatus string

const (
	StatusPending RequestStatus = "PENDING"
	StatusSending RequestStatus = "SENDING"
	StatusSent    RequestStatus = "SENT"
	StatusFailed  RequestStatus = "FAILED"
)

// Provider selects how the delivery channel is built for a tenant.
type Provider string

const (
	ProviderSMTP      Provider = "SMTP"
	ProviderGoogle    Provider = "GOOGLE"
	ProviderMicrosoft Provider = "MICROSOFT"
)

// ImageSource selects where the postcard image is resolved from.
type ImageSource string

const (
	ImageSourceDefault       ImageSource = "DEFAULT"
	ImageSourceClientStorage ImageSource = "CLIENT_STORAGE"
)

// ValidImageSource reports whether s is a known image source.
func ValidImageSource(s ImageSource) bool {
	return s == ImageSourceDefault || s == ImageSourceClientStorage
}

// Client is a registered tenant application. The API key is stored only as
// a salted hash; the HMAC signing secret only in encrypted form.
type Client struct {
	ID             uuid.UUID
	Name           string
	APIKeyHash     string
	HMACSecretEnc  string
	Enabled        bool
	DailyQuota     int
	RPMLimit       int
	AllowedOrigins []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EmailConfig is a tenant's delivery configuration, at most one per client.
// The SMTP password is stored only in encrypted form.
type EmailConfig struct {
	ID              uuid.UUID
	ClientID        uuid.UUID
	Provider        Provider
	SenderEmail     string
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPasswordEnc string
	SMTPTLS         bool
	DefaultSubject  string
	DefaultMessage  string
	DefaultLanguage string
	Enabled         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EmailRequest is one queued postcard delivery. (ClientID, IdempotencyKey)
// is unique when the key is set; the constraint lives in the database so
// concurrent duplicates collapse to one row.
type EmailRequest struct {
	ID             uuid.UUID
	ClientID       uuid.UUID
	ToEmail        string
	LangCode       string
	Subject        string
	Message        string
	ImageSource    ImageSource
	ImagePath      string
	Status         RequestStatus
	ErrorMessage   string
	RetryCount     int
	CreatedAt      time.Time
	ProcessedAt    *time.Time
	IdempotencyKey string
}
