package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"
)

var (
	// ErrMissingAPIKey indicates that email is enabled without a Resend API key.
	ErrMissingAPIKey = errors.New("email: resend api key is required")
	// ErrMissingFromAddress indicates that email is enabled without a sender address.
	ErrMissingFromAddress = errors.New("email: from address is required")
	// ErrInvalidAddress indicates an empty recipient address.
	ErrInvalidAddress = errors.New("email: recipient address is required")
)

// EmailsAPI is the slice of the Resend client used for sending.
type EmailsAPI interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// ResendConfig configures the Resend-backed sender.
type ResendConfig struct {
	APIKey string
	From   string
	// RedirectTo, when set, receives every message instead of the real
	// recipient. Intended for development environments.
	RedirectTo string
	// Client overrides the Resend API client.
	Client EmailsAPI
	Logger *zap.Logger
}

// ResendSender sends notification email through Resend.
type ResendSender struct {
	client     EmailsAPI
	from       string
	redirectTo string
	logger     *zap.Logger
}

// NewResendSender validates cfg and constructs the sender.
func NewResendSender(cfg ResendConfig) (*ResendSender, error) {
	from := strings.TrimSpace(cfg.From)
	if from == "" {
		return nil, ErrMissingFromAddress
	}
	client := cfg.Client
	if client == nil {
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return nil, ErrMissingAPIKey
		}
		client = resend.NewClient(apiKey).Emails
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResendSender{
		client:     client,
		from:       from,
		redirectTo: strings.TrimSpace(cfg.RedirectTo),
		logger:     logger.Named("resend"),
	}, nil
}

// Send delivers content to address.
func (s *ResendSender) Send(ctx context.Context, address string, content Content) (Result, error) {
	recipient := strings.TrimSpace(address)
	if recipient == "" {
		return TransientError, ErrInvalidAddress
	}
	subject := content.Subject
	if s.redirectTo != "" {
		subject = fmt.Sprintf("[redirected from %s] %s", recipient, subject)
		recipient = s.redirectTo
	}

	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{recipient},
		Subject: subject,
		Html:    content.HTML,
		Text:    content.Text,
	}
	response, err := s.client.SendWithContext(ctx, params)
	if err != nil {
		return TransientError, fmt.Errorf("email: resend send: %w", err)
	}
	if response != nil {
		s.logger.Debug("email accepted", zap.String("message_id", response.Id))
	}
	return Delivered, nil
}
