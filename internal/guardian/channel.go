package guardian

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"github.com/nikahlink/backend/config"
	"github.com/nikahlink/backend/internal/profiles"
)

// EmailChannel delivers notifications over SMTP to the guardian's e-mail.
type EmailChannel struct {
	cfg    config.EmailConfig
	logger *zap.Logger
}

// NewEmailChannel creates an SMTP delivery channel.
func NewEmailChannel(cfg config.EmailConfig, logger *zap.Logger) *EmailChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmailChannel{cfg: cfg, logger: logger}
}

// Send delivers one message. Honors ctx cancellation by running the SMTP
// exchange in a goroutine; SMTP itself has no context support.
func (e *EmailChannel) Send(ctx context.Context, contact profiles.GuardianContact, subject, body string) error {
	if contact.Email == "" {
		return fmt.Errorf("guardian contact has no email address")
	}
	if e.cfg.SMTPHost == "" {
		return fmt.Errorf("smtp not configured")
	}

	msg := e.buildMessage(contact, subject, body)
	addr := fmt.Sprintf("%s:%d", e.cfg.SMTPHost, e.cfg.SMTPPort)
	var auth smtp.Auth
	if e.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", e.cfg.SMTPUser, e.cfg.SMTPPass, e.cfg.SMTPHost)
	}

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, e.cfg.FromAddress, []string{contact.Email}, msg)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	}
}

func (e *EmailChannel) buildMessage(contact profiles.GuardianContact, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\r\n", e.cfg.FromName, e.cfg.FromAddress)
	fmt.Fprintf(&b, "To: %s\r\n", contact.Email)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// WebhookChannel POSTs notifications as JSON to an external endpoint, for
// deployments that route guardian alerts through their own delivery provider.
type WebhookChannel struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewWebhookChannel creates a webhook delivery channel. client may be nil to
// use http.DefaultClient.
func NewWebhookChannel(url string, client *http.Client, logger *zap.Logger) *WebhookChannel {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookChannel{url: url, client: client, logger: logger}
}

// webhookBody is the JSON payload posted to the webhook endpoint.
type webhookBody struct {
	Contact profiles.GuardianContact `json:"contact"`
	Subject string                   `json:"subject"`
	Body    string                   `json:"body"`
}

// Send posts the notification. Non-2xx responses are delivery failures.
func (w *WebhookChannel) Send(ctx context.Context, contact profiles.GuardianContact, subject, body string) error {
	raw, err := json.Marshal(webhookBody{Contact: contact, Subject: subject, Body: body})
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook status: %d", resp.StatusCode)
	}
	return nil
}
