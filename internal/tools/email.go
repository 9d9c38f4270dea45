package tools

import (
	"context"
	"log/slog"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/quarrylabs/quarry/internal/agent"
	"github.com/quarrylabs/quarry/internal/config"
)

// mailSender abstracts gomail's dialer so tests run without a relay.
// *gomail.Dialer satisfies it.
type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SendEmail sends a message through the configured SMTP relay. An
// unconfigured relay is not a constructor error: the tool stays
// registered and reports the missing configuration per call, so plans
// that never email still run.
type SendEmail struct {
	cfg    config.SMTPConfig
	sender mailSender
	logger *slog.Logger
}

// NewSendEmail creates the email tool. sender is optional; nil uses a
// real SMTP dialer built from cfg.
func NewSendEmail(cfg config.SMTPConfig, sender mailSender, logger *slog.Logger) *SendEmail {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil && cfg.Configured() {
		sender = gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	}
	return &SendEmail{cfg: cfg, sender: sender, logger: logger}
}

// Name implements agent.Tool.
func (t *SendEmail) Name() string { return "send_email" }

// Description implements agent.Tool.
func (t *SendEmail) Description() string {
	return "Send an email through the configured relay. " +
		"Input: to (required, comma-separated), subject (required), body (required)."
}

// Execute implements agent.Tool.
func (t *SendEmail) Execute(_ context.Context, input map[string]any) agent.Result {
	if t.sender == nil || !t.cfg.Configured() {
		return agent.Failure("not_configured", "no SMTP relay is configured")
	}

	to := splitAddresses(stringArg(input, "to"))
	subject := stringArg(input, "subject")
	body := stringArg(input, "body")
	if len(to) == 0 {
		return agent.Failure("invalid_input", "to is required")
	}
	if subject == "" {
		return agent.Failure("invalid_input", "subject is required")
	}
	if body == "" {
		return agent.Failure("invalid_input", "body is required")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", t.cfg.From)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	if err := t.sender.DialAndSend(m); err != nil {
		t.logger.Warn("email send failed", "recipients", len(to), "error", err)
		return agent.Failuref("send_failed", "sending email: %v", err)
	}

	t.logger.Info("email sent", "recipients", len(to), "subject", subject)
	return agent.Success(map[string]any{
		"recipients": to,
		"subject":    subject,
	})
}

func splitAddresses(raw string) []string {
	var out []string
	for _, a := range strings.Split(raw, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
