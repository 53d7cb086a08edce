package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/shaharia-lab/outagewatch/internal/render"
	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// SMTPConfig holds connection parameters for the SMTP dispatcher.
type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	FromAddr   string
	FromName   string
	Encryption string // "none", "starttls", "ssl_tls"
	Timeout    time.Duration
}

// SMTPDispatcher delivers email over SMTP using go-mail.
type SMTPDispatcher struct {
	config SMTPConfig
	logger *slog.Logger
}

// NewSMTPDispatcher returns an SMTP email dispatcher.
func NewSMTPDispatcher(config SMTPConfig, logger *slog.Logger) *SMTPDispatcher {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &SMTPDispatcher{config: config, logger: logger}
}

// Channel implements Dispatcher.
func (d *SMTPDispatcher) Channel() storage.ChannelType { return storage.ChannelEmail }

// Send implements Dispatcher.
func (d *SMTPDispatcher) Send(ctx context.Context, address string, content render.Content) Outcome {
	if err := ValidateEmail(address); err != nil {
		return Reject(storage.ChannelEmail, err)
	}

	m := mail.NewMsg()
	if d.config.FromName != "" {
		if err := m.FromFormat(d.config.FromName, d.config.FromAddr); err != nil {
			return Fail(storage.ChannelEmail, fmt.Errorf("invalid from address: %w", err))
		}
	} else if err := m.From(d.config.FromAddr); err != nil {
		return Fail(storage.ChannelEmail, fmt.Errorf("invalid from address: %w", err))
	}
	if err := m.To(address); err != nil {
		return Reject(storage.ChannelEmail, fmt.Errorf("invalid recipient %q: %w", address, err))
	}
	m.Subject(content.Subject)
	m.SetMessageID()

	// Plain-text fallback for clients that don't render HTML.
	m.SetBodyString(mail.TypeTextPlain, content.Body)
	if html, err := buildEmailHTML(d.senderName(), content.Locale, content.Subject, content.Body); err == nil {
		m.AddAlternativeString(mail.TypeTextHTML, html)
	}

	c, err := mail.NewClient(d.config.Host, d.clientOptions()...)
	if err != nil {
		return Fail(storage.ChannelEmail, fmt.Errorf("failed to create mail client: %w", err))
	}

	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return classifySMTPError(err)
	}
	return Accept(m.GetMessageID())
}

func (d *SMTPDispatcher) senderName() string {
	if d.config.FromName != "" {
		return d.config.FromName
	}
	return "Outage Alerts"
}

func (d *SMTPDispatcher) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(d.config.Port),
		mail.WithTLSPolicy(tlsPolicyFromEncryption(d.config.Encryption)),
		mail.WithTimeout(d.config.Timeout),
	}
	if d.config.Encryption == "ssl_tls" {
		opts = append(opts, mail.WithSSLPort(false))
	}
	if d.config.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(d.config.Username),
			mail.WithPassword(d.config.Password),
		)
	}
	return opts
}

// classifySMTPError maps a go-mail error to an outcome. A 5xx reply that the
// server marks permanent is a rejection; everything else, including dial and
// network errors, may clear up.
func classifySMTPError(err error) Outcome {
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) && !sendErr.IsTemp() && sendErr.ErrorCode() >= 500 {
		return Reject(storage.ChannelEmail, err)
	}
	return Fail(storage.ChannelEmail, err)
}

// tlsPolicyFromEncryption converts the encryption string to a go-mail TLSPolicy.
func tlsPolicyFromEncryption(enc string) mail.TLSPolicy {
	switch enc {
	case "ssl_tls", "starttls_mandatory":
		return mail.TLSMandatory
	case "starttls":
		return mail.TLSOpportunistic
	default:
		return mail.NoTLS
	}
}
