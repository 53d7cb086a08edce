package channel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mrz1836/postmark"

	"github.com/shaharia-lab/outagewatch/internal/render"
	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// Postmark API error codes that mean the recipient will never accept mail.
// See https://postmarkapp.com/developer/api/overview#error-codes.
const (
	postmarkInvalidEmail      = 300
	postmarkInactiveRecipient = 406
)

// PostmarkConfig holds Postmark API credentials.
type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	FromAddr     string
	FromName     string
	MessageTag   string
	// BaseURL overrides the API endpoint. Empty uses Postmark's.
	BaseURL string
}

// PostmarkDispatcher delivers email through Postmark's transactional API.
type PostmarkDispatcher struct {
	client *postmark.Client
	config PostmarkConfig
	logger *slog.Logger
}

// NewPostmarkDispatcher returns a Postmark email dispatcher.
func NewPostmarkDispatcher(config PostmarkConfig, logger *slog.Logger) (*PostmarkDispatcher, error) {
	if config.ServerToken == "" {
		return nil, fmt.Errorf("postmark server token is required")
	}
	if err := ValidateEmail(config.FromAddr); err != nil {
		return nil, fmt.Errorf("postmark sender: %w", err)
	}
	client := postmark.NewClient(config.ServerToken, config.AccountToken)
	if config.BaseURL != "" {
		client.BaseURL = config.BaseURL
	}
	return &PostmarkDispatcher{client: client, config: config, logger: logger}, nil
}

// Channel implements Dispatcher.
func (d *PostmarkDispatcher) Channel() storage.ChannelType { return storage.ChannelEmail }

// Send implements Dispatcher.
func (d *PostmarkDispatcher) Send(ctx context.Context, address string, content render.Content) Outcome {
	if err := ValidateEmail(address); err != nil {
		return Reject(storage.ChannelEmail, err)
	}

	from := d.config.FromAddr
	sender := "Outage Alerts"
	if d.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", d.config.FromName, d.config.FromAddr)
		sender = d.config.FromName
	}
	html, err := buildEmailHTML(sender, content.Locale, content.Subject, content.Body)
	if err != nil {
		html = ""
	}

	resp, err := d.client.SendEmail(ctx, postmark.Email{
		From:     from,
		To:       address,
		Subject:  content.Subject,
		Tag:      d.config.MessageTag,
		TextBody: content.Body,
		HTMLBody: html,
	})
	// The client reports API errors both in the response body and as err, so
	// the code is checked first.
	switch {
	case resp.ErrorCode == postmarkInvalidEmail || resp.ErrorCode == postmarkInactiveRecipient:
		return Reject(storage.ChannelEmail, fmt.Errorf("postmark error %d: %s", resp.ErrorCode, resp.Message))
	case resp.ErrorCode > 0:
		return Fail(storage.ChannelEmail, fmt.Errorf("postmark error %d: %s", resp.ErrorCode, resp.Message))
	case err != nil:
		return Fail(storage.ChannelEmail, fmt.Errorf("postmark request: %w", err))
	}
	return Accept(resp.MessageID)
}
