package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shaharia-lab/outagewatch/internal/render"
	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// SMSConfig configures an HTTP form-post SMS gateway.
type SMSConfig struct {
	URL      string
	APIKey   string
	UserID   string
	Password string
	SenderID string
	Timeout  time.Duration
}

// SMSDispatcher posts messages to an HTTP SMS gateway.
type SMSDispatcher struct {
	config SMSConfig
	client *http.Client
	logger *slog.Logger
}

// NewSMSDispatcher returns an SMS dispatcher. A nil client gets a default one
// with the configured timeout.
func NewSMSDispatcher(config SMSConfig, client *http.Client, logger *slog.Logger) (*SMSDispatcher, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("sms gateway url is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &SMSDispatcher{config: config, client: client, logger: logger}, nil
}

// Channel implements Dispatcher.
func (d *SMSDispatcher) Channel() storage.ChannelType { return storage.ChannelSMS }

// gatewayResponse covers the id field names common gateways use.
type gatewayResponse struct {
	MessageID  string `json:"message_id"`
	MessageID2 string `json:"messageId"`
	ID         string `json:"id"`
	Status     string `json:"status"`
}

func (r gatewayResponse) id() string {
	for _, v := range []string{r.MessageID, r.MessageID2, r.ID} {
		if v != "" {
			return v
		}
	}
	return ""
}

// Send implements Dispatcher. 2xx is accepted; 429, 5xx and transport errors
// are transient; any other status is a rejection.
func (d *SMSDispatcher) Send(ctx context.Context, address string, content render.Content) Outcome {
	phone, err := NormalizePhone(address)
	if err != nil {
		return Reject(storage.ChannelSMS, err)
	}

	form := url.Values{}
	form.Set("mobile", phone)
	form.Set("msg", content.Body)
	form.Set("msgType", "text")
	form.Set("output", "json")
	if d.config.SenderID != "" {
		form.Set("senderid", d.config.SenderID)
	}
	if d.config.UserID != "" {
		form.Set("userid", d.config.UserID)
		form.Set("password", d.config.Password)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.config.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return Fail(storage.ChannelSMS, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if d.config.APIKey != "" {
		req.Header.Set("apikey", d.config.APIKey)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return Fail(storage.ChannelSMS, fmt.Errorf("http error: %w", err))
	}
	defer resp.Body.Close() //nolint:errcheck

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	d.logger.Debug("sms gateway responded",
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var gr gatewayResponse
		if len(body) > 0 {
			if err := json.Unmarshal(body, &gr); err != nil {
				d.logger.Warn("sms gateway returned non-JSON body", "error", err)
			}
		}
		return Accept(gr.id())
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Fail(storage.ChannelSMS, gatewayError(resp.StatusCode, body))
	default:
		return Reject(storage.ChannelSMS, gatewayError(resp.StatusCode, body))
	}
}

func gatewayError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Errorf("sms gateway status %d: %s", status, msg)
}
