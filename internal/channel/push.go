package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	fcm "google.golang.org/api/fcm/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/shaharia-lab/outagewatch/internal/render"
	"github.com/shaharia-lab/outagewatch/internal/storage"
)

const fcmScope = "https://www.googleapis.com/auth/firebase.messaging"

// PushConfig configures Firebase Cloud Messaging.
type PushConfig struct {
	ProjectID       string
	CredentialsFile string
	// Endpoint overrides the FCM base URL. Used by tests and emulators.
	Endpoint string
}

// PushDispatcher sends push notifications through the FCM v1 API.
type PushDispatcher struct {
	parent string
	svc    *fcm.Service
	logger *slog.Logger
}

// NewPushDispatcher creates an FCM dispatcher. When httpClient is nil an
// OAuth2 client is built from the service account credentials file.
func NewPushDispatcher(ctx context.Context, config PushConfig, httpClient *http.Client, logger *slog.Logger) (*PushDispatcher, error) {
	if config.ProjectID == "" {
		return nil, fmt.Errorf("fcm project id is required")
	}
	if httpClient == nil {
		data, err := os.ReadFile(config.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("reading fcm credentials: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, fcmScope)
		if err != nil {
			return nil, fmt.Errorf("parsing fcm credentials: %w", err)
		}
		httpClient = oauth2.NewClient(ctx, creds.TokenSource)
	}

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if config.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(strings.TrimSuffix(config.Endpoint, "/")+"/"))
	}
	svc, err := fcm.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating fcm service: %w", err)
	}
	return &PushDispatcher{
		parent: "projects/" + config.ProjectID,
		svc:    svc,
		logger: logger,
	}, nil
}

// Channel implements Dispatcher.
func (d *PushDispatcher) Channel() storage.ChannelType { return storage.ChannelPush }

// Send implements Dispatcher.
func (d *PushDispatcher) Send(ctx context.Context, address string, content render.Content) Outcome {
	token := strings.TrimSpace(address)
	if token == "" {
		return Reject(storage.ChannelPush, errors.New("empty push token"))
	}

	data := make(map[string]string, 3)
	for _, k := range []string{"outage_id", "outage_type", "status"} {
		if v, ok := content.Data[k]; ok {
			data[k] = v
		}
	}
	req := &fcm.SendMessageRequest{
		Message: &fcm.Message{
			Token: token,
			Notification: &fcm.Notification{
				Title: content.Subject,
				Body:  content.Body,
			},
			Data: data,
		},
	}

	msg, err := d.svc.Projects.Messages.Send(d.parent, req).Context(ctx).Do()
	if err != nil {
		return classifyFCMError(err)
	}
	d.logger.Debug("push accepted", "message_name", msg.Name)
	return Accept(msg.Name)
}

// classifyFCMError treats bad requests, unregistered tokens and sender
// mismatches as permanent. Everything else, including quota errors, may pass.
func classifyFCMError(err error) Outcome {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound:
			return Reject(storage.ChannelPush, err)
		}
	}
	return Fail(storage.ChannelPush, err)
}
