package channel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/shaharia-lab/outagewatch/internal/render"
	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// ErrNotPaired is returned when the WhatsApp device store holds no session.
var ErrNotPaired = errors.New("whatsapp device is not paired")

// ErrNotConnected is returned when a message is sent while the session is down.
var ErrNotConnected = errors.New("whatsapp session is not connected")

// WhatsAppClient is the part of a WhatsApp session the dispatcher needs.
type WhatsAppClient interface {
	SendText(ctx context.Context, to types.JID, text string) (string, error)
	OnDelivered(handler func(messageIDs []string))
}

// WhatsAppDispatcher delivers messaging-app notifications over WhatsApp.
type WhatsAppDispatcher struct {
	client WhatsAppClient
	logger *slog.Logger
}

// NewWhatsAppDispatcher wraps a connected client.
func NewWhatsAppDispatcher(client WhatsAppClient, logger *slog.Logger) *WhatsAppDispatcher {
	return &WhatsAppDispatcher{client: client, logger: logger}
}

// Channel implements Dispatcher.
func (d *WhatsAppDispatcher) Channel() storage.ChannelType { return storage.ChannelMessagingApp }

// Send implements Dispatcher.
func (d *WhatsAppDispatcher) Send(ctx context.Context, address string, content render.Content) Outcome {
	jid, err := ParseWhatsAppAddress(address)
	if err != nil {
		return Reject(storage.ChannelMessagingApp, err)
	}
	id, err := d.client.SendText(ctx, jid, content.Body)
	if err != nil {
		return Fail(storage.ChannelMessagingApp, err)
	}
	return Accept(id)
}

// OnDelivered implements DeliveryConfirmer using WhatsApp delivery receipts.
func (d *WhatsAppDispatcher) OnDelivered(handler func(ctx context.Context, c Confirmation)) {
	d.client.OnDelivered(func(ids []string) {
		for _, id := range ids {
			handler(context.Background(), Confirmation{
				Channel:           storage.ChannelMessagingApp,
				ProviderMessageID: id,
			})
		}
	})
}

// ParseWhatsAppAddress accepts either a full JID ("94770000000@s.whatsapp.net")
// or a phone number in E.164 form.
func ParseWhatsAppAddress(address string) (types.JID, error) {
	if strings.Contains(address, "@") {
		jid, err := types.ParseJID(address)
		if err != nil {
			return types.JID{}, fmt.Errorf("invalid whatsapp jid %q: %w", address, err)
		}
		if jid.User == "" {
			return types.JID{}, fmt.Errorf("invalid whatsapp jid %q: missing user", address)
		}
		return jid, nil
	}
	phone, err := NormalizePhone(address)
	if err != nil {
		return types.JID{}, err
	}
	return types.NewJID(strings.TrimPrefix(phone, "+"), types.DefaultUserServer), nil
}

// WhatsAppSession owns a whatsmeow client whose device keys live in SQLite.
type WhatsAppSession struct {
	client *whatsmeow.Client
	logger *slog.Logger

	mu       sync.RWMutex
	handlers []func(messageIDs []string)
}

// NewWhatsAppSession opens the device store on db and creates a client for the
// first stored device. A fresh store yields an unpaired client; call Pair.
func NewWhatsAppSession(ctx context.Context, db *sql.DB, logger *slog.Logger) (*WhatsAppSession, error) {
	waLogger := newWALogger(logger.With("component", "whatsapp"))
	container := sqlstore.NewWithDB(db, "sqlite3", waLogger.Sub("store"))
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("upgrading whatsapp store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading whatsapp device: %w", err)
	}

	s := &WhatsAppSession{
		client: whatsmeow.NewClient(device, waLogger.Sub("client")),
		logger: logger,
	}
	s.client.AddEventHandler(s.handleEvent)
	return s, nil
}

// Paired reports whether the device has completed pairing.
func (s *WhatsAppSession) Paired() bool {
	return s.client.Store.ID != nil
}

// Connect opens the websocket for a paired device.
func (s *WhatsAppSession) Connect() error {
	if !s.Paired() {
		return ErrNotPaired
	}
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("connecting whatsapp: %w", err)
	}
	return nil
}

// Pair links a new device. onCode is called with every QR code the server
// issues; it returns once pairing succeeds or fails.
func (s *WhatsAppSession) Pair(ctx context.Context, onCode func(code string)) error {
	if s.Paired() {
		return nil
	}
	qrChan, err := s.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("requesting qr channel: %w", err)
	}
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("connecting whatsapp: %w", err)
	}
	for item := range qrChan {
		switch item.Event {
		case "code":
			onCode(item.Code)
		case "success":
			return nil
		default:
			if item.Error != nil {
				return fmt.Errorf("pairing %s: %w", item.Event, item.Error)
			}
			if item.Event != "" {
				return fmt.Errorf("pairing ended: %s", item.Event)
			}
		}
	}
	return ctx.Err()
}

// Close disconnects the websocket.
func (s *WhatsAppSession) Close() {
	s.client.Disconnect()
}

// SendText implements WhatsAppClient.
func (s *WhatsAppSession) SendText(ctx context.Context, to types.JID, text string) (string, error) {
	if !s.client.IsConnected() || !s.client.IsLoggedIn() {
		return "", ErrNotConnected
	}
	resp, err := s.client.SendMessage(ctx, to, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", fmt.Errorf("sending whatsapp message: %w", err)
	}
	return string(resp.ID), nil
}

// OnDelivered implements WhatsAppClient.
func (s *WhatsAppSession) OnDelivered(handler func(messageIDs []string)) {
	s.mu.Lock()
	s.handlers = append(s.handlers, handler)
	s.mu.Unlock()
}

func (s *WhatsAppSession) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Receipt:
		if e.Type != types.ReceiptTypeDelivered && e.Type != types.ReceiptTypeRead {
			return
		}
		ids := make([]string, len(e.MessageIDs))
		for i, id := range e.MessageIDs {
			ids[i] = string(id)
		}
		s.mu.RLock()
		handlers := s.handlers
		s.mu.RUnlock()
		for _, h := range handlers {
			h(ids)
		}
	case *events.Disconnected:
		s.logger.Warn("whatsapp disconnected")
	case *events.LoggedOut:
		s.logger.Error("whatsapp session logged out, pair the device again", "on_connect", e.OnConnect)
	}
}

// slogWA adapts slog to whatsmeow's logger interface.
type slogWA struct {
	logger *slog.Logger
}

func newWALogger(logger *slog.Logger) waLog.Logger { return slogWA{logger: logger} }

func (l slogWA) Errorf(msg string, args ...any) { l.logger.Error(fmt.Sprintf(msg, args...)) }
func (l slogWA) Warnf(msg string, args ...any)  { l.logger.Warn(fmt.Sprintf(msg, args...)) }
func (l slogWA) Infof(msg string, args ...any)  { l.logger.Info(fmt.Sprintf(msg, args...)) }
func (l slogWA) Debugf(msg string, args ...any) { l.logger.Debug(fmt.Sprintf(msg, args...)) }
func (l slogWA) Sub(module string) waLog.Logger {
	return slogWA{logger: l.logger.With("module", module)}
}
