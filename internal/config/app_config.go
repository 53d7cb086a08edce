package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// Email providers.
const (
	EmailProviderAuto     = ""
	EmailProviderSMTP     = "smtp"
	EmailProviderPostmark = "postmark"
	EmailProviderNoop     = "noop"
	// EmailProviderNone is what ResolvedEmailProvider reports when email is
	// not configured outside dev mode; the channel stays unregistered.
	EmailProviderNone = "none"
)

// AppConfig holds all application-level configuration loaded from environment variables.
type AppConfig struct {
	// Port is the HTTP server port. Defaults to 8990.
	Port int `envconfig:"PORT" default:"8990"`

	// DataDir is the root data directory. Defaults to ~/.outagewatch.
	DataDir string `envconfig:"OUTAGEWATCH_DATA_DIR"`

	// DevMode registers the logging Noop dispatcher for channels without a
	// provider. Off, such channels are left out and produce no notifications.
	DevMode bool `envconfig:"OUTAGEWATCH_DEV_MODE" default:"false"`

	// LogLevel sets the minimum log level (debug, info, warn, error). Defaults to info.
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
	LogMaxSizeMB  int    `envconfig:"LOG_MAX_SIZE_MB" default:"50"`
	LogMaxBackups int    `envconfig:"LOG_MAX_BACKUPS" default:"5"`
	LogMaxAgeDays int    `envconfig:"LOG_MAX_AGE_DAYS" default:"28"`

	// Dispatch engine sizing.
	Workers        int           `envconfig:"DISPATCH_WORKERS" default:"8"`
	TriggerWorkers int           `envconfig:"DISPATCH_TRIGGER_WORKERS" default:"2"`
	TriggerQueue   int           `envconfig:"DISPATCH_TRIGGER_QUEUE" default:"256"`
	TriggerRetries int           `envconfig:"DISPATCH_TRIGGER_RETRIES" default:"3"`
	SendTimeout    time.Duration `envconfig:"DISPATCH_SEND_TIMEOUT" default:"30s"`

	// ChannelMaxInFlight caps concurrent sends per channel, e.g. "SMS:4,EMAIL:16".
	ChannelMaxInFlight map[string]int64 `envconfig:"CHANNEL_MAX_IN_FLIGHT"`
	// ChannelRatePerSecond caps send starts per channel, e.g. "SMS:5".
	ChannelRatePerSecond map[string]float64 `envconfig:"CHANNEL_RATE_PER_SECOND"`

	// Retry policy.
	MaxAttempts   int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	BackoffBase   time.Duration `envconfig:"RETRY_BACKOFF_BASE" default:"30s"`
	BackoffMax    time.Duration `envconfig:"RETRY_BACKOFF_MAX" default:"30m"`
	BackoffJitter float64       `envconfig:"RETRY_BACKOFF_JITTER" default:"0.2"`
	// Lease is how long a PENDING record may sit untouched before the
	// recovery sweep re-queues it.
	Lease time.Duration `envconfig:"DELIVERY_LEASE" default:"10m"`

	SchedulerInterval time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"5m"`
	SchedulerHorizon  time.Duration `envconfig:"SCHEDULER_HORIZON" default:"48h"`
	RecoveryInterval  time.Duration `envconfig:"RECOVERY_INTERVAL" default:"1m"`

	AuditWorkers int `envconfig:"AUDIT_WORKERS" default:"2"`
	AuditBuffer  int `envconfig:"AUDIT_BUFFER" default:"1024"`

	// TimeZone is used for times shown in messages.
	TimeZone string `envconfig:"DISPLAY_TIME_ZONE" default:"UTC"`
	// TemplateFile overrides the embedded message templates and is reloaded on change.
	TemplateFile string `envconfig:"TEMPLATE_FILE"`

	// EmailProvider selects smtp, postmark or noop (dev mode only). Empty picks
	// postmark when a server token is set, then smtp when a host is set.
	EmailProvider string `envconfig:"EMAIL_PROVIDER"`
	EmailFrom     string `envconfig:"EMAIL_FROM"`
	EmailFromName string `envconfig:"EMAIL_FROM_NAME" default:"Outage Alerts"`

	SMTPHost       string `envconfig:"SMTP_HOST"`
	SMTPPort       int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername   string `envconfig:"SMTP_USERNAME"`
	SMTPPassword   string `envconfig:"SMTP_PASSWORD"`
	SMTPEncryption string `envconfig:"SMTP_ENCRYPTION" default:"starttls"`

	PostmarkServerToken  string `envconfig:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `envconfig:"POSTMARK_ACCOUNT_TOKEN"`
	PostmarkMessageTag   string `envconfig:"POSTMARK_MESSAGE_TAG" default:"outage"`

	SMSGatewayURL string `envconfig:"SMS_GATEWAY_URL"`
	SMSAPIKey     string `envconfig:"SMS_API_KEY"`
	SMSUserID     string `envconfig:"SMS_USER_ID"`
	SMSPassword   string `envconfig:"SMS_PASSWORD"`
	SMSSenderID   string `envconfig:"SMS_SENDER_ID"`

	FCMProjectID       string `envconfig:"FCM_PROJECT_ID"`
	FCMCredentialsFile string `envconfig:"FCM_CREDENTIALS_FILE"`

	// WhatsAppEnabled turns on the messaging-app channel. The device must be
	// paired first with `outagewatch whatsapp-pair`.
	WhatsAppEnabled bool `envconfig:"WHATSAPP_ENABLED"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"outage-events"`
	KafkaGroupID string   `envconfig:"KAFKA_GROUP_ID" default:"outagewatch"`

	// RedisURL enables the distributed scheduler lock, e.g. redis://localhost:6379/0.
	RedisURL string `envconfig:"REDIS_URL"`

	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `envconfig:"OTEL_EXPORTER_OTLP_INSECURE"`

	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS"`
}

// Load reads AppConfig from environment variables using envconfig. A .env
// file in the working directory is read first; variables already set in the
// environment win. DataDir defaults to ~/.outagewatch if not set.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	var c AppConfig
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".outagewatch")
	}
	c.EmailProvider = strings.ToLower(strings.TrimSpace(c.EmailProvider))
	return &c, nil
}

// Validate reports every setting that cannot work.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.Workers <= 0 || c.TriggerWorkers <= 0 || c.TriggerQueue <= 0 {
		errs = append(errs, errors.New("dispatch workers and queue sizes must be positive"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		errs = append(errs, errors.New("RETRY_BACKOFF_MAX must be at least RETRY_BACKOFF_BASE, both positive"))
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		errs = append(errs, errors.New("RETRY_BACKOFF_JITTER must be in [0, 1)"))
	}
	if c.Lease <= c.SendTimeout {
		errs = append(errs, errors.New("DELIVERY_LEASE must exceed DISPATCH_SEND_TIMEOUT"))
	}
	if c.SchedulerInterval <= 0 || c.SchedulerHorizon <= 0 {
		errs = append(errs, errors.New("SCHEDULER_INTERVAL and SCHEDULER_HORIZON must be positive"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	switch c.EmailProvider {
	case EmailProviderAuto:
	case EmailProviderNoop:
		if !c.DevMode {
			errs = append(errs, errors.New("EMAIL_PROVIDER=noop requires OUTAGEWATCH_DEV_MODE"))
		}
	case EmailProviderSMTP:
		if c.SMTPHost == "" {
			errs = append(errs, errors.New("SMTP_HOST is required for the smtp email provider"))
		}
	case EmailProviderPostmark:
		if c.PostmarkServerToken == "" {
			errs = append(errs, errors.New("POSTMARK_SERVER_TOKEN is required for the postmark email provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EMAIL_PROVIDER %q", c.EmailProvider))
	}
	for ch := range c.ChannelMaxInFlight {
		if !storage.ChannelType(ch).Valid() {
			errs = append(errs, fmt.Errorf("CHANNEL_MAX_IN_FLIGHT: unknown channel %q", ch))
		}
	}
	for ch := range c.ChannelRatePerSecond {
		if !storage.ChannelType(ch).Valid() {
			errs = append(errs, fmt.Errorf("CHANNEL_RATE_PER_SECOND: unknown channel %q", ch))
		}
	}
	return errors.Join(errs...)
}

// ResolvedEmailProvider applies the auto-selection rule. With nothing
// configured it is noop in dev mode and EmailProviderNone otherwise.
func (c *AppConfig) ResolvedEmailProvider() string {
	if c.EmailProvider != EmailProviderAuto {
		return c.EmailProvider
	}
	switch {
	case c.PostmarkServerToken != "":
		return EmailProviderPostmark
	case c.SMTPHost != "":
		return EmailProviderSMTP
	case c.DevMode:
		return EmailProviderNoop
	}
	return EmailProviderNone
}

// SlogLevel converts the LogLevel string to a slog.Level.
// Unknown values default to slog.LevelInfo.
func (c *AppConfig) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Location loads the display time zone.
func (c *AppConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("DISPLAY_TIME_ZONE %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// LogDir returns the path to the log directory (~/.outagewatch/logs).
func (c *AppConfig) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// DBPath returns the path to the main SQLite database.
func (c *AppConfig) DBPath() string {
	return filepath.Join(c.DataDir, "outagewatch.db")
}

// WhatsAppDBPath returns the path to the WhatsApp device store.
func (c *AppConfig) WhatsAppDBPath() string {
	return filepath.Join(c.DataDir, "whatsapp.db")
}
