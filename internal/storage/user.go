package storage

// ChannelType identifies a delivery channel.
type ChannelType string

// Supported channels.
const (
	ChannelEmail        ChannelType = "EMAIL"
	ChannelSMS          ChannelType = "SMS"
	ChannelPush         ChannelType = "PUSH"
	ChannelMessagingApp ChannelType = "MESSAGING_APP"
)

// AllChannels lists every channel in the stable order used for fan-out.
var AllChannels = []ChannelType{ChannelEmail, ChannelSMS, ChannelPush, ChannelMessagingApp}

// Valid reports whether c is a known channel.
func (c ChannelType) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelMessagingApp:
		return true
	}
	return false
}

// NotificationPreference is a user's setting for one (outage type, channel) pair.
type NotificationPreference struct {
	OutageType           OutageType  `json:"outage_type" yaml:"outage_type"`
	Channel              ChannelType `json:"channel" yaml:"channel"`
	Enabled              bool        `json:"enabled" yaml:"enabled"`
	AdvanceNoticeMinutes int         `json:"advance_notice_minutes" yaml:"advance_notice_minutes"`
	ReceiveUpdates       bool        `json:"receive_updates" yaml:"receive_updates"`
	ReceiveRestoration   bool        `json:"receive_restoration" yaml:"receive_restoration"`
}

// User is a subscriber.
type User struct {
	ID          string                   `json:"id" yaml:"id"`
	Name        string                   `json:"name" yaml:"name"`
	Email       string                   `json:"email" yaml:"email"`
	Phone       string                   `json:"phone" yaml:"phone"`
	PushToken   string                   `json:"push_token" yaml:"push_token"`
	MessagingID string                   `json:"messaging_id" yaml:"messaging_id"`
	Locale      string                   `json:"locale" yaml:"locale"`
	Active      bool                     `json:"active" yaml:"active"`
	AreaID      string                   `json:"area_id" yaml:"area_id"`
	Location    *GeoPoint                `json:"location,omitempty" yaml:"location,omitempty"`
	Preferences []NotificationPreference `json:"preferences" yaml:"preferences"`
}

// Address returns the user's contact for the channel, or "" when none is set.
// The messaging app falls back to the phone number.
func (u *User) Address(ch ChannelType) string {
	switch ch {
	case ChannelEmail:
		return u.Email
	case ChannelSMS:
		return u.Phone
	case ChannelPush:
		return u.PushToken
	case ChannelMessagingApp:
		if u.MessagingID != "" {
			return u.MessagingID
		}
		return u.Phone
	}
	return ""
}

// Preference returns the first preference matching the outage type and channel.
func (u *User) Preference(t OutageType, ch ChannelType) (NotificationPreference, bool) {
	for _, p := range u.Preferences {
		if p.OutageType == t && p.Channel == ch {
			return p, true
		}
	}
	return NotificationPreference{}, false
}
