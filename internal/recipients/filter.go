package recipients

import (
	"time"

	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// Policy says what an absent preference means.
type Policy int

const (
	// OptIn treats a missing preference as disabled.
	OptIn Policy = iota
	// OptOut treats a missing preference as enabled with updates and restoration.
	OptOut
)

// MissingPreferencePolicy applies to every channel alike. Nothing is sent on a
// user's behalf without an explicit enabled preference.
const MissingPreferencePolicy = OptIn

// Filter selects channels from user preferences.
type Filter struct {
	policy Policy
}

// NewFilter returns a Filter using MissingPreferencePolicy.
func NewFilter() *Filter {
	return &Filter{policy: MissingPreferencePolicy}
}

// NewFilterWithPolicy returns a Filter with an explicit missing-preference policy.
func NewFilterWithPolicy(p Policy) *Filter {
	return &Filter{policy: p}
}

// Channels returns the channels the user wants for this kind of notification
// about the outage, in storage.AllChannels order.
//
// ADVANCE only checks that the preference asks for advance notice at all. The
// timing window is evaluated by the scheduler via InAdvanceWindow.
func (f *Filter) Channels(user *storage.User, outage *storage.Outage, kind storage.NotificationKind) []storage.ChannelType {
	var out []storage.ChannelType
	for _, ch := range storage.AllChannels {
		pref, ok := f.preference(user, outage.Type, ch)
		if !ok || !pref.Enabled {
			continue
		}
		if allows(pref, kind) {
			out = append(out, ch)
		}
	}
	return out
}

// Dispatchable narrows Channels to those the user has an address for.
func (f *Filter) Dispatchable(user *storage.User, outage *storage.Outage, kind storage.NotificationKind) []storage.ChannelType {
	chans := f.Channels(user, outage, kind)
	out := chans[:0]
	for _, ch := range chans {
		if user.Address(ch) != "" {
			out = append(out, ch)
		}
	}
	return out
}

// AdvanceMinutes returns the advance-notice lead the user set for the pair, or
// zero when none applies.
func (f *Filter) AdvanceMinutes(user *storage.User, outageType storage.OutageType, ch storage.ChannelType) int {
	pref, ok := f.preference(user, outageType, ch)
	if !ok || !pref.Enabled || pref.AdvanceNoticeMinutes <= 0 {
		return 0
	}
	return pref.AdvanceNoticeMinutes
}

func (f *Filter) preference(user *storage.User, t storage.OutageType, ch storage.ChannelType) (storage.NotificationPreference, bool) {
	if pref, ok := user.Preference(t, ch); ok {
		return pref, true
	}
	if f.policy == OptOut {
		return storage.NotificationPreference{
			OutageType: t, Channel: ch, Enabled: true,
			ReceiveUpdates: true, ReceiveRestoration: true,
		}, true
	}
	return storage.NotificationPreference{}, false
}

func allows(pref storage.NotificationPreference, kind storage.NotificationKind) bool {
	switch kind {
	case storage.KindCreated:
		return true
	case storage.KindUpdated, storage.KindCancelled:
		return pref.ReceiveUpdates
	case storage.KindRestored:
		return pref.ReceiveRestoration
	case storage.KindAdvance:
		return pref.AdvanceNoticeMinutes > 0
	}
	return false
}

// InAdvanceWindow reports whether now lies in [start - minutes, start).
func InAdvanceWindow(start, now time.Time, minutes int) bool {
	if minutes <= 0 {
		return false
	}
	open := start.Add(-time.Duration(minutes) * time.Minute)
	return !now.Before(open) && now.Before(start)
}
