package dispatch

import (
	"sync"

	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// Candidate is one (user, channel) pair the scheduler found inside its
// advance-notice window.
type Candidate struct {
	User    *storage.User
	Channel storage.ChannelType
}

type triggerSource string

const (
	sourceEvent    triggerSource = "event"
	sourceAdvance  triggerSource = "advance"
	sourceRecovery triggerSource = "recovery"
)

// trigger is a unit of work on the trigger bus: one lifecycle event, one
// scheduler batch, or the stale records of one outage.
type trigger struct {
	source     triggerSource
	kind       storage.NotificationKind
	outage     *storage.Outage
	candidates []Candidate
	stale      []storage.Notification
}

// outageID keys the trigger's partition. Every trigger for one outage is
// handled on the same partition, in arrival order.
func (t trigger) outageID() string {
	if t.outage != nil {
		return t.outage.ID
	}
	if len(t.stale) > 0 {
		return t.stale[0].Key.OutageID
	}
	return ""
}

// KindForStatus maps an update to the notification kind its status implies.
func KindForStatus(o *storage.Outage) storage.NotificationKind {
	switch o.Status {
	case storage.OutageCancelled:
		return storage.KindCancelled
	case storage.OutageCompleted:
		return storage.KindRestored
	}
	return storage.KindUpdated
}

// versionTracker remembers the newest version seen per outage.
type versionTracker struct {
	mu     sync.Mutex
	latest map[string]int64
}

func newVersionTracker() *versionTracker {
	return &versionTracker{latest: make(map[string]int64)}
}

// observe records v for the outage and reports whether v is at least as new
// as anything seen before.
func (vt *versionTracker) observe(outageID string, v int64) bool {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	if cur, ok := vt.latest[outageID]; ok && v < cur {
		return false
	}
	vt.latest[outageID] = v
	return true
}

// superseded reports whether a newer version than v has been seen.
func (vt *versionTracker) superseded(outageID string, v int64) bool {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	cur, ok := vt.latest[outageID]
	return ok && v < cur
}
