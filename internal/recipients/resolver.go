// Package recipients decides who hears about an outage and on which channels.
package recipients

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// Match reasons reported on a Recipient.
const (
	ReasonArea  = "area"
	ReasonShape = "shape"
)

// ResolutionError reports that recipients for an outage could not be looked up.
// The whole trigger is skipped when it occurs.
type ResolutionError struct {
	OutageID string
	Err      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving recipients for outage %q: %v", e.OutageID, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Recipient is a user affected by an outage.
type Recipient struct {
	User   *storage.User
	Reason string
}

// UserSource is the part of the directory the resolver reads.
type UserSource interface {
	ListActiveUsersByArea(ctx context.Context, areaID string) ([]*storage.User, error)
}

// Resolver maps an outage to the active users inside its area.
type Resolver struct {
	users  UserSource
	logger *slog.Logger
}

// NewResolver returns a Resolver reading from users.
func NewResolver(users UserSource, logger *slog.Logger) *Resolver {
	return &Resolver{users: users, logger: logger}
}

// Resolve returns every active user whose service address falls within the
// outage's area, without duplicates and in directory order.
//
// When the outage carries a Shape, or failing that its area has a Boundary,
// users with coordinates must lie inside that polygon. Users without
// coordinates are matched by area id alone.
func (r *Resolver) Resolve(ctx context.Context, outage *storage.Outage) ([]Recipient, error) {
	areaID := outage.EffectiveAreaID()
	if areaID == "" {
		return nil, &ResolutionError{OutageID: outage.ID, Err: fmt.Errorf("outage has no area")}
	}

	users, err := r.users.ListActiveUsersByArea(ctx, areaID)
	if err != nil {
		return nil, &ResolutionError{OutageID: outage.ID, Err: err}
	}

	poly := outage.Shape
	if len(poly) < 3 && outage.Area != nil {
		poly = outage.Area.Boundary
	}

	seen := make(map[string]struct{}, len(users))
	out := make([]Recipient, 0, len(users))
	for _, u := range users {
		if u == nil || !u.Active {
			continue
		}
		if _, dup := seen[u.ID]; dup {
			continue
		}
		reason := ReasonArea
		if len(poly) >= 3 && u.Location != nil {
			if !poly.Contains(*u.Location) {
				continue
			}
			reason = ReasonShape
		}
		seen[u.ID] = struct{}{}
		out = append(out, Recipient{User: u, Reason: reason})
	}

	r.logger.Debug("recipients resolved",
		"outage_id", outage.ID,
		"area_id", areaID,
		"candidates", len(users),
		"recipients", len(out),
	)
	return out, nil
}
