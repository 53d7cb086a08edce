// Package render turns an outage and a user into channel-ready text.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// RenderError reports that content for one task could not be produced.
type RenderError struct {
	Kind    storage.NotificationKind
	Channel storage.ChannelType
	Locale  string
	Err     error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s/%s (%s): %v", e.Kind, e.Channel, e.Locale, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

var (
	errNoTemplate = errors.New("no template")
	errNoArea     = errors.New("outage area name is missing")
	errNoStart    = errors.New("outage start time is missing")
)

// Content is a rendered notification.
type Content struct {
	Subject string            `json:"subject"`
	Body    string            `json:"body"`
	Locale  string            `json:"locale"`
	Data    map[string]string `json:"data,omitempty"`
}

// Time layouts per channel.
var timeLayouts = map[storage.ChannelType]string{
	storage.ChannelEmail:        "Monday, 02 January 2006 15:04 MST",
	storage.ChannelSMS:          "02 Jan 15:04",
	storage.ChannelMessagingApp: "02 Jan 15:04",
	storage.ChannelPush:         "Jan 2, 15:04",
}

// CatalogProvider supplies the catalog in effect at call time.
type CatalogProvider interface {
	Catalog() *Catalog
}

// Renderer renders notifications from a template catalog.
type Renderer struct {
	catalogs CatalogProvider
	loc      *time.Location
	clock    clockwork.Clock
}

// NewRenderer returns a Renderer formatting times in loc. A nil loc means UTC.
func NewRenderer(catalogs CatalogProvider, loc *time.Location, clock clockwork.Clock) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Renderer{catalogs: catalogs, loc: loc, clock: clock}
}

// Render produces the content for one task. It has no side effects; the same
// inputs at the same clock time give the same output.
func (r *Renderer) Render(outage *storage.Outage, user *storage.User, ch storage.ChannelType, kind storage.NotificationKind) (Content, error) {
	catalog := r.catalogs.Catalog()
	fail := func(locale string, err error) (Content, error) {
		return Content{}, &RenderError{Kind: kind, Channel: ch, Locale: locale, Err: err}
	}

	tmpl, ok := catalog.lookup(kind, ch, user.Locale)
	if !ok {
		return fail(user.Locale, errNoTemplate)
	}
	if outage.Area == nil || outage.Area.Name == "" {
		return fail(tmpl.locale, errNoArea)
	}
	if outage.StartTime.IsZero() {
		return fail(tmpl.locale, errNoStart)
	}

	data := r.data(catalog, tmpl.locale, outage, user, ch, kind)

	var subject, body bytes.Buffer
	if err := tmpl.subject.Execute(&subject, data); err != nil {
		return fail(tmpl.locale, err)
	}
	if err := tmpl.body.Execute(&body, data); err != nil {
		return fail(tmpl.locale, err)
	}
	return Content{
		Subject: subject.String(),
		Body:    body.String(),
		Locale:  tmpl.locale,
		Data:    data,
	}, nil
}

func (r *Renderer) data(c *Catalog, locale string, o *storage.Outage, u *storage.User, ch storage.ChannelType, kind storage.NotificationKind) map[string]string {
	layout := timeLayouts[ch]
	format := func(t *time.Time) string {
		if t == nil || t.IsZero() {
			return ""
		}
		return t.In(r.loc).Format(layout)
	}
	start := o.StartTime
	d := map[string]string{
		"outage_id":         o.ID,
		"outage_type":       string(o.Type),
		"outage_type_local": c.word(locale, string(o.Type)),
		"status":            string(o.Status),
		"area_name":         o.Area.Name,
		"district":          o.Area.District,
		"province":          o.Area.Province,
		"start":             format(&start),
		"estimated_end":     format(o.EstimatedEndTime),
		"actual_end":        format(o.ActualEndTime),
		"reason":            o.Reason,
		"hours_until_start": "",
		"user_name":         u.Name,
	}
	if kind == storage.KindAdvance {
		d["hours_until_start"] = fmt.Sprintf("%d", HoursUntil(o.StartTime, r.clock.Now()))
	}
	return d
}

// HoursUntil returns the whole hours from now until start, rounded up and
// never negative.
func HoursUntil(start, now time.Time) int {
	d := start.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours()))
}
