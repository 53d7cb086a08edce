package storage

import (
	"fmt"
	"time"
)

// OutageType is the utility affected by an outage.
type OutageType string

// Supported outage types.
const (
	OutageElectricity OutageType = "ELECTRICITY"
	OutageWater       OutageType = "WATER"
	OutageGas         OutageType = "GAS"
)

// Valid reports whether t is a known outage type.
func (t OutageType) Valid() bool {
	switch t {
	case OutageElectricity, OutageWater, OutageGas:
		return true
	}
	return false
}

// OutageStatus is the lifecycle state of an outage.
type OutageStatus string

// Outage lifecycle states.
const (
	OutageScheduled OutageStatus = "SCHEDULED"
	OutageOngoing   OutageStatus = "ONGOING"
	OutageCompleted OutageStatus = "COMPLETED"
	OutageCancelled OutageStatus = "CANCELLED"
)

// Valid reports whether s is a known outage status.
func (s OutageStatus) Valid() bool {
	switch s {
	case OutageScheduled, OutageOngoing, OutageCompleted, OutageCancelled:
		return true
	}
	return false
}

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Polygon is a closed ring of points. The last point does not need to repeat
// the first one.
type Polygon []GeoPoint

// Contains reports whether p lies inside the polygon using ray casting.
// Points exactly on an edge may be reported either way.
func (poly Polygon) Contains(p GeoPoint) bool {
	if len(poly) < 3 {
		return false
	}
	inside := false
	j := len(poly) - 1
	for i := range poly {
		a, b := poly[i], poly[j]
		if (a.Lat > p.Lat) != (b.Lat > p.Lat) {
			crossLng := (b.Lng-a.Lng)*(p.Lat-a.Lat)/(b.Lat-a.Lat) + a.Lng
			if p.Lng < crossLng {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// Area is an administrative service area.
type Area struct {
	ID       string  `json:"id" yaml:"id"`
	Name     string  `json:"name" yaml:"name"`
	District string  `json:"district" yaml:"district"`
	Province string  `json:"province" yaml:"province"`
	Boundary Polygon `json:"boundary,omitempty" yaml:"boundary,omitempty"`
}

// Outage is a service interruption for one utility over one area.
// It is owned by the outage-management side and read-only to the engine.
type Outage struct {
	ID               string       `json:"id" yaml:"id"`
	Type             OutageType   `json:"type" yaml:"type"`
	Status           OutageStatus `json:"status" yaml:"status"`
	StartTime        time.Time    `json:"start_time" yaml:"start_time"`
	EstimatedEndTime *time.Time   `json:"estimated_end_time,omitempty" yaml:"estimated_end_time,omitempty"`
	ActualEndTime    *time.Time   `json:"actual_end_time,omitempty" yaml:"actual_end_time,omitempty"`
	AreaID           string       `json:"area_id" yaml:"area_id"`
	Area             *Area        `json:"area,omitempty" yaml:"area,omitempty"`
	Shape            Polygon      `json:"shape,omitempty" yaml:"shape,omitempty"`
	Reason           string       `json:"reason" yaml:"reason"`
	ProviderRef      string       `json:"provider_ref" yaml:"provider_ref"`
	Version          int64        `json:"version" yaml:"version"`
	CreatedAt        time.Time    `json:"created_at" yaml:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at" yaml:"updated_at"`
}

// EffectiveVersion returns Version when set, otherwise the update timestamp in
// milliseconds. Versions only need to grow monotonically per outage.
func (o *Outage) EffectiveVersion() int64 {
	if o.Version != 0 {
		return o.Version
	}
	return o.UpdatedAt.UnixMilli()
}

// Validate checks the fields the engine relies on.
func (o *Outage) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("outage id is required")
	}
	if !o.Type.Valid() {
		return fmt.Errorf("outage %q: unknown type %q", o.ID, o.Type)
	}
	if !o.Status.Valid() {
		return fmt.Errorf("outage %q: unknown status %q", o.ID, o.Status)
	}
	if o.AreaID == "" && o.Area == nil {
		return fmt.Errorf("outage %q: area is required", o.ID)
	}
	if o.StartTime.IsZero() {
		return fmt.Errorf("outage %q: start time is required", o.ID)
	}
	return nil
}

// EffectiveAreaID returns the area id, preferring the resolved area.
func (o *Outage) EffectiveAreaID() string {
	if o.Area != nil && o.Area.ID != "" {
		return o.Area.ID
	}
	return o.AreaID
}
