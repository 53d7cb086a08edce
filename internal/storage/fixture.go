package storage

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Fixture is a YAML snapshot of directory data used to seed a deployment.
type Fixture struct {
	Areas   []Area   `yaml:"areas"`
	Users   []User   `yaml:"users"`
	Outages []Outage `yaml:"outages"`
}

// FixtureStats counts what Apply wrote.
type FixtureStats struct {
	Areas   int
	Users   int
	Outages int
}

// LoadFixture parses the fixture file at path. Unknown keys are rejected so
// typos in preference fields do not silently disable channels.
func LoadFixture(path string) (*Fixture, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("opening fixture: %w", err)
	}
	defer f.Close() //nolint:errcheck

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var fx Fixture
	if err := dec.Decode(&fx); err != nil {
		return nil, fmt.Errorf("parsing fixture %s: %w", path, err)
	}
	return &fx, nil
}

// Apply upserts areas first, then users, then outages.
func (fx *Fixture) Apply(ctx context.Context, store DirectoryStore) (FixtureStats, error) {
	var stats FixtureStats
	for i := range fx.Areas {
		if err := store.UpsertArea(ctx, &fx.Areas[i]); err != nil {
			return stats, fmt.Errorf("area %s: %w", fx.Areas[i].ID, err)
		}
		stats.Areas++
	}
	for i := range fx.Users {
		u := &fx.Users[i]
		for _, p := range u.Preferences {
			if !p.Channel.Valid() {
				return stats, fmt.Errorf("user %s: unknown channel %q", u.ID, p.Channel)
			}
		}
		if err := store.UpsertUser(ctx, u); err != nil {
			return stats, fmt.Errorf("user %s: %w", u.ID, err)
		}
		stats.Users++
	}
	for i := range fx.Outages {
		o := &fx.Outages[i]
		if err := o.Validate(); err != nil {
			return stats, err
		}
		if err := store.UpsertOutage(ctx, o); err != nil {
			return stats, fmt.Errorf("outage %s: %w", o.ID, err)
		}
		stats.Outages++
	}
	return stats, nil
}
