package classifier

import (
	"fmt"
	"strings"
	"time"

	"storewatch/internal/detection"
)

// StoreProfile describes the situational facts of one store.
type StoreProfile struct {
	Timezone        string   `yaml:"timezone"`
	OpenHour        int      `yaml:"open_hour"`
	CloseHour       int      `yaml:"close_hour"`
	HighValueZones  []string `yaml:"high_value_zones"`
	RestrictedAreas []string `yaml:"restricted_areas"`
}

// DefaultStoreProfile is open 08:00-22:00 UTC with no special zones.
func DefaultStoreProfile() StoreProfile {
	return StoreProfile{Timezone: "UTC", OpenHour: 8, CloseHour: 22}
}

// Validate checks the opening hours and timezone.
func (p StoreProfile) Validate() error {
	if p.OpenHour < 0 || p.OpenHour > 23 || p.CloseHour < 0 || p.CloseHour > 24 {
		return fmt.Errorf("opening hours %d-%d outside 0-24", p.OpenHour, p.CloseHour)
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fmt.Errorf("timezone %q: %w", p.Timezone, err)
		}
	}
	return nil
}

type resolvedProfile struct {
	StoreProfile
	loc        *time.Location
	highValue  map[string]bool
	restricted map[string]bool
}

func resolve(p StoreProfile) (resolvedProfile, error) {
	if err := p.Validate(); err != nil {
		return resolvedProfile{}, err
	}
	loc := time.UTC
	if p.Timezone != "" {
		loc, _ = time.LoadLocation(p.Timezone)
	}
	return resolvedProfile{
		StoreProfile: p,
		loc:          loc,
		highValue:    lowerSet(p.HighValueZones),
		restricted:   lowerSet(p.RestrictedAreas),
	}, nil
}

// Profiles resolves the profile of each store, falling back to a default.
type Profiles struct {
	def    resolvedProfile
	stores map[string]resolvedProfile
}

// NewProfiles resolves def and the per-store overrides once.
func NewProfiles(def StoreProfile, stores map[string]StoreProfile) (*Profiles, error) {
	rd, err := resolve(def)
	if err != nil {
		return nil, fmt.Errorf("default store profile: %w", err)
	}
	ps := &Profiles{def: rd, stores: make(map[string]resolvedProfile, len(stores))}
	for id, p := range stores {
		rp, err := resolve(p)
		if err != nil {
			return nil, fmt.Errorf("store %s profile: %w", id, err)
		}
		ps.stores[id] = rp
	}
	return ps, nil
}

func (ps *Profiles) lookup(storeID string) resolvedProfile {
	if p, ok := ps.stores[storeID]; ok {
		return p
	}
	return ps.def
}

// Context derives the situational context of d at now. The detection's own
// timestamp wins over now when set.
func (ps *Profiles) Context(d detection.Detection, now time.Time) Context {
	p := ps.lookup(d.StoreID)
	at := now
	if !d.Timestamp.IsZero() {
		at = d.Timestamp
	}

	area := strings.ToLower(d.Location.Area)
	zone := strings.ToLower(d.Location.Zone)
	return Context{
		Now:            now,
		AfterHours:     p.afterHours(at),
		HighValueZone:  p.highValue[area] || p.highValue[zone],
		RestrictedArea: p.restricted[area] || p.restricted[zone],
		RepeatOffender: d.RepeatOffender,
	}
}

// afterHours handles windows that wrap past midnight. Equal open and close hours
// mean the store never closes.
func (p resolvedProfile) afterHours(at time.Time) bool {
	h := at.In(p.loc).Hour()
	switch {
	case p.OpenHour == p.CloseHour:
		return false
	case p.OpenHour < p.CloseHour:
		return h < p.OpenHour || h >= p.CloseHour
	default:
		return h >= p.CloseHour && h < p.OpenHour
	}
}

func lowerSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			set[s] = true
		}
	}
	return set
}
