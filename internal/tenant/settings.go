// Package tenant holds per-tenant operating settings: office hours and the
// operator addresses notified about queue items.
package tenant

import (
	"strings"
	"time"
)

// DayHours are the opening hours for one day in 24h "15:04" form.
// A nil *DayHours means closed.
type DayHours struct {
	Open  string `json:"open"`
	Close string `json:"close"`
}

// BusinessHours maps weekdays to their hours.
type BusinessHours struct {
	Monday    *DayHours `json:"monday,omitempty"`
	Tuesday   *DayHours `json:"tuesday,omitempty"`
	Wednesday *DayHours `json:"wednesday,omitempty"`
	Thursday  *DayHours `json:"thursday,omitempty"`
	Friday    *DayHours `json:"friday,omitempty"`
	Saturday  *DayHours `json:"saturday,omitempty"`
	Sunday    *DayHours `json:"sunday,omitempty"`
}

// ForDay returns the hours for weekday.
func (b *BusinessHours) ForDay(weekday time.Weekday) *DayHours {
	switch weekday {
	case time.Sunday:
		return b.Sunday
	case time.Monday:
		return b.Monday
	case time.Tuesday:
		return b.Tuesday
	case time.Wednesday:
		return b.Wednesday
	case time.Thursday:
		return b.Thursday
	case time.Friday:
		return b.Friday
	case time.Saturday:
		return b.Saturday
	}
	return nil
}

// HasAnyHours reports whether at least one day is configured.
func (b *BusinessHours) HasAnyHours() bool {
	return b.Sunday != nil || b.Monday != nil || b.Tuesday != nil ||
		b.Wednesday != nil || b.Thursday != nil || b.Friday != nil || b.Saturday != nil
}

// Settings are a tenant's operating settings.
type Settings struct {
	TenantID           string        `json:"tenant_id"`
	Timezone           string        `json:"timezone"`
	OfficeHoursEnabled bool          `json:"office_hours_enabled"`
	BusinessHours      BusinessHours `json:"business_hours"`
	NotifyEmails       []string      `json:"notify_emails,omitempty"`
}

// DefaultSettings returns the settings used until a tenant saves its own:
// office hours off, weekdays 09:00-18:00 pre-filled.
func DefaultSettings(tenantID, timezone string) *Settings {
	if strings.TrimSpace(timezone) == "" {
		timezone = "Europe/Berlin"
	}
	weekday := func() *DayHours { return &DayHours{Open: "09:00", Close: "18:00"} }
	return &Settings{
		TenantID: tenantID,
		Timezone: timezone,
		BusinessHours: BusinessHours{
			Monday:    weekday(),
			Tuesday:   weekday(),
			Wednesday: weekday(),
			Thursday:  weekday(),
			Friday:    weekday(),
		},
	}
}

func (s *Settings) location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsOpenAt reports whether replies may be sent automatically at t. With
// office hours disabled, or no hours configured at all, the tenant is
// always open.
func (s *Settings) IsOpenAt(t time.Time) bool {
	if s == nil || !s.OfficeHoursEnabled {
		return true
	}
	local := t.In(s.location())
	hours := s.BusinessHours.ForDay(local.Weekday())
	if hours == nil {
		return !s.BusinessHours.HasAnyHours()
	}
	open, ok := minutesOf(hours.Open)
	if !ok {
		return false
	}
	closing, ok := minutesOf(hours.Close)
	if !ok {
		return false
	}
	now := local.Hour()*60 + local.Minute()
	return now >= open && now < closing
}

// NextOpenTime returns when the tenant next opens, or t when already open.
// The zero time is returned when no day within a week is open.
func (s *Settings) NextOpenTime(t time.Time) time.Time {
	if s.IsOpenAt(t) {
		return t
	}
	loc := s.location()
	local := t.In(loc)
	for i := 0; i < 8; i++ {
		day := local.AddDate(0, 0, i)
		hours := s.BusinessHours.ForDay(day.Weekday())
		if hours == nil {
			continue
		}
		open, ok := minutesOf(hours.Open)
		if !ok {
			continue
		}
		candidate := time.Date(day.Year(), day.Month(), day.Day(), open/60, open%60, 0, 0, loc)
		if candidate.After(local) {
			return candidate
		}
	}
	return time.Time{}
}

func minutesOf(hhmm string) (int, bool) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(hhmm))
	if err != nil {
		return 0, false
	}
	return parsed.Hour()*60 + parsed.Minute(), true
}
